package extract

import (
	"context"
	"math"

	"github.com/m-mizutani/proofgate/pkg/model"
)

const MethodFrequency = "frequency"

const (
	frequencyGrid = 128
	blockSize     = 8
	// Share of AC energy outside the low-frequency corner typical for photos.
	highFrequencyReference = 0.12
)

// FrequencyMethod looks at block DCT spectra. Upsampling and denoising in
// generators suppress high frequency energy.
type FrequencyMethod struct {
	basis [blockSize][blockSize]float64
}

func NewFrequencyMethod() *FrequencyMethod {
	m := &FrequencyMethod{}
	for u := 0; u < blockSize; u++ {
		for x := 0; x < blockSize; x++ {
			m.basis[u][x] = math.Cos(float64(2*x+1) * float64(u) * math.Pi / (2 * blockSize))
		}
	}
	return m
}

func (m *FrequencyMethod) Name() string { return MethodFrequency }

func (m *FrequencyMethod) Score(ctx context.Context, img *model.Image) (float64, error) {
	if img == nil || img.Decoded == nil {
		return 0, ErrNotDecoded
	}

	grid := lumaGrid(img.Decoded, frequencyGrid)
	ratio := m.highFrequencyRatio(grid)
	return clamp01(1 - ratio/highFrequencyReference), nil
}

// highFrequencyRatio returns high band AC energy over total AC energy
// accumulated across all 8x8 blocks. Flat images report 0.
func (m *FrequencyMethod) highFrequencyRatio(grid [][]float64) float64 {
	var high, total float64
	var block [blockSize][blockSize]float64

	for by := 0; by+blockSize <= len(grid); by += blockSize {
		for bx := 0; bx+blockSize <= len(grid); bx += blockSize {
			for y := 0; y < blockSize; y++ {
				for x := 0; x < blockSize; x++ {
					block[y][x] = grid[by+y][bx+x] - 128
				}
			}

			for v := 0; v < blockSize; v++ {
				for u := 0; u < blockSize; u++ {
					if u == 0 && v == 0 {
						continue
					}
					c := m.coefficient(&block, u, v)
					e := c * c
					total += e
					if u+v >= blockSize/2+1 {
						high += e
					}
				}
			}
		}
	}

	if total == 0 {
		return 0
	}
	return high / total
}

func (m *FrequencyMethod) coefficient(block *[blockSize][blockSize]float64, u, v int) float64 {
	var sum float64
	for y := 0; y < blockSize; y++ {
		for x := 0; x < blockSize; x++ {
			sum += block[y][x] * m.basis[u][x] * m.basis[v][y]
		}
	}
	return sum
}
