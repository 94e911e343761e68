package extract

import (
	"context"
	"image"
	"math"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
	"golang.org/x/image/draw"
)

const MethodStatistical = "statistical"

const (
	statisticalGrid = 256
	// Laplacian variance of camera sensor noise on a 256px grid sits well
	// above this; rendered images are much smoother.
	noiseReference = 400.0
	// Saturation spread below this reads as an over-uniform palette.
	saturationReference = 0.25
)

// StatisticalMethod scores residual noise and color distribution. Generated
// images tend to be smoother and more uniformly saturated than photographs.
type StatisticalMethod struct{}

func NewStatisticalMethod() *StatisticalMethod {
	return &StatisticalMethod{}
}

func (m *StatisticalMethod) Name() string { return MethodStatistical }

func (m *StatisticalMethod) Score(ctx context.Context, img *model.Image) (float64, error) {
	if img == nil || img.Decoded == nil {
		return 0, ErrNotDecoded
	}
	b := img.Decoded.Bounds()
	if b.Dx() < 8 || b.Dy() < 8 {
		return 0, goerr.New("image too small for statistical analysis", goerr.V("width", b.Dx()), goerr.V("height", b.Dy()))
	}

	noise := laplacianVariance(lumaGrid(img.Decoded, statisticalGrid))
	smoothness := clamp01(1 - noise/noiseReference)

	spread := saturationSpread(img.Decoded)
	uniformity := clamp01(1 - spread/saturationReference)

	return clamp01(0.7*smoothness + 0.3*uniformity), nil
}

func laplacianVariance(grid [][]float64) float64 {
	n := len(grid)
	if n < 3 {
		return 0
	}

	var sum, sumSq float64
	var count int
	for y := 1; y < n-1; y++ {
		for x := 1; x < n-1; x++ {
			v := grid[y-1][x] + grid[y+1][x] + grid[y][x-1] + grid[y][x+1] - 4*grid[y][x]
			sum += v
			sumSq += v * v
			count++
		}
	}
	mean := sum / float64(count)
	return sumSq/float64(count) - mean*mean
}

// saturationSpread returns the standard deviation of per-pixel saturation on
// a 64px thumbnail
func saturationSpread(src image.Image) float64 {
	const size = 64
	thumb := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), src, src.Bounds(), draw.Src, nil)

	var sum, sumSq float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			s := saturation(thumb.At(x, y))
			sum += s
			sumSq += s * s
		}
	}
	n := float64(size * size)
	mean := sum / n
	return math.Sqrt(math.Max(0, sumSq/n-mean*mean))
}
