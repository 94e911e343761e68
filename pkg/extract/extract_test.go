package extract_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/proofgate/pkg/dedup"
	"github.com/m-mizutani/proofgate/pkg/extract"
	"github.com/m-mizutani/proofgate/pkg/model"
)

func flatImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func noiseImage(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

func gradientImage(w, h int, offset int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*255/w + offset) % 256)
			u := uint8((y*255/h + offset) % 256)
			img.Set(x, y, color.RGBA{R: v, G: u, B: 128, A: 255})
		}
	}
	return img
}

func pngImage(t *testing.T, src image.Image) *model.Image {
	t.Helper()
	var buf bytes.Buffer
	gt.NoError(t, png.Encode(&buf, src))
	return &model.Image{
		Source:   "test.png",
		Data:     buf.Bytes(),
		MIMEType: "image/png",
		Decoded:  src,
	}
}

func TestPerceptualHash(t *testing.T) {
	ctx := context.Background()
	hasher := extract.NewPerceptionHasher()

	t.Run("identical images hash equal", func(t *testing.T) {
		a, err := hasher.PerceptualHash(ctx, &model.Image{Decoded: gradientImage(128, 128, 0)})
		gt.NoError(t, err)
		b, err := hasher.PerceptualHash(ctx, &model.Image{Decoded: gradientImage(128, 128, 0)})
		gt.NoError(t, err)

		gt.Equal(t, a, b)
		gt.Equal(t, len(a), 16)

		d, err := dedup.Hamming(a, b)
		gt.NoError(t, err)
		gt.Equal(t, d, 0)
	})

	t.Run("resized copy stays within duplicate distance", func(t *testing.T) {
		a, err := hasher.PerceptualHash(ctx, &model.Image{Decoded: gradientImage(256, 256, 0)})
		gt.NoError(t, err)
		b, err := hasher.PerceptualHash(ctx, &model.Image{Decoded: gradientImage(128, 128, 0)})
		gt.NoError(t, err)

		d, err := dedup.Hamming(a, b)
		gt.NoError(t, err)
		gt.Number(t, d).LessOrEqual(dedup.DefaultHashThreshold)
	})

	t.Run("unrelated images differ", func(t *testing.T) {
		a, err := hasher.PerceptualHash(ctx, &model.Image{Decoded: noiseImage(128, 128, 1)})
		gt.NoError(t, err)
		b, err := hasher.PerceptualHash(ctx, &model.Image{Decoded: noiseImage(128, 128, 2)})
		gt.NoError(t, err)

		d, err := dedup.Hamming(a, b)
		gt.NoError(t, err)
		gt.Number(t, d).Greater(dedup.DefaultHashThreshold)
	})

	t.Run("undecoded image", func(t *testing.T) {
		_, err := hasher.PerceptualHash(ctx, &model.Image{Source: "x"})
		gt.Error(t, err)
		gt.True(t, errors.Is(err, extract.ErrNotDecoded))
	})
}

func TestStatisticalMethod(t *testing.T) {
	ctx := context.Background()
	m := extract.NewStatisticalMethod()
	gt.Equal(t, m.Name(), extract.MethodStatistical)

	flat, err := m.Score(ctx, &model.Image{Decoded: flatImage(64, 64, color.Gray{Y: 120})})
	gt.NoError(t, err)
	gt.Number(t, flat).Greater(0.9)

	noisy, err := m.Score(ctx, &model.Image{Decoded: noiseImage(256, 256, 7)})
	gt.NoError(t, err)
	gt.Number(t, noisy).Less(0.5)

	_, err = m.Score(ctx, &model.Image{Decoded: flatImage(4, 4, color.White)})
	gt.Error(t, err)

	_, err = m.Score(ctx, &model.Image{})
	gt.True(t, errors.Is(err, extract.ErrNotDecoded))
}

func TestFrequencyMethod(t *testing.T) {
	ctx := context.Background()
	m := extract.NewFrequencyMethod()
	gt.Equal(t, m.Name(), extract.MethodFrequency)

	flat, err := m.Score(ctx, &model.Image{Decoded: flatImage(64, 64, color.Gray{Y: 200})})
	gt.NoError(t, err)
	gt.Equal(t, flat, 1.0)

	noisy, err := m.Score(ctx, &model.Image{Decoded: noiseImage(128, 128, 3)})
	gt.NoError(t, err)
	gt.Number(t, noisy).Less(0.1)
}

func TestMetadataMethod(t *testing.T) {
	ctx := context.Background()
	m := extract.NewMetadataMethod()
	gt.Equal(t, m.Name(), extract.MethodMetadata)

	t.Run("no data is neutral", func(t *testing.T) {
		s, err := m.Score(ctx, &model.Image{})
		gt.NoError(t, err)
		gt.Equal(t, s, 0.5)
	})

	t.Run("unsupported format is neutral", func(t *testing.T) {
		s, err := m.Score(ctx, &model.Image{Data: []byte("GIF89a"), MIMEType: "image/gif"})
		gt.NoError(t, err)
		gt.Equal(t, s, 0.5)
	})

	t.Run("png without metadata is neutral", func(t *testing.T) {
		s, err := m.Score(ctx, pngImage(t, gradientImage(32, 32, 0)))
		gt.NoError(t, err)
		gt.Equal(t, s, 0.5)
	})
}

type fixedMethod struct {
	name  string
	score float64
	err   error
}

func (m *fixedMethod) Name() string { return m.name }

func (m *fixedMethod) Score(ctx context.Context, img *model.Image) (float64, error) {
	return m.score, m.err
}

func TestEnsemble(t *testing.T) {
	ctx := context.Background()
	img := &model.Image{Source: "x"}

	t.Run("weighted combination", func(t *testing.T) {
		e, err := extract.NewEnsemble([]extract.WeightedMethod{
			{Method: &fixedMethod{name: "a", score: 1.0}, Weight: 0.4},
			{Method: &fixedMethod{name: "b", score: 0.5}, Weight: 0.2},
			{Method: &fixedMethod{name: "c", score: 0.0}, Weight: 0.2},
			{Method: &fixedMethod{name: "d", score: 1.0}, Weight: 0.2},
		})
		gt.NoError(t, err)

		r, err := e.DetectSynthetic(ctx, img)
		gt.NoError(t, err)
		gt.Number(t, r.Confidence).Greater(0.699)
		gt.Number(t, r.Confidence).Less(0.701)
		gt.True(t, r.IsSynthetic)
		gt.A(t, r.MethodsUsed).Length(4)
		gt.Equal(t, r.Scores["b"], 0.5)
		gt.Equal(t, len(r.Errors), 0)
	})

	t.Run("failed method contributes zero and is excluded", func(t *testing.T) {
		e, err := extract.NewEnsemble([]extract.WeightedMethod{
			{Method: &fixedMethod{name: "vision", err: goerr.New("quota")}, Weight: 0.4},
			{Method: &fixedMethod{name: "statistical", score: 1.0}, Weight: 0.6},
		})
		gt.NoError(t, err)

		r, err := e.DetectSynthetic(ctx, img)
		gt.NoError(t, err)
		gt.Number(t, r.Confidence).Greater(0.599)
		gt.Number(t, r.Confidence).Less(0.601)
		gt.Equal(t, r.MethodsUsed, []string{"statistical"})
		gt.Equal(t, r.Scores["vision"], 0.0)
		gt.Map(t, r.Errors).HasKey("vision")
	})

	t.Run("scores are clamped", func(t *testing.T) {
		e, err := extract.NewEnsemble([]extract.WeightedMethod{
			{Method: &fixedMethod{name: "a", score: 3.0}, Weight: 1.0},
		})
		gt.NoError(t, err)

		r, err := e.DetectSynthetic(ctx, img)
		gt.NoError(t, err)
		gt.Equal(t, r.Confidence, 1.0)
	})

	t.Run("below decision threshold", func(t *testing.T) {
		e, err := extract.NewEnsemble([]extract.WeightedMethod{
			{Method: &fixedMethod{name: "a", score: 0.5}, Weight: 1.0},
		})
		gt.NoError(t, err)

		r, err := e.DetectSynthetic(ctx, img)
		gt.NoError(t, err)
		gt.False(t, r.IsSynthetic)
	})

	t.Run("all methods failed", func(t *testing.T) {
		e, err := extract.NewEnsemble([]extract.WeightedMethod{
			{Method: &fixedMethod{name: "a", err: goerr.New("x")}, Weight: 0.5},
			{Method: &fixedMethod{name: "b", err: goerr.New("y")}, Weight: 0.5},
		})
		gt.NoError(t, err)

		_, err = e.DetectSynthetic(ctx, img)
		gt.True(t, errors.Is(err, extract.ErrAllMethodsFailed))
	})

	t.Run("invalid weights", func(t *testing.T) {
		_, err := extract.NewEnsemble([]extract.WeightedMethod{
			{Method: &fixedMethod{name: "a"}, Weight: 0.5},
			{Method: &fixedMethod{name: "b"}, Weight: 0.4},
		})
		gt.True(t, errors.Is(err, extract.ErrInvalidWeights))

		_, err = extract.NewEnsemble(nil)
		gt.True(t, errors.Is(err, extract.ErrInvalidWeights))
	})
}
