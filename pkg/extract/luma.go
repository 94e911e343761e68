package extract

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// lumaGrid downsamples img to a size x size luminance grid in [0, 255]
func lumaGrid(img image.Image, size int) [][]float64 {
	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	grid := make([][]float64, size)
	for y := 0; y < size; y++ {
		grid[y] = make([]float64, size)
		for x := 0; x < size; x++ {
			grid[y][x] = float64(dst.GrayAt(x, y).Y)
		}
	}
	return grid
}

// saturation returns HSV saturation in [0, 1]
func saturation(c color.Color) float64 {
	r, g, b, _ := c.RGBA()
	maxC := max(r, g, b)
	minC := min(r, g, b)
	if maxC == 0 {
		return 0
	}
	return float64(maxC-minC) / float64(maxC)
}
