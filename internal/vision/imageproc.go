package vision

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// composite removes the alpha channel by drawing over white.
func composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

func resize(img image.Image, size image.Point) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.BiLinear.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

func crop(img *image.RGBA, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// normalize returns rescaled, standardized pixels in HWC order.
func normalize(img *image.RGBA, mean, std [3]float32, rescale float32) []float32 {
	b := img.Bounds()
	out := make([]float32, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			out = append(out,
				(float32(c.R)*rescale-mean[0])/std[0],
				(float32(c.G)*rescale-mean[1])/std[1],
				(float32(c.B)*rescale-mean[2])/std[2],
			)
		}
	}
	return out
}
