package detect

import (
	"fmt"
	"image"

	"github.com/aquasentry/aquasentry/pkg/nn"
	"github.com/bmharper/cimg/v2"
	"github.com/fogleman/gg"
)

// Drawing of detection overlays onto frames, for the live view and for
// debugging saved footage.

// Annotate returns a copy of frame with detection boxes drawn on it.
// Hazard classes are drawn in red, everything else in yellow.
// The input frame is not modified.
func Annotate(frame *cimg.Image, objects []nn.ObjectDetection, hazardClasses nn.HazardClassSet) *cimg.Image {
	dc := gg.NewContextForImage(toRGBA(frame))
	for _, obj := range objects {
		if hazardClasses.Contains(obj.Class) {
			dc.SetRGB(1, 0, 0)
		} else {
			dc.SetRGB(1, 1, 0)
		}
		dc.SetLineWidth(2)
		dc.DrawRectangle(float64(obj.Box.X), float64(obj.Box.Y), float64(obj.Box.Width), float64(obj.Box.Height))
		dc.Stroke()
		label := fmt.Sprintf("%v %.2f", obj.Label, obj.Confidence)
		dc.DrawString(label, float64(obj.Box.X), float64(obj.Box.Y)-4)
	}
	return fromImage(dc.Image())
}

// ErrorFrame returns a copy of frame with a red banner and message at the
// top, used when an inference fails but we still want to show the frame.
func ErrorFrame(frame *cimg.Image, msg string) *cimg.Image {
	dc := gg.NewContextForImage(toRGBA(frame))
	dc.SetRGBA(0.8, 0, 0, 0.8)
	dc.DrawRectangle(0, 0, float64(frame.Width), 28)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.DrawString(msg, 8, 18)
	return fromImage(dc.Image())
}

// PlaceholderFrame is shown before the first inference completes
func PlaceholderFrame(msg string) *cimg.Image {
	dc := gg.NewContext(640, 480)
	dc.SetRGB(0.1, 0.1, 0.15)
	dc.Clear()
	dc.SetRGB(0.9, 0.9, 0.9)
	dc.DrawString(msg, 270, 240)
	return fromImage(dc.Image())
}

func toRGBA(frame *cimg.Image) *image.RGBA {
	src := frame
	if src.NChan() != 3 {
		src = src.ToRGB()
	}
	out := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	for y := 0; y < src.Height; y++ {
		sp := y * src.Stride
		dp := y * out.Stride
		for x := 0; x < src.Width; x++ {
			out.Pix[dp] = src.Pixels[sp]
			out.Pix[dp+1] = src.Pixels[sp+1]
			out.Pix[dp+2] = src.Pixels[sp+2]
			out.Pix[dp+3] = 255
			sp += 3
			dp += 4
		}
	}
	return out
}

func fromImage(img image.Image) *cimg.Image {
	b := img.Bounds()
	out := cimg.NewImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB)
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < out.Height; y++ {
			sp := y * rgba.Stride
			dp := y * out.Stride
			for x := 0; x < out.Width; x++ {
				out.Pixels[dp] = rgba.Pix[sp]
				out.Pixels[dp+1] = rgba.Pix[sp+1]
				out.Pixels[dp+2] = rgba.Pix[sp+2]
				sp += 4
				dp += 3
			}
		}
		return out
	}
	for y := 0; y < out.Height; y++ {
		dp := y * out.Stride
		for x := 0; x < out.Width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.Pixels[dp] = byte(r >> 8)
			out.Pixels[dp+1] = byte(g >> 8)
			out.Pixels[dp+2] = byte(bl >> 8)
			dp += 3
		}
	}
	return out
}
