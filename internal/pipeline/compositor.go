package pipeline

import (
	"image"
	"image/color"
	"strings"

	"github.com/dunamismax/convertly/internal/domain"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Composite draws src onto a fresh canvas sized by geom, applying the
// rotation and flips of transform around the canvas center. Flips act in the
// rotated frame, so they mirror the image about its own axes.
func Composite(src image.Image, geom Geometry, transform domain.ImageTransform, interp draw.Interpolator) *image.RGBA {
	if interp == nil {
		interp = draw.CatmullRom
	}
	dst := image.NewRGBA(geom.Canvas())

	if transform.HasFill() {
		fill := FillRect(geom)
		draw.NearestNeighbor.Transform(dst, footprintToCanvas(geom, transform, 1, 1), image.NewUniform(fillColor(transform.BackgroundFill)), fill, draw.Src, nil)
	}

	src = zeroOrigin(src)
	sr := src.Bounds()
	if sr.Empty() {
		return dst
	}
	kx := float64(geom.ScaledWidth) / float64(sr.Dx())
	ky := float64(geom.ScaledHeight) / float64(sr.Dy())
	interp.Transform(dst, footprintToCanvas(geom, transform, kx, ky), src, sr, draw.Over, nil)
	return dst
}

// zeroOrigin copies src onto a raster whose bounds start at (0,0). The
// nearest and approximate bilinear kernels misplace offset sources when the
// map has unit scale.
func zeroOrigin(src image.Image) image.Image {
	sr := src.Bounds()
	if sr.Min == (image.Point{}) || sr.Empty() {
		return src
	}
	rebased := image.NewRGBA(image.Rect(0, 0, sr.Dx(), sr.Dy()))
	draw.Copy(rebased, image.Point{}, src, sr, draw.Src, nil)
	return rebased
}

// FillRect is the background rectangle in footprint space. It is always the
// unrotated scaled image size, whatever the canvas orientation.
func FillRect(geom Geometry) image.Rectangle {
	return image.Rect(0, 0, geom.ScaledWidth, geom.ScaledHeight)
}

// footprintToCanvas builds the source-to-canvas affine map:
// translate(center) * rotate * flip * (scale, then move the footprint center
// to the origin). The source must have a zero bounds origin.
func footprintToCanvas(geom Geometry, transform domain.ImageTransform, kx, ky float64) f64.Aff3 {
	cos, sin := rightAngle(transform.Rotation)
	fx, fy := 1.0, 1.0
	if transform.FlipHorizontal {
		fx = -1
	}
	if transform.FlipVertical {
		fy = -1
	}

	m00, m01 := cos*fx, -sin*fy
	m10, m11 := sin*fx, cos*fy

	halfW := float64(geom.ScaledWidth) / 2
	halfH := float64(geom.ScaledHeight) / 2
	cx := float64(geom.CanvasWidth) / 2
	cy := float64(geom.CanvasHeight) / 2
	ox := halfW
	oy := halfH

	return f64.Aff3{
		m00 * kx, m01 * ky, cx - m00*ox - m01*oy,
		m10 * kx, m11 * ky, cy - m10*ox - m11*oy,
	}
}

// rightAngle returns exact cosine and sine for multiples of 90 degrees.
func rightAngle(rotation int) (float64, float64) {
	switch ((rotation % 360) + 360) % 360 {
	case 90:
		return 0, 1
	case 180:
		return -1, 0
	case 270:
		return 0, -1
	default:
		return 1, 0
	}
}

func fillColor(fill domain.Fill) color.Color {
	switch fill {
	case domain.FillWhite:
		return color.White
	default:
		return color.Transparent
	}
}

// InterpolatorByName maps a config value to a resampling kernel.
func InterpolatorByName(name string) draw.Interpolator {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nearest":
		return draw.NearestNeighbor
	case "approxbilinear":
		return draw.ApproxBiLinear
	case "bilinear":
		return draw.BiLinear
	default:
		return draw.CatmullRom
	}
}
