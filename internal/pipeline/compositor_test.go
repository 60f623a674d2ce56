package pipeline

import (
	"image"
	"image/color"
	"testing"

	"github.com/dunamismax/convertly/internal/domain"
	"golang.org/x/image/draw"
)

var (
	red   = color.RGBA{R: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// halves builds a w x h image whose left half is red and right half is blue.
func halves(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.SetRGBA(x, y, red)
			} else {
				img.SetRGBA(x, y, blue)
			}
		}
	}
	return img
}

func composite(t *testing.T, src image.Image, transform domain.ImageTransform) *image.RGBA {
	t.Helper()
	return compositeWith(t, src, transform, draw.NearestNeighbor)
}

func compositeWith(t *testing.T, src image.Image, transform domain.ImageTransform, interp draw.Interpolator) *image.RGBA {
	t.Helper()
	b := src.Bounds()
	policy := domain.ResizePolicy{Mode: domain.ModeWebPOnly}
	geom := PlanGeometry(b.Dx(), b.Dy(), policy, transform)
	return Composite(src, geom, transform, interp)
}

func checkBounds(t *testing.T, img *image.RGBA, want image.Rectangle) {
	t.Helper()
	if img.Bounds() != want {
		t.Fatalf("expected bounds %v, got %v", want, img.Bounds())
	}
}

func checkPixel(t *testing.T, img *image.RGBA, x, y int, want color.RGBA) {
	t.Helper()
	if got := img.RGBAAt(x, y); got != want {
		t.Fatalf("pixel (%d,%d): expected %v, got %v", x, y, want, got)
	}
}

func checkRows(t *testing.T, img *image.RGBA, top, bottom color.RGBA) {
	t.Helper()
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		want := top
		if y >= b.Dy()/2 {
			want = bottom
		}
		for x := 0; x < b.Dx(); x++ {
			checkPixel(t, img, x, y, want)
		}
	}
}

func checkColumns(t *testing.T, img *image.RGBA, left, right color.RGBA) {
	t.Helper()
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			want := left
			if x >= b.Dx()/2 {
				want = right
			}
			checkPixel(t, img, x, y, want)
		}
	}
}

func TestCompositeIdentity(t *testing.T) {
	out := composite(t, halves(4, 2), domain.ImageTransform{})
	checkBounds(t, out, image.Rect(0, 0, 4, 2))
	checkColumns(t, out, red, blue)
}

func TestCompositeRotatesClockwise(t *testing.T) {
	out := composite(t, halves(4, 2), domain.ImageTransform{Rotation: 90})
	checkBounds(t, out, image.Rect(0, 0, 2, 4))
	checkRows(t, out, red, blue)

	out = composite(t, halves(4, 2), domain.ImageTransform{Rotation: 180})
	checkColumns(t, out, blue, red)

	out = composite(t, halves(4, 2), domain.ImageTransform{Rotation: 270})
	checkBounds(t, out, image.Rect(0, 0, 2, 4))
	checkRows(t, out, blue, red)
}

func TestCompositeFlipsInRotatedFrame(t *testing.T) {
	out := composite(t, halves(4, 2), domain.ImageTransform{FlipHorizontal: true})
	checkColumns(t, out, blue, red)

	// The mirror follows the image: after a quarter turn the horizontal
	// flip swaps top and bottom of the canvas.
	out = composite(t, halves(4, 2), domain.ImageTransform{Rotation: 90, FlipHorizontal: true})
	checkRows(t, out, blue, red)

	out = composite(t, halves(4, 2), domain.ImageTransform{Rotation: 90, FlipVertical: true})
	checkRows(t, out, red, blue)
}

func TestCompositeFillsTransparentFootprint(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 2))

	out := composite(t, src, domain.ImageTransform{Rotation: 90, BackgroundFill: domain.FillWhite})
	checkBounds(t, out, image.Rect(0, 0, 2, 4))
	checkRows(t, out, white, white)

	out = composite(t, src, domain.ImageTransform{Rotation: 90})
	checkPixel(t, out, 1, 1, color.RGBA{})
}

func TestCompositeScalesToFootprint(t *testing.T) {
	src := halves(40, 20)
	policy := domain.ResizePolicy{Mode: domain.ModeBoth, TargetWidth: 10, MaintainAspectRatio: true}
	transform := domain.ImageTransform{Rotation: 270}
	geom := PlanGeometry(40, 20, policy, transform)

	out := Composite(src, geom, transform, draw.NearestNeighbor)
	checkBounds(t, out, image.Rect(0, 0, 5, 10))
	checkPixel(t, out, 2, 1, blue)
	checkPixel(t, out, 2, 8, red)
}

func TestCompositeHandlesOffsetBoundsWithEveryKernel(t *testing.T) {
	kernels := map[string]draw.Interpolator{
		"nearest":        draw.NearestNeighbor,
		"approxbilinear": draw.ApproxBiLinear,
		"catmullrom":     draw.CatmullRom,
	}
	for name, interp := range kernels {
		t.Run(name, func(t *testing.T) {
			src := halves(8, 4).SubImage(image.Rect(2, 0, 6, 4))
			out := compositeWith(t, src, domain.ImageTransform{}, interp)
			checkBounds(t, out, image.Rect(0, 0, 4, 4))
			checkColumns(t, out, red, blue)

			out = compositeWith(t, src, domain.ImageTransform{Rotation: 90}, interp)
			checkRows(t, out, red, blue)
		})
	}
}

func TestZeroOriginKeepsAlignedSources(t *testing.T) {
	src := halves(4, 2)
	if got := zeroOrigin(src); got != image.Image(src) {
		t.Fatal("expected a zero-origin source to be used as is")
	}

	rebased := zeroOrigin(halves(8, 4).SubImage(image.Rect(4, 1, 8, 3)))
	if rebased.Bounds() != image.Rect(0, 0, 4, 2) {
		t.Fatalf("expected rebased bounds (0,0)-(4,2), got %v", rebased.Bounds())
	}
	if got := color.RGBAModel.Convert(rebased.At(0, 0)); got != blue {
		t.Fatalf("expected rebased origin pixel %v, got %v", blue, got)
	}
}

func TestInterpolatorByName(t *testing.T) {
	if InterpolatorByName("nearest") != draw.NearestNeighbor {
		t.Fatal("expected nearest to select draw.NearestNeighbor")
	}
	if InterpolatorByName("APPROXBILINEAR") != draw.ApproxBiLinear {
		t.Fatal("expected approxbilinear to select draw.ApproxBiLinear")
	}
	if InterpolatorByName("") != draw.CatmullRom {
		t.Fatal("expected the default kernel to be draw.CatmullRom")
	}
}
