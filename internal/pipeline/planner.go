package pipeline

import (
	"image"
	"math"

	"github.com/dunamismax/convertly/internal/domain"
)

// Geometry is the planned output of a single image. Scaled* is the footprint
// of the image before rotation; Canvas* is the raster the compositor draws on.
type Geometry struct {
	NativeWidth  int `json:"native_width"`
	NativeHeight int `json:"native_height"`
	ScaledWidth  int `json:"scaled_width"`
	ScaledHeight int `json:"scaled_height"`
	CanvasWidth  int `json:"canvas_width"`
	CanvasHeight int `json:"canvas_height"`
}

func (g Geometry) Size() (int, int) {
	return g.CanvasWidth, g.CanvasHeight
}

func (g Geometry) Canvas() image.Rectangle {
	return image.Rect(0, 0, g.CanvasWidth, g.CanvasHeight)
}

// PlanGeometry computes the output canvas for an image. Width equal to the
// target is not downscaled, and images are never upscaled while the aspect
// ratio is maintained.
func PlanGeometry(nativeWidth, nativeHeight int, policy domain.ResizePolicy, transform domain.ImageTransform) Geometry {
	w, h := nativeWidth, nativeHeight
	switch {
	case !policy.Resizes():
	case policy.MaintainAspectRatio:
		if nativeWidth > policy.TargetWidth {
			w = policy.TargetWidth
			h = int(math.Round(float64(w) * float64(nativeHeight) / float64(nativeWidth)))
			if h < 1 {
				h = 1
			}
		}
	default:
		w, h = policy.TargetWidth, policy.TargetHeight
	}

	g := Geometry{
		NativeWidth:  nativeWidth,
		NativeHeight: nativeHeight,
		ScaledWidth:  w,
		ScaledHeight: h,
		CanvasWidth:  w,
		CanvasHeight: h,
	}
	if transform.SwapsDimensions() {
		g.CanvasWidth, g.CanvasHeight = h, w
	}
	return g
}
