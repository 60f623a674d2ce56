package domain

import "fmt"

type Fill string

const (
	FillNone  Fill = "none"
	FillWhite Fill = "white"
)

// ImageTransform is the per-image edit state. The zero value is the default
// transform: no rotation, no flips, no background.
type ImageTransform struct {
	Rotation       int  `json:"rotation"`
	FlipHorizontal bool `json:"flip_horizontal"`
	FlipVertical   bool `json:"flip_vertical"`
	BackgroundFill Fill `json:"background_fill,omitempty"`
}

// Rotate advances the rotation by 90 degrees clockwise.
func (t *ImageTransform) Rotate() {
	t.Rotation = (normalizeRotation(t.Rotation) + 90) % 360
}

func (t *ImageTransform) ToggleFlipHorizontal() {
	t.FlipHorizontal = !t.FlipHorizontal
}

func (t *ImageTransform) ToggleFlipVertical() {
	t.FlipVertical = !t.FlipVertical
}

// SwapsDimensions reports whether the rotated canvas is the transpose of the
// unrotated footprint.
func (t ImageTransform) SwapsDimensions() bool {
	r := normalizeRotation(t.Rotation)
	return r == 90 || r == 270
}

func (t ImageTransform) HasFill() bool {
	return t.BackgroundFill == FillWhite
}

func (t ImageTransform) IsIdentity() bool {
	return normalizeRotation(t.Rotation) == 0 && !t.FlipHorizontal && !t.FlipVertical && !t.HasFill()
}

func (t ImageTransform) Validate() error {
	switch t.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("rotation must be one of 0, 90, 180, 270: got %d", t.Rotation)
	}
	switch t.BackgroundFill {
	case "", FillNone, FillWhite:
	default:
		return fmt.Errorf("unsupported background_fill: %s", t.BackgroundFill)
	}
	return nil
}

func normalizeRotation(r int) int {
	r %= 360
	if r < 0 {
		r += 360
	}
	return r
}
