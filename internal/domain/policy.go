package domain

import (
	"errors"
	"fmt"
	"math"
)

type Mode string

const (
	ModeWebPOnly   Mode = "webp-only"
	ModeResizeOnly Mode = "resize-only"
	ModeBoth       Mode = "both"

	DefaultTargetWidth  = 1920
	DefaultTargetHeight = 1080
)

// ResizePolicy is the conversion configuration applied uniformly to a batch.
type ResizePolicy struct {
	Mode                Mode `json:"mode" yaml:"mode"`
	TargetWidth         int  `json:"target_width" yaml:"target_width"`
	TargetHeight        int  `json:"target_height" yaml:"target_height"`
	MaintainAspectRatio bool `json:"maintain_aspect_ratio" yaml:"maintain_aspect_ratio"`
}

func DefaultResizePolicy() ResizePolicy {
	return ResizePolicy{
		Mode:                ModeBoth,
		TargetWidth:         DefaultTargetWidth,
		TargetHeight:        DefaultTargetHeight,
		MaintainAspectRatio: true,
	}
}

func (p ResizePolicy) Resizes() bool {
	return p.Mode == ModeResizeOnly || p.Mode == ModeBoth
}

func (p ResizePolicy) ConvertsToWebP() bool {
	return p.Mode == ModeWebPOnly || p.Mode == ModeBoth
}

// SetTargetWidth updates the width. With aspect ratio maintained the height
// follows the width for the given reference image, when one is known.
func (p *ResizePolicy) SetTargetWidth(width, refWidth, refHeight int) {
	p.TargetWidth = width
	if p.MaintainAspectRatio && refWidth > 0 && refHeight > 0 {
		p.TargetHeight = p.HeightFor(refWidth, refHeight)
	}
}

// SetTargetHeight is refused while the aspect ratio is maintained.
func (p *ResizePolicy) SetTargetHeight(height int) bool {
	if p.MaintainAspectRatio {
		return false
	}
	p.TargetHeight = height
	return true
}

// HeightFor derives the target height from the target width and the native
// aspect ratio.
func (p ResizePolicy) HeightFor(nativeWidth, nativeHeight int) int {
	if nativeWidth <= 0 {
		return p.TargetHeight
	}
	return int(math.Round(float64(p.TargetWidth) * float64(nativeHeight) / float64(nativeWidth)))
}

func (p ResizePolicy) Validate() error {
	switch p.Mode {
	case ModeWebPOnly, ModeResizeOnly, ModeBoth:
	case "":
		return errors.New("policy.mode is required")
	default:
		return fmt.Errorf("unsupported policy.mode: %s", p.Mode)
	}
	if !p.Resizes() {
		return nil
	}
	if p.TargetWidth <= 0 {
		return errors.New("policy.target_width must be > 0")
	}
	if !p.MaintainAspectRatio && p.TargetHeight <= 0 {
		return errors.New("policy.target_height must be > 0")
	}
	return nil
}
