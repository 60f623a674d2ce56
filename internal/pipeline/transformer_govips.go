//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/convertly/internal/domain"
)

// govipsTransformer follows the same plan as the raster transformer. With
// rotations restricted to right angles, flip-then-rotate on the scaled image
// yields the same pixels as the affine composite.
type govipsTransformer struct{}

func (t govipsTransformer) Convert(ctx context.Context, input []byte, spec ConvertSpec) (Converted, error) {
	select {
	case <-ctx.Done():
		return Converted{}, ctx.Err()
	default:
	}

	sourceFormat := formatFromVipsType(vips.DetermineImageType(input))
	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Converted{}, &DecodeError{Format: sourceFormat, Err: err}
	}
	defer img.Close()

	geom := PlanGeometry(img.Width(), img.Height(), spec.Policy, spec.Transform)
	if err := applyGovipsTransform(img, geom, spec.Transform); err != nil {
		return Converted{}, err
	}

	format := outputFormatFor(spec.Policy, sourceFormat)
	data, err := exportGovipsImage(img, format, spec.Quality)
	if err != nil {
		return Converted{}, err
	}

	return Converted{
		Data:         data,
		Format:       format,
		SourceFormat: sourceFormat,
		Geometry:     geom,
	}, nil
}

func applyGovipsTransform(img *vips.ImageRef, geom Geometry, transform domain.ImageTransform) error {
	if geom.ScaledWidth != geom.NativeWidth || geom.ScaledHeight != geom.NativeHeight {
		hscale := float64(geom.ScaledWidth) / float64(geom.NativeWidth)
		vscale := float64(geom.ScaledHeight) / float64(geom.NativeHeight)
		if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
			return fmt.Errorf("resize image: %w", err)
		}
	}
	if transform.HasFill() && img.HasAlpha() {
		if err := img.Flatten(&vips.Color{R: 255, G: 255, B: 255}); err != nil {
			return fmt.Errorf("flatten background: %w", err)
		}
	}
	if transform.FlipHorizontal {
		if err := img.Flip(vips.DirectionHorizontal); err != nil {
			return fmt.Errorf("flip horizontal: %w", err)
		}
	}
	if transform.FlipVertical {
		if err := img.Flip(vips.DirectionVertical); err != nil {
			return fmt.Errorf("flip vertical: %w", err)
		}
	}
	if angle, ok := vipsAngle(transform.Rotation); ok {
		if err := img.Rotate(angle); err != nil {
			return fmt.Errorf("rotate image: %w", err)
		}
	}
	return nil
}

func vipsAngle(rotation int) (vips.Angle, bool) {
	switch rotation {
	case 90:
		return vips.Angle90, true
	case 180:
		return vips.Angle180, true
	case 270:
		return vips.Angle270, true
	default:
		return vips.Angle0, false
	}
}

func formatFromVipsType(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return FormatJPEG
	case vips.ImageTypeWEBP:
		return FormatWebP
	case vips.ImageTypeGIF:
		return FormatGIF
	case vips.ImageTypeSVG:
		return FormatSVG
	case vips.ImageTypeTIFF:
		return FormatTIFF
	default:
		return FormatPNG
	}
}

func exportGovipsImage(img *vips.ImageRef, format string, quality float64) ([]byte, error) {
	q := int(clampQuality(quality) * 100)
	switch format {
	case FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = q
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, &EncodeError{Format: format, Err: err}
		}
		return data, nil
	case FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = q
		params.Lossless = q >= 100
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, &EncodeError{Format: format, Err: err}
		}
		return data, nil
	default:
		params := vips.NewPngExportParams()
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, &EncodeError{Format: FormatPNG, Err: err}
		}
		return data, nil
	}
}
