package pipeline

import (
	"context"
	"strings"

	"github.com/dunamismax/convertly/internal/domain"
)

// ConvertSpec is everything a transformer needs for one image.
type ConvertSpec struct {
	Policy    domain.ResizePolicy
	Transform domain.ImageTransform
	Quality   float64
}

type Converted struct {
	Data         []byte
	Format       string
	SourceFormat string
	Geometry     Geometry
}

type Transformer interface {
	Convert(ctx context.Context, input []byte, spec ConvertSpec) (Converted, error)
}

// outputFormatFor keeps the source format in resize-only mode. SVG sources
// have no raster encoder and fall back to png.
func outputFormatFor(policy domain.ResizePolicy, sourceFormat string) string {
	if policy.ConvertsToWebP() {
		return FormatWebP
	}
	switch f := normalizeSourceFormat(sourceFormat); f {
	case FormatJPEG, FormatPNG, FormatGIF, FormatBMP, FormatTIFF, FormatWebP:
		return f
	default:
		return FormatPNG
	}
}

func normalizeOutputFormat(format string) string {
	switch format = strings.ToLower(strings.TrimSpace(format)); format {
	case "jpg":
		return FormatJPEG
	case "tif":
		return FormatTIFF
	case FormatJPEG, FormatPNG, FormatWebP, FormatGIF, FormatBMP, FormatTIFF:
		return format
	default:
		return FormatPNG
	}
}

func extensionForFormat(format string) string {
	switch f := normalizeOutputFormat(format); f {
	case FormatJPEG:
		return "jpg"
	default:
		return f
	}
}

func contentTypeForFormat(format string) string {
	switch normalizeOutputFormat(format) {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	case FormatGIF:
		return "image/gif"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	default:
		return "image/png"
	}
}
