package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	FormatWebP = "webp"
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
	FormatSVG  = "svg"

	maxSourcePixels = 100_000_000
)

var (
	ErrDecode = errors.New("decode image")
	ErrEncode = errors.New("encode image")
)

// DecodeError reports malformed or unsupported source bytes.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

type EncodeError struct {
	Format string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s image: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

func (e *EncodeError) Is(target error) bool { return target == ErrEncode }

// Source is a decoded image and its natural dimensions.
type Source struct {
	Image  image.Image
	Format string
	Width  int
	Height int
}

func Decode(data []byte) (Source, error) {
	if len(data) == 0 {
		return Source{}, &DecodeError{Err: errors.New("empty input")}
	}
	if looksLikeSVG(data) {
		img, err := rasterizeSVG(data)
		if err != nil {
			return Source{}, &DecodeError{Format: FormatSVG, Err: err}
		}
		b := img.Bounds()
		return Source{Image: img, Format: FormatSVG, Width: b.Dx(), Height: b.Dy()}, nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Source{}, &DecodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Source{}, &DecodeError{Format: format, Err: fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxSourcePixels {
		return Source{}, &DecodeError{Format: format, Err: fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height)}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Source{}, &DecodeError{Format: format, Err: err}
	}
	b := img.Bounds()
	return Source{Image: img, Format: normalizeSourceFormat(format), Width: b.Dx(), Height: b.Dy()}, nil
}

// Encode writes img in format. quality is a factor clamped to [0,1]; 1 makes
// WebP output lossless.
func Encode(img image.Image, format string, quality float64) ([]byte, error) {
	quality = clampQuality(quality)
	format = normalizeOutputFormat(format)

	var buf bytes.Buffer
	switch format {
	case FormatWebP:
		opts := &webp.Options{Quality: float32(quality * 100)}
		if quality >= 1 {
			opts.Lossless = true
		}
		if err := webp.Encode(&buf, img, opts); err != nil {
			return nil, &EncodeError{Format: format, Err: err}
		}
	case FormatJPEG:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(int(quality*100))); err != nil {
			return nil, &EncodeError{Format: format, Err: err}
		}
	case FormatPNG, FormatGIF, FormatBMP, FormatTIFF:
		f, err := imaging.FormatFromExtension(format)
		if err != nil {
			return nil, &EncodeError{Format: format, Err: err}
		}
		if err := imaging.Encode(&buf, img, f); err != nil {
			return nil, &EncodeError{Format: format, Err: err}
		}
	default:
		return nil, &EncodeError{Format: format, Err: errors.New("unsupported output format")}
	}
	return buf.Bytes(), nil
}

func clampQuality(q float64) float64 {
	return min(max(q, 0), 1)
}

func normalizeSourceFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "jpg" {
		return FormatJPEG
	}
	return format
}

func looksLikeSVG(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	head = bytes.TrimSpace(bytes.TrimPrefix(head, []byte("\xef\xbb\xbf")))
	if !bytes.HasPrefix(head, []byte("<")) {
		return false
	}
	return bytes.Contains(bytes.ToLower(head), []byte("<svg"))
}
