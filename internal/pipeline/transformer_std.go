package pipeline

import (
	"context"

	"golang.org/x/image/draw"
)

// rasterTransformer runs the pure-Go decode, plan, composite and encode chain.
type rasterTransformer struct {
	interp draw.Interpolator
}

func newRasterTransformer(interpolation string) rasterTransformer {
	return rasterTransformer{interp: InterpolatorByName(interpolation)}
}

func (t rasterTransformer) Convert(ctx context.Context, input []byte, spec ConvertSpec) (Converted, error) {
	select {
	case <-ctx.Done():
		return Converted{}, ctx.Err()
	default:
	}

	src, err := Decode(input)
	if err != nil {
		return Converted{}, err
	}

	geom := PlanGeometry(src.Width, src.Height, spec.Policy, spec.Transform)
	canvas := Composite(src.Image, geom, spec.Transform, t.interp)

	format := outputFormatFor(spec.Policy, src.Format)
	data, err := Encode(canvas, format, spec.Quality)
	if err != nil {
		return Converted{}, err
	}

	return Converted{
		Data:         data,
		Format:       format,
		SourceFormat: src.Format,
		Geometry:     geom,
	}, nil
}
