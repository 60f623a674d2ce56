//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func NewTransformer(interpolation string) Transformer {
	return newRasterTransformer(interpolation)
}
