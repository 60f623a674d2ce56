package id

import "github.com/google/uuid"

// New returns a job identifier.
func New() string {
	return uuid.NewString()
}

// NewImage returns an image identifier, short enough for file names.
func NewImage() string {
	u := uuid.New()
	return "img_" + u.String()[:8] + u.String()[9:13]
}
