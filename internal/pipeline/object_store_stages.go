package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/convertly/internal/domain"
)

const (
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned
)

// ObjectStorage is the slice of the storage client the stages use.
type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStorage
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, sourceType string, img domain.ImageSpec) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(sourceType, SourceTypeS3Presigned) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, sourceType)
	}
	if strings.TrimSpace(img.ObjectKey) == "" {
		return nil, errors.New("object_key is required")
	}
	return f.Storage.ReadObject(ctx, img.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStorage
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, jobID, name string, data []byte, contentType string) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}

	objectKey := path.Join(
		defaultOutputPrefix(e.OutputPrefix),
		sanitizePathToken(jobID),
		sanitizeFileName(name),
	)
	if err := e.Storage.WriteObject(ctx, objectKey, data, contentType); err != nil {
		return "", err
	}
	return objectKey, nil
}

func (e ObjectStoreEmitter) ReadOutput(ctx context.Context, objectKey string) ([]byte, error) {
	if e.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	return e.Storage.ReadObject(ctx, objectKey)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}

// UploadObjectKey is where a presigned upload for an image lands.
func UploadObjectKey(jobID, imageID string) string {
	return path.Join("uploads", sanitizePathToken(jobID), sanitizePathToken(imageID), "source")
}
