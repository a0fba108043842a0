package provider

import (
	"context"
	"io"
)

// Optional provider capability interfaces, detected by type assertion.

// ObjectPutter can create/overwrite objects. Mirrors upload containers
// through it.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectGetter can download objects as a stream. Mirrors restore containers
// through it.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectDeleter can delete objects.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}
