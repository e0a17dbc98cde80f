package provider

import (
	"context"
	"io"

	"maabo/internal/model"
)

// ProgressFunc reports downloaded bytes; total is 0 when unknown.
type ProgressFunc func(written, total int64)

// Provider is a source of engine releases.
type Provider interface {
	Name() string

	Manifest(ctx context.Context) (model.Manifest, error)
	Download(ctx context.Context, tag string, asset model.ReleaseAsset, w io.Writer, progress ProgressFunc) (int64, error)
}
