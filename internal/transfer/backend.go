// Package transfer drives uploads and downloads end to end: it owns the
// session state machines, progress reporting and retries, and talks to the
// lifecycle service through a Backend that is either in-process or HTTP.
package transfer

import (
	"context"
	"io"

	"securesend/internal/cryptox"
	"securesend/internal/models"
	"securesend/internal/service"
)

// Backend is the lifecycle surface a session needs. *service.ObjectService
// implements it directly; client.Client implements it over HTTP.
type Backend interface {
	Create(ctx context.Context, req service.CreateRequest, frames cryptox.FrameSource) (*service.CreateResult, error)
	FetchMetadata(ctx context.Context, id string) (*models.Object, error)
	BeginDownload(ctx context.Context, id string, proof []byte) (*service.DownloadHandle, error)
	StreamFrames(ctx context.Context, handle string) (io.ReadCloser, error)
}

var _ Backend = (*service.ObjectService)(nil)
