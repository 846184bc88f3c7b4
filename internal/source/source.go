package source

import (
	"context"
	"errors"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

var (
	// ErrUnavailable means the source cannot be opened at all.
	ErrUnavailable = errors.New("frame source unavailable")
	// ErrNotOpen is returned by Read before Open or after Close.
	ErrNotOpen = errors.New("frame source not open")
	// ErrReadFailed marks a transient single-frame failure.
	ErrReadFailed = errors.New("frame read failed")
)

// Source yields frames on demand. It keeps no frame after the next Read.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Factory builds a fresh Source for each pipeline run.
type Factory func() (Source, error)
