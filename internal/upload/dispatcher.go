// Package upload pushes finished recording artifacts to one configured
// remote backend. Transfers are best-effort: a failure is reported upward
// and persisted against the session, never retried here.
package upload

import (
	"context"
	"fmt"

	"capturedeck/internal/config"
)

// Dispatcher transfers an artifact and returns a locator for where it ended
// up. Exactly one backend is active per process.
type Dispatcher interface {
	Upload(ctx context.Context, artifactPath, sessionID string) (string, error)
}

// Error wraps a backend transfer failure with its cause.
type Error struct {
	Backend string
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s upload failed: %v", e.Backend, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New selects the dispatcher for the configured backend.
func New(cfg config.UploadConfig) (Dispatcher, error) {
	switch cfg.Backend {
	case "local":
		return &LocalDispatcher{}, nil
	case "ftp":
		return NewFTPDispatcher(cfg), nil
	case "s3":
		return NewS3Dispatcher(cfg)
	default:
		return nil, fmt.Errorf("unknown upload backend: %q", cfg.Backend)
	}
}

// LocalDispatcher keeps the artifact where it is. Upload always succeeds
// immediately with the original path as locator; no network is involved.
type LocalDispatcher struct{}

func (d *LocalDispatcher) Upload(ctx context.Context, artifactPath, sessionID string) (string, error) {
	return artifactPath, nil
}
