package capture

import (
	"errors"
	"fmt"
)

// Stop calls against inactive state are idempotent no-ops at the HTTP layer;
// these sentinels let handlers tell that case apart from real failures.
var (
	ErrNotCapturing  = errors.New("no recording in progress")
	ErrNotPreviewing = errors.New("no preview in progress")
)

// ConflictError is returned when an operation is invalid for the current
// coordinator state, e.g. starting a capture while one is already running.
type ConflictError struct {
	Op    string
	State State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s rejected: coordinator is %s", e.Op, e.State)
}

// DeviceUnavailableError means the device probe exhausted its retries.
// No session is created when it is returned.
type DeviceUnavailableError struct {
	Path  string
	Cause error
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("capture device %s unavailable: %v", e.Path, e.Cause)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Cause }

// SubprocessError means the transcoder failed to start or crashed.
type SubprocessError struct {
	Detail string
	Cause  error
}

func (e *SubprocessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transcoder failed: %s: %v", e.Detail, e.Cause)
	}
	return fmt.Sprintf("transcoder failed: %s", e.Detail)
}

func (e *SubprocessError) Unwrap() error { return e.Cause }
