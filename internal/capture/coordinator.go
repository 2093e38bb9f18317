package capture

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"capturedeck/internal/config"
)

// State is the process-wide capture mode. The Stopping states are transient
// and only entered while a stop call is waiting for subprocess termination.
type State string

const (
	StateIdle              State = "idle"
	StatePreviewing        State = "previewing"
	StateRecording         State = "recording"
	StatePreviewStopping   State = "preview_stopping"
	StateRecordingStopping State = "recording_stopping"
)

// Notification event names pushed to UI clients.
const (
	EventPreviewStarted = "preview_started"
	EventPreviewStopped = "preview_stopped"
	EventPreviewError   = "preview_error"
	EventCaptureStarted = "capture_started"
	EventCaptureEnded   = "capture_ended"
	EventCaptureError   = "capture_error"
	EventUploadComplete = "upload_complete"
	EventUploadError    = "upload_error"
)

// Publisher pushes fire-and-forget notifications to observers.
type Publisher interface {
	Publish(event string, payload interface{})
}

// Uploader transfers a finished artifact to remote storage and returns a
// locator for it.
type Uploader interface {
	Upload(ctx context.Context, artifactPath, sessionID string) (string, error)
}

// Guard is the pre-flight device usability check.
type Guard interface {
	CheckAccess(devicePath string, maxAttempts int) error
}

// Coordinator owns exclusive access to the capture device. All state
// transitions go through its mutex, so commands and subprocess exit events
// are applied serially. At most one subprocess holds the device open at any
// time: a recording always stops an active preview before launching.
type Coordinator struct {
	cfg        config.CaptureConfig
	supervisor Supervisor
	guard      Guard
	store      SessionStore
	uploader   Uploader
	publisher  Publisher

	mu      sync.Mutex
	state   State
	proc    Handle
	session *Session
	// stopWait is non-nil only while a stop call is pending; the exit watcher
	// signals it instead of doing cleanup itself, so each stop resolves its
	// side effects exactly once.
	stopWait chan ExitStatus
	// gen identifies the current subprocess cycle. Exit events from a prior
	// cycle (e.g. a killed process reaping after the stop timeout) carry a
	// stale gen and are dropped.
	gen uint64
}

func NewCoordinator(cfg config.CaptureConfig, supervisor Supervisor, guard Guard, store SessionStore, uploader Uploader, publisher Publisher) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage path: %w", err)
	}
	if dir := filepath.Dir(cfg.PreviewPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create preview path: %w", err)
		}
	}
	return &Coordinator{
		cfg:        cfg,
		supervisor: supervisor,
		guard:      guard,
		store:      store,
		uploader:   uploader,
		publisher:  publisher,
		state:      StateIdle,
	}, nil
}

// CurrentState reports the coordinator state and the active session id, if any.
func (c *Coordinator) CurrentState() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.state, c.session.ID.Hex()
	}
	return c.state, ""
}

// StartPreview launches the low-rate preview subprocess. The device stays
// owned by that single subprocess until StopPreview or StartCapture.
func (c *Coordinator) StartPreview() error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return &ConflictError{Op: "start preview", State: state}
	}

	proc, err := c.supervisor.LaunchPreview(c.cfg.DevicePath, c.captureParams(), c.previewParams())
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StatePreviewing
	c.proc = proc
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.watch(proc, gen)

	log.Printf("Coordinator: preview started")
	c.publisher.Publish(EventPreviewStarted, map[string]interface{}{
		"previewPath": c.cfg.PreviewPath,
	})
	return nil
}

// StopPreview gracefully stops the preview subprocess. It is a no-op when no
// preview is active and reports whether one was stopped. It resolves once the
// subprocess exits or the preview stop timeout elapses, whichever comes
// first; on timeout the subprocess is killed and cleanup proceeds anyway.
func (c *Coordinator) StopPreview() (bool, error) {
	c.mu.Lock()
	if c.state != StatePreviewing {
		c.mu.Unlock()
		return false, nil
	}
	c.state = StatePreviewStopping
	wait := make(chan ExitStatus, 1)
	c.stopWait = wait
	proc := c.proc
	c.mu.Unlock()

	if err := proc.Terminate(); err != nil {
		log.Printf("Coordinator: preview terminate signal failed: %v", err)
	}
	select {
	case <-wait:
	case <-time.After(c.cfg.PreviewStopTimeout):
		log.Printf("Coordinator: preview did not exit within %v, killing", c.cfg.PreviewStopTimeout)
		if err := proc.Kill(); err != nil {
			log.Printf("Coordinator: preview kill failed: %v", err)
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.proc = nil
	c.stopWait = nil
	c.gen++
	c.mu.Unlock()

	log.Printf("Coordinator: preview stopped")
	c.publisher.Publish(EventPreviewStopped, map[string]interface{}{})
	return true, nil
}

// StartCapture begins a recording session. An active preview is stopped
// first: the recording subprocess supplies its own preview feed, so the two
// never run concurrently and never share a device open.
func (c *Coordinator) StartCapture(ctx context.Context, notes string) (*Session, error) {
	if _, err := c.StopPreview(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, &ConflictError{Op: "start capture", State: state}
	}

	if err := c.guard.CheckAccess(c.cfg.DevicePath, c.cfg.GuardAttempts); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	filename := fmt.Sprintf("capture-%s.mp4", now.Format("2006-01-02-150405"))
	session := &Session{
		ID:        primitive.NewObjectID(),
		Filename:  filename,
		Path:      filepath.Join(c.cfg.StoragePath, filename),
		Status:    SessionStatusRecording,
		StartTime: now,
		Notes:     notes,
	}
	if err := c.store.Insert(ctx, session); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	proc, err := c.supervisor.LaunchRecordingWithPreview(c.cfg.DevicePath, c.captureParams(), session.Path, c.previewParams())
	if err != nil {
		c.mu.Unlock()
		c.failSession(ctx, session, err.Error())
		return nil, err
	}
	c.state = StateRecording
	c.proc = proc
	c.session = session
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.watch(proc, gen)

	log.Printf("Coordinator: capture started, session %s -> %s", session.ID.Hex(), session.Path)
	c.publisher.Publish(EventCaptureStarted, map[string]interface{}{
		"sessionId": session.ID.Hex(),
		"startTime": session.StartTime,
	})
	return session, nil
}

// StopCapture gracefully stops the recording subprocess and finalizes the
// session: completed status, end time and duration are persisted, the
// artifact is handed to the upload dispatcher and the outcome recorded. It
// resolves within the recording stop timeout regardless of subprocess
// responsiveness; on timeout the subprocess is killed first.
func (c *Coordinator) StopCapture(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return ErrNotCapturing
	}
	c.state = StateRecordingStopping
	wait := make(chan ExitStatus, 1)
	c.stopWait = wait
	proc := c.proc
	session := c.session
	c.mu.Unlock()

	if err := proc.Terminate(); err != nil {
		log.Printf("Coordinator: recording terminate signal failed: %v", err)
	}
	select {
	case <-wait:
	case <-time.After(c.cfg.RecordStopTimeout):
		log.Printf("Coordinator: recording did not exit within %v, killing", c.cfg.RecordStopTimeout)
		if err := proc.Kill(); err != nil {
			log.Printf("Coordinator: recording kill failed: %v", err)
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.proc = nil
	c.session = nil
	c.stopWait = nil
	c.gen++
	c.mu.Unlock()

	c.finalize(ctx, session)
	return nil
}

// UpdateNotes mutates a session's notes in any status. It reports whether a
// matching session existed.
func (c *Coordinator) UpdateNotes(ctx context.Context, sessionID, notes string) (bool, error) {
	id, err := primitive.ObjectIDFromHex(sessionID)
	if err != nil {
		return false, fmt.Errorf("invalid session id: %w", err)
	}
	return c.store.UpdateNotes(ctx, id, notes)
}

// watch delivers the subprocess's single terminal event into the
// coordinator's serialized handling.
func (c *Coordinator) watch(proc Handle, gen uint64) {
	status, ok := <-proc.Done()
	if !ok {
		return
	}
	c.handleExit(gen, status)
}

// handleExit is the only consumer of subprocess exit events. While a stop is
// pending it just wakes the stop caller, which owns the cleanup side effects;
// an error surfacing during an intentional stop is an expected artifact of
// termination and is deliberately not reported.
func (c *Coordinator) handleExit(gen uint64, status ExitStatus) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	switch c.state {
	case StatePreviewStopping, StateRecordingStopping:
		select {
		case c.stopWait <- status:
		default:
		}
		c.mu.Unlock()

	case StatePreviewing:
		c.state = StateIdle
		c.proc = nil
		c.gen++
		c.mu.Unlock()

		detail := status.Detail
		if detail == "" {
			detail = "preview subprocess exited unexpectedly"
		}
		log.Printf("Coordinator: preview failed: %s", detail)
		c.publisher.Publish(EventPreviewError, map[string]interface{}{
			"error": detail,
		})

	case StateRecording:
		session := c.session
		c.state = StateIdle
		c.proc = nil
		c.session = nil
		c.gen++
		c.mu.Unlock()

		if status.Reason == ExitNormal {
			// Device-initiated EOF without a stop request: implicit stop.
			log.Printf("Coordinator: recording ended on its own, finalizing session %s", session.ID.Hex())
			c.finalize(context.Background(), session)
			return
		}
		detail := status.Detail
		if detail == "" {
			detail = "recording subprocess exited unexpectedly"
		}
		log.Printf("Coordinator: recording failed: %s", detail)
		c.failSession(context.Background(), session, detail)

	default:
		c.mu.Unlock()
	}
}

// finalize marks the session completed and runs the upload. It never holds
// the state lock, so a new capture may begin while an upload is in flight.
func (c *Coordinator) finalize(ctx context.Context, session *Session) {
	end := time.Now()
	duration := end.Sub(session.StartTime).Seconds()
	if err := c.store.UpdateFields(ctx, session.ID, bson.M{
		"status":   SessionStatusCompleted,
		"end_time": end,
		"duration": duration,
	}); err != nil {
		log.Printf("Coordinator: failed to persist completion of session %s: %v", session.ID.Hex(), err)
	}

	locator, err := c.uploader.Upload(ctx, session.Path, session.ID.Hex())
	if err != nil {
		log.Printf("Coordinator: upload of session %s failed: %v", session.ID.Hex(), err)
		if uerr := c.store.UpdateFields(ctx, session.ID, bson.M{
			"uploaded":     false,
			"upload_error": err.Error(),
		}); uerr != nil {
			log.Printf("Coordinator: failed to persist upload failure of session %s: %v", session.ID.Hex(), uerr)
		}
		c.publisher.Publish(EventUploadError, map[string]interface{}{
			"sessionId": session.ID.Hex(),
			"error":     err.Error(),
		})
	} else {
		if uerr := c.store.UpdateFields(ctx, session.ID, bson.M{
			"uploaded":       true,
			"remote_locator": locator,
		}); uerr != nil {
			log.Printf("Coordinator: failed to persist upload outcome of session %s: %v", session.ID.Hex(), uerr)
		}
		c.publisher.Publish(EventUploadComplete, map[string]interface{}{
			"sessionId": session.ID.Hex(),
			"locator":   locator,
		})
	}

	c.publisher.Publish(EventCaptureEnded, map[string]interface{}{
		"sessionId": session.ID.Hex(),
		"endTime":   end,
		"duration":  duration,
	})
}

// failSession marks the session errored; no upload is attempted.
func (c *Coordinator) failSession(ctx context.Context, session *Session, detail string) {
	end := time.Now()
	if err := c.store.UpdateFields(ctx, session.ID, bson.M{
		"status":   SessionStatusError,
		"error":    detail,
		"end_time": end,
		"duration": end.Sub(session.StartTime).Seconds(),
	}); err != nil {
		log.Printf("Coordinator: failed to persist error of session %s: %v", session.ID.Hex(), err)
	}
	c.publisher.Publish(EventCaptureError, map[string]interface{}{
		"sessionId": session.ID.Hex(),
		"error":     detail,
	})
}

func (c *Coordinator) captureParams() CaptureParams {
	return CaptureParams{
		InputFormat: c.cfg.InputFormat,
		Width:       c.cfg.Width,
		Height:      c.cfg.Height,
		Framerate:   c.cfg.Framerate,
		Bitrate:     c.cfg.Bitrate,
	}
}

func (c *Coordinator) previewParams() PreviewParams {
	return PreviewParams{
		Width:    c.cfg.PreviewWidth,
		Interval: c.cfg.PreviewInterval,
		Path:     c.cfg.PreviewPath,
	}
}
