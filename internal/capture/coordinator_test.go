package capture

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"capturedeck/internal/config"
)

// --- fakes ---

type fakeHandle struct {
	done     chan ExitStatus
	exitOnce sync.Once

	mu         sync.Mutex
	terminated bool
	killed     bool

	// when set, Terminate immediately reports this exit
	exitOnTerminate *ExitStatus
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan ExitStatus, 1)}
}

func (h *fakeHandle) Done() <-chan ExitStatus { return h.done }

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	exit := h.exitOnTerminate
	h.mu.Unlock()
	if exit != nil {
		h.exit(*exit)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) exit(status ExitStatus) {
	h.exitOnce.Do(func() {
		h.done <- status
		close(h.done)
	})
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

type fakeSupervisor struct {
	mu       sync.Mutex
	launches []string
	handles  []*fakeHandle

	launchErr       error
	exitOnTerminate bool
}

func (s *fakeSupervisor) newHandle() *fakeHandle {
	h := newFakeHandle()
	if s.exitOnTerminate {
		h.exitOnTerminate = &ExitStatus{Reason: ExitSignaled, Detail: "terminated by stop request"}
	}
	s.handles = append(s.handles, h)
	return h
}

func (s *fakeSupervisor) LaunchPreview(devicePath string, cp CaptureParams, pp PreviewParams) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launchErr != nil {
		return nil, s.launchErr
	}
	s.launches = append(s.launches, "preview")
	return s.newHandle(), nil
}

func (s *fakeSupervisor) LaunchRecordingWithPreview(devicePath string, cp CaptureParams, archivePath string, pp PreviewParams) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launchErr != nil {
		return nil, s.launchErr
	}
	s.launches = append(s.launches, "recording")
	return s.newHandle(), nil
}

func (s *fakeSupervisor) launchOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.launches...)
}

func (s *fakeSupervisor) lastHandle() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[primitive.ObjectID]*Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[primitive.ObjectID]*Session)}
}

func (s *fakeStore) Insert(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateFields(ctx context.Context, id primitive.ObjectID, fields bson.M) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	for k, v := range fields {
		switch k {
		case "status":
			session.Status = v.(SessionStatus)
		case "end_time":
			end := v.(time.Time)
			session.EndTime = &end
		case "duration":
			d := v.(float64)
			session.Duration = &d
		case "error":
			session.Error = v.(string)
		case "uploaded":
			session.Uploaded = v.(bool)
		case "remote_locator":
			session.RemoteLocator = v.(string)
		case "upload_error":
			session.UploadError = v.(string)
		case "notes":
			session.Notes = v.(string)
		}
	}
	return nil
}

func (s *fakeStore) Find(ctx context.Context, id primitive.ObjectID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	copied := *session
	return &copied, nil
}

func (s *fakeStore) FindAll(ctx context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, session := range s.sessions {
		copied := *session
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeStore) UpdateNotes(ctx context.Context, id primitive.ObjectID, notes string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	session.Notes = notes
	return true, nil
}

func (s *fakeStore) get(t *testing.T, id primitive.ObjectID) *Session {
	t.Helper()
	session, err := s.Find(context.Background(), id)
	if err != nil {
		t.Fatalf("session %s not in store", id.Hex())
	}
	return session
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *fakePublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == event {
			n++
		}
	}
	return n
}

func (p *fakePublisher) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakePublisher) waitFor(t *testing.T, event string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.count(event) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q notification, got %v", event, p.all())
}

type fakeGuard struct {
	err   error
	calls int
}

func (g *fakeGuard) CheckAccess(devicePath string, maxAttempts int) error {
	g.calls++
	return g.err
}

type fakeUploader struct {
	mu      sync.Mutex
	calls   int
	locator string
	err     error
}

func (u *fakeUploader) Upload(ctx context.Context, artifactPath, sessionID string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	if u.locator != "" {
		return u.locator, nil
	}
	return artifactPath, nil
}

func (u *fakeUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// --- harness ---

type testEnv struct {
	coordinator *Coordinator
	supervisor  *fakeSupervisor
	store       *fakeStore
	publisher   *fakePublisher
	guard       *fakeGuard
	uploader    *fakeUploader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.CaptureConfig{
		DevicePath:         "/dev/video0",
		InputFormat:        "mjpeg",
		Width:              1280,
		Height:             720,
		Framerate:          30,
		Bitrate:            2000,
		PreviewWidth:       640,
		PreviewInterval:    1,
		StoragePath:        filepath.Join(dir, "recordings"),
		PreviewPath:        filepath.Join(dir, "preview.jpg"),
		PreviewStopTimeout: 100 * time.Millisecond,
		RecordStopTimeout:  200 * time.Millisecond,
		GuardAttempts:      3,
		GuardBackoff:       time.Millisecond,
	}

	env := &testEnv{
		supervisor: &fakeSupervisor{exitOnTerminate: true},
		store:      newFakeStore(),
		publisher:  &fakePublisher{},
		guard:      &fakeGuard{},
		uploader:   &fakeUploader{},
	}

	coordinator, err := NewCoordinator(cfg, env.supervisor, env.guard, env.store, env.uploader, env.publisher)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	env.coordinator = coordinator
	return env
}

func (env *testEnv) waitForState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := env.coordinator.CurrentState(); state == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := env.coordinator.CurrentState()
	t.Fatalf("timed out waiting for state %s, still %s", want, state)
}

// --- tests ---

func TestStartPreview(t *testing.T) {
	env := newTestEnv(t)

	if err := env.coordinator.StartPreview(); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}

	if state, _ := env.coordinator.CurrentState(); state != StatePreviewing {
		t.Errorf("state = %s, want %s", state, StatePreviewing)
	}
	if got := env.publisher.count(EventPreviewStarted); got != 1 {
		t.Errorf("preview_started published %d times, want 1", got)
	}

	// A second StartPreview must be rejected while one is running.
	err := env.coordinator.StartPreview()
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("second StartPreview error = %v, want ConflictError", err)
	}
	if got := len(env.supervisor.launchOrder()); got != 1 {
		t.Errorf("launched %d subprocesses, want 1", got)
	}
}

func TestStopPreviewWhenIdle(t *testing.T) {
	env := newTestEnv(t)

	stopped, err := env.coordinator.StopPreview()
	if err != nil {
		t.Fatalf("StopPreview: %v", err)
	}
	if stopped {
		t.Error("StopPreview reported stopped=true with no preview active")
	}
	if got := env.publisher.count(EventPreviewStopped); got != 0 {
		t.Errorf("preview_stopped published %d times, want 0", got)
	}
}

func TestStopPreviewGraceful(t *testing.T) {
	env := newTestEnv(t)

	if err := env.coordinator.StartPreview(); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	stopped, err := env.coordinator.StopPreview()
	if err != nil {
		t.Fatalf("StopPreview: %v", err)
	}
	if !stopped {
		t.Error("StopPreview reported stopped=false")
	}

	if state, _ := env.coordinator.CurrentState(); state != StateIdle {
		t.Errorf("state = %s, want %s", state, StateIdle)
	}
	if got := env.publisher.count(EventPreviewStopped); got != 1 {
		t.Errorf("preview_stopped published %d times, want 1", got)
	}
	// The signal-induced exit must not surface as an error.
	if got := env.publisher.count(EventPreviewError); got != 0 {
		t.Errorf("preview_error published %d times, want 0", got)
	}
}

func TestStopPreviewTimeoutKillsSubprocess(t *testing.T) {
	env := newTestEnv(t)
	env.supervisor.exitOnTerminate = false // hung subprocess

	if err := env.coordinator.StartPreview(); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	handle := env.supervisor.lastHandle()

	start := time.Now()
	if _, err := env.coordinator.StopPreview(); err != nil {
		t.Fatalf("StopPreview: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopPreview took %v, should resolve near the 100ms bound", elapsed)
	}

	if !handle.wasKilled() {
		t.Error("hung preview subprocess was not killed after the stop timeout")
	}
	if state, _ := env.coordinator.CurrentState(); state != StateIdle {
		t.Errorf("state = %s, want %s", state, StateIdle)
	}
	if got := env.publisher.count(EventPreviewStopped); got != 1 {
		t.Errorf("preview_stopped published %d times, want 1", got)
	}

	// A late exit from the killed process must not fire a second cleanup.
	handle.exit(ExitStatus{Reason: ExitSignaled})
	time.Sleep(50 * time.Millisecond)
	if got := env.publisher.count(EventPreviewStopped); got != 1 {
		t.Errorf("late exit caused duplicate preview_stopped, published %d times", got)
	}
	if got := env.publisher.count(EventPreviewError); got != 0 {
		t.Errorf("late exit surfaced as preview_error %d times, want 0", got)
	}
}

func TestPreviewCrashSurfacesError(t *testing.T) {
	env := newTestEnv(t)

	if err := env.coordinator.StartPreview(); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	env.supervisor.lastHandle().exit(ExitStatus{Reason: ExitError, Detail: "device disconnected"})

	env.publisher.waitFor(t, EventPreviewError)
	env.waitForState(t, StateIdle)
}

func TestStartCaptureDeviceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.guard.err = &DeviceUnavailableError{Path: "/dev/video0", Cause: errors.New("no such device")}

	_, err := env.coordinator.StartCapture(context.Background(), "")
	var unavailable *DeviceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("StartCapture error = %v, want DeviceUnavailableError", err)
	}

	if state, _ := env.coordinator.CurrentState(); state != StateIdle {
		t.Errorf("state = %s, want %s", state, StateIdle)
	}
	if sessions, _ := env.store.FindAll(context.Background()); len(sessions) != 0 {
		t.Errorf("guard failure created %d sessions, want 0", len(sessions))
	}
}

func TestStartCaptureStopsPreviewFirst(t *testing.T) {
	env := newTestEnv(t)

	if err := env.coordinator.StartPreview(); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	previewHandle := env.supervisor.lastHandle()

	session, err := env.coordinator.StartCapture(context.Background(), "")
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if session == nil {
		t.Fatal("StartCapture returned nil session")
	}

	if !previewHandle.wasTerminated() {
		t.Error("preview subprocess was not terminated before the recording launch")
	}
	order := env.supervisor.launchOrder()
	if len(order) != 2 || order[0] != "preview" || order[1] != "recording" {
		t.Errorf("launch order = %v, want [preview recording]", order)
	}
	if got := env.publisher.count(EventPreviewStopped); got != 1 {
		t.Errorf("preview_stopped published %d times, want 1", got)
	}
	if state, _ := env.coordinator.CurrentState(); state != StateRecording {
		t.Errorf("state = %s, want %s", state, StateRecording)
	}
}

func TestStartCaptureConflictWhileRecording(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.coordinator.StartCapture(context.Background(), "first"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	_, err := env.coordinator.StartCapture(context.Background(), "second")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second StartCapture error = %v, want ConflictError", err)
	}

	// The recording invariant: only one session may ever be in recording status.
	sessions, _ := env.store.FindAll(context.Background())
	recording := 0
	for _, s := range sessions {
		if s.Status == SessionStatusRecording {
			recording++
		}
	}
	if recording != 1 {
		t.Errorf("%d sessions in recording status, want 1", recording)
	}
}

func TestCaptureAbnormalExit(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.coordinator.StartCapture(context.Background(), "")
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	env.supervisor.lastHandle().exit(ExitStatus{Reason: ExitError, Detail: "device disconnected"})

	env.publisher.waitFor(t, EventCaptureError)
	env.waitForState(t, StateIdle)

	stored := env.store.get(t, session.ID)
	if stored.Status != SessionStatusError {
		t.Errorf("session status = %s, want %s", stored.Status, SessionStatusError)
	}
	if stored.Error != "device disconnected" {
		t.Errorf("session error = %q, want device disconnect detail", stored.Error)
	}
	if got := env.uploader.callCount(); got != 0 {
		t.Errorf("upload attempted %d times after a crash, want 0", got)
	}
}

func TestCaptureImplicitStopOnNormalExit(t *testing.T) {
	env := newTestEnv(t)
	env.uploader.locator = "s3://recordings/key"

	session, err := env.coordinator.StartCapture(context.Background(), "")
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	// Device-initiated EOF: no stop was requested.
	env.supervisor.lastHandle().exit(ExitStatus{Reason: ExitNormal})

	env.publisher.waitFor(t, EventCaptureEnded)
	env.waitForState(t, StateIdle)

	stored := env.store.get(t, session.ID)
	if stored.Status != SessionStatusCompleted {
		t.Errorf("session status = %s, want %s", stored.Status, SessionStatusCompleted)
	}
	if stored.EndTime == nil || stored.Duration == nil {
		t.Error("end time and duration were not set on completion")
	}
	if !stored.Uploaded || stored.RemoteLocator != "s3://recordings/key" {
		t.Errorf("upload outcome not recorded: uploaded=%v locator=%q", stored.Uploaded, stored.RemoteLocator)
	}
	if got := env.uploader.callCount(); got != 1 {
		t.Errorf("upload called %d times, want 1", got)
	}
	if got := env.publisher.count(EventUploadComplete); got != 1 {
		t.Errorf("upload_complete published %d times, want 1", got)
	}
}

func TestStopCaptureFinalizesOnce(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.coordinator.StartCapture(context.Background(), "test")
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := env.coordinator.StopCapture(context.Background()); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	if state, _ := env.coordinator.CurrentState(); state != StateIdle {
		t.Errorf("state = %s, want %s", state, StateIdle)
	}
	stored := env.store.get(t, session.ID)
	if stored.Status != SessionStatusCompleted {
		t.Errorf("session status = %s, want %s", stored.Status, SessionStatusCompleted)
	}
	if stored.Duration == nil || *stored.Duration < 0.04 || *stored.Duration > 2 {
		t.Errorf("session duration = %v, want roughly the recording time", stored.Duration)
	}
	if got := env.uploader.callCount(); got != 1 {
		t.Errorf("upload called %d times, want 1", got)
	}
	if got := env.publisher.count(EventCaptureEnded); got != 1 {
		t.Errorf("capture_ended published %d times, want 1", got)
	}
	// The signal-induced exit was an intentional stop, never an error.
	if got := env.publisher.count(EventCaptureError); got != 0 {
		t.Errorf("capture_error published %d times, want 0", got)
	}
}

func TestStopCaptureWhenNotRecording(t *testing.T) {
	env := newTestEnv(t)

	if err := env.coordinator.StopCapture(context.Background()); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("StopCapture error = %v, want ErrNotCapturing", err)
	}
}

func TestStopCaptureTimeoutKillsSubprocess(t *testing.T) {
	env := newTestEnv(t)
	env.supervisor.exitOnTerminate = false // hung subprocess

	session, err := env.coordinator.StartCapture(context.Background(), "")
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	handle := env.supervisor.lastHandle()

	start := time.Now()
	if err := env.coordinator.StopCapture(context.Background()); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopCapture took %v, should resolve near the 200ms bound", elapsed)
	}

	if !handle.wasKilled() {
		t.Error("hung recording subprocess was not killed after the stop timeout")
	}
	stored := env.store.get(t, session.ID)
	if stored.Status != SessionStatusCompleted {
		t.Errorf("session status = %s, want %s", stored.Status, SessionStatusCompleted)
	}
	if got := env.publisher.count(EventCaptureEnded); got != 1 {
		t.Errorf("capture_ended published %d times, want 1", got)
	}

	// Late exit from the killed process: no duplicate finalization.
	handle.exit(ExitStatus{Reason: ExitSignaled})
	time.Sleep(50 * time.Millisecond)
	if got := env.publisher.count(EventCaptureEnded); got != 1 {
		t.Errorf("late exit caused duplicate capture_ended, published %d times", got)
	}
	if got := env.uploader.callCount(); got != 1 {
		t.Errorf("late exit caused duplicate upload, called %d times", got)
	}
}

func TestStopCaptureUploadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.uploader.err = errors.New("connection refused")

	session, err := env.coordinator.StartCapture(context.Background(), "")
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := env.coordinator.StopCapture(context.Background()); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	stored := env.store.get(t, session.ID)
	if stored.Status != SessionStatusCompleted {
		t.Errorf("upload failure changed session status to %s", stored.Status)
	}
	if stored.Uploaded {
		t.Error("uploaded flag set despite failed transfer")
	}
	if stored.UploadError == "" {
		t.Error("upload error was not recorded")
	}
	if got := env.publisher.count(EventUploadError); got != 1 {
		t.Errorf("upload_error published %d times, want 1", got)
	}
	// Capture lifecycle is unaffected by the upload outcome.
	if got := env.publisher.count(EventCaptureEnded); got != 1 {
		t.Errorf("capture_ended published %d times, want 1", got)
	}
	if state, _ := env.coordinator.CurrentState(); state != StateIdle {
		t.Errorf("state = %s, want %s", state, StateIdle)
	}
}

func TestUpdateNotes(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.coordinator.StartCapture(context.Background(), "before")
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	updated, err := env.coordinator.UpdateNotes(context.Background(), session.ID.Hex(), "after")
	if err != nil {
		t.Fatalf("UpdateNotes: %v", err)
	}
	if !updated {
		t.Error("UpdateNotes reported no match for an existing session")
	}
	if stored := env.store.get(t, session.ID); stored.Notes != "after" {
		t.Errorf("notes = %q, want %q", stored.Notes, "after")
	}

	// Unknown but well-formed id: no match, no error.
	updated, err = env.coordinator.UpdateNotes(context.Background(), primitive.NewObjectID().Hex(), "x")
	if err != nil {
		t.Fatalf("UpdateNotes: %v", err)
	}
	if updated {
		t.Error("UpdateNotes reported a match for a nonexistent session")
	}

	if _, err := env.coordinator.UpdateNotes(context.Background(), "not-an-id", "x"); err == nil {
		t.Error("UpdateNotes accepted a malformed session id")
	}
}
