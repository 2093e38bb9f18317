package capture

import (
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// ExitReason classifies how a transcoder subprocess ended. The coordinator
// uses it to decide whether an exit should be surfaced as an error.
type ExitReason int

const (
	ExitNormal ExitReason = iota
	ExitSignaled
	ExitError
)

func (r ExitReason) String() string {
	switch r {
	case ExitNormal:
		return "normal"
	case ExitSignaled:
		return "signaled"
	default:
		return "error"
	}
}

// ExitStatus is the single terminal event reported for a subprocess.
type ExitStatus struct {
	Reason ExitReason
	Detail string
}

// Handle is a running transcoder subprocess. Done delivers exactly one
// ExitStatus and is then closed. Terminate requests a graceful stop and does
// not block; completion is observed through Done.
type Handle interface {
	Done() <-chan ExitStatus
	Terminate() error
	Kill() error
}

// CaptureParams describe the device read side of a launch.
type CaptureParams struct {
	InputFormat string
	Width       int
	Height      int
	Framerate   int
	Bitrate     int // kbps, archival encode only
}

// PreviewParams describe the downscaled still-image output.
type PreviewParams struct {
	Width    int
	Interval int // seconds between still refreshes
	Path     string
}

// Supervisor launches transcoder subprocesses. Exactly one device session
// exists per launch; the recording variant duplicates the stream internally.
type Supervisor interface {
	LaunchPreview(devicePath string, cp CaptureParams, pp PreviewParams) (Handle, error)
	LaunchRecordingWithPreview(devicePath string, cp CaptureParams, archivePath string, pp PreviewParams) (Handle, error)
}

// FFmpegSupervisor runs ffmpeg subprocesses.
type FFmpegSupervisor struct {
	ffmpegPath string
}

func NewFFmpegSupervisor() *FFmpegSupervisor {
	return &FFmpegSupervisor{
		ffmpegPath: "ffmpeg", // Assumes ffmpeg is in PATH
	}
}

// CheckAvailable checks if ffmpeg is installed and runnable.
func (s *FFmpegSupervisor) CheckAvailable() error {
	output, err := exec.Command(s.ffmpegPath, "-version").Output()
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	if !strings.Contains(string(output), "ffmpeg version") {
		return fmt.Errorf("ffmpeg not properly installed")
	}
	return nil
}

func (s *FFmpegSupervisor) LaunchPreview(devicePath string, cp CaptureParams, pp PreviewParams) (Handle, error) {
	return s.launch(previewArgs(devicePath, cp, pp))
}

func (s *FFmpegSupervisor) LaunchRecordingWithPreview(devicePath string, cp CaptureParams, archivePath string, pp PreviewParams) (Handle, error) {
	return s.launch(recordingArgs(devicePath, cp, archivePath, pp))
}

func (s *FFmpegSupervisor) launch(args []string) (Handle, error) {
	cmd := exec.Command(s.ffmpegPath, args...)

	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &SubprocessError{Detail: "failed to start ffmpeg", Cause: err}
	}
	log.Printf("Transcoder: started ffmpeg pid %d: %s", cmd.Process.Pid, strings.Join(args, " "))

	p := &ffmpegProcess{
		cmd:    cmd,
		stderr: stderr,
		done:   make(chan ExitStatus, 1),
	}
	go p.wait()

	return p, nil
}

type ffmpegProcess struct {
	cmd        *exec.Cmd
	stderr     *tailBuffer
	done       chan ExitStatus
	terminated atomic.Bool
}

func (p *ffmpegProcess) Done() <-chan ExitStatus { return p.done }

// Terminate sends SIGINT, which ffmpeg treats as a request to finish writing
// its outputs and exit.
func (p *ffmpegProcess) Terminate() error {
	p.terminated.Store(true)
	return p.cmd.Process.Signal(syscall.SIGINT)
}

func (p *ffmpegProcess) Kill() error {
	p.terminated.Store(true)
	return p.cmd.Process.Kill()
}

func (p *ffmpegProcess) wait() {
	err := p.cmd.Wait()
	status := classifyExit(err, p.terminated.Load(), p.stderr.Tail())
	log.Printf("Transcoder: ffmpeg pid %d exited: %s", p.cmd.Process.Pid, status.Reason)
	p.done <- status
	close(p.done)
}

// classifyExit maps a Wait result to an ExitStatus. Any exit after Terminate
// was requested counts as signal-induced, whatever the exit code: ffmpeg
// reports a nonzero status when interrupted mid-write and that must not be
// mistaken for a crash.
func classifyExit(err error, terminated bool, stderrTail string) ExitStatus {
	if terminated {
		return ExitStatus{Reason: ExitSignaled, Detail: "terminated by stop request"}
	}
	if err == nil {
		return ExitStatus{Reason: ExitNormal}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{
				Reason: ExitSignaled,
				Detail: fmt.Sprintf("terminated by signal %s", ws.Signal()),
			}
		}
		detail := strings.TrimSpace(stderrTail)
		if detail == "" {
			detail = exitErr.Error()
		}
		return ExitStatus{Reason: ExitError, Detail: detail}
	}
	return ExitStatus{Reason: ExitError, Detail: err.Error()}
}

func previewArgs(devicePath string, cp CaptureParams, pp PreviewParams) []string {
	args := inputArgs(devicePath, cp)
	args = append(args,
		"-vf", fmt.Sprintf("fps=1/%d,scale=%d:-1", pp.Interval, pp.Width),
		"-update", "1",
		pp.Path,
	)
	return args
}

// recordingArgs reads the device once and splits the stream into the
// archival encode and the continuously overwritten preview still.
func recordingArgs(devicePath string, cp CaptureParams, archivePath string, pp PreviewParams) []string {
	args := inputArgs(devicePath, cp)
	args = append(args,
		"-filter_complex",
		fmt.Sprintf("[0:v]split=2[arch][pv];[pv]fps=1/%d,scale=%d:-1[pvout]", pp.Interval, pp.Width),
		"-map", "[arch]",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", fmt.Sprintf("%dk", cp.Bitrate),
		"-movflags", "+faststart",
		archivePath,
		"-map", "[pvout]",
		"-update", "1",
		pp.Path,
	)
	return args
}

func inputArgs(devicePath string, cp CaptureParams) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "v4l2",
	}
	if cp.InputFormat != "" {
		args = append(args, "-input_format", cp.InputFormat)
	}
	args = append(args,
		"-framerate", fmt.Sprintf("%d", cp.Framerate),
		"-video_size", fmt.Sprintf("%dx%d", cp.Width, cp.Height),
		"-i", devicePath,
	)
	return args
}

// tailBuffer keeps the last limit bytes written to it. ffmpeg logs to stderr;
// only the tail is useful as a failure detail.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
