package capture

import (
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
)

// DeviceGuard performs a pre-flight readability/writability probe of the
// capture device node. It never holds a streaming session open; the actual
// device open happens inside the transcoder subprocess.
type DeviceGuard struct {
	backoff time.Duration
	// open is swapped out in tests
	open func(path string) error
}

func NewDeviceGuard(backoff time.Duration) *DeviceGuard {
	return &DeviceGuard{
		backoff: backoff,
		open:    probeDevice,
	}
}

// CheckAccess probes devicePath, retrying after a fixed backoff up to
// maxAttempts times. After exhausting attempts it returns a
// DeviceUnavailableError wrapping the last probe failure.
func (g *DeviceGuard) CheckAccess(devicePath string, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lastErr = g.open(devicePath); lastErr == nil {
			return nil
		}
		log.Printf("DeviceGuard: probe %d/%d of %s failed: %v", attempt, maxAttempts, devicePath, lastErr)
		if attempt < maxAttempts {
			time.Sleep(g.backoff)
		}
	}

	return &DeviceUnavailableError{
		Path:  devicePath,
		Cause: errors.Wrapf(lastErr, "after %d attempts", maxAttempts),
	}
}

func probeDevice(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}
