package upload

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"

	"capturedeck/internal/config"
)

// FTPDispatcher transfers artifacts to a remote FTP server, one connection
// per upload.
type FTPDispatcher struct {
	addr    string
	user    string
	pass    string
	baseDir string
	timeout time.Duration
}

func NewFTPDispatcher(cfg config.UploadConfig) *FTPDispatcher {
	return &FTPDispatcher{
		addr:    fmt.Sprintf("%s:%d", cfg.FTPHost, cfg.FTPPort),
		user:    cfg.FTPUser,
		pass:    cfg.FTPPass,
		baseDir: cfg.FTPBaseDir,
		timeout: 10 * time.Second,
	}
}

func (d *FTPDispatcher) Upload(ctx context.Context, artifactPath, sessionID string) (string, error) {
	conn, err := ftp.Dial(d.addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(d.timeout))
	if err != nil {
		return "", &Error{Backend: "ftp", Cause: errors.Wrap(err, "dial")}
	}
	defer conn.Quit()

	if err := conn.Login(d.user, d.pass); err != nil {
		return "", &Error{Backend: "ftp", Cause: errors.Wrap(err, "login")}
	}

	remoteDir := path.Join(d.baseDir, sessionID)
	// MakeDir fails when the directory already exists; that is fine as long
	// as we can change into it.
	if err := conn.MakeDir(remoteDir); err != nil {
		log.Printf("Upload: ftp mkdir %s: %v", remoteDir, err)
	}
	if err := conn.ChangeDir(remoteDir); err != nil {
		return "", &Error{Backend: "ftp", Cause: errors.Wrapf(err, "cd %s", remoteDir)}
	}

	file, err := os.Open(artifactPath)
	if err != nil {
		return "", &Error{Backend: "ftp", Cause: errors.Wrap(err, "open artifact")}
	}
	defer file.Close()

	filename := path.Base(artifactPath)
	if err := conn.Stor(filename, file); err != nil {
		return "", &Error{Backend: "ftp", Cause: errors.Wrapf(err, "store %s", filename)}
	}

	return fmt.Sprintf("ftp://%s/%s", d.addr, path.Join(remoteDir, filename)), nil
}
