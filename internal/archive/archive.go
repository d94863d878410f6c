// Package archive moves history archives between the local staging area and
// the archival storage.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/internal/apiclient"
	"github.com/alphauslabs/ferry/internal/config"
)

// Transferer copies files to and from a user's archival storage.
type Transferer interface {
	// Push copies the local file to remote.
	Push(ctx context.Context, nelsID int64, local, remote string) error

	// Pull copies remote into the local file.
	Pull(ctx context.Context, nelsID int64, remote, local string) error
}

// DestinationPath builds the remote file name for an exported history:
// dest/<normalized name>-YYYYMMDD_HHMMSS.tgz, with the creation time in UTC.
// Spaces, path separators and control characters in the name become
// underscores, so the file always lands directly under dest.
func DestinationPath(dest, historyName string, created time.Time) (string, error) {
	name := strings.Map(func(r rune) rune {
		if r == ' ' || r == '/' || r == '\\' || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, historyName)
	file := fmt.Sprintf("%s-%s.tgz", name, created.UTC().Format("20060102_150405"))
	remote := path.Join(dest, file)
	if path.Dir(remote) != path.Clean(dest) {
		return "", fmt.Errorf("history name %q escapes %s", historyName, dest)
	}
	return remote, nil
}

// NewTransferer builds the backend selected by cfg.Backend. keyDir is where
// scp stages private keys.
func NewTransferer(ctx context.Context, cfg config.ArchiveConfig, keyDir string, logger *zap.SugaredLogger) (Transferer, error) {
	switch cfg.Backend {
	case "scp":
		creds := NewCredentialClient(cfg.StorageURL, cfg.ClientKey, cfg.ClientSecret, apiclient.Options{})
		return NewSCP(creds, SCPOptions{
			KeyDir:          keyDir,
			KnownHostsFile:  cfg.KnownHostsFile,
			InsecureHostKey: cfg.InsecureHostKey,
			Port:            cfg.SSHPort,
		}, logger)
	case "gcs":
		return NewGCS(ctx, cfg.Bucket, logger)
	case "s3":
		return NewS3(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.Bucket, cfg.S3UseSSL, logger)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}

// objectName maps a user's remote path to a bucket object name.
func objectName(nelsID int64, remote string) string {
	return fmt.Sprintf("%d/%s", nelsID, strings.TrimLeft(path.Clean("/"+remote), "/"))
}
