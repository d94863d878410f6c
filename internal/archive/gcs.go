package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCS stores archives in a Cloud Storage bucket under <nels_id>/<path>.
type GCS struct {
	client *storage.Client
	bucket string
	logger *zap.SugaredLogger
}

// NewGCS creates the Cloud Storage backend with default credentials.
func NewGCS(ctx context.Context, bucket string, logger *zap.SugaredLogger) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

func (g *GCS) Push(ctx context.Context, nelsID int64, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer f.Close()

	object := objectName(nelsID, remote)
	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/gzip"
	n, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to upload %s: %w", local, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", g.bucket, object, err)
	}
	g.logger.Debugf("Uploaded %d bytes to gs://%s/%s", n, g.bucket, object)
	return nil
}

func (g *GCS) Pull(ctx context.Context, nelsID int64, remote, local string) error {
	object := objectName(nelsID, remote)
	r, err := g.client.Bucket(g.bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open gs://%s/%s: %w", g.bucket, object, err)
	}
	defer r.Close()

	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", local, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to download gs://%s/%s: %w", g.bucket, object, err)
	}
	return f.Close()
}
