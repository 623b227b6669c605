// Package backup uploads a snapshot of the local dataset to a GCS bucket.
// Pull overwrites local state with the remote authority, so a snapshot is
// taken first; restoring is a manual download away.
package backup

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"

	"github.com/ymori/kakeibo-sync/internal/logger"
)

// Exporter produces the serialized dataset document to back up.
type Exporter interface {
	ExportJSON() ([]byte, error)
}

// Uploader writes snapshot objects into one bucket under a fixed prefix.
// It assumes Application Default Credentials are configured.
type Uploader struct {
	bucket string
	prefix string
	now    func() time.Time
}

// NewUploader creates an uploader targeting gs://bucket/prefix/.
func NewUploader(bucket, prefix string) *Uploader {
	return &Uploader{bucket: bucket, prefix: prefix, now: time.Now}
}

// Snapshot exports the dataset and uploads it, returning the object name.
func (u *Uploader) Snapshot(ctx context.Context, store Exporter) (string, error) {
	if u.bucket == "" {
		return "", fmt.Errorf("backup: no bucket configured")
	}
	data, err := store.ExportJSON()
	if err != nil {
		return "", fmt.Errorf("backup: export dataset: %w", err)
	}

	objectName := u.objectName()
	if err := u.upload(ctx, objectName, data); err != nil {
		return "", err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("bucket", u.bucket).
		Str("object", objectName).
		Int("bytes", len(data)).
		Msg("Uploaded dataset snapshot")
	return objectName, nil
}

func (u *Uploader) objectName() string {
	name := fmt.Sprintf("kakeibo-%s.json", u.now().UTC().Format("20060102-150405"))
	if u.prefix == "" {
		return name
	}
	return u.prefix + "/" + name
}

func (u *Uploader) upload(ctx context.Context, objectName string, data []byte) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("backup: create storage client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := client.Bucket(u.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("backup: write GCS object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("backup: close GCS writer: %w", err)
	}
	return nil
}
