package backup

import (
	"context"
	"testing"
	"time"
)

type staticExporter struct{ data []byte }

func (s staticExporter) ExportJSON() ([]byte, error) { return s.data, nil }

func TestObjectNameCarriesTimestampAndPrefix(t *testing.T) {
	u := NewUploader("my-bucket", "backups")
	u.now = func() time.Time { return time.Date(2025, 3, 10, 12, 30, 45, 0, time.UTC) }

	if got, want := u.objectName(), "backups/kakeibo-20250310-123045.json"; got != want {
		t.Errorf("objectName() = %q, want %q", got, want)
	}

	u.prefix = ""
	if got, want := u.objectName(), "kakeibo-20250310-123045.json"; got != want {
		t.Errorf("objectName() without prefix = %q, want %q", got, want)
	}
}

func TestSnapshotRequiresBucket(t *testing.T) {
	u := NewUploader("", "backups")
	if _, err := u.Snapshot(context.Background(), staticExporter{data: []byte("{}")}); err == nil {
		t.Fatal("Snapshot() error = nil, want missing-bucket failure")
	}
}
