package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAKEIBO_CONFIG", "/nonexistent/config.toml")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Remote.DatasetID != "kakeibo" {
		t.Errorf("dataset = %q, want kakeibo", c.Remote.DatasetID)
	}
	if c.Sync.Debounce != 2*time.Second {
		t.Errorf("debounce = %v, want 2s", c.Sync.Debounce)
	}
	if c.Local.DBPath == "" {
		t.Error("db path default not applied")
	}
	if c.LLM.Model == "" {
		t.Error("model default not applied")
	}
	if c.RemoteEnabled() {
		t.Error("remote enabled without project and owner")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KAKEIBO_CONFIG", "/nonexistent/config.toml")
	t.Setenv("KAKEIBO_REMOTE_PROJECT_ID", "my-project")
	t.Setenv("KAKEIBO_REMOTE_OWNER_ID", "owner-1")
	t.Setenv("KAKEIBO_SYNC_DEBOUNCE", "500ms")
	t.Setenv("KAKEIBO_LOCAL_DB_PATH", "/tmp/ledger.db")
	t.Setenv("KAKEIBO_BACKUP_BUCKET", "my-bucket")
	t.Setenv("KAKEIBO_LLM_MODEL", "gemini-2.5-pro")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Remote.ProjectID != "my-project" {
		t.Errorf("project = %q, want my-project", c.Remote.ProjectID)
	}
	if c.Sync.Debounce != 500*time.Millisecond {
		t.Errorf("debounce = %v, want 500ms", c.Sync.Debounce)
	}
	if c.Local.DBPath != "/tmp/ledger.db" {
		t.Errorf("db path = %q, want /tmp/ledger.db", c.Local.DBPath)
	}
	if c.Backup.Bucket != "my-bucket" {
		t.Errorf("backup bucket = %q, want my-bucket", c.Backup.Bucket)
	}
	if c.LLM.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q, want gemini-2.5-pro", c.LLM.Model)
	}
	if !c.RemoteEnabled() {
		t.Error("remote not enabled with project and owner set")
	}
}

func TestLoadRejectsBadDebounce(t *testing.T) {
	t.Setenv("KAKEIBO_CONFIG", "/nonexistent/config.toml")
	t.Setenv("KAKEIBO_SYNC_DEBOUNCE", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want parse failure")
	}
}
