package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Gammanik/netdisk/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Type != model.StoreRaw {
		t.Errorf("default store type = %s, want RAW", cfg.Store.Type)
	}
	if cfg.Download.BufferSize != 8192 {
		t.Errorf("default buffer size = %d, want 8192", cfg.Download.BufferSize)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netdisk.yaml")
	content := `
listen: ":9999"
paths:
  store_root: /srv/disk
  public_root: /srv/public
store:
  type: UNIQUE
tasks:
  max_concurrent: 8
download:
  progress_interval: 500ms
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Store.Type != model.StoreUnique {
		t.Errorf("Store.Type = %s", cfg.Store.Type)
	}
	if cfg.Store.ShardDepth != 2 {
		t.Errorf("ShardDepth = %d, want default 2", cfg.Store.ShardDepth)
	}
	if cfg.Tasks.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d", cfg.Tasks.MaxConcurrent)
	}
	if cfg.Download.ProgressInterval != 500*time.Millisecond {
		t.Errorf("ProgressInterval = %v", cfg.Download.ProgressInterval)
	}
	if got := cfg.UniqueRoot(); got != "/srv/disk/repo" {
		t.Errorf("UniqueRoot = %q", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	content := "store:\n  type: MIRROR\n  shard_depth: 0\ntasks:\n  max_concurrent: 0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"store.type", "shard layout", "max_concurrent"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestUserRoot(t *testing.T) {
	cfg := Default()
	cfg.Paths.StoreRoot = "/srv/disk"
	cfg.Paths.PublicRoot = "/srv/public"

	if got := cfg.UserRoot(model.PublicUID); got != "/srv/public" {
		t.Errorf("public root = %q", got)
	}
	if got := cfg.UserRoot(42); got != "/srv/disk/user_file/42" {
		t.Errorf("user root = %q", got)
	}
}
