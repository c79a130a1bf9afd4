package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
logger:
  level: DEBUG
  json: true
db:
  path: /var/lib/shaledb
  write_buffer_bytes: 1048576
  compression: zstd
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "DEBUG" || !cfg.Logger.JSON {
		t.Fatalf("logger config %+v", cfg.Logger)
	}
	if cfg.DB.Path != "/var/lib/shaledb" || cfg.DB.WriteBufferBytes != 1<<20 {
		t.Fatalf("db config %+v", cfg.DB)
	}
	if cfg.DB.Compression != "zstd" {
		t.Fatalf("compression %q", cfg.DB.Compression)
	}
	// Untouched fields keep their defaults.
	if cfg.DB.BloomBitsPerKey != 10 {
		t.Fatalf("bloom bits %d", cfg.DB.BloomBitsPerKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
