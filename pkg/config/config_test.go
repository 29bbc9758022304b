package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	_, err := Load("/nonexistent/path/flashkv.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
	// Load with empty path uses default search (may use defaults if no config file)
	cfg, _ := Load("")
	if cfg.Flash.Geometry.EraseSize != 4096 {
		t.Errorf("default erase_size: got %d", cfg.Flash.Geometry.EraseSize)
	}
	if cfg.Storage.End != uint32(cfg.Flash.Geometry.Capacity) {
		t.Errorf("default storage end: got %d", cfg.Storage.End)
	}
	if !cfg.Flash.Multiwrite {
		t.Errorf("default multiwrite: got false")
	}
	if cfg.System.KeyCacheSize != 256 {
		t.Errorf("default key_cache_size: got %d", cfg.System.KeyCacheSize)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	content := `
flash:
  read_size: 4
  write_size: 8
  erase_size: 2048
  capacity: 16384
  multiwrite: false
storage:
  start: 4096
image:
  backend: badger
  path: "image_data"
system:
  key_cache_size: 0
  log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Flash.Geometry.WriteSize != 8 || cfg.Flash.Geometry.Capacity != 16384 {
		t.Errorf("geometry: got %+v", cfg.Flash.Geometry)
	}
	if cfg.Flash.Multiwrite {
		t.Errorf("multiwrite: got true")
	}
	if cfg.Storage.Start != 4096 || cfg.Storage.End != 16384 {
		t.Errorf("storage range: got [%d, %d)", cfg.Storage.Start, cfg.Storage.End)
	}
	if cfg.Image.Backend != "badger" || cfg.Image.Path != "image_data" {
		t.Errorf("image: got %+v", cfg.Image)
	}
	if cfg.System.KeyCacheSize != 0 {
		t.Errorf("key_cache_size: got %d", cfg.System.KeyCacheSize)
	}
	if l, err := cfg.System.Level(); err != nil || l != slog.LevelDebug {
		t.Errorf("log level: got %v (%v)", l, err)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"geometry": "flash:\n  erase_size: 1000\n",
		"range":    "storage:\n  start: 8192\n  end: 4096\n",
		"backend":  "image:\n  backend: floppy\n",
		"level":    "system:\n  log_level: loud\n",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), name+".yaml")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
