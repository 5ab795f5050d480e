package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/config"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
)

const validDoc = `apiVersion: hakoniwa/v1
metadata:
  name: web
rootfs: /var/lib/hakoniwa/rootfs/web
command: ["/bin/sleep", "infinity"]
env:
  APP_MODE: production
resources:
  memoryBytes: 268435456
  pidsLimit: 64
`

func TestParseValid(t *testing.T) {
	cfg, err := config.Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Metadata.Name != "web" {
		t.Errorf("name = %q, want web", cfg.Metadata.Name)
	}
	if cfg.BackendKind() != config.BackendProcess {
		t.Errorf("backend = %q, want default process", cfg.BackendKind())
	}
	if cfg.Resources.MemoryBytes != 268435456 {
		t.Errorf("memoryBytes = %d", cfg.Resources.MemoryBytes)
	}
	if cfg.Env["APP_MODE"] != "production" {
		t.Errorf("env = %v", cfg.Env)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"wrong apiVersion", "apiVersion: hakoniwa/v2\nmetadata: {name: web}\nrootfs: /r\n"},
		{"missing rootfs", "apiVersion: hakoniwa/v1\nmetadata: {name: web}\n"},
		{"bad name", "apiVersion: hakoniwa/v1\nmetadata: {name: 'a b'}\nrootfs: /r\n"},
		{"unknown field", "apiVersion: hakoniwa/v1\nmetadata: {name: web}\nrootfs: /r\nbogus: 1\n"},
		{"unknown backend", "apiVersion: hakoniwa/v1\nmetadata: {name: web}\nrootfs: /r\nbackend: firecracker\n"},
		{"docker without image", "apiVersion: hakoniwa/v1\nmetadata: {name: web}\nrootfs: /r\nbackend: docker\n"},
		{"negative memory", "apiVersion: hakoniwa/v1\nmetadata: {name: web}\nrootfs: /r\nresources: {memoryBytes: -1}\n"},
		{"bridge without name", "apiVersion: hakoniwa/v1\nmetadata: {name: web}\nrootfs: /r\nnetwork: {mode: bridge}\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.Parse([]byte(tc.doc)); !errors.Is(err, hakoerr.ErrInvalidConfig) {
				t.Errorf("Parse = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestCheckRootfs(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Rootfs: dir}
	if err := config.CheckRootfs(cfg); err != nil {
		t.Errorf("CheckRootfs(existing dir): %v", err)
	}

	cfg.Rootfs = filepath.Join(dir, "missing")
	if err := config.CheckRootfs(cfg); !errors.Is(err, hakoerr.ErrInvalidConfig) {
		t.Errorf("CheckRootfs(missing) = %v, want ErrInvalidConfig", err)
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Rootfs = file
	if err := config.CheckRootfs(cfg); !errors.Is(err, hakoerr.ErrInvalidConfig) {
		t.Errorf("CheckRootfs(file) = %v, want ErrInvalidConfig", err)
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	cfg, err := config.Parse([]byte(validDoc))
	if err != nil {
		t.Fatal(err)
	}
	data, err := config.Encode(cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	again, err := config.Parse(data)
	if err != nil {
		t.Fatalf("Parse(Encode): %v", err)
	}
	if again.Metadata.Name != cfg.Metadata.Name || again.Rootfs != cfg.Rootfs {
		t.Errorf("round trip mismatch: %+v vs %+v", again, cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, hakoerr.ErrIO) {
		t.Errorf("Load = %v, want ErrIO", err)
	}
}
