package fsutil_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation/fsutil"
)

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "etc", "hostname"), []byte("web\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("etc/hostname", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "copy")
	if err := fsutil.CopyTree(context.Background(), src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "etc", "hostname"))
	if err != nil || string(data) != "web\n" {
		t.Errorf("copied file = %q, %v", data, err)
	}
	info, err := os.Stat(filepath.Join(dst, "etc", "hostname"))
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("copied mode = %v, %v", info.Mode(), err)
	}
	target, err := os.Readlink(filepath.Join(dst, "link"))
	if err != nil || target != "etc/hostname" {
		t.Errorf("copied symlink = %q, %v", target, err)
	}
}

func TestCopyTreeRefusesExistingDest(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	if err := fsutil.CopyTree(context.Background(), src, dst); err == nil {
		t.Error("want error for existing destination")
	}
}

func TestCopyTreeHonorsCancellation(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := fsutil.CopyTree(ctx, src, filepath.Join(t.TempDir(), "copy")); err == nil {
		t.Error("want error for cancelled context")
	}
}
