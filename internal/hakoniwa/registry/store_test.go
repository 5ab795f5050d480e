package registry_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/config"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/registry"
)

func newTestStore(t *testing.T) *registry.Store {
	t.Helper()
	s, err := registry.New(filepath.Join(t.TempDir(), "registry"), registry.Options{
		LockTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	rootfs := filepath.Join(t.TempDir(), "rootfs-"+name)
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		APIVersion: config.SpecVersion,
		Metadata:   config.Metadata{Name: name},
		Rootfs:     rootfs,
	}
}

func mustCreate(t *testing.T, s *registry.Store, name string) *container.Container {
	t.Helper()
	c, err := s.Create(name, testConfig(t, name), "/tmp/"+name+".yaml")
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	return c
}

func TestCreateThenGet(t *testing.T) {
	s := newTestStore(t)
	created := mustCreate(t, s, "web")
	if created.State != container.StateStopped {
		t.Errorf("new container state = %s, want stopped", created.State)
	}

	got, err := s.Get("web")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "web" || got.State != container.StateStopped {
		t.Errorf("Get = %+v", got)
	}
	if got.SchemaVer != container.SchemaVersion {
		t.Errorf("schema version = %d", got.SchemaVer)
	}
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "web")

	if _, err := s.Create("web", testConfig(t, "web"), "p"); !errors.Is(err, hakoerr.ErrDuplicateName) {
		t.Errorf("duplicate Create = %v, want ErrDuplicateName", err)
	}
	if _, err := s.Create("bad name", testConfig(t, "bad name"), "p"); !errors.Is(err, hakoerr.ErrInvalidConfig) {
		t.Errorf("bad name Create = %v, want ErrInvalidConfig", err)
	}

	cfg := testConfig(t, "other")
	cfg.Rootfs = filepath.Join(t.TempDir(), "missing")
	if _, err := s.Create("other", cfg, "p"); !errors.Is(err, hakoerr.ErrInvalidConfig) {
		t.Errorf("missing rootfs Create = %v, want ErrInvalidConfig", err)
	}

	cfg = testConfig(t, "mismatch")
	if _, err := s.Create("different", cfg, "p"); !errors.Is(err, hakoerr.ErrInvalidConfig) {
		t.Errorf("name mismatch Create = %v, want ErrInvalidConfig", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("ghost"); !errors.Is(err, hakoerr.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestAllLexicographicOrder(t *testing.T) {
	s := newTestStore(t)
	// Deliberately out of order, including a name where file-name order and
	// container-name order disagree ("web-2" vs "web").
	for _, name := range []string{"web", "alpha", "web-2", "db"} {
		mustCreate(t, s, name)
	}

	want := []string{"alpha", "db", "web", "web-2"}
	var got []string
	for c := range s.All() {
		got = append(got, c.Name)
	}
	if len(got) != len(want) {
		t.Fatalf("All yielded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("All order = %v, want %v", got, want)
		}
	}

	// Restartable: a second full pass sees the same sequence, and an early
	// break must not poison later iterations.
	seq := s.All()
	for range seq {
		break
	}
	count := 0
	for range seq {
		count++
	}
	if count != len(want) {
		t.Errorf("restarted sequence yielded %d items, want %d", count, len(want))
	}
}

func TestRemoveStateGate(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "web")

	if _, err := s.UpdateState("web", container.StateStarting); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateState("web", container.StateRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("web"); !errors.Is(err, hakoerr.ErrInvalidState) {
		t.Errorf("Remove(running) = %v, want ErrInvalidState", err)
	}
	if _, err := s.Get("web"); err != nil {
		t.Errorf("record must survive failed remove: %v", err)
	}

	if _, err := s.Transition("web", container.StateStopping, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition("web", container.StateStopped, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("web"); err != nil {
		t.Errorf("Remove(stopped): %v", err)
	}
	if err := s.Remove("web"); !errors.Is(err, hakoerr.ErrNotFound) {
		t.Errorf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestTransitionLegality(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "web")

	if _, err := s.UpdateState("web", container.StateRunning); !errors.Is(err, hakoerr.ErrIllegalTransition) {
		t.Errorf("stopped→running = %v, want ErrIllegalTransition", err)
	}
	// Failed transition leaves the persisted state untouched.
	c, err := s.Get("web")
	if err != nil {
		t.Fatal(err)
	}
	if c.State != container.StateStopped {
		t.Errorf("state after illegal transition = %s, want stopped", c.State)
	}
}

func TestTransitionApplyMutation(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "web")

	if _, err := s.UpdateState("web", container.StateStarting); err != nil {
		t.Fatal(err)
	}
	updated, err := s.Transition("web", container.StateRunning, func(c *container.Container) {
		c.Handle = &container.Handle{ID: "77", Pid: 77}
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Handle == nil || updated.Handle.Pid != 77 {
		t.Errorf("handle not applied: %+v", updated.Handle)
	}

	// The handle must have been persisted, not just returned.
	got, err := s.Get("web")
	if err != nil {
		t.Fatal(err)
	}
	if got.Handle == nil || got.Handle.ID != "77" {
		t.Errorf("persisted handle = %+v", got.Handle)
	}
}

func TestUpdateConfigRequiresStopped(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "web")
	if _, err := s.UpdateState("web", container.StateStarting); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateConfig("web", testConfig(t, "web")); !errors.Is(err, hakoerr.ErrInvalidState) {
		t.Errorf("UpdateConfig(starting) = %v, want ErrInvalidState", err)
	}
}

func TestLockExcludesSameName(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "web")

	unlock, err := s.Lock(context.Background(), "web")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lock(context.Background(), "web"); !errors.Is(err, hakoerr.ErrBusy) {
		t.Errorf("second Lock = %v, want ErrBusy", err)
	}
	unlock()

	unlock2, err := s.Lock(context.Background(), "web")
	if err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
	unlock2()
}

func TestLockIndependentNames(t *testing.T) {
	s := newTestStore(t)

	unlockA, err := s.Lock(context.Background(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	start := time.Now()
	unlockB, err := s.Lock(context.Background(), "beta")
	if err != nil {
		t.Fatalf("Lock on independent name: %v", err)
	}
	defer unlockB()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("independent lock blocked for %s", elapsed)
	}
}

func TestLockRejectsPathName(t *testing.T) {
	dir := t.TempDir()
	s, err := registry.New(filepath.Join(dir, "registry"), registry.Options{
		LockTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Lock(context.Background(), "../escaped"); !errors.Is(err, hakoerr.ErrInvalidConfig) {
		t.Errorf("Lock(traversal name) = %v, want ErrInvalidConfig", err)
	}
	// No lock file may appear outside the registry root.
	if _, err := os.Stat(filepath.Join(dir, "escaped.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file escaped the registry root: %v", err)
	}
}

func TestGetRejectsPathName(t *testing.T) {
	dir := t.TempDir()
	s, err := registry.New(filepath.Join(dir, "registry"), registry.Options{})
	if err != nil {
		t.Fatal(err)
	}
	// Plant a yaml file outside the root; a traversal name must not reach it.
	if err := os.WriteFile(filepath.Join(dir, "outside.yaml"), []byte("name: outside\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("../outside"); !errors.Is(err, hakoerr.ErrNotFound) {
		t.Errorf("Get(traversal name) = %v, want ErrNotFound", err)
	}
}

func TestLockCancelledContextIsNotBusy(t *testing.T) {
	s := newTestStore(t)
	unlock, err := s.Lock(context.Background(), "web")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Lock(ctx, "web")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Lock with cancelled context = %v, want context.Canceled", err)
	}
	if errors.Is(err, hakoerr.ErrBusy) {
		t.Error("caller cancellation must not be classified as transient busy")
	}
}

func TestWriteConfig(t *testing.T) {
	s := newTestStore(t)
	cfg := testConfig(t, "web")
	path, err := s.WriteConfig("web", cfg)
	if err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load written config: %v", err)
	}
	if loaded.Metadata.Name != "web" || loaded.Rootfs != cfg.Rootfs {
		t.Errorf("written config = %+v", loaded)
	}

	// Config files must not show up as containers.
	for c := range s.All() {
		t.Errorf("unexpected container %q from config dir", c.Name)
	}
}
