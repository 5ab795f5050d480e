package query_test

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
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/query"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/registry"
)

// liveBackend reports liveness from a fixed set; all other methods are
// unreachable in these tests.
type liveBackend struct {
	alive map[string]bool
}

func (l *liveBackend) Spawn(context.Context, *config.Config) (container.Handle, error) {
	panic("not used")
}
func (l *liveBackend) Signal(context.Context, container.Handle, isolation.SignalKind) error {
	panic("not used")
}
func (l *liveBackend) Wait(context.Context, container.Handle, time.Duration) (isolation.WaitResult, error) {
	panic("not used")
}
func (l *liveBackend) Cleanup(context.Context, *config.Config) error {
	panic("not used")
}
func (l *liveBackend) CloneFilesystem(context.Context, string, string) error {
	panic("not used")
}
func (l *liveBackend) Alive(_ context.Context, h container.Handle) (bool, error) {
	return l.alive[h.ID], nil
}

func newTestService(t *testing.T, backend isolation.Backend) (*query.Service, *registry.Store) {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "registry"), registry.Options{})
	if err != nil {
		t.Fatal(err)
	}
	resolve := func(kind string) (isolation.Backend, error) { return backend, nil }
	return query.New(reg, resolve), reg
}

func create(t *testing.T, reg *registry.Store, name string) {
	t.Helper()
	rootfs := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		APIVersion: config.SpecVersion,
		Metadata:   config.Metadata{Name: name},
		Rootfs:     rootfs,
	}
	if _, err := reg.Create(name, cfg, "/tmp/"+name+".yaml"); err != nil {
		t.Fatal(err)
	}
}

func TestStatusStopped(t *testing.T) {
	svc, reg := newTestService(t, &liveBackend{})
	create(t, reg, "web")

	st, err := svc.Status(context.Background(), "web")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Container.State != container.StateStopped {
		t.Errorf("state = %s", st.Container.State)
	}
	if st.Alive {
		t.Error("stopped container must not be alive")
	}
}

func TestStatusLiveness(t *testing.T) {
	backend := &liveBackend{alive: map[string]bool{"h1": true}}
	svc, reg := newTestService(t, backend)
	create(t, reg, "web")

	if _, err := reg.UpdateState("web", container.StateStarting); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Transition("web", container.StateRunning, func(c *container.Container) {
		c.Handle = &container.Handle{ID: "h1", Pid: 1}
	}); err != nil {
		t.Fatal(err)
	}

	st, err := svc.Status(context.Background(), "web")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Alive {
		t.Error("want alive")
	}

	// Liveness is asked of the backend each call, never cached.
	backend.alive["h1"] = false
	st, err = svc.Status(context.Background(), "web")
	if err != nil {
		t.Fatal(err)
	}
	if st.Alive {
		t.Error("stale liveness: backend says dead")
	}
}

func TestStatusNotFound(t *testing.T) {
	svc, _ := newTestService(t, &liveBackend{})
	if _, err := svc.Status(context.Background(), "ghost"); !errors.Is(err, hakoerr.ErrNotFound) {
		t.Errorf("Status = %v, want ErrNotFound", err)
	}
}

func TestListByState(t *testing.T) {
	svc, reg := newTestService(t, &liveBackend{})
	for _, name := range []string{"web", "db", "cache"} {
		create(t, reg, name)
	}
	if _, err := reg.UpdateState("db", container.StateStarting); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.UpdateState("db", container.StateRunning); err != nil {
		t.Fatal(err)
	}

	var stopped []string
	for c := range svc.ListByState(container.StateStopped) {
		stopped = append(stopped, c.Name)
	}
	if len(stopped) != 2 || stopped[0] != "cache" || stopped[1] != "web" {
		t.Errorf("stopped = %v, want [cache web]", stopped)
	}

	var running []string
	for c := range svc.ListByState(container.StateRunning) {
		running = append(running, c.Name)
	}
	if len(running) != 1 || running[0] != "db" {
		t.Errorf("running = %v, want [db]", running)
	}
}
