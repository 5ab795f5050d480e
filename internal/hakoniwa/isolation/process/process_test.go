package process_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/config"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation/process"
)

func testConfig(t *testing.T, command []string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		APIVersion: config.SpecVersion,
		Rootfs:     t.TempDir(),
		Command:    command,
	}
	cfg.Metadata.Name = "proc-test"
	return cfg
}

func TestSpawnSignalWait(t *testing.T) {
	ctx := context.Background()
	backend := process.New(slog.New(slog.DiscardHandler))

	handle, err := backend.Spawn(ctx, testConfig(t, []string{"/bin/sleep", "60"}))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if handle.Pid <= 0 {
		t.Fatalf("handle pid = %d, want > 0", handle.Pid)
	}
	defer backend.Signal(ctx, handle, isolation.SignalKill)

	alive, err := backend.Alive(ctx, handle)
	if err != nil || !alive {
		t.Fatalf("Alive after spawn = %v, %v; want true", alive, err)
	}

	if err := backend.Signal(ctx, handle, isolation.SignalKill); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	res, err := backend.Wait(ctx, handle, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Exited || res.TimedOut {
		t.Errorf("Wait result = %+v, want exited", res)
	}
}

func TestWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	backend := process.New(slog.New(slog.DiscardHandler))

	handle, err := backend.Spawn(ctx, testConfig(t, []string{"/bin/sleep", "60"}))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer backend.Signal(ctx, handle, isolation.SignalKill)

	res, err := backend.Wait(ctx, handle, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.TimedOut {
		t.Errorf("Wait result = %+v, want timed out", res)
	}
}

func TestAliveDeadPid(t *testing.T) {
	backend := process.New(slog.New(slog.DiscardHandler))
	alive, err := backend.Alive(context.Background(), container.Handle{Pid: 1<<22 - 1})
	if err != nil {
		t.Fatalf("Alive: %v", err)
	}
	if alive {
		t.Error("Alive for absent pid = true, want false")
	}
	// Signalling a dead container is tolerated.
	if err := backend.Signal(context.Background(), container.Handle{Pid: 1<<22 - 1}, isolation.SignalTerminate); err != nil {
		t.Errorf("Signal dead pid: %v", err)
	}
}
