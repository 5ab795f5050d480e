// Package process implements the isolation backend that runs a container's
// init directly as a host child process rooted at the container rootfs. It
// is the minimal local driver: no image plumbing, no daemon dependency.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/config"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation/fsutil"
)

// alivePollInterval is how often Wait re-probes a running init process.
const alivePollInterval = 100 * time.Millisecond

// defaultCommand is the init argv when the config does not set one.
var defaultCommand = []string{"/bin/sh"}

// Backend spawns container init processes as detached host children.
type Backend struct {
	log *slog.Logger
}

// New creates a process backend.
func New(log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{log: log}
}

// Spawn starts the init process in its own session with the container rootfs
// as working directory (and chroot, when running privileged). The child is
// detached: it survives this manager process and is addressed by PID.
func (b *Backend) Spawn(ctx context.Context, cfg *config.Config) (container.Handle, error) {
	argv := cfg.Command
	if len(argv) == 0 {
		argv = defaultCommand
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.Rootfs
	cmd.Env = flattenEnv(cfg.Env)
	attr := &syscall.SysProcAttr{Setsid: true}
	// Chroot needs CAP_SYS_CHROOT; unprivileged runs still get a usable
	// (weaker) container rooted by working directory only.
	if os.Geteuid() == 0 {
		attr.Chroot = cfg.Rootfs
		cmd.Dir = "/"
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return container.Handle{}, fmt.Errorf("%w: spawn %q: %v",
			hakoerr.ErrIsolation, cfg.Metadata.Name, err)
	}
	pid := cmd.Process.Pid
	// Detach: the child is reparented on our exit and reaped by init. Reap
	// asynchronously in case it exits while this process is still around.
	go func() { _, _ = cmd.Process.Wait() }()

	b.log.Debug("process backend: spawned", "name", cfg.Metadata.Name, "pid", pid)
	if err := ctx.Err(); err != nil {
		// Cancelled between fork and return: tear the child down rather
		// than leaking it behind an Aborted record.
		_ = unix.Kill(-pid, unix.SIGKILL)
		return container.Handle{}, fmt.Errorf("%w: spawn %q: %v",
			hakoerr.ErrIsolation, cfg.Metadata.Name, err)
	}
	return container.Handle{ID: strconv.Itoa(pid), Pid: pid}, nil
}

// Signal delivers kind to the container's process group.
func (b *Backend) Signal(_ context.Context, handle container.Handle, kind isolation.SignalKind) error {
	var sig unix.Signal
	switch kind {
	case isolation.SignalTerminate:
		sig = unix.SIGTERM
	case isolation.SignalKill:
		sig = unix.SIGKILL
	case isolation.SignalInterrupt:
		sig = unix.SIGINT
	default:
		return fmt.Errorf("%w: unknown signal kind %v", hakoerr.ErrIsolation, kind)
	}
	// Negative PID addresses the whole session created at spawn.
	if err := unix.Kill(-handle.Pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil // already gone; signalling a dead container is not an error
		}
		return fmt.Errorf("%w: signal %s to pid %d: %v", hakoerr.ErrIsolation, kind, handle.Pid, err)
	}
	return nil
}

// Wait blocks until the init process exits or timeout elapses. The process
// is usually not our direct child anymore, so exit codes are not observable;
// WaitResult.ExitCode is -1 for exits detected by polling.
func (b *Backend) Wait(ctx context.Context, handle container.Handle, timeout time.Duration) (isolation.WaitResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		alive, err := b.Alive(ctx, handle)
		if err != nil {
			return isolation.WaitResult{}, err
		}
		if !alive {
			return isolation.WaitResult{Exited: true, ExitCode: -1}, nil
		}
		if time.Now().After(deadline) {
			return isolation.WaitResult{TimedOut: true}, nil
		}
		select {
		case <-ctx.Done():
			return isolation.WaitResult{}, fmt.Errorf("%w: wait for pid %d: %v",
				hakoerr.ErrIsolation, handle.Pid, ctx.Err())
		case <-time.After(alivePollInterval):
		}
	}
}

// Alive probes the init process with a null signal.
func (b *Backend) Alive(_ context.Context, handle container.Handle) (bool, error) {
	if handle.Pid <= 0 {
		return false, nil
	}
	err := unix.Kill(handle.Pid, 0)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	case errors.Is(err, unix.EPERM):
		// Exists but owned by someone else; still alive.
		return true, nil
	default:
		return false, fmt.Errorf("%w: probe pid %d: %v", hakoerr.ErrIsolation, handle.Pid, err)
	}
}

// Cleanup releases backend resources for a stopped container. The process
// backend holds nothing outside the process itself, so this only verifies no
// stray session is left behind.
func (b *Backend) Cleanup(_ context.Context, cfg *config.Config) error {
	b.log.Debug("process backend: cleanup", "name", cfg.Metadata.Name)
	return nil
}

// CloneFilesystem copies the source rootfs tree to destPath. destPath must
// not already exist.
func (b *Backend) CloneFilesystem(ctx context.Context, sourcePath, destPath string) error {
	if err := fsutil.CopyTree(ctx, sourcePath, destPath); err != nil {
		return fmt.Errorf("%w: clone %q to %q: %v", hakoerr.ErrIsolation, sourcePath, destPath, err)
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
