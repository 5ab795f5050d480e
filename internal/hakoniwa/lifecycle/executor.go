// Package lifecycle orchestrates container state transitions: legality
// pre-check against the lifecycle table, isolation backend invocation, and
// durable registry update, under a per-container exclusive lock.
//
// The executor never retries on its own. Busy, StartFailed and isolation
// errors surface to the caller, who owns retry policy; a failed container
// lands in Aborted where it stays inspectable until an explicit reset or
// destroy.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Hakoniwa/common/trace"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/config"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/events"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/registry"
)

const (
	// DefaultStopTimeout bounds the graceful-stop wait before escalation.
	DefaultStopTimeout = 10 * time.Second

	// killWait bounds the wait for a SIGKILL to take effect after a
	// graceful stop timed out.
	killWait = 5 * time.Second
)

// Executor sequences lifecycle operations over the registry and the
// isolation backends. It is safe for concurrent use; operations on distinct
// container names proceed independently.
type Executor struct {
	registry *registry.Store
	resolve  isolation.Resolver
	events   *events.Log
	log      *slog.Logger
}

// Options tunes executor construction.
type Options struct {
	// Events, when non-nil, receives one entry per lifecycle operation.
	Events *events.Log

	// Logger receives operational diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// New creates an Executor. The registry and resolver are required
// collaborators, injected rather than discovered, so tests can substitute
// both.
func New(reg *registry.Store, resolve isolation.Resolver, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		registry: reg,
		resolve:  resolve,
		events:   opts.Events,
		log:      opts.Logger,
	}
}

// Create registers a new container from the config document at configPath.
// The new record starts in Stopped.
func (e *Executor) Create(ctx context.Context, name, configPath string) (*container.Container, error) {
	unlock, err := e.registry.Lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	c, err := e.registry.Create(name, cfg, configPath)
	e.record(ctx, name, "create", "", container.StateStopped, err)
	if err != nil {
		return nil, err
	}
	e.log.Info("container created", "name", name, "backend", c.Backend)
	return c, nil
}

// Start moves a Stopped container to Running via the backend's spawn. On
// backend failure the container transitions to Aborted and the error is
// surfaced wrapped in ErrStartFailed. Cancelling ctx mid-spawn also lands in
// Aborted; the container is never left in Starting.
func (e *Executor) Start(ctx context.Context, name string) error {
	unlock, err := e.registry.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if err := container.CheckTransition(c.State, container.StateStarting); err != nil {
		return fmt.Errorf("start %q: %w", name, err)
	}
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return err
	}
	backend, err := e.resolve(c.Backend)
	if err != nil {
		return err
	}

	if _, err := e.registry.UpdateState(name, container.StateStarting); err != nil {
		return err
	}

	handle, err := backend.Spawn(ctx, cfg)
	if err != nil {
		startErr := fmt.Errorf("%w: %q: %w", hakoerr.ErrStartFailed, name, err)
		if _, aerr := e.registry.Transition(name, container.StateAborted, clearHandle); aerr != nil {
			e.log.Error("failed to record aborted state", "name", name, "err", aerr)
		}
		e.record(ctx, name, "start", container.StateStopped, container.StateAborted, startErr)
		return startErr
	}

	if _, err := e.registry.Transition(name, container.StateRunning, func(c *container.Container) {
		c.Handle = &handle
	}); err != nil {
		return err
	}
	e.record(ctx, name, "start", container.StateStopped, container.StateRunning, nil)
	e.log.Info("container started", "name", name, "handle", handle.ID)
	return nil
}

// Stop moves a Running container to Stopped. The backend gets a graceful
// termination signal and up to timeout to exit; on expiry the stop escalates
// to a forced kill, the container still lands in Stopped, and a ForcedStop
// warning is recorded on the record (non-fatal).
func (e *Executor) Stop(ctx context.Context, name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	unlock, err := e.registry.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if err := container.CheckTransition(c.State, container.StateStopping); err != nil {
		return fmt.Errorf("stop %q: %w", name, err)
	}
	backend, err := e.resolve(c.Backend)
	if err != nil {
		return err
	}
	if c.Handle == nil {
		// Running without a handle is a corrupted record; don't guess.
		return fmt.Errorf("%w: %q is running but has no backend handle", hakoerr.ErrIsolation, name)
	}
	handle := *c.Handle

	if _, err := e.registry.UpdateState(name, container.StateStopping); err != nil {
		return err
	}

	forced := false
	stopErr := func() error {
		if err := backend.Signal(ctx, handle, isolation.SignalTerminate); err != nil {
			return err
		}
		res, err := backend.Wait(ctx, handle, timeout)
		if err != nil {
			return err
		}
		if res.Exited {
			return nil
		}

		// Graceful window elapsed: escalate.
		forced = true
		if err := backend.Signal(ctx, handle, isolation.SignalKill); err != nil {
			return err
		}
		res, err = backend.Wait(ctx, handle, killWait)
		if err != nil {
			return err
		}
		if !res.Exited {
			return fmt.Errorf("%w: %q survived forced termination", hakoerr.ErrIsolation, name)
		}
		return nil
	}()

	if stopErr != nil {
		if _, aerr := e.registry.Transition(name, container.StateAborted, clearHandle); aerr != nil {
			e.log.Error("failed to record aborted state", "name", name, "err", aerr)
		}
		e.record(ctx, name, "stop", container.StateRunning, container.StateAborted, stopErr)
		return fmt.Errorf("stop %q: %w", name, stopErr)
	}

	_, err = e.registry.Transition(name, container.StateStopped, func(c *container.Container) {
		c.Handle = nil
		if forced {
			c.Warnings = append(c.Warnings, container.Warning{
				Kind:    container.WarningForcedStop,
				Message: fmt.Sprintf("graceful stop timed out after %s; process was killed", timeout),
				At:      time.Now().UTC(),
			})
		}
	})
	if err != nil {
		return err
	}

	e.recordResult(ctx, name, "stop", container.StateRunning, container.StateStopped, resultFor(forced), "")
	if forced {
		e.log.Warn("container stop was forced", "name", name, "timeout", timeout)
	} else {
		e.log.Info("container stopped", "name", name)
	}
	return nil
}

// Destroy releases a Stopped or Aborted container's isolation resources,
// transitions it to Destroyed, and removes its registry entry.
func (e *Executor) Destroy(ctx context.Context, name string) error {
	unlock, err := e.registry.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if c.State == container.StateDestroyed {
		// A crash between the Destroyed transition and the registry removal
		// leaves this record behind; cleanup already ran, so just finish.
		if err := e.registry.Remove(name); err != nil {
			return err
		}
		e.record(ctx, name, "destroy", container.StateDestroyed, container.StateDestroyed, nil)
		e.log.Info("container destroyed", "name", name)
		return nil
	}
	if c.State != container.StateStopped && c.State != container.StateAborted {
		return fmt.Errorf("%w: cannot destroy %q while %s", hakoerr.ErrInvalidState, name, c.State)
	}
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return err
	}
	backend, err := e.resolve(c.Backend)
	if err != nil {
		return err
	}

	if err := backend.Cleanup(ctx, cfg); err != nil {
		e.record(ctx, name, "destroy", c.State, c.State, err)
		return fmt.Errorf("destroy %q: %w", name, err)
	}
	if _, err := e.registry.Transition(name, container.StateDestroyed, clearHandle); err != nil {
		return err
	}
	if err := e.registry.Remove(name); err != nil {
		return err
	}
	e.record(ctx, name, "destroy", c.State, container.StateDestroyed, nil)
	e.log.Info("container destroyed", "name", name)
	return nil
}

// Clone duplicates a Stopped source container's configuration and root
// filesystem under newName. The clone starts Stopped. A non-Stopped source
// fails with ErrInvalidState: cloning a live filesystem would capture an
// inconsistent image.
func (e *Executor) Clone(ctx context.Context, sourceName, newName string) (*container.Container, error) {
	if !container.ValidName(newName) {
		return nil, fmt.Errorf("%w: name %q must match [a-zA-Z0-9_-]{1,64}",
			hakoerr.ErrInvalidConfig, newName)
	}
	if sourceName == newName {
		return nil, fmt.Errorf("%w: clone target equals source %q", hakoerr.ErrDuplicateName, newName)
	}

	// Both names are locked in lexicographic order so that two overlapping
	// clones cannot deadlock against each other.
	first, second := sourceName, newName
	if second < first {
		first, second = second, first
	}
	unlockFirst, err := e.registry.Lock(ctx, first)
	if err != nil {
		return nil, err
	}
	defer unlockFirst()
	unlockSecond, err := e.registry.Lock(ctx, second)
	if err != nil {
		return nil, err
	}
	defer unlockSecond()

	src, err := e.registry.Get(sourceName)
	if err != nil {
		return nil, err
	}
	if src.State != container.StateStopped {
		return nil, fmt.Errorf("%w: cannot clone %q while %s", hakoerr.ErrInvalidState, sourceName, src.State)
	}
	if _, err := e.registry.Get(newName); err == nil {
		return nil, fmt.Errorf("%w: %q", hakoerr.ErrDuplicateName, newName)
	}

	cfg, err := config.Load(src.ConfigPath)
	if err != nil {
		return nil, err
	}
	backend, err := e.resolve(src.Backend)
	if err != nil {
		return nil, err
	}

	newRootfs := filepath.Join(filepath.Dir(src.RootfsPath), newName)
	if err := backend.CloneFilesystem(ctx, src.RootfsPath, newRootfs); err != nil {
		e.record(ctx, sourceName, "clone", src.State, src.State, err)
		return nil, fmt.Errorf("clone %q to %q: %w", sourceName, newName, err)
	}

	newCfg := *cfg
	newCfg.Metadata.Name = newName
	newCfg.Rootfs = newRootfs
	newCfgPath, err := e.registry.WriteConfig(newName, &newCfg)
	if err != nil {
		e.removeClonedRootfs(newRootfs, newName)
		return nil, err
	}

	c, err := e.registry.Create(newName, &newCfg, newCfgPath)
	e.record(ctx, sourceName, "clone", src.State, src.State, err)
	if err != nil {
		e.removeClonedRootfs(newRootfs, newName)
		return nil, err
	}
	e.log.Info("container cloned", "source", sourceName, "name", newName)
	return c, nil
}

// Reset acknowledges an Aborted container, returning it to Stopped so it can
// be started again or destroyed through the normal path.
func (e *Executor) Reset(ctx context.Context, name string) error {
	unlock, err := e.registry.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if err := container.CheckTransition(c.State, container.StateStopped); err != nil {
		return fmt.Errorf("reset %q: %w", name, err)
	}
	if _, err := e.registry.Transition(name, container.StateStopped, clearHandle); err != nil {
		return err
	}
	e.record(ctx, name, "reset", c.State, container.StateStopped, nil)
	e.log.Info("container reset", "name", name)
	return nil
}

// UpdateConfig replaces a Stopped container's configuration with the
// document at configPath.
func (e *Executor) UpdateConfig(ctx context.Context, name, configPath string) (*container.Container, error) {
	unlock, err := e.registry.Lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	c, err := e.registry.UpdateConfig(name, cfg)
	e.record(ctx, name, "update-config", container.StateStopped, container.StateStopped, err)
	if err != nil {
		return nil, err
	}
	e.log.Info("container config updated", "name", name)
	return c, nil
}

// removeClonedRootfs undoes a completed filesystem copy when a later clone
// step fails, so a failed clone leaves no orphaned rootfs behind.
func (e *Executor) removeClonedRootfs(path, name string) {
	if err := os.RemoveAll(path); err != nil {
		e.log.Warn("failed to remove cloned rootfs", "name", name, "path", path, "err", err)
	}
}

func clearHandle(c *container.Container) {
	c.Handle = nil
}

func resultFor(forced bool) string {
	if forced {
		return events.ResultForced
	}
	return events.ResultOK
}

// record writes one event-log entry for an operation outcome. Event logging
// is diagnostics only; failures are logged and never fail the operation.
func (e *Executor) record(ctx context.Context, name, action string, from, to container.State, opErr error) {
	result := events.ResultOK
	msg := ""
	if opErr != nil {
		result = events.ResultError
		msg = opErr.Error()
	}
	e.recordResult(ctx, name, action, from, to, result, msg)
}

func (e *Executor) recordResult(ctx context.Context, name, action string, from, to container.State, result, errMsg string) {
	if e.events == nil {
		return
	}
	entry := events.Entry{
		TraceID:   trace.FromContext(ctx),
		OpID:      uuid.NewString(),
		Container: name,
		Action:    action,
		FromState: from,
		ToState:   to,
		Result:    result,
	}
	if errMsg != "" {
		entry.Error.String = errMsg
		entry.Error.Valid = true
	}
	// The entry must land even when the operation died of ctx cancellation.
	if err := e.events.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Warn("event log write failed", "name", name, "action", action, "err", err)
	}
}
