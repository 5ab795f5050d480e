// Package isolation defines the narrow capability interface to the component
// that supplies OS-level isolation. The lifecycle manager never touches
// namespaces or cgroups itself; it only speaks this contract, so backends are
// swappable and trivially fakeable in tests.
package isolation

import (
	"context"
	"fmt"
	"time"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/config"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
)

// SignalKind is the class of signal delivered to a container's init process.
type SignalKind int

const (
	// SignalTerminate requests a graceful shutdown.
	SignalTerminate SignalKind = iota
	// SignalKill forces termination and cannot be trapped.
	SignalKill
	// SignalInterrupt is a cancellation of an in-flight operation.
	SignalInterrupt
)

func (k SignalKind) String() string {
	switch k {
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	case SignalInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("signal(%d)", int(k))
	}
}

// WaitResult reports how a Wait call concluded.
type WaitResult struct {
	// Exited is true when the container's init process terminated.
	Exited bool
	// ExitCode is meaningful only when Exited is true.
	ExitCode int
	// TimedOut is true when the wait deadline elapsed first.
	TimedOut bool
}

// Backend abstracts the isolation collaborator (process spawner, Docker
// Engine, future drivers). All blocking calls honor ctx cancellation.
type Backend interface {
	// Spawn creates the isolated execution context described by cfg and
	// returns a handle identifying it.
	Spawn(ctx context.Context, cfg *config.Config) (container.Handle, error)

	// Signal delivers kind to the container identified by handle.
	Signal(ctx context.Context, handle container.Handle, kind SignalKind) error

	// Wait blocks until the container exits or timeout elapses.
	Wait(ctx context.Context, handle container.Handle, timeout time.Duration) (WaitResult, error)

	// Alive reports whether the execution context behind handle still runs.
	// Queried live by the status surface; never cached.
	Alive(ctx context.Context, handle container.Handle) (bool, error)

	// Cleanup releases isolation resources associated with a stopped
	// container (execution context, network endpoints).
	Cleanup(ctx context.Context, cfg *config.Config) error

	// CloneFilesystem duplicates a stopped container's root filesystem.
	CloneFilesystem(ctx context.Context, sourcePath, destPath string) error
}

// Resolver maps a backend kind tag ("process", "docker") to a Backend.
// Dispatch on the tag keeps drivers a flat variant set rather than a type
// hierarchy.
type Resolver func(kind string) (Backend, error)
