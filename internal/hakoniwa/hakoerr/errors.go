// Package hakoerr defines the error taxonomy shared by all Hakoniwa
// components. Every failure surfaced to a caller wraps exactly one of these
// sentinels, so callers (and the CLI exit-code mapping) can classify errors
// with errors.Is without string matching.
package hakoerr

import "errors"

var (
	// ErrDuplicateName is returned when creating a container whose name is
	// already registered.
	ErrDuplicateName = errors.New("container name already exists")

	// ErrNotFound is returned when the named container is not in the registry.
	ErrNotFound = errors.New("container not found")

	// ErrInvalidConfig is returned when a container configuration fails
	// schema validation or references an unresolvable rootfs.
	ErrInvalidConfig = errors.New("invalid container config")

	// ErrInvalidState is returned when an operation's precondition on the
	// container's current state does not hold (e.g. destroy while Running,
	// clone of a non-Stopped source).
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrIllegalTransition is returned when a state change outside the
	// lifecycle transition table is attempted. State is left unchanged.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")

	// ErrBusy is returned when the per-container lock cannot be acquired
	// within the configured timeout. Transient: callers may retry with
	// backoff; the core never retries on its own.
	ErrBusy = errors.New("container is busy")

	// ErrStartFailed wraps an isolation backend failure during start. The
	// container is left in Aborted.
	ErrStartFailed = errors.New("container start failed")

	// ErrIO is returned for registry persistence failures.
	ErrIO = errors.New("registry i/o error")

	// ErrIsolation wraps errors originating in the isolation backend outside
	// of start (signal, wait, cleanup, filesystem clone).
	ErrIsolation = errors.New("isolation backend error")
)
