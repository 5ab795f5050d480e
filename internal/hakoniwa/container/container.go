// Package container defines the Container record, its lifecycle state
// machine, and the on-disk descriptor format.
package container

import (
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
)

// SchemaVersion is the descriptor schema version written by this build.
// Readers reject descriptors with a greater version.
const SchemaVersion = 1

// nameRE constrains container names. Names double as descriptor file names,
// so the character set is deliberately filesystem-safe.
var nameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidName reports whether name is an acceptable container name.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Handle identifies the backend execution context of a started container.
// It is persisted so liveness can be queried across manager invocations.
type Handle struct {
	// ID is the backend-specific identifier (Docker container ID, or the
	// stringified PID for the process backend).
	ID string `yaml:"id"`

	// Pid is the host PID of the container's init process, when known.
	Pid int `yaml:"pid,omitempty"`
}

// Warning is a non-fatal condition recorded against a container, such as a
// forced termination after a graceful-stop timeout.
type Warning struct {
	Kind    string    `yaml:"kind"`
	Message string    `yaml:"message"`
	At      time.Time `yaml:"at"`
}

// WarningForcedStop is recorded when a graceful stop timed out and the
// container was killed.
const WarningForcedStop = "forced-stop"

// Container is the registry record for one container. Records are owned by
// the registry store; all other components reference them by name and must
// treat returned values as snapshots.
type Container struct {
	// SchemaVer versions the descriptor format for forward compatibility.
	SchemaVer int `yaml:"schemaVersion"`

	// Name is the unique, immutable container name.
	Name string `yaml:"name"`

	// ConfigPath is the path of the container's configuration document.
	ConfigPath string `yaml:"configPath"`

	// RootfsPath is the container's root filesystem directory.
	RootfsPath string `yaml:"rootfsPath"`

	// Backend is the isolation backend kind ("process", "docker"). Drivers
	// are dispatched on this tag.
	Backend string `yaml:"backend"`

	// State is the current lifecycle state.
	State State `yaml:"state"`

	// Handle is set while a backend execution context exists (Starting
	// through Stopping), nil otherwise.
	Handle *Handle `yaml:"handle,omitempty"`

	// CreatedAt is the record creation time (UTC).
	CreatedAt time.Time `yaml:"createdAt"`

	// StateChangedAt is the time of the last state transition (UTC).
	StateChangedAt time.Time `yaml:"stateChangedAt"`

	// Warnings holds non-fatal conditions recorded by lifecycle operations.
	Warnings []Warning `yaml:"warnings,omitempty"`
}

// Clone returns a deep copy of c. The registry hands out copies so readers
// always observe a whole record, never a partially updated one.
func (c *Container) Clone() *Container {
	out := *c
	if c.Handle != nil {
		h := *c.Handle
		out.Handle = &h
	}
	if len(c.Warnings) > 0 {
		out.Warnings = append([]Warning(nil), c.Warnings...)
	}
	return &out
}

// Encode serializes c to its descriptor form.
func (c *Container) Encode() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor %q: %w", c.Name, err)
	}
	return data, nil
}

// Decode parses a descriptor document into a Container, rejecting unknown
// schema versions and malformed records.
func Decode(data []byte) (*Container, error) {
	var c Container
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode descriptor: %v", hakoerr.ErrIO, err)
	}
	if c.SchemaVer > SchemaVersion {
		return nil, fmt.Errorf("%w: descriptor schema version %d is newer than supported %d",
			hakoerr.ErrIO, c.SchemaVer, SchemaVersion)
	}
	if !ValidName(c.Name) {
		return nil, fmt.Errorf("%w: descriptor has invalid name %q", hakoerr.ErrIO, c.Name)
	}
	if !c.State.Valid() {
		return nil, fmt.Errorf("%w: descriptor has unknown state %q", hakoerr.ErrIO, c.State)
	}
	return &c, nil
}
