// Package config defines the versioned YAML schema for container
// configurations (hakoniwa/v1).
//
// A config describes how a container should execute: its root filesystem,
// the isolation backend driving it, and resource/network settings handed to
// that backend. Policy here is deterministic and enforced; nothing in a
// config is advisory.
package config

// SpecVersion is the API version string required in every config.
const SpecVersion = "hakoniwa/v1"

// Backend kinds understood by the isolation layer. Dispatch is a tagged
// variant on this field, not an inheritance hierarchy.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Config is the root type for a container configuration.
type Config struct {
	// APIVersion must be "hakoniwa/v1".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	// Metadata holds descriptive metadata.
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Rootfs is the container's root filesystem directory. It must resolve
	// to an existing directory at create time.
	Rootfs string `yaml:"rootfs" json:"rootfs"`

	// Backend selects the isolation backend ("process" when empty).
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Image is the container image reference, required by the docker
	// backend and ignored by the process backend.
	Image string `yaml:"image,omitempty" json:"image,omitempty"`

	// Command is the init process argv. Defaults are backend-specific.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`

	// Env holds additional environment variables for the init process.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Network configures container networking.
	Network Network `yaml:"network,omitempty" json:"network,omitempty"`

	// Resources configures resource limits passed to the backend.
	Resources Resources `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// Metadata holds descriptive information about a config.
type Metadata struct {
	// Name is the container name. It must match the registry name the
	// config is created under.
	Name string `yaml:"name" json:"name"`

	// Description is free-form and informational.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Network configures the container network attachment.
type Network struct {
	// Mode is "none" (default) or "bridge".
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Bridge is the bridge/network name when Mode is "bridge".
	Bridge string `yaml:"bridge,omitempty" json:"bridge,omitempty"`
}

// Resources configures limits handed to the isolation backend. Zero values
// mean "no limit".
type Resources struct {
	// MemoryBytes caps container memory.
	MemoryBytes int64 `yaml:"memoryBytes,omitempty" json:"memoryBytes,omitempty"`

	// CPUShares is the relative CPU weight.
	CPUShares int64 `yaml:"cpuShares,omitempty" json:"cpuShares,omitempty"`

	// PidsLimit caps the number of processes.
	PidsLimit int64 `yaml:"pidsLimit,omitempty" json:"pidsLimit,omitempty"`
}

// BackendKind returns the effective backend, applying the default.
func (c *Config) BackendKind() string {
	if c.Backend == "" {
		return BackendProcess
	}
	return c.Backend
}
