package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
)

//go:embed schema.json
var schemaJSON string

// schema is compiled once at package init; the document is embedded, so a
// compile failure is a build defect, not a runtime condition.
var schema = jsonschema.MustCompileString("config-v1.json", schemaJSON)

// Parse decodes a hakoniwa/v1 YAML document into a Config and validates it.
// It is the canonical entry point for loading container configurations.
// Validation failures wrap hakoerr.ErrInvalidConfig.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", hakoerr.ErrInvalidConfig, err)
	}

	// Schema validation runs against the raw document rather than the
	// decoded struct so that unknown fields and type mismatches are caught.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", hakoerr.ErrInvalidConfig, err)
	}
	doc, err := jsonRoundTrip(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hakoerr.ErrInvalidConfig, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", hakoerr.ErrInvalidConfig, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the config document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %s: %v", hakoerr.ErrIO, path, err)
	}
	return Parse(data)
}

// Validate checks cross-field constraints the JSON schema cannot express.
// It returns the first violation wrapped in hakoerr.ErrInvalidConfig, or nil.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config must not be nil", hakoerr.ErrInvalidConfig)
	}
	if cfg.APIVersion != SpecVersion {
		return fmt.Errorf("%w: apiVersion must be %q, got %q",
			hakoerr.ErrInvalidConfig, SpecVersion, cfg.APIVersion)
	}
	if strings.TrimSpace(cfg.Metadata.Name) == "" {
		return fmt.Errorf("%w: metadata.name must not be empty", hakoerr.ErrInvalidConfig)
	}
	switch cfg.BackendKind() {
	case BackendProcess:
		// Command defaults later; nothing more to check.
	case BackendDocker:
		if cfg.Image == "" {
			return fmt.Errorf("%w: docker backend requires image", hakoerr.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", hakoerr.ErrInvalidConfig, cfg.Backend)
	}
	if cfg.Network.Mode == "bridge" && cfg.Network.Bridge == "" {
		return fmt.Errorf("%w: network.bridge required for bridge mode", hakoerr.ErrInvalidConfig)
	}
	return nil
}

// CheckRootfs verifies the config's rootfs resolves to an existing directory.
// Kept separate from Validate so pure document validation stays
// filesystem-free (tests validate documents without materializing a rootfs).
func CheckRootfs(cfg *Config) error {
	info, err := os.Stat(cfg.Rootfs)
	if err != nil {
		return fmt.Errorf("%w: rootfs %q not resolvable: %v",
			hakoerr.ErrInvalidConfig, cfg.Rootfs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: rootfs %q is not a directory", hakoerr.ErrInvalidConfig, cfg.Rootfs)
	}
	return nil
}

// Encode serializes cfg back to YAML, used when cloning a container's
// configuration under a new name.
func Encode(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config %q: %w", cfg.Metadata.Name, err)
	}
	return data, nil
}

// jsonRoundTrip converts a YAML-decoded document into the value shapes the
// JSON-schema validator expects (json.Number for numerics, string keys).
func jsonRoundTrip(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document not expressible as JSON: %v", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
