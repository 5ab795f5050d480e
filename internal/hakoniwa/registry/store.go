// Package registry provides the directory-backed container catalog.
//
// One descriptor file per container lives under the store root, named by
// container name. Descriptors are replaced atomically (temp file + fsync +
// rename) so readers never observe a torn record and a crash surfaces either
// the old or the new state, never a partial write. The registry is the single
// source of truth for which containers exist: an entry exists if and only if
// its descriptor file does.
//
// Registry methods that mutate a record assume the caller holds that
// container's lock (see Lock); the lifecycle executor is the only mutating
// caller in-tree.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/config"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
)

const (
	descriptorSuffix = ".yaml"
	lockSuffix       = ".lock"

	// DefaultLockTimeout bounds the wait for a per-container lock before the
	// operation fails with ErrBusy.
	DefaultLockTimeout = 5 * time.Second
)

// Store is a directory-backed container registry. It is safe for concurrent
// use; independent processes may share the same root directory.
type Store struct {
	root        string
	lockTimeout time.Duration
	locks       *lockTable
	log         *slog.Logger
}

// Options tunes store construction.
type Options struct {
	// LockTimeout bounds per-container lock acquisition. Zero means
	// DefaultLockTimeout.
	LockTimeout time.Duration

	// Logger receives non-fatal diagnostics (e.g. descriptors skipped during
	// listing). Nil means slog.Default().
	Logger *slog.Logger
}

// New opens (creating if necessary) a registry rooted at dir.
func New(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: registry root must not be empty", hakoerr.ErrIO)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create registry root %s: %v", hakoerr.ErrIO, dir, err)
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		root:        dir,
		lockTimeout: opts.LockTimeout,
		locks:       newLockTable(),
		log:         opts.Logger,
	}, nil
}

// Root returns the registry root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) descriptorPath(name string) string {
	return filepath.Join(s.root, name+descriptorSuffix)
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.root, name+lockSuffix)
}

// Create registers a new container in Stopped state. The config must already
// be parsed and schema-valid; Create additionally verifies the rootfs
// resolves and that the name is free.
func (s *Store) Create(name string, cfg *config.Config, configPath string) (*container.Container, error) {
	if !container.ValidName(name) {
		return nil, fmt.Errorf("%w: name %q must match [a-zA-Z0-9_-]{1,64}",
			hakoerr.ErrInvalidConfig, name)
	}
	if cfg.Metadata.Name != name {
		return nil, fmt.Errorf("%w: metadata.name %q does not match container name %q",
			hakoerr.ErrInvalidConfig, cfg.Metadata.Name, name)
	}
	if err := config.CheckRootfs(cfg); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.descriptorPath(name)); err == nil {
		return nil, fmt.Errorf("%w: %q", hakoerr.ErrDuplicateName, name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: stat descriptor for %q: %v", hakoerr.ErrIO, name, err)
	}

	now := time.Now().UTC()
	c := &container.Container{
		SchemaVer:      container.SchemaVersion,
		Name:           name,
		ConfigPath:     configPath,
		RootfsPath:     cfg.Rootfs,
		Backend:        cfg.BackendKind(),
		State:          container.StateStopped,
		CreatedAt:      now,
		StateChangedAt: now,
	}
	if err := s.writeDescriptor(c); err != nil {
		return nil, err
	}
	s.log.Debug("registry: created container", "name", name, "backend", c.Backend)
	return c.Clone(), nil
}

// Get returns a snapshot of the named container's record.
func (s *Store) Get(name string) (*container.Container, error) {
	// An invalid name cannot be registered, and must not reach path
	// construction: "../x" would read outside the registry root.
	if !container.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", hakoerr.ErrNotFound, name)
	}
	data, err := os.ReadFile(s.descriptorPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", hakoerr.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read descriptor for %q: %v", hakoerr.ErrIO, name, err)
	}
	c, err := container.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("descriptor for %q: %w", name, err)
	}
	return c, nil
}

// All returns a lazy, restartable sequence over every registered container in
// strict name-lexicographic order. Descriptors that fail to load are logged
// and skipped rather than aborting the listing.
func (s *Store) All() iter.Seq[*container.Container] {
	return func(yield func(*container.Container) bool) {
		names, err := s.names()
		if err != nil {
			s.log.Warn("registry: list failed", "err", err)
			return
		}
		for _, name := range names {
			c, err := s.Get(name)
			if err != nil {
				s.log.Warn("registry: skipping unreadable descriptor", "name", name, "err", err)
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}

// names returns all registered container names in lexicographic order.
// Descriptor file order cannot be reused directly: the ".yaml" suffix sorts
// after "-", so "web-2.yaml" would precede "web.yaml" while the name order
// is the reverse.
func (s *Store) names() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: read registry root: %v", hakoerr.ErrIO, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), descriptorSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), descriptorSuffix)
		if container.ValidName(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes the named container's descriptor. The record must be in
// Stopped or Destroyed state.
func (s *Store) Remove(name string) error {
	c, err := s.Get(name)
	if err != nil {
		return err
	}
	if c.State != container.StateStopped && c.State != container.StateDestroyed {
		return fmt.Errorf("%w: cannot remove %q while %s", hakoerr.ErrInvalidState, name, c.State)
	}
	if err := os.Remove(s.descriptorPath(name)); err != nil {
		return fmt.Errorf("%w: remove descriptor for %q: %v", hakoerr.ErrIO, name, err)
	}
	// Lock files are advisory breadcrumbs once the descriptor is gone.
	_ = os.Remove(s.lockPath(name))
	s.log.Debug("registry: removed container", "name", name)
	return nil
}

// Transition moves the named container to state `to` after checking the edge
// against the lifecycle table, applies the optional mutation (handle,
// warnings) to the same record, and persists the result durably. The new
// state is not committed until the descriptor write has been fsynced.
func (s *Store) Transition(name string, to container.State, apply func(*container.Container)) (*container.Container, error) {
	c, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if err := container.CheckTransition(c.State, to); err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	c.State = to
	c.StateChangedAt = time.Now().UTC()
	if apply != nil {
		apply(c)
	}
	if err := s.writeDescriptor(c); err != nil {
		return nil, err
	}
	s.log.Debug("registry: state transition", "name", name, "state", to)
	return c.Clone(), nil
}

// UpdateState is Transition without a record mutation.
func (s *Store) UpdateState(name string, to container.State) (*container.Container, error) {
	return s.Transition(name, to, nil)
}

// UpdateConfig replaces the named container's configuration. Only legal
// while the container is Stopped; the descriptor's derived fields (rootfs,
// backend) follow the new config.
func (s *Store) UpdateConfig(name string, cfg *config.Config) (*container.Container, error) {
	c, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if c.State != container.StateStopped {
		return nil, fmt.Errorf("%w: cannot update config of %q while %s",
			hakoerr.ErrInvalidState, name, c.State)
	}
	if cfg.Metadata.Name != name {
		return nil, fmt.Errorf("%w: metadata.name %q does not match container name %q",
			hakoerr.ErrInvalidConfig, cfg.Metadata.Name, name)
	}
	if err := config.CheckRootfs(cfg); err != nil {
		return nil, err
	}
	data, err := config.Encode(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hakoerr.ErrIO, err)
	}
	if err := atomicWrite(c.ConfigPath, data); err != nil {
		return nil, err
	}
	c.RootfsPath = cfg.Rootfs
	c.Backend = cfg.BackendKind()
	if err := s.writeDescriptor(c); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// WriteConfig persists cfg under the registry-owned config directory
// (<root>/configs/<name>.yaml) and returns its path. Used by clone, which
// must own the duplicated configuration rather than reference the caller's
// file.
func (s *Store) WriteConfig(name string, cfg *config.Config) (string, error) {
	dir := filepath.Join(s.root, "configs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create config dir: %v", hakoerr.ErrIO, err)
	}
	data, err := config.Encode(cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", hakoerr.ErrIO, err)
	}
	path := filepath.Join(dir, name+descriptorSuffix)
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// writeDescriptor persists c durably: the record is serialized to a temp
// file, fsynced, renamed over the descriptor path, and the directory entry
// fsynced. A crash at any point leaves either the previous or the new
// descriptor intact.
func (s *Store) writeDescriptor(c *container.Container) error {
	data, err := c.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", hakoerr.ErrIO, err)
	}
	return atomicWrite(s.descriptorPath(c.Name), data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", hakoerr.ErrIO, path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", hakoerr.ErrIO, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", hakoerr.ErrIO, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", hakoerr.ErrIO, path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", hakoerr.ErrIO, path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
