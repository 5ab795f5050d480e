// Package query is the read-only inspection surface over the registry and
// the isolation backends. It takes no locks and has no side effects; record
// snapshots come from the registry's atomic descriptor reads, and liveness is
// asked of the backend at call time rather than cached.
package query

import (
	"context"
	"fmt"
	"iter"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/isolation"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/registry"
)

// Status combines a container's registry record with live backend state.
type Status struct {
	// Container is the registry record snapshot.
	Container *container.Container

	// Alive reports whether the backend execution context is up right now.
	// Always false when no handle exists.
	Alive bool
}

// Service composes the registry and backend resolver for read-only callers.
type Service struct {
	registry *registry.Store
	resolve  isolation.Resolver
}

// New creates a query service.
func New(reg *registry.Store, resolve isolation.Resolver) *Service {
	return &Service{registry: reg, resolve: resolve}
}

// Status returns the named container's record and its live process state.
func (s *Service) Status(ctx context.Context, name string) (Status, error) {
	c, err := s.registry.Get(name)
	if err != nil {
		return Status{}, err
	}
	st := Status{Container: c}
	if c.Handle == nil {
		return st, nil
	}
	backend, err := s.resolve(c.Backend)
	if err != nil {
		return Status{}, err
	}
	alive, err := backend.Alive(ctx, *c.Handle)
	if err != nil {
		return Status{}, fmt.Errorf("status %q: %w", name, err)
	}
	st.Alive = alive
	return st, nil
}

// List returns all containers in name-lexicographic order.
func (s *Service) List() iter.Seq[*container.Container] {
	return s.registry.All()
}

// ListByState returns the containers currently in state, in
// name-lexicographic order.
func (s *Service) ListByState(state container.State) iter.Seq[*container.Container] {
	return func(yield func(*container.Container) bool) {
		for c := range s.registry.All() {
			if c.State != state {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}
