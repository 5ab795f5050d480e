package container_test

import (
	"errors"
	"testing"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
)

func TestTransitionTable(t *testing.T) {
	legal := []struct {
		from, to container.State
	}{
		{container.StateStopped, container.StateStarting},
		{container.StateStarting, container.StateRunning},
		{container.StateStarting, container.StateAborted},
		{container.StateRunning, container.StateStopping},
		{container.StateStopping, container.StateStopped},
		{container.StateStopping, container.StateAborted},
		{container.StateAborted, container.StateStopped},
		{container.StateStopped, container.StateDestroyed},
		{container.StateAborted, container.StateDestroyed},
	}

	legalSet := make(map[[2]container.State]bool, len(legal))
	for _, tc := range legal {
		legalSet[[2]container.State{tc.from, tc.to}] = true
		if !container.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s → %s to be legal", tc.from, tc.to)
		}
		if err := container.CheckTransition(tc.from, tc.to); err != nil {
			t.Errorf("CheckTransition(%s, %s): %v", tc.from, tc.to, err)
		}
	}

	// Every edge outside the table, including self-loops, must be illegal.
	all := []container.State{
		container.StateStopped, container.StateStarting, container.StateRunning,
		container.StateStopping, container.StateAborted, container.StateDestroyed,
	}
	for _, from := range all {
		for _, to := range all {
			if legalSet[[2]container.State{from, to}] {
				continue
			}
			if container.CanTransition(from, to) {
				t.Errorf("expected %s → %s to be illegal", from, to)
			}
			err := container.CheckTransition(from, to)
			if !errors.Is(err, hakoerr.ErrIllegalTransition) {
				t.Errorf("CheckTransition(%s, %s) = %v, want ErrIllegalTransition", from, to, err)
			}
		}
	}
}

func TestDestroyedIsTerminal(t *testing.T) {
	if !container.Terminal(container.StateDestroyed) {
		t.Error("destroyed must be terminal")
	}
	for _, s := range []container.State{
		container.StateStopped, container.StateStarting, container.StateRunning,
		container.StateStopping, container.StateAborted,
	} {
		if container.Terminal(s) {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"web", true},
		{"web-2", true},
		{"Web_Server01", true},
		{"", false},
		{"has space", false},
		{"dot.dot", false},
		{"../escape", false},
		{"x123456789012345678901234567890123456789012345678901234567890123", true},  // 64 chars
		{"x1234567890123456789012345678901234567890123456789012345678901234", false}, // 65 chars
	}
	for _, tc := range tests {
		if got := container.ValidName(tc.name); got != tc.ok {
			t.Errorf("ValidName(%q) = %t, want %t", tc.name, got, tc.ok)
		}
	}
}
