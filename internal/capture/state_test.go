package capture

import (
	"errors"
	"testing"
)

func TestStateTransitions(t *testing.T) {
	legal := map[State][]State{
		StateIdle:        {StateConfiguring, StateError},
		StateConfiguring: {StateRunning, StateStopped, StateError},
		StateRunning:     {StateDraining, StateError},
		StateDraining:    {StateStopped, StateError},
		StateStopped:     nil,
		StateError:       nil,
	}
	all := []State{StateIdle, StateConfiguring, StateRunning, StateDraining, StateStopped, StateError}

	for from, tos := range legal {
		allowed := map[State]bool{}
		for _, to := range tos {
			allowed[to] = true
		}
		for _, to := range all {
			if got := from.CanTransition(to); got != allowed[to] {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, allowed[to])
			}
		}
	}
}

func TestStateCellRejectsIllegalTransition(t *testing.T) {
	var c stateCell
	if err := c.transition(StateRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("IDLE -> RUNNING: err = %v", err)
	}
	if c.load() != StateIdle {
		t.Fatalf("state changed on rejected transition: %s", c.load())
	}
	for _, s := range []State{StateConfiguring, StateRunning, StateDraining, StateStopped} {
		if err := c.transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if err := c.transition(StateError); err == nil {
		t.Fatal("STOPPED is terminal")
	}
}

func TestStateStringAndPredicates(t *testing.T) {
	if StateDraining.String() != "DRAINING" || State(42).String() != "State(42)" {
		t.Fatal("unexpected state names")
	}
	if !StateRunning.Active() || StateStopped.Active() || !StateError.Terminal() {
		t.Fatal("unexpected predicate results")
	}
}
