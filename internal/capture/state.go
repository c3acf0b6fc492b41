package capture

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of one capture session.
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateDraining
	StateStopped
	StateError
)

var stateNames = [...]string{"IDLE", "CONFIGURING", "RUNNING", "DRAINING", "STOPPED", "ERROR"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal states hold no resources and never change again.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Active states count as "running" for the one-session-per-media rule.
func (s State) Active() bool {
	return s == StateConfiguring || s == StateRunning || s == StateDraining
}

// CanTransition reports whether s -> to is a legal edge.
func (s State) CanTransition(to State) bool {
	if to == StateError {
		return !s.Terminal()
	}
	switch s {
	case StateIdle:
		return to == StateConfiguring
	case StateConfiguring:
		return to == StateRunning || to == StateStopped
	case StateRunning:
		return to == StateDraining
	case StateDraining:
		return to == StateStopped
	}
	return false
}

// stateCell is written by exactly one goroutine (the worker) and read by many.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State { return State(c.v.Load()) }

func (c *stateCell) transition(to State) error {
	from := c.load()
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.v.Store(int32(to))
	return nil
}
