package pipeline

import (
	"fmt"
)

type State uint32

const (
	StateUninitialized = State(iota)
	StateInitializing
	StateDecoding
	StateFlushing
	StateResetting
	StateError
	StateDestroying
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateDecoding:
		return "decoding"
	case StateFlushing:
		return "flushing"
	case StateResetting:
		return "resetting"
	case StateError:
		return "error"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("unexpected_state_%d", uint32(s))
}

// AcceptsBitstream reports if Decode is legal in the state.
func (s State) AcceptsBitstream() bool {
	switch s {
	case StateDecoding, StateFlushing, StateResetting:
		return true
	}
	return false
}

func (s State) IsTerminating() bool {
	return s == StateDestroying || s == StateDestroyed
}
