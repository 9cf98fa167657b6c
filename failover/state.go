package failover

import (
	"github.com/yanet-platform/nat66-failover/failover/internal/health"
)

// State tells whether the fallback rule is installed.
type State uint8

const (
	// Inactive means no fallback rule is installed.
	Inactive State = iota
	// Active means the fallback rule is installed.
	Active
)

func (m State) String() string {
	switch m {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	}
	return "unknown"
}

// Action is what a verdict calls for in a given state.
type Action uint8

const (
	// Hold keeps the current state.
	Hold Action = iota
	// Apply installs the fallback rule, moving to Active.
	Apply
	// Remove deletes the fallback rule, moving to Inactive.
	Remove
)

func (m Action) String() string {
	switch m {
	case Hold:
		return "hold"
	case Apply:
		return "apply"
	case Remove:
		return "remove"
	}
	return "unknown"
}

// Decide returns the action a verdict calls for in state.
//
// An indeterminate verdict never changes the state.
func Decide(state State, verdict health.Verdict) Action {
	switch {
	case state == Inactive && verdict == health.Unrouted:
		return Apply
	case state == Active && verdict == health.Routed:
		return Remove
	}
	return Hold
}
