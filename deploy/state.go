package deploy

import "fmt"

type State int

const (
	StateUnseen State = iota
	StateFetching
	StateActivating
	StateInitialized
	StateStarted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnseen:
		return "UNSEEN"
	case StateFetching:
		return "FETCHING"
	case StateActivating:
		return "ACTIVATING"
	case StateInitialized:
		return "INITIALIZED"
	case StateStarted:
		return "STARTED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether no further transition can happen without a new
// announcement.
func (s State) IsTerminal() bool {
	return s == StateStarted || s == StateFailed
}

// canTransition encodes the deployment lifecycle.  Any in-flight state may
// fail, and FAILED may only be left by restarting from UNSEEN.
func canTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateStarted && from != StateFailed
	}

	switch from {
	case StateUnseen:
		return to == StateFetching
	case StateFetching:
		return to == StateActivating
	case StateActivating:
		return to == StateInitialized
	case StateInitialized:
		return to == StateStarted
	case StateFailed:
		return to == StateUnseen
	}
	return false
}
