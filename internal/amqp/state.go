package amqp

import "sync/atomic"

// State is the connection lifecycle position. It only moves forward.
type State int32

const (
	StateInitialized State = iota
	StateOpening
	StateTuned
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateOpening:
		return "opening"
	case StateTuned:
		return "tuned"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State {
	return State(c.v.Load())
}

// advance moves to next if it is ahead of the current state and reports
// whether this call made the move.
func (c *stateCell) advance(next State) bool {
	for {
		cur := c.v.Load()
		if State(cur) >= next {
			return false
		}
		if c.v.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}
