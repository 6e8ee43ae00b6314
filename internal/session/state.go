package session

import "fmt"

// State is the upstream link state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// allowed lists the legal transitions. Once draining only Closed remains.
var allowed = map[State][]State{
	Disconnected: {Connecting, Draining, Closed},
	Connecting:   {Connected, Disconnected, Draining, Closed},
	Connected:    {Connecting, Disconnected, Draining, Closed},
	Draining:     {Closed},
	Closed:       nil,
}

func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
