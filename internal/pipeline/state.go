package pipeline

// State is a step of one event's delivery.
type State string

const (
	StatePending         State = "PENDING"
	StateRendered        State = "RENDERED"
	StateImageSent       State = "IMAGE_SENT"
	StateDocSent         State = "DOC_SENT"
	StateDocSkipped      State = "DOC_SKIPPED"
	StateDocFallbackSent State = "DOC_FALLBACK_SENT"
	StateMarkedDelivered State = "MARKED_DELIVERED"
	StateAborted         State = "ABORTED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateMarkedDelivered || s == StateAborted
}

// Delivered reports whether the image reached the channel.
func (s State) Delivered() bool {
	switch s {
	case StateImageSent, StateDocSent, StateDocSkipped, StateDocFallbackSent, StateMarkedDelivered:
		return true
	}
	return false
}

// transitions lists the legal successors of every non-terminal state.
var transitions = map[State][]State{
	StatePending:         {StateRendered, StateAborted},
	StateRendered:        {StateImageSent, StateAborted},
	StateImageSent:       {StateDocSent, StateDocSkipped, StateDocFallbackSent},
	StateDocSent:         {StateMarkedDelivered},
	StateDocSkipped:      {StateMarkedDelivered},
	StateDocFallbackSent: {StateMarkedDelivered},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
