package notification

// Status is the notification lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusSent, StatusFailed, StatusRetrying},
	StatusRetrying:   {StatusProcessing, StatusCancelled},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether Cancel is honored in this state.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusRetrying
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Sources returns every state that may move to next.
func Sources(next Status) []Status {
	var out []Status
	for from, tos := range transitions {
		for _, t := range tos {
			if t == next {
				out = append(out, from)
			}
		}
	}
	return out
}
