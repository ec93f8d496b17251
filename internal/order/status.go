package order

import "fmt"

// remember to add new statuses to the transitions map
var transitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusShipped, StatusRefunding},
	StatusShipped:   {StatusCompleted, StatusRefunding},
	StatusRefunding: {StatusRefunded},
	StatusCompleted: nil,
	StatusRefunded:  nil,
	StatusCancelled: nil,
}

func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := transitions[status]; ok {
		return status, nil
	}
	return "", fmt.Errorf("invalid order status %q", s)
}

// CanTransition reports whether from -> to is an edge of the order graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

func (s Status) String() string {
	return string(s)
}
