package session

import "fmt"

// legalEdges is the session state machine. Normal cycle:
// stopped -> starting -> running -> stopping -> stopped. Inactivity or
// explicit destruction takes stopped|running -> cleanup -> destroyed.
// starting -> stopped is the rollback edge taken when a start fails.
// Destruction is terminal: no edge leaves destroyed.
var legalEdges = map[Status][]Status{
	StatusStopped:   {StatusStarting, StatusCleanup},
	StatusStarting:  {StatusRunning, StatusStopped},
	StatusRunning:   {StatusStopping, StatusCleanup},
	StatusStopping:  {StatusStopped},
	StatusCleanup:   {StatusDestroyed},
	StatusDestroyed: nil,
}

// CanTransition reports whether from -> to is a legal edge.
// A same-status "transition" is not an edge; callers treat it as a no-op.
func CanTransition(from, to Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition (with context) when
// from -> to is not a legal edge.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// clearsUnit reports whether entering the status requires the unit
// reference to be cleared to hold the at-most-one-live-unit invariant.
func clearsUnit(to Status) bool {
	return to == StatusStopped || to == StatusCleanup || to == StatusDestroyed
}

// deactivates reports whether entering the status marks the session inactive.
func deactivates(to Status) bool {
	return to == StatusCleanup || to == StatusDestroyed
}
