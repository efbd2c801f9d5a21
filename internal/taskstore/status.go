package taskstore

// Task status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	return s == StatusPending || s == StatusInProgress || s == StatusCompleted
}

// CanTransition implements the task status machine. Setting the current
// status again is always permitted and is a no-op at the store layer.
//
//	pending     -> in_progress   (start)
//	in_progress -> completed     (complete)
//	in_progress -> pending       (abort / unassign)
//	completed   -> pending       (reopen)
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusPending
	case StatusCompleted:
		return to == StatusPending
	default:
		return false
	}
}
