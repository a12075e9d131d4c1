package queue

// Status represents the lifecycle state of a segmentation job.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

var allStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an absorbing state. Once a job reaches a
// terminal status, no writer may change it again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses are the states a cancel request may act on.
var ActiveStatuses = []Status{StatusQueued, StatusProcessing}

// CanTransition reports whether the status state machine permits from→to.
// The machine only moves forward: Queued→Processing→{Completed|Failed|Cancelled},
// with cancellation also allowed straight from Queued.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}

	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to.Terminal()
	}
	return false
}
