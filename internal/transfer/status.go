package transfer

// Status is the lifecycle of a single download task.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusCanceled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further progress will be made by this run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// QueueStatus is the aggregate status of a queue.
type QueueStatus int

const (
	QueuePending QueueStatus = iota
	QueueRunning
	QueueCompleted
	QueueFailed
	QueueCanceled
)

func (s QueueStatus) String() string {
	switch s {
	case QueuePending:
		return "pending"
	case QueueRunning:
		return "running"
	case QueueCompleted:
		return "completed"
	case QueueFailed:
		return "failed"
	case QueueCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s QueueStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Progress is a point-in-time view of a task. Total is 0 when unknown.
type Progress struct {
	Percent int   `json:"percent"`
	Written int64 `json:"written"`
	Total   int64 `json:"total"`
}

// percentOf never divides by zero and never exceeds 100. With an unknown
// total it reports 0 until the caller marks completion.
func percentOf(written, total int64) int {
	if total <= 0 || written <= 0 {
		return 0
	}
	if written >= total {
		return 100
	}
	return int(written * 100 / total)
}
