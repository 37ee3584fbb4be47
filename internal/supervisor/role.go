package supervisor

import "time"

// Role is which of the two mutually exclusive servers a process plays.
type Role int

const (
	RoleNone Role = iota
	RoleMain
	RoleCaption
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleCaption:
		return "captioning"
	default:
		return "none"
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// ParseRole accepts "main" and "caption"/"captioning".
func ParseRole(s string) (Role, bool) {
	switch s {
	case "main", "inference":
		return RoleMain, true
	case "caption", "captioning", "llava":
		return RoleCaption, true
	}
	return RoleNone, false
}

// State is the lifecycle of the active process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	default:
		return "stopped"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a snapshot of the supervisor.
type Status struct {
	Role      Role      `json:"role"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Binary    string    `json:"binary,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ReadyAt   time.Time `json:"ready_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
