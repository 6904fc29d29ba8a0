package domain

import "time"

// User carries the identity and display metadata attached to a participant.
// The SFU never looks these up itself; the caller resolves them before join.
type User struct {
	ID          UserID
	Username    string
	DisplayName string
}

// ConnectionState is the signaling state of a participant's peer connection.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateOffering
	StateAwaitingAnswer
	StateConnected
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ParticipantInfo is the room-state snapshot sent to clients.
type ParticipantInfo struct {
	UserID      UserID    `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Muted       bool      `json:"muted"`
	State       string    `json:"state"`
	JoinedAt    time.Time `json:"joined_at"`
}
