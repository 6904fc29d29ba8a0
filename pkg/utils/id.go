package utils

import (
	"github.com/google/uuid"
)

// NewSessionID returns a fresh opaque session identifier. A new one is
// minted on every join, including rejoins by the same user.
func NewSessionID() string {
	return uuid.NewString()
}

// NewRequestID returns an identifier for correlating log lines of one
// HTTP or websocket request.
func NewRequestID() string {
	return uuid.NewString()
}
