package domain

// ChannelID identifies a voice channel or a DM channel acting as a call room.
type ChannelID string

// UserID identifies a platform user.
type UserID string

// SessionID identifies a single voice session (one join..leave span).
type SessionID string

func (c ChannelID) String() string { return string(c) }
func (u UserID) String() string    { return string(u) }
func (s SessionID) String() string { return string(s) }
