package ports

import (
	"context"

	"voicegate/internal/core/domain"
)

// VoiceService is the room registry surface the signaling transport drives.
// Join returns the participant handle whose event queue carries the offer,
// trickle candidates, and room notifications for that user.
type VoiceService interface {
	Join(ctx context.Context, channel domain.ChannelID, user domain.User) (Participant, error)
	Leave(ctx context.Context, channel domain.ChannelID, user domain.UserID) error
	HandleAnswer(ctx context.Context, channel domain.ChannelID, user domain.UserID, sdp string) error
	HandleIceCandidate(ctx context.Context, channel domain.ChannelID, user domain.UserID, candidate string) error
	SetMuted(ctx context.Context, channel domain.ChannelID, user domain.UserID, muted bool) error
	BroadcastStats(ctx context.Context, channel domain.ChannelID, user domain.UserID, stats domain.VoiceStats) error
	Participants(channel domain.ChannelID) ([]domain.ParticipantInfo, error)
}

// Participant is the per-(room, user) handle handed to the transport.
type Participant interface {
	UserID() domain.UserID
	Channel() domain.ChannelID
	SessionID() domain.SessionID
	State() domain.ConnectionState
	// Events is the typed outbound queue. It is closed when the
	// participant is torn down.
	Events() <-chan domain.Event
}

// CallService is the DM call state machine layered on the room registry.
type CallService interface {
	StartCall(ctx context.Context, channel domain.ChannelID, initiator domain.User, targets []domain.UserID) (domain.CallState, error)
	DeclineCall(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.CallState, error)
	LeaveCall(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.CallState, error)
	EndCall(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.CallState, error)
	CallState(ctx context.Context, channel domain.ChannelID) (domain.CallState, bool, error)

	// ParticipantConnected and ParticipantLeft are driven by the transport
	// adapter when a participant of a DM room reaches Connected or leaves.
	ParticipantConnected(ctx context.Context, channel domain.ChannelID, user domain.UserID) error
	ParticipantLeft(ctx context.Context, channel domain.ChannelID, user domain.UserID) error
}

// Notifier delivers events to users by ID, whether or not they are in a
// room. The signaling gateway implements it with its connection table. All
// deliveries are best-effort.
type Notifier interface {
	Notify(user domain.UserID, ev domain.Event)
	NotifyAll(users []domain.UserID, ev domain.Event)
}

// RoomCloser tears down a room and disconnects everyone in it. The call
// manager uses it when a call ends; it never touches media directly.
type RoomCloser interface {
	CloseRoom(ctx context.Context, channel domain.ChannelID) error
}
