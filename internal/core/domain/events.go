package domain

// Event is a typed message emitted by the voice layer onto a participant's
// outbound queue. The transport adapter drains the queue and serializes each
// event for the client; the voice layer itself never writes to sockets.
type Event interface {
	EventType() string
}

// OfferEvent carries a locally generated SDP offer.
type OfferEvent struct {
	Channel ChannelID
	SDP     string
}

// IceCandidateEvent carries a locally gathered ICE candidate (trickle ICE).
type IceCandidateEvent struct {
	Channel   ChannelID
	Candidate string
}

// UserJoinedEvent announces another participant joining the room.
type UserJoinedEvent struct {
	Channel     ChannelID
	UserID      UserID
	Username    string
	DisplayName string
}

// UserLeftEvent announces another participant leaving the room.
type UserLeftEvent struct {
	Channel ChannelID
	UserID  UserID
}

// MuteChangedEvent announces a participant's mute state change.
type MuteChangedEvent struct {
	Channel ChannelID
	UserID  UserID
	Muted   bool
}

// RoomStateEvent is the full participant snapshot sent on join.
type RoomStateEvent struct {
	Channel      ChannelID
	Participants []ParticipantInfo
}

// StateChangedEvent reports a signaling state transition for the
// participant's own connection.
type StateChangedEvent struct {
	Channel ChannelID
	State   ConnectionState
}

// UserStatsEvent rebroadcasts a participant's reported connection quality.
type UserStatsEvent struct {
	Channel ChannelID
	UserID  UserID
	Stats   VoiceStats
}

// ErrorEvent carries a terminal error for the participant's connection.
type ErrorEvent struct {
	Channel ChannelID
	Code    string
	Message string
}

func (OfferEvent) EventType() string        { return "voice_offer" }
func (IceCandidateEvent) EventType() string { return "voice_ice_candidate" }
func (UserJoinedEvent) EventType() string   { return "voice_user_joined" }
func (UserLeftEvent) EventType() string     { return "voice_user_left" }
func (RoomStateEvent) EventType() string    { return "voice_room_state" }
func (StateChangedEvent) EventType() string { return "voice_connection_state" }
func (UserStatsEvent) EventType() string    { return "voice_user_stats" }
func (ErrorEvent) EventType() string        { return "voice_error" }

func (e MuteChangedEvent) EventType() string {
	if e.Muted {
		return "voice_user_muted"
	}
	return "voice_user_unmuted"
}

// Call events are delivered both to room participants and to DM users who
// have not joined the underlying room yet (ring notifications).

type IncomingCallEvent struct {
	Channel       ChannelID
	Initiator     UserID
	InitiatorName string
}

type CallStartedEvent struct {
	Channel ChannelID
}

type CallEndedEvent struct {
	Channel      ChannelID
	Reason       EndReason
	DurationSecs uint32
}

type CallParticipantJoinedEvent struct {
	Channel ChannelID
	UserID  UserID
}

type CallParticipantLeftEvent struct {
	Channel ChannelID
	UserID  UserID
}

type CallDeclinedEvent struct {
	Channel ChannelID
	UserID  UserID
}

func (IncomingCallEvent) EventType() string          { return "incoming_call" }
func (CallStartedEvent) EventType() string           { return "call_started" }
func (CallEndedEvent) EventType() string             { return "call_ended" }
func (CallParticipantJoinedEvent) EventType() string { return "call_participant_joined" }
func (CallParticipantLeftEvent) EventType() string   { return "call_participant_left" }
func (CallDeclinedEvent) EventType() string          { return "call_declined" }
