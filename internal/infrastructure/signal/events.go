package signal

import (
	"encoding/json"
	"fmt"

	"voicegate/internal/core/domain"
)

// Message is the envelope for everything crossing the websocket, both
// directions. Payload shape depends on Type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server payloads.

type joinPayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
}

type leavePayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
}

type answerPayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	SDP       string           `json:"sdp"`
}

type candidatePayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	Candidate string           `json:"candidate"`
}

// mutePayload covers both mute messages. The muted field is optional: a bare
// voice_mute means mute, voice_unmute ignores it entirely.
type mutePayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	Muted     *bool            `json:"muted,omitempty"`
}

type statsPayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	domain.VoiceStats
}

// Server-to-client payloads.

type offerOut struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	SDP       string           `json:"sdp"`
}

type candidateOut struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	Candidate string           `json:"candidate"`
}

type userJoinedOut struct {
	ChannelID   domain.ChannelID `json:"channel_id"`
	UserID      domain.UserID    `json:"user_id"`
	Username    string           `json:"username,omitempty"`
	DisplayName string           `json:"display_name,omitempty"`
}

type userOut struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	UserID    domain.UserID    `json:"user_id"`
}

type muteOut struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	UserID    domain.UserID    `json:"user_id"`
	Muted     bool             `json:"muted"`
}

type roomStateOut struct {
	ChannelID    domain.ChannelID         `json:"channel_id"`
	Participants []domain.ParticipantInfo `json:"participants"`
}

type connectionStateOut struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	State     string           `json:"state"`
}

type userStatsOut struct {
	ChannelID domain.ChannelID  `json:"channel_id"`
	UserID    domain.UserID     `json:"user_id"`
	Stats     domain.VoiceStats `json:"stats"`
}

type errorOut struct {
	ChannelID domain.ChannelID `json:"channel_id,omitempty"`
	Code      string           `json:"code"`
	Message   string           `json:"message"`
}

type incomingCallOut struct {
	ChannelID     domain.ChannelID `json:"channel_id"`
	Initiator     domain.UserID    `json:"initiator"`
	InitiatorName string           `json:"initiator_name,omitempty"`
}

type callStartedOut struct {
	ChannelID domain.ChannelID `json:"channel_id"`
}

type callEndedOut struct {
	ChannelID    domain.ChannelID `json:"channel_id"`
	Reason       domain.EndReason `json:"reason"`
	DurationSecs uint32           `json:"duration_secs"`
}

// encodeEvent maps a domain event onto its wire message.
func encodeEvent(ev domain.Event) (Message, error) {
	var payload interface{}

	switch e := ev.(type) {
	case domain.OfferEvent:
		payload = offerOut{ChannelID: e.Channel, SDP: e.SDP}
	case domain.IceCandidateEvent:
		payload = candidateOut{ChannelID: e.Channel, Candidate: e.Candidate}
	case domain.UserJoinedEvent:
		payload = userJoinedOut{ChannelID: e.Channel, UserID: e.UserID, Username: e.Username, DisplayName: e.DisplayName}
	case domain.UserLeftEvent:
		payload = userOut{ChannelID: e.Channel, UserID: e.UserID}
	case domain.MuteChangedEvent:
		payload = muteOut{ChannelID: e.Channel, UserID: e.UserID, Muted: e.Muted}
	case domain.RoomStateEvent:
		payload = roomStateOut{ChannelID: e.Channel, Participants: e.Participants}
	case domain.StateChangedEvent:
		payload = connectionStateOut{ChannelID: e.Channel, State: e.State.String()}
	case domain.UserStatsEvent:
		payload = userStatsOut{ChannelID: e.Channel, UserID: e.UserID, Stats: e.Stats}
	case domain.ErrorEvent:
		payload = errorOut{ChannelID: e.Channel, Code: e.Code, Message: e.Message}
	case domain.IncomingCallEvent:
		payload = incomingCallOut{ChannelID: e.Channel, Initiator: e.Initiator, InitiatorName: e.InitiatorName}
	case domain.CallStartedEvent:
		payload = callStartedOut{ChannelID: e.Channel}
	case domain.CallEndedEvent:
		payload = callEndedOut{ChannelID: e.Channel, Reason: e.Reason, DurationSecs: e.DurationSecs}
	case domain.CallParticipantJoinedEvent:
		payload = userOut{ChannelID: e.Channel, UserID: e.UserID}
	case domain.CallParticipantLeftEvent:
		payload = userOut{ChannelID: e.Channel, UserID: e.UserID}
	case domain.CallDeclinedEvent:
		payload = userOut{ChannelID: e.Channel, UserID: e.UserID}
	default:
		return Message{}, fmt.Errorf("no wire encoding for event %T", ev)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: ev.EventType(), Payload: raw}, nil
}
