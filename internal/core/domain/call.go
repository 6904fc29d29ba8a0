package domain

import (
	"fmt"
	"time"
)

// CallStatus is the lifecycle phase of a DM call.
type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
)

// EndReason explains why a call ended.
type EndReason string

const (
	EndCancelled   EndReason = "cancelled"    // initiator hung up before anyone joined
	EndAllDeclined EndReason = "all_declined" // every recipient declined
	EndTimeout     EndReason = "timeout"      // nobody joined within the ring timeout
	EndLastLeft    EndReason = "last_left"    // last participant left
	EndExplicit    EndReason = "explicit"     // a participant ended the call
)

// CallEventType tags entries in a call's event stream.
type CallEventType string

const (
	CallEventStarted  CallEventType = "started"
	CallEventJoined   CallEventType = "joined"
	CallEventLeft     CallEventType = "left"
	CallEventDeclined CallEventType = "declined"
	CallEventEnded    CallEventType = "ended"
)

// CallEvent is a single entry in a call's event stream. Call state is never
// stored directly; it is derived by replaying events in order.
type CallEvent struct {
	Type      CallEventType `json:"type"`
	UserID    UserID        `json:"user_id,omitempty"`
	Initiator UserID        `json:"initiator,omitempty"`
	Targets   []UserID      `json:"targets,omitempty"`
	Reason    EndReason     `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// CallState is the state derived from a call's event stream.
type CallState struct {
	Status       CallStatus
	StartedBy    UserID
	StartedAt    time.Time
	Targets      map[UserID]struct{}
	DeclinedBy   map[UserID]struct{}
	Participants map[UserID]struct{}
	Reason       EndReason
	DurationSecs uint32
	EndedAt      time.Time
}

// NewRingingCall builds the initial state produced by a started event.
func NewRingingCall(initiator UserID, targets []UserID, at time.Time) CallState {
	ts := make(map[UserID]struct{}, len(targets))
	for _, t := range targets {
		ts[t] = struct{}{}
	}
	return CallState{
		Status:     CallRinging,
		StartedBy:  initiator,
		StartedAt:  at,
		Targets:    ts,
		DeclinedBy: make(map[UserID]struct{}),
	}
}

// Active reports whether the call has not ended.
func (s CallState) Active() bool { return s.Status != CallEnded }

// Apply derives the next state from an event. The ended state is terminal.
func (s CallState) Apply(ev CallEvent) (CallState, error) {
	if s.Status == CallEnded {
		return s, ErrCallEnded
	}

	switch s.Status {
	case CallRinging:
		switch ev.Type {
		case CallEventJoined:
			next := s
			next.Status = CallActive
			next.Participants = map[UserID]struct{}{
				s.StartedBy: {},
				ev.UserID:   {},
			}
			return next, nil

		case CallEventDeclined:
			next := s
			next.DeclinedBy = cloneSet(s.DeclinedBy)
			next.DeclinedBy[ev.UserID] = struct{}{}
			if len(next.DeclinedBy) >= len(next.Targets) && len(next.Targets) > 0 {
				return next.ended(EndAllDeclined, ev.Timestamp), nil
			}
			return next, nil

		case CallEventEnded:
			return s.ended(ev.Reason, ev.Timestamp), nil
		}

	case CallActive:
		switch ev.Type {
		case CallEventJoined:
			next := s
			next.Participants = cloneSet(s.Participants)
			next.Participants[ev.UserID] = struct{}{}
			return next, nil

		case CallEventLeft:
			next := s
			next.Participants = cloneSet(s.Participants)
			delete(next.Participants, ev.UserID)
			if len(next.Participants) == 0 {
				return next.ended(EndLastLeft, ev.Timestamp), nil
			}
			return next, nil

		case CallEventEnded:
			return s.ended(ev.Reason, ev.Timestamp), nil
		}
	}

	return s, fmt.Errorf("%w: %s in state %s", ErrInvalidCallEvent, ev.Type, s.Status)
}

func (s CallState) ended(reason EndReason, at time.Time) CallState {
	next := s
	next.Status = CallEnded
	next.Reason = reason
	next.EndedAt = at
	if s.Status == CallActive && at.After(s.StartedAt) {
		next.DurationSecs = uint32(at.Sub(s.StartedAt) / time.Second)
	}
	return next
}

// ReplayCall derives call state from an ordered event stream. The first event
// must be a started event; an empty stream means no call exists.
func ReplayCall(events []CallEvent) (CallState, bool, error) {
	if len(events) == 0 {
		return CallState{}, false, nil
	}
	first := events[0]
	if first.Type != CallEventStarted {
		return CallState{}, false, fmt.Errorf("%w: first event is %s", ErrInvalidCallEvent, first.Type)
	}

	state := NewRingingCall(first.Initiator, first.Targets, first.Timestamp)
	for _, ev := range events[1:] {
		next, err := state.Apply(ev)
		if err != nil {
			return CallState{}, false, err
		}
		state = next
	}
	return state, true, nil
}

func cloneSet(in map[UserID]struct{}) map[UserID]struct{} {
	out := make(map[UserID]struct{}, len(in)+1)
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
