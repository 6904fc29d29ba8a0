package domain

import "errors"

var (
	ErrRoomFull             = errors.New("voice room is full")
	ErrRoomNotFound         = errors.New("voice room not found")
	ErrChannelNotFound      = errors.New("channel not found")
	ErrNotInRoom            = errors.New("user is not in the voice room")
	ErrSignalingOutOfOrder  = errors.New("signaling message out of order")
	ErrTransportFailure     = errors.New("media transport failure")
	ErrConnectionClosed     = errors.New("peer connection closed")
	ErrCallNotFound         = errors.New("call not found")
	ErrCallAlreadyExists    = errors.New("call already exists")
	ErrCallEnded            = errors.New("call has already ended")
	ErrInvalidCallEvent     = errors.New("invalid call event")
	ErrRateLimited          = errors.New("rate limited")
	ErrInvalidSignalPayload = errors.New("invalid signaling payload")
)
