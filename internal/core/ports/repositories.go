package ports

import (
	"context"
	"time"

	"voicegate/internal/core/domain"
)

// CallEventStore persists the append-only event stream backing each DM call.
// State is always derived by replaying the stream, never stored directly, so
// multiple nodes can share a store without coordination beyond append order.
type CallEventStore interface {
	// Append adds an event to the channel's stream.
	Append(ctx context.Context, channel domain.ChannelID, ev domain.CallEvent) error

	// Events returns the channel's stream in append order. An empty slice
	// means no call exists for the channel.
	Events(ctx context.Context, channel domain.ChannelID) ([]domain.CallEvent, error)

	// Clear deletes the channel's stream so a new call can start on a
	// channel whose previous call ended.
	Clear(ctx context.Context, channel domain.ChannelID) error

	// SetTTL arranges for the stream to expire; used while ringing (so an
	// abandoned call cleans itself up) and after a call ends.
	SetTTL(ctx context.Context, channel domain.ChannelID, ttl time.Duration) error

	// ClearTTL cancels a pending expiry once a call goes active.
	ClearTTL(ctx context.Context, channel domain.ChannelID) error
}
