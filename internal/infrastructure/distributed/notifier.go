package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const notifyChannel = "voicegate:notify"

// Notifier fans call notifications out across instances over Redis pub/sub.
// The call event store is shared, but each gateway only holds its own
// websockets; without the fan-out a user connected to another node never
// hears their phone ring. Local delivery happens synchronously, remote
// delivery is best-effort like every other notification.
type Notifier struct {
	client     *redis.Client
	instanceID string
	local      ports.Notifier
	logger     *zap.SugaredLogger

	pubsub *redis.PubSub
}

// envelope is the cross-instance wire form of a call notification. Only call
// lifecycle events travel; room events stay on the node owning the room.
type envelope struct {
	InstanceID    string           `json:"instance_id"`
	Users         []domain.UserID  `json:"users"`
	Type          string           `json:"type"`
	Channel       domain.ChannelID `json:"channel_id"`
	UserID        domain.UserID    `json:"user_id,omitempty"`
	Initiator     domain.UserID    `json:"initiator,omitempty"`
	InitiatorName string           `json:"initiator_name,omitempty"`
	Reason        domain.EndReason `json:"reason,omitempty"`
	DurationSecs  uint32           `json:"duration_secs,omitempty"`
}

func NewNotifier(client *redis.Client, instanceID string, local ports.Notifier, logger *zap.SugaredLogger) *Notifier {
	return &Notifier{
		client:     client,
		instanceID: instanceID,
		local:      local,
		logger:     logger,
	}
}

func (n *Notifier) Notify(user domain.UserID, ev domain.Event) {
	n.NotifyAll([]domain.UserID{user}, ev)
}

func (n *Notifier) NotifyAll(users []domain.UserID, ev domain.Event) {
	n.local.NotifyAll(users, ev)

	env, ok := encode(users, ev)
	if !ok {
		return
	}
	env.InstanceID = n.instanceID

	data, err := json.Marshal(env)
	if err != nil {
		n.logger.Warnw("failed to marshal notification", "event_type", ev.EventType(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.client.Publish(ctx, notifyChannel, data).Err(); err != nil {
		n.logger.Warnw("failed to publish notification", "event_type", ev.EventType(), "error", err)
	}
}

// Run subscribes and delivers remote notifications to this node's users
// until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	if n.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}
	n.pubsub = n.client.Subscribe(ctx, notifyChannel)
	defer n.pubsub.Close()

	ch := n.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				n.logger.Warnw("failed to unmarshal notification", "error", err)
				continue
			}
			if env.InstanceID == n.instanceID {
				continue
			}
			ev, ok := decode(env)
			if !ok {
				n.logger.Warnw("unknown notification type", "type", env.Type)
				continue
			}
			n.local.NotifyAll(env.Users, ev)
		}
	}
}

func (n *Notifier) Close() error {
	if n.pubsub != nil {
		return n.pubsub.Close()
	}
	return nil
}

func encode(users []domain.UserID, ev domain.Event) (envelope, bool) {
	env := envelope{Users: users, Type: ev.EventType()}

	switch e := ev.(type) {
	case domain.IncomingCallEvent:
		env.Channel, env.Initiator, env.InitiatorName = e.Channel, e.Initiator, e.InitiatorName
	case domain.CallStartedEvent:
		env.Channel = e.Channel
	case domain.CallEndedEvent:
		env.Channel, env.Reason, env.DurationSecs = e.Channel, e.Reason, e.DurationSecs
	case domain.CallDeclinedEvent:
		env.Channel, env.UserID = e.Channel, e.UserID
	case domain.CallParticipantJoinedEvent:
		env.Channel, env.UserID = e.Channel, e.UserID
	case domain.CallParticipantLeftEvent:
		env.Channel, env.UserID = e.Channel, e.UserID
	default:
		return envelope{}, false
	}
	return env, true
}

func decode(env envelope) (domain.Event, bool) {
	switch env.Type {
	case "incoming_call":
		return domain.IncomingCallEvent{Channel: env.Channel, Initiator: env.Initiator, InitiatorName: env.InitiatorName}, true
	case "call_started":
		return domain.CallStartedEvent{Channel: env.Channel}, true
	case "call_ended":
		return domain.CallEndedEvent{Channel: env.Channel, Reason: env.Reason, DurationSecs: env.DurationSecs}, true
	case "call_declined":
		return domain.CallDeclinedEvent{Channel: env.Channel, UserID: env.UserID}, true
	case "call_participant_joined":
		return domain.CallParticipantJoinedEvent{Channel: env.Channel, UserID: env.UserID}, true
	case "call_participant_left":
		return domain.CallParticipantLeftEvent{Channel: env.Channel, UserID: env.UserID}, true
	default:
		return nil, false
	}
}

var _ ports.Notifier = (*Notifier)(nil)
