package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"
	"voicegate/pkg/retry"
	"voicegate/pkg/tracing"

	"go.uber.org/zap"
)

// CallConfig bounds DM call lifecycles.
type CallConfig struct {
	// RingTimeout is how long a call rings before it times out with nobody
	// joining.
	RingTimeout time.Duration
	// EndedTTL is how long an ended call's event stream is kept for state
	// queries before the store expires it.
	EndedTTL time.Duration
	// Retry governs event store operations on the signaling path.
	Retry retry.Config
}

// DefaultCallConfig returns production call settings.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		RingTimeout: 60 * time.Second,
		EndedTTL:    5 * time.Minute,
		Retry:       retry.DefaultConfig(),
	}
}

// CallMetrics receives call lifecycle counters. Implemented by the
// monitoring package; NopCallMetrics discards everything.
type CallMetrics interface {
	CallStarted()
	CallEnded(reason domain.EndReason)
}

type nopCallMetrics struct{}

func (nopCallMetrics) CallStarted()               {}
func (nopCallMetrics) CallEnded(domain.EndReason) {}

// NopCallMetrics returns a CallMetrics implementation that discards everything.
func NopCallMetrics() CallMetrics { return nopCallMetrics{} }

// CallManager drives DM call lifecycles on top of the room registry. State
// is event-sourced: every transition appends to the store and the current
// state is derived by replay, so a restarted node recovers calls from the
// stream alone. Ring timers are the only in-memory state, and a timer
// firing re-reads the stream before acting.
type CallManager struct {
	cfg      CallConfig
	store    ports.CallEventStore
	notifier ports.Notifier
	rooms    ports.RoomCloser
	metrics  CallMetrics
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	timers map[domain.ChannelID]*time.Timer
}

// NewCallManager wires the call state machine to its store and transports.
// A nil metrics falls back to NopCallMetrics.
func NewCallManager(cfg CallConfig, store ports.CallEventStore, notifier ports.Notifier, rooms ports.RoomCloser, metrics CallMetrics, logger *zap.SugaredLogger) *CallManager {
	if metrics == nil {
		metrics = NopCallMetrics()
	}
	return &CallManager{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		rooms:    rooms,
		metrics:  metrics,
		logger:   logger,
		timers:   make(map[domain.ChannelID]*time.Timer),
	}
}

// StartCall begins ringing a DM channel. Fails if a call is already live on
// the channel; a previous ended call's stream is cleared first.
func (cm *CallManager) StartCall(ctx context.Context, channel domain.ChannelID, initiator domain.User, targets []domain.UserID) (domain.CallState, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "start", string(channel))
	defer span.End()

	if len(targets) == 0 {
		return domain.CallState{}, fmt.Errorf("%w: call needs at least one target", domain.ErrInvalidCallEvent)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	state, exists, err := cm.load(ctx, channel)
	if err != nil {
		return domain.CallState{}, err
	}
	if exists && state.Active() {
		return domain.CallState{}, fmt.Errorf("channel %s: %w", channel, domain.ErrCallAlreadyExists)
	}
	if exists {
		if err := cm.store.Clear(ctx, channel); err != nil {
			return domain.CallState{}, fmt.Errorf("failed to clear ended call: %w", err)
		}
	}

	now := time.Now()
	started := domain.CallEvent{
		Type:      domain.CallEventStarted,
		Initiator: initiator.ID,
		Targets:   targets,
		Timestamp: now,
	}
	if err := cm.append(ctx, channel, started); err != nil {
		return domain.CallState{}, err
	}
	// An abandoned ring must not leak: the stream self-expires unless the
	// call goes active.
	if err := cm.store.SetTTL(ctx, channel, cm.cfg.RingTimeout+cm.cfg.EndedTTL); err != nil {
		cm.logger.Warnw("failed to set ring ttl", "channel_id", channel, "error", err)
	}

	cm.timers[channel] = time.AfterFunc(cm.cfg.RingTimeout, func() {
		cm.ringTimeout(channel)
	})

	cm.notifier.NotifyAll(targets, domain.IncomingCallEvent{
		Channel:       channel,
		Initiator:     initiator.ID,
		InitiatorName: initiator.Username,
	})

	cm.metrics.CallStarted()
	cm.logger.Infow("call started ringing",
		"channel_id", channel, "initiator", initiator.ID, "targets", len(targets))
	return domain.NewRingingCall(initiator.ID, targets, now), nil
}

// DeclineCall records a target's refusal. When every target has declined,
// the call ends with all_declined.
func (cm *CallManager) DeclineCall(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.CallState, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "decline", string(channel))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	state, exists, err := cm.load(ctx, channel)
	if err != nil {
		return domain.CallState{}, err
	}
	if !exists {
		return domain.CallState{}, domain.ErrCallNotFound
	}
	if _, isTarget := state.Targets[user]; !isTarget {
		return domain.CallState{}, fmt.Errorf("%w: %s is not a call target", domain.ErrInvalidCallEvent, user)
	}

	next, err := cm.apply(ctx, channel, state, domain.CallEvent{
		Type:      domain.CallEventDeclined,
		UserID:    user,
		Timestamp: time.Now(),
	})
	if err != nil {
		return domain.CallState{}, err
	}

	cm.notifier.NotifyAll(cm.recipients(next), domain.CallDeclinedEvent{Channel: channel, UserID: user})
	if !next.Active() {
		cm.finalize(ctx, channel, next)
	}
	return next, nil
}

// LeaveCall records a deliberate departure. An initiator leaving a ringing
// call cancels it; the last active participant leaving ends it.
func (cm *CallManager) LeaveCall(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.CallState, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "leave", string(channel))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	state, exists, err := cm.load(ctx, channel)
	if err != nil {
		return domain.CallState{}, err
	}
	if !exists {
		return domain.CallState{}, domain.ErrCallNotFound
	}
	return cm.departLocked(ctx, channel, state, user)
}

// EndCall ends a call outright for everyone on it.
func (cm *CallManager) EndCall(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.CallState, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "end", string(channel))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	state, exists, err := cm.load(ctx, channel)
	if err != nil {
		return domain.CallState{}, err
	}
	if !exists {
		return domain.CallState{}, domain.ErrCallNotFound
	}

	reason := domain.EndExplicit
	if state.Status == domain.CallRinging && user == state.StartedBy {
		reason = domain.EndCancelled
	}
	next, err := cm.apply(ctx, channel, state, domain.CallEvent{
		Type:      domain.CallEventEnded,
		UserID:    user,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		return domain.CallState{}, err
	}
	cm.finalize(ctx, channel, next)
	return next, nil
}

// CallState derives the channel's current call state from its stream.
func (cm *CallManager) CallState(ctx context.Context, channel domain.ChannelID) (domain.CallState, bool, error) {
	return cm.load(ctx, channel)
}

// ParticipantConnected is driven by the signaling layer when a user's media
// reaches connected in the channel's room. On a ringing call the first
// callee to connect answers it. Channels without a call are untouched;
// group voice channels flow through here too.
func (cm *CallManager) ParticipantConnected(ctx context.Context, channel domain.ChannelID, user domain.UserID) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	state, exists, err := cm.load(ctx, channel)
	if err != nil {
		return err
	}
	if !exists || !state.Active() {
		return nil
	}

	if state.Status == domain.CallRinging {
		if user == state.StartedBy {
			// The initiator connecting to the room does not answer the call.
			return nil
		}
		next, err := cm.apply(ctx, channel, state, domain.CallEvent{
			Type:      domain.CallEventJoined,
			UserID:    user,
			Timestamp: time.Now(),
		})
		if err != nil {
			return err
		}
		cm.cancelTimer(channel)
		if err := cm.store.ClearTTL(ctx, channel); err != nil {
			cm.logger.Warnw("failed to clear ring ttl", "channel_id", channel, "error", err)
		}
		cm.notifier.NotifyAll(cm.recipients(next), domain.CallStartedEvent{Channel: channel})
		cm.logger.Infow("call answered", "channel_id", channel, "user_id", user)
		return nil
	}

	if _, already := state.Participants[user]; already {
		return nil
	}
	next, err := cm.apply(ctx, channel, state, domain.CallEvent{
		Type:      domain.CallEventJoined,
		UserID:    user,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	cm.notifier.NotifyAll(cm.recipients(next), domain.CallParticipantJoinedEvent{Channel: channel, UserID: user})
	return nil
}

// ParticipantLeft is driven by the signaling layer when a user leaves the
// channel's room for any reason, including transport failure.
func (cm *CallManager) ParticipantLeft(ctx context.Context, channel domain.ChannelID, user domain.UserID) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	state, exists, err := cm.load(ctx, channel)
	if err != nil {
		return err
	}
	if !exists || !state.Active() {
		return nil
	}
	_, err = cm.departLocked(ctx, channel, state, user)
	return err
}

// Close stops all ring timers. Pending calls stay in the store and resume
// their lifecycle on the next operation.
func (cm *CallManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for channel, t := range cm.timers {
		t.Stop()
		delete(cm.timers, channel)
	}
}

func (cm *CallManager) departLocked(ctx context.Context, channel domain.ChannelID, state domain.CallState, user domain.UserID) (domain.CallState, error) {
	if state.Status == domain.CallRinging {
		if user != state.StartedBy {
			// A target backing out of a ringing call without declining.
			return state, nil
		}
		next, err := cm.apply(ctx, channel, state, domain.CallEvent{
			Type:      domain.CallEventEnded,
			UserID:    user,
			Reason:    domain.EndCancelled,
			Timestamp: time.Now(),
		})
		if err != nil {
			return domain.CallState{}, err
		}
		cm.finalize(ctx, channel, next)
		return next, nil
	}

	if _, in := state.Participants[user]; !in {
		return state, nil
	}
	next, err := cm.apply(ctx, channel, state, domain.CallEvent{
		Type:      domain.CallEventLeft,
		UserID:    user,
		Timestamp: time.Now(),
	})
	if err != nil {
		return domain.CallState{}, err
	}

	if !next.Active() {
		cm.finalize(ctx, channel, next)
	} else {
		cm.notifier.NotifyAll(cm.recipients(next), domain.CallParticipantLeftEvent{Channel: channel, UserID: user})
	}
	return next, nil
}

// ringTimeout fires when nobody answered. It re-reads the stream: the call
// may have been answered or ended between the timer firing and the lock.
func (cm *CallManager) ringTimeout(channel domain.ChannelID) {
	ctx := context.Background()
	cm.mu.Lock()
	defer cm.mu.Unlock()

	state, exists, err := cm.load(ctx, channel)
	if err != nil {
		cm.logger.Errorw("ring timeout load failed", "channel_id", channel, "error", err)
		return
	}
	if !exists || state.Status != domain.CallRinging {
		return
	}

	next, err := cm.apply(ctx, channel, state, domain.CallEvent{
		Type:      domain.CallEventEnded,
		Reason:    domain.EndTimeout,
		Timestamp: time.Now(),
	})
	if err != nil {
		cm.logger.Errorw("ring timeout apply failed", "channel_id", channel, "error", err)
		return
	}
	cm.logger.Infow("call rang out", "channel_id", channel)
	cm.finalize(ctx, channel, next)
}

// apply validates the event against the derived state, then appends it.
// Validation happens before the append so an invalid transition never
// reaches the stream.
func (cm *CallManager) apply(ctx context.Context, channel domain.ChannelID, state domain.CallState, ev domain.CallEvent) (domain.CallState, error) {
	next, err := state.Apply(ev)
	if err != nil {
		return domain.CallState{}, err
	}
	if err := cm.append(ctx, channel, ev); err != nil {
		return domain.CallState{}, err
	}
	return next, nil
}

func (cm *CallManager) append(ctx context.Context, channel domain.ChannelID, ev domain.CallEvent) error {
	return retry.Do(ctx, cm.cfg.Retry, func() error {
		return cm.store.Append(ctx, channel, ev)
	})
}

func (cm *CallManager) load(ctx context.Context, channel domain.ChannelID) (domain.CallState, bool, error) {
	events, err := retry.DoWithResult(ctx, cm.cfg.Retry, func() ([]domain.CallEvent, error) {
		return cm.store.Events(ctx, channel)
	})
	if err != nil {
		return domain.CallState{}, false, err
	}
	return domain.ReplayCall(events)
}

// finalize runs the common end-of-call path: stop ringing, tell everyone,
// tear the room down, and let the stream age out.
func (cm *CallManager) finalize(ctx context.Context, channel domain.ChannelID, state domain.CallState) {
	cm.cancelTimer(channel)

	cm.notifier.NotifyAll(cm.recipients(state), domain.CallEndedEvent{
		Channel:      channel,
		Reason:       state.Reason,
		DurationSecs: state.DurationSecs,
	})

	if err := cm.rooms.CloseRoom(ctx, channel); err != nil {
		cm.logger.Warnw("failed to close call room", "channel_id", channel, "error", err)
	}
	if err := cm.store.SetTTL(ctx, channel, cm.cfg.EndedTTL); err != nil {
		cm.logger.Warnw("failed to set ended ttl", "channel_id", channel, "error", err)
	}

	cm.metrics.CallEnded(state.Reason)
	cm.logger.Infow("call ended",
		"channel_id", channel, "reason", state.Reason, "duration_secs", state.DurationSecs)
}

func (cm *CallManager) cancelTimer(channel domain.ChannelID) {
	if t, ok := cm.timers[channel]; ok {
		t.Stop()
		delete(cm.timers, channel)
	}
}

// recipients is everyone with a stake in the call: initiator and targets.
// Participants are always drawn from that set.
func (cm *CallManager) recipients(state domain.CallState) []domain.UserID {
	out := make([]domain.UserID, 0, len(state.Targets)+1)
	out = append(out, state.StartedBy)
	for t := range state.Targets {
		out = append(out, t)
	}
	return out
}

var _ ports.CallService = (*CallManager)(nil)
