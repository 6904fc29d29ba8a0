package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"
	"voicegate/internal/core/services"
	apperrors "voicegate/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checks belong to the fronting proxy
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// GatewayConfig holds websocket keepalive settings.
type GatewayConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// Gateway terminates signaling websockets. Each connection is authenticated
// once at upgrade; after that the gateway translates wire messages into
// voice service calls and drains each joined room's event queue back onto
// the socket. It doubles as the Notifier used to ring users who are not in
// any room yet.
type Gateway struct {
	cfg   GatewayConfig
	voice ports.VoiceService
	calls ports.CallService
	auth  services.AuthService

	mu      sync.RWMutex
	clients map[domain.UserID]*client

	logger *zap.SugaredLogger
}

// client is one authenticated websocket and the rooms it joined.
type client struct {
	user domain.User
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu    sync.Mutex
	rooms map[domain.ChannelID]ports.Participant
}

func NewGateway(cfg GatewayConfig, voice ports.VoiceService, calls ports.CallService, auth services.AuthService, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{
		cfg:     cfg,
		voice:   voice,
		calls:   calls,
		auth:    auth,
		clients: make(map[domain.UserID]*client),
		logger:  logger,
	}
}

// HandleWebSocket upgrades and serves one signaling connection until it
// drops. A second login by the same user replaces the first.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Errorw("websocket upgrade failed", "user_id", user.ID, "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		user:         user,
		conn:         conn,
		writeTimeout: g.cfg.WriteTimeout,
		rooms:        make(map[domain.ChannelID]ports.Participant),
	}
	g.register(c)
	defer g.unregister(c)

	g.logger.Infow("signaling connected", "user_id", user.ID)

	conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(g.cfg.PingInterval)
	defer pingTicker.Stop()

	// done releases the reader goroutine if the select loop exits while
	// messages are backlogged; a closed conn alone does not unblock a
	// goroutine parked on the channel send.
	done := make(chan struct{})
	defer close(done)

	messages := make(chan Message, 16)
	readErrs := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErrs <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
			select {
			case messages <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messages:
			if err := g.handleMessage(r.Context(), c, msg); err != nil {
				g.logger.Infow("signaling message rejected",
					"user_id", user.ID, "type", msg.Type, "error", err)
				c.sendError(err)
			}

		case <-pingTicker.C:
			if err := c.writeControl(websocket.PingMessage); err != nil {
				g.logger.Infow("ping failed", "user_id", user.ID, "error", err)
				return
			}

		case err := <-readErrs:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Infow("signaling read failed", "user_id", user.ID, "error", err)
			}
			return
		}
	}
}

// authenticate pulls the bearer token from the Authorization header or the
// token query parameter (browsers cannot set websocket headers).
func (g *Gateway) authenticate(r *http.Request) (domain.User, error) {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		return domain.User{}, services.ErrInvalidToken
	}
	claims, err := g.auth.ValidateToken(token)
	if err != nil {
		return domain.User{}, err
	}
	return claims.User(), nil
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	old := g.clients[c.user.ID]
	g.clients[c.user.ID] = c
	g.mu.Unlock()

	if old != nil {
		g.logger.Infow("replacing signaling connection", "user_id", c.user.ID)
		g.teardown(old)
		old.conn.Close()
	}
}

// unregister removes the client if it is still the user's current
// connection, then leaves all its rooms.
func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	if g.clients[c.user.ID] == c {
		delete(g.clients, c.user.ID)
	}
	g.mu.Unlock()

	g.teardown(c)
	g.logger.Infow("signaling disconnected", "user_id", c.user.ID)
}

// teardown leaves every room the client joined. The departures flow to the
// call manager so a dropped socket hangs up its DM calls.
func (g *Gateway) teardown(c *client) {
	c.mu.Lock()
	rooms := make([]domain.ChannelID, 0, len(c.rooms))
	for ch := range c.rooms {
		rooms = append(rooms, ch)
	}
	c.rooms = make(map[domain.ChannelID]ports.Participant)
	c.mu.Unlock()

	ctx := context.Background()
	for _, ch := range rooms {
		if err := g.voice.Leave(ctx, ch, c.user.ID); err != nil {
			g.logger.Warnw("leave on teardown failed", "channel_id", ch, "user_id", c.user.ID, "error", err)
		}
		if err := g.calls.ParticipantLeft(ctx, ch, c.user.ID); err != nil {
			g.logger.Warnw("call departure on teardown failed", "channel_id", ch, "user_id", c.user.ID, "error", err)
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, c *client, msg Message) error {
	switch msg.Type {
	case "voice_join":
		var p joinPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		return g.handleJoin(ctx, c, p.ChannelID)

	case "voice_leave":
		var p leavePayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		return g.handleLeave(ctx, c, p.ChannelID)

	case "voice_answer":
		var p answerPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		if !strings.HasPrefix(p.SDP, "v=") {
			return fmt.Errorf("%w: malformed sdp", domain.ErrInvalidSignalPayload)
		}
		return g.voice.HandleAnswer(ctx, p.ChannelID, c.user.ID, p.SDP)

	case "voice_ice_candidate":
		var p candidatePayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		if p.Candidate == "" {
			return fmt.Errorf("%w: empty candidate", domain.ErrInvalidSignalPayload)
		}
		return g.voice.HandleIceCandidate(ctx, p.ChannelID, c.user.ID, p.Candidate)

	case "voice_mute":
		var p mutePayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		muted := true
		if p.Muted != nil {
			muted = *p.Muted
		}
		return g.voice.SetMuted(ctx, p.ChannelID, c.user.ID, muted)

	case "voice_unmute":
		var p mutePayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		return g.voice.SetMuted(ctx, p.ChannelID, c.user.ID, false)

	case "voice_stats":
		var p statsPayload
		if err := decode(msg.Payload, &p); err != nil {
			return err
		}
		return g.voice.BroadcastStats(ctx, p.ChannelID, c.user.ID, p.VoiceStats)

	default:
		return fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidSignalPayload, msg.Type)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, c *client, channel domain.ChannelID) error {
	if channel == "" {
		return fmt.Errorf("%w: channel_id is required", domain.ErrInvalidSignalPayload)
	}

	participant, err := g.voice.Join(ctx, channel, c.user)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.rooms[channel] = participant
	c.mu.Unlock()

	go g.drain(c, channel, participant)
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, c *client, channel domain.ChannelID) error {
	c.mu.Lock()
	_, joined := c.rooms[channel]
	delete(c.rooms, channel)
	c.mu.Unlock()
	if !joined {
		return nil
	}

	if err := g.voice.Leave(ctx, channel, c.user.ID); err != nil {
		return err
	}
	return g.calls.ParticipantLeft(ctx, channel, c.user.ID)
}

// drain pumps one participant's event queue onto the socket until the voice
// layer closes it. Connection state changes feed the call manager: reaching
// connected answers a ringing DM call, and an implicit teardown (transport
// failure, room closed) registers the departure.
func (g *Gateway) drain(c *client, channel domain.ChannelID, participant ports.Participant) {
	for ev := range participant.Events() {
		if sc, ok := ev.(domain.StateChangedEvent); ok && sc.State == domain.StateConnected {
			if err := g.calls.ParticipantConnected(context.Background(), channel, c.user.ID); err != nil {
				g.logger.Warnw("call answer failed", "channel_id", channel, "user_id", c.user.ID, "error", err)
			}
		}
		if err := c.sendEvent(ev); err != nil {
			g.logger.Infow("event delivery failed", "channel_id", channel, "user_id", c.user.ID, "error", err)
			// Keep draining; the voice layer owns the queue lifecycle and
			// the read loop will notice the dead socket.
		}
	}

	// Queue closed. If the client still thinks it is in the room, the
	// teardown came from below; propagate it.
	c.mu.Lock()
	cur, ok := c.rooms[channel]
	if ok && cur == participant {
		delete(c.rooms, channel)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if ok {
		if err := g.calls.ParticipantLeft(context.Background(), channel, c.user.ID); err != nil {
			g.logger.Warnw("call departure failed", "channel_id", channel, "user_id", c.user.ID, "error", err)
		}
	}
}

// Notify delivers an event to a user's signaling connection, if any.
// Best-effort: offline users just miss it.
func (g *Gateway) Notify(user domain.UserID, ev domain.Event) {
	g.mu.RLock()
	c, ok := g.clients[user]
	g.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.sendEvent(ev); err != nil {
		g.logger.Debugw("notify failed", "user_id", user, "event_type", ev.EventType(), "error", err)
	}
}

// NotifyAll delivers an event to each of the given users.
func (g *Gateway) NotifyAll(users []domain.UserID, ev domain.Event) {
	for _, u := range users {
		g.Notify(u, ev)
	}
}

// ConnectedUsers reports how many signaling connections are live.
func (g *Gateway) ConnectedUsers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

func (c *client) sendEvent(ev domain.Event) error {
	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *client) sendError(err error) {
	appErr := apperrors.AsAppError(err)
	payload, marshalErr := json.Marshal(errorOut{
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
	if marshalErr != nil {
		return
	}
	c.write(Message{Type: "voice_error", Payload: payload})
}

func (c *client) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) writeControl(messageType int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(messageType, nil)
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", domain.ErrInvalidSignalPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignalPayload, err)
	}
	return nil
}

var _ ports.Notifier = (*Gateway)(nil)
