package http

import (
	"context"
	"net/http"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"
	"voicegate/internal/infrastructure/middleware"
	"voicegate/internal/infrastructure/monitoring"
	"voicegate/pkg/config"

	"github.com/gin-gonic/gin"
)

// VoiceHandler serves the REST surface next to the signaling websocket: ICE
// configuration for clients about to connect, DM call lifecycle operations,
// and room introspection.
type VoiceHandler struct {
	cfg    *config.Config
	voice  ports.VoiceService
	calls  ports.CallService
	health *monitoring.HealthChecker
}

func NewVoiceHandler(
	cfg *config.Config,
	voice ports.VoiceService,
	calls ports.CallService,
	health *monitoring.HealthChecker,
) *VoiceHandler {
	return &VoiceHandler{
		cfg:    cfg,
		voice:  voice,
		calls:  calls,
		health: health,
	}
}

func (h *VoiceHandler) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1", auth)
	{
		api.GET("/voice/ice-config", h.ICEConfig)
		api.GET("/voice/channels/:channel_id/participants", h.Participants)

		api.POST("/calls/:channel_id/start", h.StartCall)
		api.POST("/calls/:channel_id/decline", h.DeclineCall)
		api.POST("/calls/:channel_id/leave", h.LeaveCall)
		api.POST("/calls/:channel_id/end", h.EndCall)
		api.GET("/calls/:channel_id", h.GetCallState)
	}
}

// ICEConfig hands clients the STUN/TURN servers to use for their peer
// connection. Servers are listed in fallback order.
func (h *VoiceHandler) ICEConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ice_servers": h.cfg.WebRTC.ICEServers,
	})
}

func (h *VoiceHandler) Participants(c *gin.Context) {
	channel := domain.ChannelID(c.Param("channel_id"))

	participants, err := h.voice.Participants(channel)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"channel_id":   channel,
		"participants": participants,
	})
}

func (h *VoiceHandler) StartCall(c *gin.Context) {
	user, ok := middleware.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req struct {
		Targets []domain.UserID `json:"targets" binding:"required,min=1,max=10"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	channel := domain.ChannelID(c.Param("channel_id"))
	state, err := h.calls.StartCall(c.Request.Context(), channel, user, req.Targets)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"call": callStateOut(channel, state)})
}

func (h *VoiceHandler) DeclineCall(c *gin.Context) {
	h.callOp(c, h.calls.DeclineCall)
}

func (h *VoiceHandler) LeaveCall(c *gin.Context) {
	h.callOp(c, h.calls.LeaveCall)
}

func (h *VoiceHandler) EndCall(c *gin.Context) {
	h.callOp(c, h.calls.EndCall)
}

func (h *VoiceHandler) GetCallState(c *gin.Context) {
	channel := domain.ChannelID(c.Param("channel_id"))

	state, exists, err := h.calls.CallState(c.Request.Context(), channel)
	if err != nil {
		c.Error(err)
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call on this channel"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"call": callStateOut(channel, state)})
}

func (h *VoiceHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *VoiceHandler) Ready(c *gin.Context) {
	if !h.health.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *VoiceHandler) callOp(c *gin.Context, op func(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.CallState, error)) {
	user, ok := middleware.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	channel := domain.ChannelID(c.Param("channel_id"))
	state, err := op(c.Request.Context(), channel, user.ID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"call": callStateOut(channel, state)})
}

// callStateOut flattens the derived call state for the wire.
func callStateOut(channel domain.ChannelID, state domain.CallState) gin.H {
	targets := make([]domain.UserID, 0, len(state.Targets))
	for t := range state.Targets {
		targets = append(targets, t)
	}
	participants := make([]domain.UserID, 0, len(state.Participants))
	for p := range state.Participants {
		participants = append(participants, p)
	}
	declined := make([]domain.UserID, 0, len(state.DeclinedBy))
	for d := range state.DeclinedBy {
		declined = append(declined, d)
	}

	out := gin.H{
		"channel_id":   channel,
		"status":       state.Status,
		"started_by":   state.StartedBy,
		"started_at":   state.StartedAt,
		"targets":      targets,
		"participants": participants,
		"declined_by":  declined,
	}
	if state.Status == domain.CallEnded {
		out["reason"] = state.Reason
		out["duration_secs"] = state.DurationSecs
		out["ended_at"] = state.EndedAt
	}
	return out
}
