package webrtc

import (
	"fmt"

	"voicegate/pkg/config"

	"github.com/pion/webrtc/v3"
)

// OpusPayloadType is the fixed payload type offered for the single audio
// codec. Clients that cannot negotiate Opus cannot join.
const OpusPayloadType = 111

// Engine builds peer connections with the shared media and setting engines.
// Audio only: one Opus codec registered, nothing else, so SDP negotiation
// can never drift into video or alternate codecs.
type Engine struct {
	api    *webrtc.API
	rtcCfg webrtc.Configuration
}

// NewEngine constructs the shared WebRTC API from service configuration.
func NewEngine(cfg *config.Config) (*Engine, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: OpusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register opus codec: %w", err)
	}

	setting := webrtc.SettingEngine{}
	if cfg.WebRTC.PortRange.Min > 0 && cfg.WebRTC.PortRange.Max > 0 {
		if err := setting.SetEphemeralUDPPortRange(cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set udp port range: %w", err)
		}
	}

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, server)
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(media),
			webrtc.WithSettingEngine(setting),
		),
		rtcCfg: webrtc.Configuration{ICEServers: iceServers},
	}, nil
}

// NewPeerConnection creates a peer connection on the shared API.
func (e *Engine) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(e.rtcCfg)
}
