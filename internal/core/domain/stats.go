package domain

import "fmt"

// VoiceStats is a connection quality report sent periodically by clients.
type VoiceStats struct {
	SessionID  SessionID `json:"session_id"`
	LatencyMs  int       `json:"latency"`
	PacketLoss float64   `json:"packet_loss"`
	JitterMs   int       `json:"jitter"`
	Quality    int       `json:"quality"` // 0=poor .. 3=excellent
	Timestamp  int64     `json:"timestamp"`
}

// Validate rejects reports with out-of-range fields. Invalid reports are
// dropped, never fatal to the connection.
func (s VoiceStats) Validate() error {
	if s.LatencyMs < 0 || s.LatencyMs > 10000 {
		return fmt.Errorf("latency out of range (0-10000ms): %d", s.LatencyMs)
	}
	if s.PacketLoss < 0 || s.PacketLoss > 100 {
		return fmt.Errorf("packet_loss out of range (0-100%%): %f", s.PacketLoss)
	}
	if s.JitterMs < 0 || s.JitterMs > 5000 {
		return fmt.Errorf("jitter out of range (0-5000ms): %d", s.JitterMs)
	}
	if s.Quality < 0 || s.Quality > 3 {
		return fmt.Errorf("quality must be 0-3: %d", s.Quality)
	}
	return nil
}
