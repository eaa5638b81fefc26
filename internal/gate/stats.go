package gate

import "sync/atomic"

// Stats holds the per-session gate counters. Fields are updated by the
// owning session and may be read from any goroutine.
type Stats struct {
	Chunks         atomic.Int64
	Speech         atomic.Int64
	Silence        atomic.Int64
	Keepalives     atomic.Int64
	Finalizes      atomic.Int64
	FinalizeErrors atomic.Int64
	VADErrors      atomic.Int64
	BytesSent      atomic.Int64
	BytesReceived  atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Chunks          int64   `json:"chunks_total"`
	Speech          int64   `json:"chunks_speech"`
	Silence         int64   `json:"chunks_silence"`
	Keepalives      int64   `json:"keepalive_count"`
	Finalizes       int64   `json:"finalize_count"`
	FinalizeErrors  int64   `json:"finalize_errors"`
	VADErrors       int64   `json:"vad_errors"`
	BytesSent       int64   `json:"bytes_sent"`
	BytesReceived   int64   `json:"bytes_received"`
	BytesSavedRatio float64 `json:"bytes_saved_ratio"`
}

// Snapshot copies the counters and derives the saved ratio.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Chunks:         s.Chunks.Load(),
		Speech:         s.Speech.Load(),
		Silence:        s.Silence.Load(),
		Keepalives:     s.Keepalives.Load(),
		Finalizes:      s.Finalizes.Load(),
		FinalizeErrors: s.FinalizeErrors.Load(),
		VADErrors:      s.VADErrors.Load(),
		BytesSent:      s.BytesSent.Load(),
		BytesReceived:  s.BytesReceived.Load(),
	}
	snap.BytesSavedRatio = SavedRatio(snap.BytesSent, snap.BytesReceived)
	return snap
}

// SavedRatio is 1 - sent/received, or 0 before anything was received.
func SavedRatio(sent, received int64) float64 {
	if received <= 0 {
		return 0
	}
	return max(1-float64(sent)/float64(received), 0)
}
