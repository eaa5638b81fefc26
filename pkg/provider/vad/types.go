package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result at the session's configured threshold.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSilence indicates no speech detected.
	VADSilence VADEventType = iota

	// VADSpeech indicates the frame contains speech.
	VADSpeech
)

// String returns "speech" or "silence".
func (t VADEventType) String() string {
	if t == VADSpeech {
		return "speech"
	}
	return "silence"
}

// Classify builds a VADEvent from a probability and a threshold. A frame is
// speech when p >= threshold, so a zero threshold classifies everything as
// speech.
func Classify(p, threshold float64) VADEvent {
	t := VADSilence
	if p >= threshold {
		t = VADSpeech
	}
	return VADEvent{Type: t, Probability: p}
}
