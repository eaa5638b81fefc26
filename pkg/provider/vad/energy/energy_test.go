package energy_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/pendant/pkg/provider/vad"
	"github.com/MrWong99/pendant/pkg/provider/vad/energy"
)

func constantFrame(n int, amp int16) []byte {
	buf := make([]byte, n*2)
	for i := range n {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestRMS(t *testing.T) {
	if got := energy.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := energy.RMS(constantFrame(160, 1000)); got < 999.9 || got > 1000.1 {
		t.Errorf("RMS = %f, want 1000", got)
	}
}

func TestSession_ClassifiesByEnergy(t *testing.T) {
	cfg := vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.5}
	sess, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	tests := []struct {
		name string
		amp  int16
		want vad.VADEventType
		p    float64
	}{
		{"silence", 0, vad.VADSilence, 0},
		{"floor", 100, vad.VADSilence, 0},
		{"loud", 4000, vad.VADSpeech, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := sess.ProcessFrame(constantFrame(480, tc.amp))
			if err != nil {
				t.Fatalf("ProcessFrame: %v", err)
			}
			if ev.Type != tc.want || ev.Probability != tc.p {
				t.Errorf("got %v p=%.2f, want %v p=%.2f", ev.Type, ev.Probability, tc.want, tc.p)
			}
		})
	}
}

func TestSession_ZeroThresholdIsAlwaysSpeech(t *testing.T) {
	sess, _ := energy.New().NewSession(vad.Config{SampleRate: 8000, FrameSizeMs: 30})
	ev, err := sess.ProcessFrame(make([]byte, 480))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeech {
		t.Errorf("silent frame at threshold 0: got %v, want speech", ev.Type)
	}
}

func TestSession_RejectsWrongFrameSize(t *testing.T) {
	sess, _ := energy.New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.5})
	if _, err := sess.ProcessFrame(make([]byte, 100)); !errors.Is(err, vad.ErrFrameSize) {
		t.Errorf("err = %v, want ErrFrameSize", err)
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		eng  *energy.Engine
		cfg  vad.Config
	}{
		{"zero rate", energy.New(), vad.Config{FrameSizeMs: 30}},
		{"threshold above one", energy.New(), vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 1.5}},
		{"inverted levels", energy.New(energy.WithLevels(500, 100)), vad.Config{SampleRate: 16000, FrameSizeMs: 30}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.eng.NewSession(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
