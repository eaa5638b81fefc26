package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/pendant/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	stereo := samplesToBytes([]int16{32767, 32767, -32768, -32768})
	got := bytesToSamples(audio.StereoToMono(stereo))
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("got %v, want [32767 -32768]", got)
	}
}

func TestDownmixer_MonoIsZeroCopy(t *testing.T) {
	d := audio.Downmixer{Channels: 1}
	in := samplesToBytes([]int16{1, 2, 3})
	out := d.Mono(in)
	if &out[0] != &in[0] {
		t.Error("mono input was copied")
	}
}

func TestDownmixer_DropsMisalignedTail(t *testing.T) {
	d := audio.Downmixer{Channels: 2}
	in := append(samplesToBytes([]int16{10, 30}), 0x01, 0x02)
	got := bytesToSamples(d.Mono(in))
	if len(got) != 1 || got[0] != 20 {
		t.Errorf("got %v, want [20]", got)
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	in := samplesToBytes([]int16{1, 2, 3, 4})
	out := audio.ResampleMono16(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("same-rate resample should return input unchanged")
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	in := samplesToBytes([]int16{0, 100, 200, 300, 400, 500, 600, 700})
	got := bytesToSamples(audio.ResampleMono16(in, 16000, 8000))
	want := []int16{0, 200, 400, 600}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	in := samplesToBytes([]int16{1, 2})
	if out := audio.ResampleMono16(in, 0, 16000); len(out) != len(in) {
		t.Errorf("zero src rate: len = %d, want %d", len(out), len(in))
	}
}

func TestFormat_BytesAndDuration(t *testing.T) {
	tests := []struct {
		f     audio.Format
		d     time.Duration
		bytes int
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, 30 * time.Millisecond, 960},
		{audio.Format{SampleRate: 8000, Channels: 1}, 30 * time.Millisecond, 480},
		{audio.Format{SampleRate: 16000, Channels: 2}, 20 * time.Millisecond, 1280},
	}
	for _, tc := range tests {
		t.Run(tc.f.String(), func(t *testing.T) {
			if got := tc.f.BytesFor(tc.d); got != tc.bytes {
				t.Errorf("BytesFor(%v) = %d, want %d", tc.d, got, tc.bytes)
			}
			if got := tc.f.DurationOf(tc.bytes); got != tc.d {
				t.Errorf("DurationOf(%d) = %v, want %v", tc.bytes, got, tc.d)
			}
		})
	}
}

func TestSilence(t *testing.T) {
	s := audio.Silence(8000, 30*time.Millisecond)
	if len(s) != 480 {
		t.Fatalf("len = %d, want 480", len(s))
	}
	for i, b := range s {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}
