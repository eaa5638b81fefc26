// Package audio converts client audio into the signed 16-bit little-endian
// mono PCM that the VAD gate and the STT providers consume.
//
// The package covers the whole codec stage of the ingestion pipeline:
// per-codec [Decoder] implementations, channel downmixing, resampling of
// stored speech profiles, the fixed-size [Packetizer] and the bounded
// [ChunkQueue] that decouples the client socket from decoding.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BytesPerSample is fixed: every stage works on 16-bit PCM.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// BytesFor returns the PCM byte length of d at this format.
func (f Format) BytesFor(d time.Duration) int {
	ch := max(f.Channels, 1)
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second) * int64(ch) * BytesPerSample)
}

// DurationOf returns the playback duration of n PCM bytes at this format.
func (f Format) DurationOf(n int) time.Duration {
	ch := max(f.Channels, 1)
	if f.SampleRate <= 0 {
		return 0
	}
	samples := int64(n / (BytesPerSample * ch))
	return time.Duration(samples * int64(time.Second) / int64(f.SampleRate))
}

// Downmixer folds interleaved multi-channel PCM into mono. It logs a single
// warning when it sees misaligned input.
// Create one per stream; not designed for shared use across goroutines.
type Downmixer struct {
	Channels      int
	warnedCorrupt sync.Once
}

// Mono returns pcm as mono. For a mono stream pcm is returned unchanged
// (zero copy). Trailing bytes that do not form a whole multi-channel frame
// are discarded.
func (d *Downmixer) Mono(pcm []byte) []byte {
	switch {
	case d.Channels <= 1:
		return pcm
	case d.Channels == 2:
		if len(pcm)%4 != 0 {
			d.warn(len(pcm))
		}
		return StereoToMono(pcm)
	default:
		stride := d.Channels * BytesPerSample
		if len(pcm)%stride != 0 {
			d.warn(len(pcm))
		}
		return averageChannels(pcm, d.Channels)
	}
}

func (d *Downmixer) warn(n int) {
	d.warnedCorrupt.Do(func() {
		slog.Warn("audio downmix: input is not frame aligned, dropping tail",
			"bytes", n,
			"channels", d.Channels,
		)
	})
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	return averageChannels(pcm, 2)
}

func averageChannels(pcm []byte, channels int) []byte {
	stride := channels * BytesPerSample
	frames := len(pcm) / stride
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := i*stride + c*BytesPerSample
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := clamp16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Silence returns d worth of zero-valued mono PCM at sampleRate.
func Silence(sampleRate int, d time.Duration) []byte {
	return make([]byte, Format{SampleRate: sampleRate, Channels: 1}.BytesFor(d))
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "16000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
