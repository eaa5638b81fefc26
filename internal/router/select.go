// Package router picks the STT provider for a session and owns the session's
// provider sockets.
//
// A session normally has one socket. When speech-profile priming is enabled
// the router opens a second, primed socket that hears the enrollment clip
// before the live audio; it stays authoritative until the live stream has
// outlasted the clip, then it is finalized and closed and the live socket
// becomes the sole source. Every event leaves the router tagged with the
// socket it came from.
package router

import (
	"strings"

	"github.com/MrWong99/pendant/pkg/audio"
)

// Slot names a configured provider role.
type Slot string

const (
	// SlotA is the premium provider for English Opus at 16 kHz.
	SlotA Slot = "a"
	// SlotB is the default diarizing provider.
	SlotB Slot = "b"
	// SlotC is the batch provider for sessions that ask for granular word
	// timings.
	SlotC Slot = "c"
)

// Params are the session attributes that drive provider selection.
type Params struct {
	Language        string
	Codec           audio.Codec
	SampleRate      int
	GranularTimings bool
}

// Select returns the provider slot for p. The decision is made once, when
// the session opens. haveC reports whether slot C is configured; without it a
// granular-timings request falls through to the regular rule.
func Select(p Params, haveC bool) Slot {
	if p.GranularTimings && haveC {
		return SlotC
	}
	if isEnglish(p.Language) && p.Codec == audio.CodecOpus && p.SampleRate == 16000 {
		return SlotA
	}
	return SlotB
}

func isEnglish(tag string) bool {
	tag = strings.ToLower(tag)
	return tag == "en" || strings.HasPrefix(tag, "en-") || strings.HasPrefix(tag, "en_")
}

// Primable reports whether slot streams over a socket and can therefore take
// a priming preamble.
func (s Slot) Primable() bool { return s == SlotA || s == SlotB }
