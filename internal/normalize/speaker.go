package normalize

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/pendant/internal/router"
	"github.com/MrWong99/pendant/pkg/types"
)

// SpeakerIdentifier decides whether a diarization label belongs to the
// session's user. Labels are only meaningful within one socket.
type SpeakerIdentifier interface {
	Identify(socket int, label string) (isUser bool, personID *string)
}

// ProfileLearner is implemented by identifiers that learn from the
// enrollment preamble.
type ProfileLearner interface {
	LearnProfile(socket int, t types.Transcript)
}

// Unknown identifies nobody.
type Unknown struct{}

// Identify implements SpeakerIdentifier.
func (Unknown) Identify(int, string) (bool, *string) { return false, nil }

// ProfileIdentifier assigns the user to the speaker who talks most inside the
// priming preamble. Only the primed socket hears the preamble, so only its
// labels can be identified.
type ProfileIdentifier struct {
	mu     sync.Mutex
	talk   map[string]time.Duration
	user   string
	locked bool
}

var (
	_ SpeakerIdentifier = (*ProfileIdentifier)(nil)
	_ ProfileLearner    = (*ProfileIdentifier)(nil)
)

// NewProfileIdentifier returns an identifier with no knowledge yet.
func NewProfileIdentifier() *ProfileIdentifier {
	return &ProfileIdentifier{talk: make(map[string]time.Duration)}
}

// LearnProfile accumulates per-label talk time from a preamble transcript.
func (p *ProfileIdentifier) LearnProfile(socket int, t types.Transcript) {
	if socket != router.SocketPrimed || !t.IsFinal {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked {
		return
	}
	for _, w := range t.Words {
		label := w.Speaker
		if label == "" {
			label = t.SpeakerID
		}
		if label == "" {
			continue
		}
		p.talk[label] += w.End - w.Start
	}
	if len(t.Words) == 0 && t.SpeakerID != "" {
		p.talk[t.SpeakerID] += t.End - t.Start
	}
	var best time.Duration
	for label, d := range p.talk {
		if d > best || (d == best && label < p.user) {
			best, p.user = d, label
		}
	}
}

// Lock freezes the learned label. Later preamble events are ignored.
func (p *ProfileIdentifier) Lock() {
	p.mu.Lock()
	p.locked = true
	p.mu.Unlock()
}

// UserLabel returns the learned label, empty if nothing was learned.
func (p *ProfileIdentifier) UserLabel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

// Identify implements SpeakerIdentifier.
func (p *ProfileIdentifier) Identify(socket int, label string) (bool, *string) {
	if socket != router.SocketPrimed {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user != "" && label == p.user, nil
}

// labeler turns provider speaker labels into SPEAKER_nn names.
type labeler struct {
	assigned map[string]int
	next     int
}

func (l *labeler) label(raw string) (string, int) {
	if raw == "" {
		return "SPEAKER_00", 0
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return fmt.Sprintf("SPEAKER_%02d", n), n
	}
	if l.assigned == nil {
		l.assigned = make(map[string]int)
	}
	n, ok := l.assigned[raw]
	if !ok {
		n = l.next
		l.next++
		l.assigned[raw] = n
	}
	return fmt.Sprintf("SPEAKER_%02d", n), n
}
