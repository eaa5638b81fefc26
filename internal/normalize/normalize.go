// Package normalize turns tagged provider transcripts into client-facing
// transcript segments on the session's wall clock.
//
// Provider times are remapped through the gate's TimeMap, words are grouped
// into per-speaker segments, duplicate utterances heard by two sockets are
// resolved in favour of the authoritative socket, and adjacent segments of one
// speaker from the same socket are merged when they are both final or both
// partial.
package normalize

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/pendant/internal/router"
	"github.com/MrWong99/pendant/pkg/types"
)

const (
	DefaultMergeGap   = 2 * time.Second
	DefaultSimilarity = 0.85
)

// TimeMapper converts provider-relative time to session wall time. WallRelEnd
// maps span ends, which resolve a gated gap toward the audio before it.
type TimeMapper interface {
	WallRel(p time.Duration) time.Duration
	WallRelEnd(p time.Duration) time.Duration
}

// Options tunes a Normalizer.
type Options struct {
	// MergeGap is the largest silence between two segments of one speaker
	// that still merges them.
	MergeGap time.Duration

	// Similarity is the Jaro-Winkler score at which overlapping utterances
	// from two sockets count as the same speech.
	Similarity float64

	Identifier SpeakerIdentifier
	Logger     *slog.Logger
}

// Update is the outcome of one event: segments to upsert by ID, in start
// order, and IDs of segments that no longer exist.
type Update struct {
	Segments []types.Segment
	Removed  []string
}

// Empty reports whether u changes nothing.
func (u Update) Empty() bool { return len(u.Segments) == 0 && len(u.Removed) == 0 }

// piece is one utterance's contribution to an entry.
type piece struct {
	utt string
	seg types.Segment
}

// entry is one client-visible segment. Merged entries hold several pieces;
// the first piece owns the segment ID.
type entry struct {
	seg    types.Segment
	socket int
	auth   bool
	pieces []piece
}

func (e *entry) has(utt string) bool {
	for _, p := range e.pieces {
		if p.utt == utt {
			return true
		}
	}
	return false
}

// drop removes the pieces of utt and reports whether any piece is left.
func (e *entry) drop(utt string) bool {
	kept := e.pieces[:0]
	for _, p := range e.pieces {
		if p.utt != utt {
			kept = append(kept, p)
		}
	}
	e.pieces = kept
	if len(kept) == 0 {
		return false
	}
	e.rebuild()
	return true
}

func (e *entry) rebuild() {
	seg := e.pieces[0].seg
	texts := make([]string, len(e.pieces))
	for i, p := range e.pieces {
		texts[i] = p.seg.Text
		seg.End = max(seg.End, p.seg.End)
	}
	seg.Text = strings.TrimSpace(strings.Join(texts, " "))
	e.seg = seg
}

// Normalizer holds the segment state of one session. Segment times are
// seconds from the start of the session. It is not safe for concurrent use;
// the session's event pump owns it.
type Normalizer struct {
	tm   TimeMapper
	opts Options
	log  *slog.Logger

	entries []*entry
	byUtt   map[string][]*entry
	final   map[string]bool
	labels  map[int]*labeler
	anon    int
	dropped int
}

// New returns a Normalizer that remaps times through tm.
func New(tm TimeMapper, opts Options) *Normalizer {
	if opts.MergeGap <= 0 {
		opts.MergeGap = DefaultMergeGap
	}
	if opts.Similarity <= 0 {
		opts.Similarity = DefaultSimilarity
	}
	if opts.Identifier == nil {
		opts.Identifier = Unknown{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Normalizer{
		tm:     tm,
		opts:   opts,
		log:    opts.Logger,
		byUtt:  make(map[string][]*entry),
		final:  make(map[string]bool),
		labels: make(map[int]*labeler),
	}
}

// Duplicates returns how many events were dropped by the socket-priority
// rule.
func (n *Normalizer) Duplicates() int { return n.dropped }

// Process applies one router event.
func (n *Normalizer) Process(ev router.Event) Update {
	t := ev.Transcript
	if ev.Profile {
		if l, ok := n.opts.Identifier.(ProfileLearner); ok {
			l.LearnProfile(ev.Socket, t)
		}
		return Update{}
	}

	id := t.ID
	if id == "" {
		n.anon++
		id = fmt.Sprintf("s%d-anon-%d", ev.Socket, n.anon)
	}
	utt := fmt.Sprintf("%d/%s", ev.Socket, id)
	if n.final[utt] {
		return Update{}
	}

	var u Update
	groups := n.segments(ev.Socket, id, t)
	if len(groups) > 0 {
		start, end := groups[0].Start, groups[len(groups)-1].End
		text := joinText(groups)
		if dup := n.duplicate(ev.Socket, utt, start, end, text); dup != nil {
			if !ev.Authoritative || dup.auth {
				n.dropped++
				n.log.Debug("normalize: duplicate utterance dropped",
					"socket", ev.Socket, "text", text, "kept", dup.seg.ID)
				return Update{}
			}
			n.log.Debug("normalize: authoritative socket replaces duplicate",
				"socket", ev.Socket, "replaced", dup.seg.ID)
			n.remove(dup)
			u.Removed = append(u.Removed, dup.seg.ID)
		}
	}

	// The new event supersedes every piece of its utterance. An entry that
	// still holds other utterances survives, possibly under a new ID.
	for _, e := range append([]*entry(nil), n.byUtt[utt]...) {
		old := e.seg.ID
		if !e.drop(utt) {
			n.remove(e)
			u.Removed = append(u.Removed, old)
			continue
		}
		if e.seg.ID != old {
			u.Removed = append(u.Removed, old)
		}
		u.Segments = upsert(u.Segments, e.seg)
		n.resort()
	}
	delete(n.byUtt, utt)
	if t.IsFinal {
		n.final[utt] = true
	}

	for _, g := range groups {
		p := piece{utt: utt, seg: g}
		if last := n.mergeTarget(ev.Socket, g); last != nil {
			last.pieces = append(last.pieces, p)
			last.rebuild()
			n.index(utt, last)
			u.Segments = upsert(u.Segments, last.seg)
			continue
		}
		e := &entry{seg: g, socket: ev.Socket, auth: ev.Authoritative, pieces: []piece{p}}
		n.insert(e)
		n.index(utt, e)
		u.Segments = upsert(u.Segments, g)
	}

	u.Removed = subtract(u.Removed, u.Segments)
	sort.SliceStable(u.Segments, func(i, j int) bool { return u.Segments[i].Start < u.Segments[j].Start })
	return u
}

// segments splits t into one segment per run of words with the same speaker.
func (n *Normalizer) segments(socket int, id string, t types.Transcript) []types.Segment {
	if strings.TrimSpace(t.Text) == "" {
		return nil
	}
	lab, ok := n.labels[socket]
	if !ok {
		lab = &labeler{}
		n.labels[socket] = lab
	}
	mk := func(raw, text string, start, end time.Duration) types.Segment {
		name, num := lab.label(raw)
		isUser, person := n.opts.Identifier.Identify(socket, raw)
		s := n.wall(start)
		e := max(n.tm.WallRelEnd(end).Seconds(), s)
		return types.Segment{
			Text:      text,
			Speaker:   name,
			SpeakerID: num,
			IsUser:    isUser,
			PersonID:  person,
			Start:     s,
			End:       e,
			Final:     t.IsFinal,
		}
	}

	if len(t.Words) == 0 {
		s := mk(t.SpeakerID, strings.TrimSpace(t.Text), t.Start, t.End)
		s.ID = id
		return []types.Segment{s}
	}

	var (
		out   []types.Segment
		words []string
		runSp string
		runSt time.Duration
		runEn time.Duration
	)
	flush := func() {
		if len(words) == 0 {
			return
		}
		out = append(out, mk(runSp, strings.Join(words, " "), runSt, runEn))
		words = words[:0]
	}
	for i, w := range t.Words {
		sp := w.Speaker
		if sp == "" {
			sp = t.SpeakerID
		}
		if i == 0 || sp != runSp {
			flush()
			runSp, runSt = sp, w.Start
		}
		words = append(words, w.Word)
		runEn = w.End
	}
	flush()

	if len(out) == 1 {
		// Keep the provider's punctuated text when the whole utterance is one
		// speaker.
		out[0].Text = strings.TrimSpace(t.Text)
		out[0].ID = id
		return out
	}
	for i := range out {
		out[i].ID = fmt.Sprintf("%s.%d", id, i)
	}
	return out
}

func (n *Normalizer) wall(p time.Duration) float64 {
	return n.tm.WallRel(p).Seconds()
}

// duplicate finds an accepted segment from another socket that overlaps
// [start, end] and says the same thing.
func (n *Normalizer) duplicate(socket int, utt string, start, end float64, text string) *entry {
	for _, e := range n.entries {
		if e.socket == socket || e.has(utt) {
			continue
		}
		if e.seg.Start >= end || start >= e.seg.End {
			continue
		}
		if similar(e.seg.Text, text) >= n.opts.Similarity {
			return e
		}
	}
	return nil
}

// mergeTarget returns the last segment when g may be folded into it: same
// socket, same speaker, same final flag and close enough in time. Entries of
// different sockets never merge, so duplicate resolution always compares
// single-socket text.
func (n *Normalizer) mergeTarget(socket int, g types.Segment) *entry {
	if len(n.entries) == 0 {
		return nil
	}
	last := n.entries[len(n.entries)-1]
	if last.socket != socket || last.seg.Final != g.Final ||
		last.seg.SpeakerID != g.SpeakerID || last.seg.IsUser != g.IsUser {
		return nil
	}
	gap := g.Start - last.seg.End
	if gap < 0 || gap > n.opts.MergeGap.Seconds() {
		return nil
	}
	return last
}

func (n *Normalizer) insert(e *entry) {
	i := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].seg.Start > e.seg.Start })
	n.entries = append(n.entries, nil)
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

func (n *Normalizer) resort() {
	sort.SliceStable(n.entries, func(i, j int) bool { return n.entries[i].seg.Start < n.entries[j].seg.Start })
}

func (n *Normalizer) index(utt string, e *entry) {
	for _, x := range n.byUtt[utt] {
		if x == e {
			return
		}
	}
	n.byUtt[utt] = append(n.byUtt[utt], e)
}

func (n *Normalizer) remove(target *entry) {
	for i, e := range n.entries {
		if e == target {
			n.entries = append(n.entries[:i], n.entries[i+1:]...)
			break
		}
	}
	for _, p := range target.pieces {
		list := n.byUtt[p.utt]
		for i, e := range list {
			if e == target {
				n.byUtt[p.utt] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Segments returns every current segment in start order.
func (n *Normalizer) Segments() []types.Segment {
	out := make([]types.Segment, len(n.entries))
	for i, e := range n.entries {
		out[i] = e.seg
	}
	return out
}

func joinText(segs []types.Segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

// similar scores two utterances with Jaro-Winkler on normalized text. An
// empty side matches anything, since it cannot be told apart.
func similar(a, b string) float64 {
	a, b = fold(a), fold(b)
	if a == "" || b == "" {
		return 1
	}
	score := matchr.JaroWinkler(a, b, false)
	if s := matchr.JaroWinkler(strings.ReplaceAll(a, " ", ""), strings.ReplaceAll(b, " ", ""), false); s > score {
		score = s
	}
	return score
}

func fold(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r > 127:
			return r
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func upsert(list []types.Segment, s types.Segment) []types.Segment {
	for i := range list {
		if list[i].ID == s.ID {
			list[i] = s
			return list
		}
	}
	return append(list, s)
}

func subtract(ids []string, keep []types.Segment) []string {
	out := ids[:0]
	for _, id := range ids {
		found := false
		for _, s := range keep {
			if s.ID == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}
