package normalize_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/pendant/internal/normalize"
	"github.com/MrWong99/pendant/internal/router"
	"github.com/MrWong99/pendant/pkg/types"
)

// shift maps provider time to wall time with a fixed offset.
type shift time.Duration

func (s shift) WallRel(p time.Duration) time.Duration { return p + time.Duration(s) }

func (s shift) WallRelEnd(p time.Duration) time.Duration { return p + time.Duration(s) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func word(w string, start, end int, speaker string) types.WordDetail {
	return types.WordDetail{Word: w, Start: ms(start), End: ms(end), Speaker: speaker}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func live(t types.Transcript) router.Event {
	return router.Event{Socket: router.SocketLive, Authoritative: true, Transcript: t}
}

func TestProcess_RemapsTimesAndLabels(t *testing.T) {
	n := normalize.New(shift(2*time.Second), normalize.Options{})
	u := n.Process(live(types.Transcript{
		ID: "u1", Text: "Hello there.", IsFinal: true,
		Words: []types.WordDetail{word("hello", 100, 400, "1"), word("there", 450, 800, "1")},
	}))
	if len(u.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(u.Segments))
	}
	s := u.Segments[0]
	if s.ID != "u1" || s.Text != "Hello there." {
		t.Errorf("segment = %+v", s)
	}
	if !approx(s.Start, 2.1) || !approx(s.End, 2.8) {
		t.Errorf("times = %v..%v, want 2.1..2.8", s.Start, s.End)
	}
	if s.Speaker != "SPEAKER_01" || s.SpeakerID != 1 {
		t.Errorf("speaker = %s/%d, want SPEAKER_01/1", s.Speaker, s.SpeakerID)
	}
	if !s.Final {
		t.Error("segment not final")
	}
}

func TestProcess_SplitsBySpeaker(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{})
	u := n.Process(live(types.Transcript{
		ID: "u1", Text: "yes no maybe", IsFinal: true,
		Words: []types.WordDetail{
			word("yes", 0, 200, "A"),
			word("no", 300, 500, "B"),
			word("maybe", 600, 900, "B"),
		},
	}))
	if len(u.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(u.Segments))
	}
	if u.Segments[0].Speaker != "SPEAKER_00" || u.Segments[0].Text != "yes" || u.Segments[0].ID != "u1.0" {
		t.Errorf("first = %+v", u.Segments[0])
	}
	if u.Segments[1].Speaker != "SPEAKER_01" || u.Segments[1].Text != "no maybe" || u.Segments[1].ID != "u1.1" {
		t.Errorf("second = %+v", u.Segments[1])
	}
}

func TestProcess_PartialsAreReplaced(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{})
	u := n.Process(live(types.Transcript{ID: "u1", Text: "hel", Start: 0, End: ms(300)}))
	if len(u.Segments) != 1 || u.Segments[0].Final {
		t.Fatalf("partial update = %+v", u)
	}

	u = n.Process(live(types.Transcript{ID: "u1", Text: "hello", IsFinal: true, Start: 0, End: ms(500)}))
	if len(u.Segments) != 1 || !u.Segments[0].Final || u.Segments[0].Text != "hello" {
		t.Fatalf("final update = %+v", u)
	}
	if len(u.Removed) != 0 {
		t.Errorf("same-ID upsert reported removal: %v", u.Removed)
	}

	// Finals are immutable.
	u = n.Process(live(types.Transcript{ID: "u1", Text: "jello", IsFinal: true, Start: 0, End: ms(500)}))
	if !u.Empty() {
		t.Errorf("event after final changed state: %+v", u)
	}
	if got := n.Segments(); len(got) != 1 || got[0].Text != "hello" {
		t.Errorf("segments = %+v", got)
	}
}

func TestProcess_EmptyFinalRemovesPartial(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{})
	n.Process(live(types.Transcript{ID: "u1", Text: "um", End: ms(200)}))
	u := n.Process(live(types.Transcript{ID: "u1", IsFinal: true}))
	if len(u.Segments) != 0 || len(u.Removed) != 1 || u.Removed[0] != "u1" {
		t.Errorf("update = %+v, want removal of u1", u)
	}
	if len(n.Segments()) != 0 {
		t.Error("segment survived an empty final")
	}
}

func TestProcess_MergesAdjacentFinals(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{MergeGap: time.Second})
	n.Process(live(types.Transcript{ID: "a", Text: "first part", IsFinal: true, SpeakerID: "0", Start: 0, End: ms(1000)}))
	u := n.Process(live(types.Transcript{ID: "b", Text: "second part", IsFinal: true, SpeakerID: "0", Start: ms(1500), End: ms(2500)}))
	if len(u.Segments) != 1 || u.Segments[0].ID != "a" {
		t.Fatalf("update = %+v, want merge into a", u)
	}
	if u.Segments[0].Text != "first part second part" || u.Segments[0].End != 2.5 {
		t.Errorf("merged = %+v", u.Segments[0])
	}

	// Too far apart.
	u = n.Process(live(types.Transcript{ID: "c", Text: "later", IsFinal: true, SpeakerID: "0", Start: ms(5000), End: ms(5500)}))
	if len(u.Segments) != 1 || u.Segments[0].ID != "c" {
		t.Errorf("update = %+v, want new segment c", u)
	}
	// Different speaker.
	u = n.Process(live(types.Transcript{ID: "d", Text: "reply", IsFinal: true, SpeakerID: "1", Start: ms(5600), End: ms(6000)}))
	if len(u.Segments) != 1 || u.Segments[0].ID != "d" {
		t.Errorf("update = %+v, want new segment d", u)
	}
	if got := len(n.Segments()); got != 3 {
		t.Errorf("segments = %d, want 3", got)
	}
}

func TestProcess_SocketPriority(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{})

	// The primed socket is authoritative during priming.
	u := n.Process(router.Event{Socket: router.SocketPrimed, Authoritative: true, Transcript: types.Transcript{
		ID: "p1", Text: "Good morning everyone.", IsFinal: true, Start: ms(100), End: ms(1200),
	}})
	if len(u.Segments) != 1 {
		t.Fatalf("primed update = %+v", u)
	}

	// The live socket hears the same speech and is dropped.
	u = n.Process(router.Event{Socket: router.SocketLive, Transcript: types.Transcript{
		ID: "l1", Text: "good morning everyone", IsFinal: true, Start: ms(150), End: ms(1250),
	}})
	if !u.Empty() {
		t.Errorf("duplicate from non-authoritative socket produced %+v", u)
	}
	if n.Duplicates() != 1 {
		t.Errorf("Duplicates = %d, want 1", n.Duplicates())
	}

	// Different speech at the same time is kept.
	u = n.Process(router.Event{Socket: router.SocketLive, Transcript: types.Transcript{
		ID: "l2", Text: "completely unrelated words", IsFinal: true, Start: ms(200), End: ms(900),
	}})
	if len(u.Segments) != 1 {
		t.Errorf("distinct speech dropped: %+v", u)
	}
}

func TestProcess_AuthoritativeReplacesDuplicate(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{})
	n.Process(router.Event{Socket: router.SocketPrimed, Transcript: types.Transcript{
		ID: "p1", Text: "see you tomorrow", IsFinal: true, Start: ms(0), End: ms(900),
	}})
	u := n.Process(router.Event{Socket: router.SocketLive, Authoritative: true, Transcript: types.Transcript{
		ID: "l1", Text: "See you tomorrow.", IsFinal: true, Start: ms(50), End: ms(950),
	}})
	if len(u.Removed) != 1 || u.Removed[0] != "p1" {
		t.Errorf("Removed = %v, want [p1]", u.Removed)
	}
	if len(u.Segments) != 1 || u.Segments[0].ID != "l1" {
		t.Errorf("Segments = %+v, want l1", u.Segments)
	}
}

func TestProcess_ProfileEventsTeachIdentifier(t *testing.T) {
	id := normalize.NewProfileIdentifier()
	n := normalize.New(shift(0), normalize.Options{Identifier: id})

	u := n.Process(router.Event{Socket: router.SocketPrimed, Authoritative: true, Profile: true, Transcript: types.Transcript{
		ID: "0", Text: "this is my voice", IsFinal: true,
		Words: []types.WordDetail{
			word("this", -3000, -2500, "2"),
			word("is", -2500, -2000, "2"),
			word("my", -2000, -1900, "0"),
			word("voice", -1900, -1000, "2"),
		},
	}})
	if !u.Empty() {
		t.Fatalf("profile event produced %+v", u)
	}
	if id.UserLabel() != "2" {
		t.Fatalf("UserLabel = %q, want 2", id.UserLabel())
	}

	u = n.Process(router.Event{Socket: router.SocketPrimed, Authoritative: true, Transcript: types.Transcript{
		ID: "1", Text: "hi", IsFinal: true, SpeakerID: "2", Start: ms(100), End: ms(300),
	}})
	if len(u.Segments) != 1 || !u.Segments[0].IsUser {
		t.Errorf("primed speaker 2 not identified as user: %+v", u.Segments)
	}

	u = n.Process(router.Event{Socket: router.SocketLive, Transcript: types.Transcript{
		ID: "9", Text: "something else entirely", IsFinal: true, SpeakerID: "2", Start: ms(5000), End: ms(6000),
	}})
	if len(u.Segments) != 1 || u.Segments[0].IsUser {
		t.Errorf("live socket label identified as user: %+v", u.Segments)
	}
}

func TestProcess_SegmentsOrderedByStart(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{MergeGap: time.Millisecond})
	n.Process(live(types.Transcript{ID: "b", Text: "second", IsFinal: true, SpeakerID: "0", Start: ms(3000), End: ms(3500)}))
	n.Process(live(types.Transcript{ID: "a", Text: "first", IsFinal: true, SpeakerID: "1", Start: ms(1000), End: ms(1500)}))
	got := n.Segments()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = %+v", got)
	}
}

func TestProcess_MergeStaysOnOneSocket(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{})
	primed := func(id, text string, start, end int) router.Event {
		return router.Event{Socket: router.SocketPrimed, Authoritative: true, Transcript: types.Transcript{
			ID: id, Text: text, IsFinal: true, SpeakerID: "0", Start: ms(start), End: ms(end),
		}}
	}

	n.Process(primed("p1", "hello there", 1000, 2000))
	u := n.Process(router.Event{Socket: router.SocketLive, Transcript: types.Transcript{
		ID: "l1", Text: "how are you", IsFinal: true, SpeakerID: "0", Start: ms(2500), End: ms(3000),
	}})
	if len(u.Segments) != 1 || u.Segments[0].ID != "l1" {
		t.Fatalf("live final merged across sockets: %+v", u)
	}

	u = n.Process(primed("p2", "how are you", 2500, 3000))
	if len(u.Removed) != 1 || u.Removed[0] != "l1" {
		t.Errorf("Removed = %v, want [l1]", u.Removed)
	}
	got := n.Segments()
	if len(got) != 1 {
		t.Fatalf("got %d segments, want 1: %+v", len(got), got)
	}
	if got[0].ID != "p1" || got[0].Text != "hello there how are you" || !approx(got[0].End, 3.0) {
		t.Errorf("segment = %+v", got[0])
	}
}

func TestProcess_MergesAdjacentPartials(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{MergeGap: time.Second})
	n.Process(live(types.Transcript{ID: "a", Text: "so I", SpeakerID: "0", Start: 0, End: ms(500)}))
	u := n.Process(live(types.Transcript{ID: "b", Text: "went home", SpeakerID: "0", Start: ms(800), End: ms(1400)}))
	if len(u.Segments) != 1 || u.Segments[0].ID != "a" || u.Segments[0].Text != "so I went home" || u.Segments[0].Final {
		t.Fatalf("update = %+v, want partial b merged into a", u)
	}

	// a's final takes its piece back; the remaining partial carries b's ID.
	u = n.Process(live(types.Transcript{ID: "a", Text: "So I.", IsFinal: true, SpeakerID: "0", Start: 0, End: ms(500)}))
	if len(u.Removed) != 0 {
		t.Errorf("Removed = %v, want none", u.Removed)
	}
	if len(u.Segments) != 2 {
		t.Fatalf("update = %+v, want a and b", u)
	}
	if s := u.Segments[0]; s.ID != "a" || !s.Final || s.Text != "So I." {
		t.Errorf("first = %+v", s)
	}
	if s := u.Segments[1]; s.ID != "b" || s.Final || s.Text != "went home" {
		t.Errorf("second = %+v", s)
	}

	// b's final then merges into the final a.
	u = n.Process(live(types.Transcript{ID: "b", Text: "went home.", IsFinal: true, SpeakerID: "0", Start: ms(800), End: ms(1400)}))
	if len(u.Removed) != 1 || u.Removed[0] != "b" {
		t.Errorf("Removed = %v, want [b]", u.Removed)
	}
	got := n.Segments()
	if len(got) != 1 || got[0].ID != "a" || got[0].Text != "So I. went home." || !got[0].Final {
		t.Errorf("segments = %+v", got)
	}
}

func TestProcess_FinalAndPartialDoNotMerge(t *testing.T) {
	n := normalize.New(shift(0), normalize.Options{MergeGap: time.Second})
	n.Process(live(types.Transcript{ID: "a", Text: "done", IsFinal: true, SpeakerID: "0", Start: 0, End: ms(500)}))
	u := n.Process(live(types.Transcript{ID: "b", Text: "and th", SpeakerID: "0", Start: ms(700), End: ms(900)}))
	if len(u.Segments) != 1 || u.Segments[0].ID != "b" {
		t.Errorf("update = %+v, want separate partial b", u)
	}
	if got := len(n.Segments()); got != 2 {
		t.Errorf("segments = %d, want 2", got)
	}
}
