package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pendant/internal/resilience"
	"github.com/MrWong99/pendant/pkg/audio"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/provider/stt/mock"
	"github.com/MrWong99/pendant/pkg/types"
)

type fakeBuilder struct {
	mu        sync.Mutex
	providers map[Slot]*mock.Provider
	builds    map[Slot]int
	delay     time.Duration
}

func newBuilder(slots ...Slot) *fakeBuilder {
	b := &fakeBuilder{providers: map[Slot]*mock.Provider{}, builds: map[Slot]int{}}
	for _, s := range slots {
		b.providers[s] = &mock.Provider{ProviderName: "mock-" + string(s)}
	}
	return b
}

func (b *fakeBuilder) Configured(slot Slot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.providers[slot]
	return ok
}

func (b *fakeBuilder) Build(slot Slot, _ string) (stt.Provider, error) {
	time.Sleep(b.delay)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds[slot]++
	return b.providers[slot], nil
}

func (b *fakeBuilder) buildCount(slot Slot) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[slot]
}

var streamCfg = stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"}

func TestSelect(t *testing.T) {
	tests := []struct {
		name  string
		p     Params
		haveC bool
		want  Slot
	}{
		{"english opus 16k", Params{Language: "en", Codec: audio.CodecOpus, SampleRate: 16000}, false, SlotA},
		{"english region tag", Params{Language: "en-US", Codec: audio.CodecOpus, SampleRate: 16000}, false, SlotA},
		{"english pcm16", Params{Language: "en", Codec: audio.CodecPCM16, SampleRate: 16000}, false, SlotB},
		{"french opus", Params{Language: "fr", Codec: audio.CodecOpus, SampleRate: 16000}, false, SlotB},
		{"french pcm8", Params{Language: "fr", Codec: audio.CodecPCM8, SampleRate: 8000}, false, SlotB},
		{"granular with C", Params{Language: "en", Codec: audio.CodecOpus, SampleRate: 16000, GranularTimings: true}, true, SlotC},
		{"granular without C", Params{Language: "en", Codec: audio.CodecOpus, SampleRate: 16000, GranularTimings: true}, false, SlotA},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Select(tc.p, tc.haveC); got != tc.want {
				t.Errorf("Select = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPool_BuildsOncePerKey(t *testing.T) {
	b := newBuilder(SlotB)
	b.delay = 20 * time.Millisecond
	pool := NewPool(b)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, _, err := pool.StartStream(context.Background(), SlotB, "eu", streamCfg)
			if err != nil {
				t.Errorf("StartStream: %v", err)
				return
			}
			_ = h.Close()
		}()
	}
	wg.Wait()
	if n := b.buildCount(SlotB); n != 1 {
		t.Errorf("builds = %d, want 1", n)
	}

	_, _, _ = pool.StartStream(context.Background(), SlotB, "us", streamCfg)
	if n := b.buildCount(SlotB); n != 2 {
		t.Errorf("builds after new region = %d, want 2", n)
	}

	pool.Invalidate(SlotB)
	_, _, _ = pool.StartStream(context.Background(), SlotB, "eu", streamCfg)
	if n := b.buildCount(SlotB); n != 3 {
		t.Errorf("builds after invalidate = %d, want 3", n)
	}
}

func TestPool_UnconfiguredSlot(t *testing.T) {
	pool := NewPool(newBuilder(SlotB))
	if pool.Configured(SlotC) {
		t.Error("slot C reported configured")
	}
	if _, _, err := pool.StartStream(context.Background(), SlotC, "", streamCfg); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestPool_BreakerFailsFast(t *testing.T) {
	b := newBuilder(SlotA)
	b.providers[SlotA].StartStreamErr = stt.ErrUnreachable
	pool := NewPool(b, WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))

	for i := 0; i < 2; i++ {
		_, _, err := pool.StartStream(context.Background(), SlotA, "", streamCfg)
		if !errors.Is(err, stt.ErrUnreachable) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	_, _, err := pool.StartStream(context.Background(), SlotA, "", streamCfg)
	if !errors.Is(err, resilience.ErrCircuitOpen) || !stt.IsTerminal(err) {
		t.Errorf("err = %v, want terminal ErrCircuitOpen", err)
	}
	if n := len(b.providers[SlotA].Calls()); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
}

func recv(t *testing.T, r *Router) Event {
	t.Helper()
	select {
	case ev, ok := <-r.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestRouter_SingleSocket(t *testing.T) {
	b := newBuilder(SlotB)
	live := mock.NewSession()
	b.providers[SlotB].Sessions = []*mock.Session{live}
	r, err := Open(context.Background(), NewPool(b), Options{Slot: SlotB, Stream: streamCfg})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if r.Primed() || r.Authoritative() != SocketLive {
		t.Errorf("primed=%v authoritative=%d", r.Primed(), r.Authoritative())
	}
	if err := r.SendAudio(make([]byte, 960)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	live.Emit(types.Transcript{ID: "1", Text: "bonjour", IsFinal: true, Start: time.Second, End: 2 * time.Second})

	ev := recv(t, r)
	if ev.Socket != SocketLive || !ev.Authoritative || ev.Profile {
		t.Errorf("event tags = %+v", ev)
	}
	if ev.Transcript.Start != time.Second {
		t.Errorf("Start = %v, want unshifted 1s", ev.Transcript.Start)
	}
	if live.SentBytes() != 960 || live.Finalizes() != 1 {
		t.Errorf("live sent=%d finalizes=%d", live.SentBytes(), live.Finalizes())
	}

	_ = r.Close()
	if _, ok := <-r.Events(); ok {
		t.Error("events still open after Close")
	}
	if r.Err() != nil {
		t.Errorf("Err() = %v", r.Err())
	}
}

func profile(d time.Duration) *types.SpeechProfile {
	return &types.SpeechProfile{
		UID:        "u1",
		Audio:      make([]byte, int(d.Seconds()*16000)*2),
		SampleRate: 16000,
		Duration:   d,
	}
}

func TestRouter_PrimingAndHandover(t *testing.T) {
	b := newBuilder(SlotA)
	primed, live := mock.NewSession(), mock.NewSession()
	b.providers[SlotA].Sessions = []*mock.Session{primed, live}

	r, err := Open(context.Background(), NewPool(b), Options{
		Slot:          SlotA,
		Stream:        streamCfg,
		Profile:       profile(time.Second),
		ProfileMargin: 500 * time.Millisecond,
		CloseGrace:    20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if !r.Primed() || r.Authoritative() != SocketPrimed {
		t.Fatalf("primed=%v authoritative=%d", r.Primed(), r.Authoritative())
	}
	if r.ProfileDuration() != time.Second {
		t.Errorf("ProfileDuration = %v", r.ProfileDuration())
	}
	if got := primed.SentBytes(); got != 32000 {
		t.Fatalf("primed socket got %d profile bytes, want 32000", got)
	}
	if primed.SendAudioCallCount() != 10 {
		t.Errorf("profile sent in %d chunks, want 10", primed.SendAudioCallCount())
	}

	_ = r.SendAudio(make([]byte, 960))
	if primed.SentBytes() != 32960 || live.SentBytes() != 960 {
		t.Errorf("sent primed=%d live=%d", primed.SentBytes(), live.SentBytes())
	}

	primed.Emit(types.Transcript{ID: "p", Text: "my name is ada", IsFinal: true, Start: 100 * time.Millisecond, End: 900 * time.Millisecond})
	ev := recv(t, r)
	if !ev.Profile || ev.Socket != SocketPrimed {
		t.Errorf("preamble event = %+v, want Profile from primed socket", ev)
	}

	primed.Emit(types.Transcript{ID: "q", Text: "hello", IsFinal: true, Start: 1200 * time.Millisecond, End: 1600 * time.Millisecond,
		Words: []types.WordDetail{{Word: "hello", Start: 1200 * time.Millisecond, End: 1600 * time.Millisecond, Speaker: "0"}}})
	ev = recv(t, r)
	if ev.Profile || !ev.Authoritative {
		t.Errorf("live-speech event = %+v", ev)
	}
	if ev.Transcript.Start != 200*time.Millisecond || ev.Transcript.Words[0].End != 600*time.Millisecond {
		t.Errorf("shifted times = %v / %v, want 200ms / 600ms", ev.Transcript.Start, ev.Transcript.Words[0].End)
	}

	r.Observe(1400 * time.Millisecond)
	if r.Authoritative() != SocketPrimed {
		t.Fatal("handed over before profile+margin")
	}
	r.Observe(1500 * time.Millisecond)
	if r.Authoritative() != SocketLive {
		t.Fatal("no handover at profile+margin")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !primed.Closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !primed.Closed() || primed.Finalizes() != 1 {
		t.Fatalf("primed closed=%v finalizes=%d, want finalized then closed", primed.Closed(), primed.Finalizes())
	}

	before := primed.SendAudioCallCount()
	_ = r.SendAudio(make([]byte, 960))
	if primed.SendAudioCallCount() != before {
		t.Error("audio still sent to retired primed socket")
	}
	if live.Closed() {
		t.Error("live socket closed by handover")
	}
}

func TestRouter_PrimedFailureDegrades(t *testing.T) {
	b := newBuilder(SlotB)
	primed, live := mock.NewSession(), mock.NewSession()
	primed.SendAudioErr = stt.ErrTransport
	b.providers[SlotB].Sessions = []*mock.Session{primed, live}

	r, err := Open(context.Background(), NewPool(b), Options{Slot: SlotB, Stream: streamCfg, Profile: profile(time.Second)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Primed() || r.Authoritative() != SocketLive {
		t.Errorf("primed=%v authoritative=%d, want live only", r.Primed(), r.Authoritative())
	}
	if !primed.Closed() {
		t.Error("failed primed socket not closed")
	}
	if err := r.SendAudio(make([]byte, 960)); err != nil {
		t.Errorf("SendAudio: %v", err)
	}
}

func TestRouter_PrimedDialFailureDegrades(t *testing.T) {
	b := newBuilder(SlotB)
	b.providers[SlotB].StartStreamFunc = func(call int, _ stt.StreamConfig) error {
		if call == 0 {
			return stt.ErrAuth
		}
		return nil
	}
	r, err := Open(context.Background(), NewPool(b), Options{Slot: SlotB, Stream: streamCfg, Profile: profile(time.Second)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if r.Primed() {
		t.Error("priming enabled after dial failure")
	}
}

func TestRouter_NoPrimingForBatchSlot(t *testing.T) {
	b := newBuilder(SlotC)
	r, err := Open(context.Background(), NewPool(b), Options{Slot: SlotC, Stream: streamCfg, Profile: profile(time.Second)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if r.Primed() || len(b.providers[SlotC].Calls()) != 1 {
		t.Error("batch slot was primed")
	}
}

func TestRouter_LiveFailureIsTerminal(t *testing.T) {
	b := newBuilder(SlotA)
	primed, live := mock.NewSession(), mock.NewSession()
	b.providers[SlotA].Sessions = []*mock.Session{primed, live}
	r, err := Open(context.Background(), NewPool(b), Options{Slot: SlotA, Stream: streamCfg, Profile: profile(time.Second)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	live.Fail(stt.ErrAuth)
	for range r.Events() {
	}
	if !errors.Is(r.Err(), stt.ErrAuth) {
		t.Errorf("Err() = %v, want ErrAuth", r.Err())
	}
	if !primed.Closed() {
		t.Error("primed socket left open after live failure")
	}
}

func TestRouter_OpenFailure(t *testing.T) {
	b := newBuilder(SlotA)
	b.providers[SlotA].StartStreamErr = stt.ErrAuth
	_, err := Open(context.Background(), NewPool(b), Options{Slot: SlotA, Stream: streamCfg})
	if !errors.Is(err, stt.ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
}
