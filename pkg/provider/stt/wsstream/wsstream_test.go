package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/types"
)

// ---- fake protocol ----

type fakeMsg struct {
	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	StartMs int    `json:"start_ms,omitempty"`
	EndMs   int    `json:"end_ms,omitempty"`
	Error   string `json:"error,omitempty"`
}

type fakeProto struct{ url string }

func (p fakeProto) Name() string { return "fake" }

func (p fakeProto) Endpoint(stt.StreamConfig) (string, http.Header, error) {
	return p.url, http.Header{"Authorization": {"Token test"}}, nil
}

func (p fakeProto) Handshake(context.Context, *websocket.Conn, stt.StreamConfig) error { return nil }

func (p fakeProto) FinalizeMessage() []byte { return []byte(`{"type":"finalize"}`) }

func (p fakeProto) CloseMessage() (websocket.MessageType, []byte) {
	return websocket.MessageText, []byte(`{"type":"close"}`)
}

func (p fakeProto) NewDecoder() Decoder { return fakeDecoder{} }

type fakeDecoder struct{}

func (fakeDecoder) Decode(data []byte) ([]types.Transcript, error) {
	var m fakeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil
	}
	if m.Error != "" {
		return nil, errors.New(m.Error)
	}
	return []types.Transcript{{
		ID:      m.ID,
		Text:    m.Text,
		IsFinal: m.Final,
		Start:   time.Duration(m.StartMs) * time.Millisecond,
		End:     time.Duration(m.EndMs) * time.Millisecond,
	}}, nil
}

// ---- helpers ----

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a websocket server; handler gets the accepted conn and
// the 1-based connection number.
func startServer(t *testing.T, handler func(conn *websocket.Conn, n int)) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, int(conns.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func readMsg(conn *websocket.Conn) (websocket.MessageType, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return conn.Read(ctx)
}

func nextEvent(t *testing.T, s *Stream) (types.Transcript, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return types.Transcript{}, false
	}
}

var testCfg = stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"}

func open(t *testing.T, srv *httptest.Server, opts Options) *Stream {
	t.Helper()
	s, err := Open(context.Background(), "test", fakeProto{url: wsURL(srv)}, testCfg, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ---- tests ----

func TestStream_DeliversEventsInOrder(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ int) {
		if _, _, err := readMsg(conn); err != nil {
			return
		}
		writeJSON(t, conn, fakeMsg{ID: "1", Text: "hel", StartMs: 0, EndMs: 200})
		writeJSON(t, conn, fakeMsg{ID: "1", Text: "hello", Final: true, StartMs: 0, EndMs: 400})
		_, _, _ = readMsg(conn)
	})
	s := open(t, srv, Options{})

	if err := s.SendAudio(make([]byte, 960)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	first, _ := nextEvent(t, s)
	second, _ := nextEvent(t, s)
	if first.Text != "hel" || first.IsFinal {
		t.Errorf("first = %+v", first)
	}
	if second.Text != "hello" || !second.IsFinal {
		t.Errorf("second = %+v", second)
	}
	if first.ID != "test-1-1" || second.ID != first.ID {
		t.Errorf("IDs = %q, %q; want test-1-1 for both", first.ID, second.ID)
	}
	if got := s.ClockOffset(); got != 30*time.Millisecond {
		t.Errorf("ClockOffset = %v, want 30ms", got)
	}
}

func TestOpen_AuthFailureIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := Open(context.Background(), "test", fakeProto{url: wsURL(srv)}, testCfg, Options{})
	if !errors.Is(err, stt.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if !stt.IsTerminal(err) {
		t.Error("auth failure not terminal")
	}
	if hits.Load() != 1 {
		t.Errorf("dial attempts = %d, want 1", hits.Load())
	}
}

func TestOpen_RetriesUnreachableOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := Open(context.Background(), "test", fakeProto{url: wsURL(srv)}, testCfg, Options{})
	if !errors.Is(err, stt.ErrTransport) || !errors.Is(err, stt.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrTransport wrapping ErrUnreachable", err)
	}
	if hits.Load() != 2 {
		t.Errorf("dial attempts = %d, want 2", hits.Load())
	}
}

func TestStream_RedialOffsetsClock(t *testing.T) {
	dropped := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			_, _, _ = readMsg(conn)
			conn.CloseNow()
			close(dropped)
			return
		}
		if _, _, err := readMsg(conn); err != nil {
			return
		}
		writeJSON(t, conn, fakeMsg{ID: "a", Text: "after", Final: true, StartMs: 0, EndMs: 10})
		_, _, _ = readMsg(conn)
	})
	s := open(t, srv, Options{})

	if err := s.SendAudio(make([]byte, 960)); err != nil {
		t.Fatalf("first SendAudio: %v", err)
	}
	<-dropped
	deadline := time.Now().Add(3 * time.Second)
	for !s.link.broken.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.SendAudio(make([]byte, 960)); err != nil {
		t.Fatalf("SendAudio after drop: %v", err)
	}
	ev, ok := nextEvent(t, s)
	if !ok {
		t.Fatalf("events closed, err = %v", s.Err())
	}
	if ev.Start != 30*time.Millisecond {
		t.Errorf("Start = %v, want 30ms (offset by audio sent before the drop)", ev.Start)
	}
	if ev.ID != "test-2-a" {
		t.Errorf("ID = %q, want test-2-a", ev.ID)
	}
}

func TestStream_SecondConsecutiveFailureIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) > 1 {
			http.Error(w, "gone", http.StatusBadGateway)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.CloseNow()
	}))
	t.Cleanup(srv.Close)

	s, err := Open(context.Background(), "test", fakeProto{url: wsURL(srv)}, testCfg, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	deadline := time.Now().Add(3 * time.Second)
	for !s.link.broken.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	err = s.SendAudio(make([]byte, 960))
	if !stt.IsTerminal(err) {
		t.Fatalf("err = %v, want terminal", err)
	}
	if _, ok := nextEvent(t, s); ok {
		t.Error("events still open after terminal failure")
	}
	if !stt.IsTerminal(s.Err()) {
		t.Errorf("Err() = %v, want terminal", s.Err())
	}
}

func TestStream_ProviderErrorEndsStream(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, _ int) {
		writeJSON(t, conn, fakeMsg{Error: "unsupported language"})
		_, _, _ = readMsg(conn)
	})
	s := open(t, srv, Options{})

	if _, ok := nextEvent(t, s); ok {
		t.Fatal("expected closed events channel")
	}
	if s.Err() == nil || !strings.Contains(s.Err().Error(), "unsupported language") {
		t.Errorf("Err() = %v", s.Err())
	}
	if err := s.SendAudio([]byte{0, 0}); err == nil {
		t.Error("SendAudio after failure succeeded")
	}
}

func TestStream_FinalizeAndCloseFlush(t *testing.T) {
	got := make(chan string, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ int) {
		for {
			typ, data, err := readMsg(conn)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			got <- string(data)
			if strings.Contains(string(data), "close") {
				writeJSON(t, conn, fakeMsg{ID: "z", Text: "flushed", Final: true})
				conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
		}
	})
	s := open(t, srv, Options{CloseGrace: 2 * time.Second})

	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if msg := <-got; msg != `{"type":"finalize"}` {
		t.Errorf("finalize message = %s", msg)
	}

	done := make(chan struct{})
	var events []types.Transcript
	go func() {
		defer close(done)
		for ev := range s.Events() {
			events = append(events, ev)
		}
	}()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-done
	if len(events) != 1 || events[0].Text != "flushed" {
		t.Errorf("events after close = %+v, want the flushed final", events)
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v after clean close", s.Err())
	}
	if err := s.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close: %v, want ErrSessionClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
