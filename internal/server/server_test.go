package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pendant/internal/health"
	"github.com/MrWong99/pendant/internal/server"
	"github.com/MrWong99/pendant/internal/session"
)

type fakeLauncher struct {
	mu     sync.Mutex
	params []session.Params
	err    error
}

func (l *fakeLauncher) Launch(ctx context.Context, conn session.Conn, p session.Params) error {
	l.mu.Lock()
	l.params = append(l.params, p)
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return session.Reject(ctx, conn, err, time.Second)
	}
	_, msg, rerr := conn.Read(ctx)
	if rerr != nil {
		return rerr
	}
	if werr := conn.Write(ctx, websocket.MessageText, msg); werr != nil {
		return werr
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (l *fakeLauncher) calls() []session.Params {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Params(nil), l.params...)
}

func startServer(t *testing.T, l server.Launcher) *httptest.Server {
	t.Helper()
	srv := server.New(server.Config{
		Sessions: l,
		Health:   health.New(health.Checker{Name: "storage", Check: func(context.Context) error { return nil }}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + server.ListenPath + "?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func TestListen_LaunchesSession(t *testing.T) {
	l := &fakeLauncher{}
	ts := startServer(t, l)
	conn := dial(t, ts, "uid=u1&language=de&sample_rate=8000")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, msg, err := conn.Read(ctx)
	if err != nil || string(msg) != "\x01\x02" {
		t.Fatalf("Read = %q, %v", msg, err)
	}
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", got)
	}

	calls := l.calls()
	if len(calls) != 1 {
		t.Fatalf("Launch calls = %d, want 1", len(calls))
	}
	if p := calls[0]; p.UID != "u1" || p.Language != "de" || p.SampleRate != 8000 {
		t.Errorf("params = %+v", p)
	}
}

func TestListen_RejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		reason string
	}{
		{"unsupported codec", "uid=u1&codec=opus&sample_rate=8000", session.ReasonCodec},
		{"missing uid", "language=en", session.ReasonAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeLauncher{}
			ts := startServer(t, l)
			conn := dial(t, ts, tt.query)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, msg, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			var ev struct {
				Type   string `json:"event_type"`
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("decode %s: %v", msg, err)
			}
			if ev.Type != "error" || ev.Reason != tt.reason {
				t.Errorf("event = %+v, want error/%s", ev, tt.reason)
			}
			_, _, err = conn.Read(ctx)
			if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
				t.Errorf("close status = %v, want internal error", got)
			}
			if len(l.calls()) != 0 {
				t.Error("rejected request reached the launcher")
			}
		})
	}
}

func TestListen_LauncherOverload(t *testing.T) {
	ts := startServer(t, &fakeLauncher{err: session.ErrOverload})
	conn := dial(t, ts, "uid=u1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(string(msg), `"reason":"overload"`) {
		t.Errorf("message = %s, want overload reason", msg)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	ts := startServer(t, &fakeLauncher{})
	tests := []struct {
		path string
		want int
		body string
	}{
		{"/healthz", http.StatusOK, `"ok"`},
		{"/readyz", http.StatusOK, `"storage"`},
		{"/metrics", http.StatusOK, "# metrics"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.body != "" && !strings.Contains(string(body), tt.body) {
				t.Errorf("body = %s, want it to contain %s", body, tt.body)
			}
		})
	}
}

func TestListen_PlainHTTPIsRefused(t *testing.T) {
	ts := startServer(t, &fakeLauncher{})
	resp, err := http.Get(ts.URL + server.ListenPath + "?uid=u1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusSwitchingProtocols || resp.StatusCode < 400 {
		t.Errorf("status = %d, want a client error", resp.StatusCode)
	}
}
