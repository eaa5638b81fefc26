package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/types"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeRaw(conn *websocket.Conn, s string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, []byte(s))
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestDecoder_FoldsTokensIntoUtterances(t *testing.T) {
	d := &decoder{}

	out, err := d.Decode([]byte(`{"tokens":[
		{"text":"Hel","start_ms":100,"end_ms":200,"confidence":0.9,"is_final":true,"speaker":"1"},
		{"text":"lo","start_ms":200,"end_ms":300,"confidence":0.9,"is_final":true,"speaker":"1"},
		{"text":" wor","start_ms":400,"end_ms":500,"confidence":0.5,"is_final":false,"speaker":"1"}]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != 1 || out[0].IsFinal || out[0].Text != "Hello wor" {
		t.Fatalf("partial = %+v", out)
	}
	if out[0].ID != "0" {
		t.Errorf("partial ID = %q, want 0", out[0].ID)
	}
	if len(out[0].Words) != 2 || out[0].Words[0].Word != "Hello" {
		t.Errorf("words = %+v", out[0].Words)
	}

	out, _ = d.Decode([]byte(`{"tokens":[
		{"text":" world","start_ms":400,"end_ms":600,"confidence":0.95,"is_final":true,"speaker":"1"},
		{"text":"<end>","is_final":true}]}`))
	if len(out) != 1 {
		t.Fatalf("got %d transcripts, want 1: %+v", len(out), out)
	}
	final := out[0]
	if !final.IsFinal || final.Text != "Hello world" || final.ID != "0" {
		t.Errorf("final = %+v", final)
	}
	if final.Start != 100*time.Millisecond || final.End != 600*time.Millisecond {
		t.Errorf("bounds = %v..%v, want 100ms..600ms", final.Start, final.End)
	}
	if final.SpeakerID != "1" {
		t.Errorf("SpeakerID = %q, want 1", final.SpeakerID)
	}

	out, _ = d.Decode([]byte(`{"tokens":[{"text":"Next","start_ms":900,"end_ms":1000,"is_final":false}]}`))
	if len(out) != 1 || out[0].ID != "1" {
		t.Errorf("next utterance = %+v, want ID 1", out)
	}
}

func TestDecoder_EndpointRetractsTailOnlyPartial(t *testing.T) {
	d := &decoder{}
	out, _ := d.Decode([]byte(`{"tokens":[{"text":"uh","start_ms":100,"end_ms":200,"is_final":false}]}`))
	if len(out) != 1 || out[0].IsFinal {
		t.Fatalf("partial = %+v", out)
	}

	out, _ = d.Decode([]byte(`{"tokens":[{"text":"<end>","is_final":true}]}`))
	if len(out) != 1 {
		t.Fatalf("got %d transcripts, want an empty final", len(out))
	}
	if !out[0].IsFinal || out[0].Text != "" || out[0].ID != "0" {
		t.Errorf("final = %+v, want empty final for utterance 0", out[0])
	}

	// Nothing was shown for utterance 1, so a bare endpoint emits nothing.
	if out, _ = d.Decode([]byte(`{"tokens":[{"text":"<end>","is_final":true}]}`)); len(out) != 0 {
		t.Errorf("bare endpoint produced %+v", out)
	}
}

func TestDecoder_ErrorCodes(t *testing.T) {
	tests := []struct {
		body string
		want error
	}{
		{`{"error_code":401,"error_message":"Invalid API key"}`, stt.ErrAuth},
		{`{"error_code":400,"error_message":"bad language"}`, stt.ErrRejected},
		{`{"error_code":503,"error_message":"overloaded"}`, stt.ErrTransport},
	}
	for _, tc := range tests {
		_, err := (&decoder{}).Decode([]byte(tc.body))
		if !errors.Is(err, tc.want) {
			t.Errorf("Decode(%s) err = %v, want %v", tc.body, err, tc.want)
		}
	}
}

func TestStartStream_SendsConfigAndProfileHint(t *testing.T) {
	cfgCh := make(chan startRequest, 1)
	srv := startServer(t, func(conn *websocket.Conn) {
		var req startRequest
		readJSON(t, conn, &req)
		cfgCh <- req
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	p, _ := New("secret", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{
		SampleRate: 16000, Language: "en-US", Diarize: true, ProfileUserHint: "Ada",
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	req := <-cfgCh
	if req.APIKey != "secret" || req.SampleRate != 16000 || req.AudioFormat != "pcm_s16le" {
		t.Errorf("config = %+v", req)
	}
	if len(req.LanguageHints) != 1 || req.LanguageHints[0] != "en" {
		t.Errorf("language hints = %v, want [en]", req.LanguageHints)
	}
	if !req.EnableSpeakerDiarization || !strings.Contains(req.Context, "Ada") {
		t.Errorf("diarization/context = %v / %q", req.EnableSpeakerDiarization, req.Context)
	}
}

func TestStartStream_AuthErrorClosesEvents(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn) {
		var req startRequest
		readJSON(t, conn, &req)
		writeRaw(conn, `{"error_code":401,"error_message":"Invalid API key"}`)
		time.Sleep(100 * time.Millisecond)
	})
	p, _ := New("bad", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	start := time.Now()
	for range h.Events() {
	}
	if !errors.Is(h.Err(), stt.ErrAuth) {
		t.Errorf("Err() = %v, want ErrAuth", h.Err())
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("auth failure took %v to surface", time.Since(start))
	}
}

func TestStream_FinalizeFlushesUtterance(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn) {
		var req startRequest
		readJSON(t, conn, &req)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				writeRaw(conn, `{"tokens":[{"text":"Hi","start_ms":0,"end_ms":200,"is_final":false}]}`)
				continue
			}
			if strings.Contains(string(data), "finalize") {
				writeRaw(conn, `{"tokens":[{"text":"Hi","start_ms":0,"end_ms":200,"is_final":true},{"text":"<fin>","is_final":true}]}`)
			}
		}
	})
	p, _ := New("k", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	if err := h.SendAudio(make([]byte, 960)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	partial := next(t, h.Events())
	if partial.IsFinal || partial.Text != "Hi" {
		t.Errorf("partial = %+v", partial)
	}
	if err := h.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	final := next(t, h.Events())
	if !final.IsFinal || final.ID != partial.ID {
		t.Errorf("final = %+v, want final with partial's ID %q", final, partial.ID)
	}
}

func next(t *testing.T, ch <-chan types.Transcript) types.Transcript {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
	return types.Transcript{}
}
