package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pendant/internal/conversation"
	"github.com/MrWong99/pendant/pkg/types"
)

type recordConn struct {
	mu       sync.Mutex
	writes   []string
	closes   int
	writeErr error
}

func (c *recordConn) Read(context.Context) (websocket.MessageType, []byte, error) {
	return 0, nil, errors.New("not readable")
}

func (c *recordConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, string(p))
	return nil
}

func (c *recordConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func TestDownlink_Messages(t *testing.T) {
	ctx := context.Background()
	conn := &recordConn{}
	d := &downlink{conn: conn, timeout: time.Second, watch: true}

	if err := d.Segments(ctx, []types.Segment{{ID: "s1", Text: "hi", Speaker: "SPEAKER_00", Start: 0, End: 0.5}}); err != nil {
		t.Fatal(err)
	}
	if err := d.Segments(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.Deleted(ctx, []string{"s0"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Event(ctx, conversation.Event{Type: conversation.EventCreating, ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := d.ping(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.fail(ctx, ReasonOverload); err != nil {
		t.Fatal(err)
	}

	want := []string{
		`[{"id":"s1","text":"hi","speaker":"SPEAKER_00","speaker_id":0,"is_user":false,"person_id":null,"start":0,"end":0.5}]`,
		`{"event_type":"segments_deleted","segment_ids":["s0"]}`,
		`{"event_type":"new_conversation_creating","conversation_id":"c1"}`,
		`{"type":"ping"}`,
		`{"event_type":"error","reason":"overload"}`,
	}
	if len(conn.writes) != len(want) {
		t.Fatalf("got %d writes %q, want %d", len(conn.writes), conn.writes, len(want))
	}
	for i := range want {
		if conn.writes[i] != want[i] {
			t.Errorf("write %d = %s\nwant      %s", i, conn.writes[i], want[i])
		}
	}
}

func TestDownlink_LifecycleEventsNeedWatch(t *testing.T) {
	ctx := context.Background()
	conn := &recordConn{}
	d := &downlink{conn: conn, timeout: time.Second}

	_ = d.Event(ctx, conversation.Event{Type: conversation.EventProcessingStarted, ConversationID: "c1"})
	_ = d.Event(ctx, conversation.Event{Type: conversation.EventSegmentsFlushed, ConversationID: "c1"})

	if len(conn.writes) != 1 {
		t.Fatalf("writes = %q, want only segments_flushed", conn.writes)
	}
	if conn.writes[0] != `{"event_type":"segments_flushed","conversation_id":"c1"}` {
		t.Errorf("write = %s", conn.writes[0])
	}
}

func TestDownlink_WritesFailAfterClose(t *testing.T) {
	ctx := context.Background()
	conn := &recordConn{}
	d := &downlink{conn: conn, timeout: time.Second}

	if err := d.close(CloseNormal, ""); err != nil {
		t.Fatal(err)
	}
	if err := d.close(CloseInternal, ""); err != nil {
		t.Fatal(err)
	}
	if conn.closes != 1 {
		t.Errorf("close frames = %d, want 1", conn.closes)
	}
	if err := d.ping(ctx); !errors.Is(err, errDownlinkClosed) {
		t.Errorf("ping after close: err = %v, want errDownlinkClosed", err)
	}
}

func TestReject(t *testing.T) {
	conn := &recordConn{}
	if err := Reject(context.Background(), conn, ErrOverload, time.Second); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if len(conn.writes) != 1 || conn.writes[0] != `{"event_type":"error","reason":"overload"}` {
		t.Errorf("writes = %q", conn.writes)
	}
	if conn.closes != 1 {
		t.Errorf("closes = %d, want 1", conn.closes)
	}

	// Errors without a client-facing reason only close the socket.
	conn = &recordConn{}
	_ = Reject(context.Background(), conn, errors.New("disk full"), time.Second)
	if len(conn.writes) != 0 || conn.closes != 1 {
		t.Errorf("writes = %q closes = %d, want none and 1", conn.writes, conn.closes)
	}
}

func TestDownlink_SessionClosedIgnoresWatch(t *testing.T) {
	conn := &recordConn{}
	d := &downlink{conn: conn, timeout: time.Second}
	if err := d.sessionClosed(context.Background(), "deadline"); err != nil {
		t.Fatal(err)
	}
	if len(conn.writes) != 1 || conn.writes[0] != `{"event_type":"session_closed","reason":"deadline"}` {
		t.Errorf("writes = %q", conn.writes)
	}
}
