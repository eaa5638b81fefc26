package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pendant/internal/conversation"
	"github.com/MrWong99/pendant/pkg/types"
)

// Close codes.
const (
	CloseNormal    = websocket.StatusNormalClosure
	CloseGoingAway = websocket.StatusGoingAway
	CloseInternal  = websocket.StatusInternalError
)

// Conn is the client side of a session. *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var errDownlinkClosed = errors.New("session: downlink closed")

// EventSessionClosed is the last lifecycle event of every session. Its reason
// is the close cause.
const EventSessionClosed = "session_closed"

type wireEvent struct {
	Type           string          `json:"event_type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Segments       []types.Segment `json:"segments,omitempty"`
	SegmentIDs     []string        `json:"segment_ids,omitempty"`
}

// downlink serializes every server-to-client message. Writes after close
// fail fast. It implements conversation.Sink.
type downlink struct {
	conn    Conn
	timeout time.Duration
	watch   bool

	mu     sync.Mutex
	closed bool
}

var _ conversation.Sink = (*downlink)(nil)

func (d *downlink) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode downlink: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDownlinkClosed
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	return d.conn.Write(wctx, websocket.MessageText, b)
}

// Segments sends live segments as a top-level JSON array.
func (d *downlink) Segments(ctx context.Context, segs []types.Segment) error {
	if len(segs) == 0 {
		return nil
	}
	return d.write(ctx, segs)
}

// Deleted tells the client that segments it saw no longer exist.
func (d *downlink) Deleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return d.write(ctx, wireEvent{Type: "segments_deleted", SegmentIDs: ids})
}

// Event sends a lifecycle event. Conversation lifecycle events are dropped
// unless the client asked to watch them.
func (d *downlink) Event(ctx context.Context, ev conversation.Event) error {
	if ev.Type != conversation.EventSegmentsFlushed && !d.watch {
		return nil
	}
	return d.write(ctx, wireEvent{
		Type:           ev.Type,
		ConversationID: ev.ConversationID,
		Reason:         ev.Reason,
		Segments:       ev.Segments,
	})
}

func (d *downlink) ping(ctx context.Context) error {
	return d.write(ctx, map[string]string{"type": "ping"})
}

// sessionClosed announces the end of the session. It is sent regardless of watch
// mode, which only filters conversation events.
func (d *downlink) sessionClosed(ctx context.Context, cause string) error {
	return d.write(ctx, wireEvent{Type: EventSessionClosed, Reason: cause})
}

func (d *downlink) fail(ctx context.Context, reason string) error {
	return d.write(ctx, wireEvent{Type: "error", Reason: reason})
}

// close sends the close frame. Nothing is written afterwards.
func (d *downlink) close(code websocket.StatusCode, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.conn.Close(code, reason)
}

// Reject reports err to a client whose session never opened and closes the
// socket with an internal-error code.
func Reject(ctx context.Context, conn Conn, err error, timeout time.Duration) error {
	d := &downlink{conn: conn, timeout: timeout}
	if r := Reason(err); r != "" {
		if werr := d.fail(ctx, r); werr != nil {
			return werr
		}
	}
	return d.close(CloseInternal, "")
}
