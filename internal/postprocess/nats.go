package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/pendant/pkg/types"
)

const defaultSubject = "pendant.conversation.finalize"

// NATSConfig configures [NATSClient].
type NATSConfig struct {
	URL string

	// Subject receives finalize requests.
	Subject string

	// EventsSubject prefixes lifecycle events; each event is published on
	// <EventsSubject>.<event_type>. Empty disables publishing.
	EventsSubject string
}

// NATSClient sends finalize requests over NATS request/reply and publishes
// lifecycle events. It implements [Processor] and [Publisher].
type NATSClient struct {
	nc   *nats.Conn
	cfg  NATSConfig
	once sync.Once
}

var (
	_ Processor = (*NATSClient)(nil)
	_ Publisher = (*NATSClient)(nil)
)

// Connect dials the NATS server. The connection retries in the background
// when the server is briefly unavailable.
func Connect(cfg NATSConfig) (*NATSClient, error) {
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("pendant"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("postprocess: NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("postprocess: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("postprocess: nats connect: %w", err)
	}
	return NewNATSClient(nc, cfg), nil
}

// NewNATSClient wraps an existing connection.
func NewNATSClient(nc *nats.Conn, cfg NATSConfig) *NATSClient {
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	return &NATSClient{nc: nc, cfg: cfg}
}

// Finalize implements [Processor]. The reply must be a JSON [Processed];
// a reply with status "failed" is returned as [ErrFailed].
func (c *NATSClient) Finalize(ctx context.Context, snap *types.Conversation) (Processed, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return Processed{}, fmt.Errorf("postprocess: marshal snapshot: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, c.cfg.Subject, data)
	if err != nil {
		return Processed{}, fmt.Errorf("postprocess: request %s: %w", c.cfg.Subject, err)
	}
	var p Processed
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return Processed{}, fmt.Errorf("postprocess: decode reply: %w", err)
	}
	if p.ConversationID == "" {
		p.ConversationID = snap.ID
	}
	switch p.Status {
	case types.StatusCompleted:
		return p, nil
	case types.StatusFailed:
		return p, fmt.Errorf("%w: %s", ErrFailed, p.Error)
	default:
		return p, fmt.Errorf("postprocess: unexpected reply status %q", p.Status)
	}
}

// Publish implements [Publisher].
func (c *NATSClient) Publish(_ context.Context, ev Event) error {
	if c.cfg.EventsSubject == "" {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("postprocess: marshal event: %w", err)
	}
	if err := c.nc.Publish(c.cfg.EventsSubject+"."+ev.Type, data); err != nil {
		return fmt.Errorf("postprocess: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Connected reports whether the connection is currently up.
func (c *NATSClient) Connected() bool { return c.nc.IsConnected() }

// Conn returns the underlying connection.
func (c *NATSClient) Conn() *nats.Conn { return c.nc }

// Close drains pending publishes and closes the connection.
func (c *NATSClient) Close() error {
	var err error
	c.once.Do(func() { err = c.nc.Drain() })
	return err
}
