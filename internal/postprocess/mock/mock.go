// Package mock provides hand-written mocks of [postprocess.Processor] and
// [postprocess.Publisher] for unit tests. Both are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pendant/internal/postprocess"
	"github.com/MrWong99/pendant/pkg/types"
)

// Processor records snapshots and answers with FinalizeFunc or FinalizeErr.
type Processor struct {
	mu sync.Mutex

	// FinalizeFunc, when set, computes the answer.
	FinalizeFunc func(ctx context.Context, snap *types.Conversation) (postprocess.Processed, error)

	// FinalizeErr is returned when FinalizeFunc is nil.
	FinalizeErr error

	// Snapshots records a copy of every snapshot passed to Finalize.
	Snapshots []*types.Conversation
}

var _ postprocess.Processor = (*Processor)(nil)

// Finalize implements [postprocess.Processor].
func (p *Processor) Finalize(ctx context.Context, snap *types.Conversation) (postprocess.Processed, error) {
	p.mu.Lock()
	p.Snapshots = append(p.Snapshots, snap.Clone())
	fn, err := p.FinalizeFunc, p.FinalizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, snap)
	}
	if err != nil {
		return postprocess.Processed{ConversationID: snap.ID, Status: types.StatusFailed, Error: err.Error()}, err
	}
	return postprocess.Processed{ConversationID: snap.ID, Status: types.StatusCompleted}, nil
}

// Calls returns the snapshots seen so far.
func (p *Processor) Calls() []*types.Conversation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Conversation(nil), p.Snapshots...)
}

// Publisher records every published event.
type Publisher struct {
	mu     sync.Mutex
	Err    error
	Events []postprocess.Event
}

var _ postprocess.Publisher = (*Publisher)(nil)

// Publish implements [postprocess.Publisher].
func (p *Publisher) Publish(_ context.Context, ev postprocess.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, ev)
	return p.Err
}

// Types returns the event types published so far, in order.
func (p *Publisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Events))
	for i, ev := range p.Events {
		out[i] = ev.Type
	}
	return out
}
