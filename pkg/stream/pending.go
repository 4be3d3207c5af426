package stream

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

var ErrExchangeSuperseded = errors.New("stream: exchange superseded or session closed")

// pendingRegistry correlates auxiliary request/response exchanges over a job
// stream: each outgoing request registers a completion channel under its
// exchange id, and the read pump resolves it when the matching response frame
// arrives.
type pendingRegistry struct {
	mu    sync.Mutex
	calls map[string]chan json.RawMessage
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{
		calls: make(map[string]chan json.RawMessage),
	}
}

func (p *pendingRegistry) register(id string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	p.mu.Lock()
	p.calls[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingRegistry) unregister(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// resolve delivers a response to the waiting exchange, if it is still pending.
func (p *pendingRegistry) resolve(id string, payload json.RawMessage) bool {
	p.mu.Lock()
	ch, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	return true
}

// failAll closes out every pending exchange, releasing their waiters. Called
// when the stream goes away.
func (p *pendingRegistry) failAll() {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]chan json.RawMessage)
	p.mu.Unlock()
	for _, ch := range calls {
		close(ch)
	}
}
