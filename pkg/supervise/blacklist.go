package supervise

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/veil/pkg/chat"
)

// DefaultBlacklistTTL is how long a node stays excluded after an unexpected
// failure.
const DefaultBlacklistTTL = 10 * time.Minute

// Blacklist is a time-bounded exclusion map for failed nodes. It only
// maintains the map; node-selection policy is expected to consult it and skip
// non-expired entries.
type Blacklist struct {
	mu      sync.Mutex
	entries map[chat.NodeID]time.Time
	ttl     time.Duration
	now     func() time.Time
}

type BlacklistOption func(*Blacklist)

func WithBlacklistTTL(ttl time.Duration) BlacklistOption {
	return func(b *Blacklist) {
		b.ttl = ttl
	}
}

// WithBlacklistClock injects a clock for tests.
func WithBlacklistClock(now func() time.Time) BlacklistOption {
	return func(b *Blacklist) {
		b.now = now
	}
}

func NewBlacklist(options ...BlacklistOption) *Blacklist {
	b := &Blacklist{
		entries: make(map[chat.NodeID]time.Time),
		ttl:     DefaultBlacklistTTL,
		now:     time.Now,
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// Add inserts or refreshes a node with expiry now + TTL.
func (b *Blacklist) Add(id chat.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry := b.now().Add(b.ttl)
	b.entries[id] = expiry
	log.Info().Str("nodeID", id.String()).Time("until", expiry).Msg("node blacklisted")
}

// IsBlacklisted reports whether the node is excluded at the current time.
// Expired entries are dropped lazily.
func (b *Blacklist) IsBlacklisted(id chat.NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.entries[id]
	if !ok {
		return false
	}
	if !b.now().Before(expiry) {
		delete(b.entries, id)
		return false
	}
	return true
}

// Snapshot returns a copy of the non-expired entries, for node-selection
// policies that want the full map.
func (b *Blacklist) Snapshot() map[chat.NodeID]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make(map[chat.NodeID]time.Time, len(b.entries))
	for id, expiry := range b.entries {
		if now.Before(expiry) {
			out[id] = expiry
		}
	}
	return out
}
