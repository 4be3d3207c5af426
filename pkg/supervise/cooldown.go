package supervise

import (
	"sync"
	"time"

	"github.com/go-go-golems/veil/pkg/chat"
)

// DefaultReconnectCooldown spaces reconnection attempts for the same job.
const DefaultReconnectCooldown = 10 * time.Second

type cooldownKey struct {
	ChatID chat.ChatID
	JobID  chat.JobID
}

// cooldownTable tracks the last reconnection attempt per (chatID, jobID).
// Entries are cleared when the chat selection changes, so navigating between
// chats cannot cause cross-chat interference or reconnection storms.
type cooldownTable struct {
	mu     sync.Mutex
	last   map[cooldownKey]time.Time
	window time.Duration
	now    func() time.Time
}

func newCooldownTable(window time.Duration, now func() time.Time) *cooldownTable {
	if window <= 0 {
		window = DefaultReconnectCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &cooldownTable{
		last:   make(map[cooldownKey]time.Time),
		window: window,
		now:    now,
	}
}

// shouldAttempt reports whether a reconnection may be tried for the job, and
// records the attempt when it may.
func (c *cooldownTable) shouldAttempt(chatID chat.ChatID, jobID chat.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cooldownKey{ChatID: chatID, JobID: jobID}
	now := c.now()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// clearChat drops all cooldown entries belonging to a chat.
func (c *cooldownTable) clearChat(chatID chat.ChatID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.last {
		if key.ChatID == chatID {
			delete(c.last, key)
		}
	}
}
