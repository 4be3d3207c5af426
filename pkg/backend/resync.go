package backend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/veil/pkg/chat"
)

// DefaultResyncDelay gives the node time to flush its final write before we
// ask the durable store what actually happened.
const DefaultResyncDelay = 3 * time.Second

// ResyncScheduler schedules a deliberately delayed fetchMessages after a
// transport-level error, reconciling local optimistic state against the
// durable source of truth. The node may have succeeded just as the connection
// dropped; the delay lets its last write land.
type ResyncScheduler struct {
	fetcher MessageFetcher
	store   *chat.Store
	delay   time.Duration

	mu     sync.Mutex
	timers map[chat.ChatID]*time.Timer
}

func NewResyncScheduler(fetcher MessageFetcher, store *chat.Store, delay time.Duration) *ResyncScheduler {
	if delay <= 0 {
		delay = DefaultResyncDelay
	}
	return &ResyncScheduler{
		fetcher: fetcher,
		store:   store,
		delay:   delay,
		timers:  make(map[chat.ChatID]*time.Timer),
	}
}

// Schedule arms a delayed resync for the chat. A pending resync for the same
// chat is pushed back rather than duplicated.
func (r *ResyncScheduler) Schedule(chatID chat.ChatID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[chatID]; ok {
		t.Reset(r.delay)
		return
	}
	r.timers[chatID] = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		delete(r.timers, chatID)
		r.mu.Unlock()
		r.run(chatID)
	})
}

func (r *ResyncScheduler) run(chatID chat.ChatID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs, err := r.fetcher.FetchMessages(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Str("chatID", chatID.String()).Msg("resync fetch failed")
		return
	}
	r.store.Reconcile(chatID, msgs)
	log.Debug().Str("chatID", chatID.String()).Int("messages", len(msgs)).Msg("resynced chat from durable store")
}
