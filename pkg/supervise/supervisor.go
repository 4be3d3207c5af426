package supervise

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/veil/pkg/chat"
)

// DefaultCheckInterval is the period of the orphan-detection sweep.
const DefaultCheckInterval = 15 * time.Second

// Connector is the slice of the session connector the supervisor drives.
type Connector interface {
	LiveSession(jobID chat.JobID) bool
	Reattach(ctx context.Context, job *chat.Job, node *chat.NodeRef, chatKey []byte) error
}

// KeyProvider re-derives the chat key for a chat on demand. Keys are never
// stored, so reattaching needs a derivation path.
type KeyProvider interface {
	ChatKey(chatID chat.ChatID) ([]byte, error)
}

// Supervisor detects orphaned generation jobs (active job pointer but no live
// stream) for the currently selected chat and reattaches the connector, at
// most once per cooldown window per (chatID, jobID).
//
// It runs on start, on every Wake (tab became visible again), and on a fixed
// interval.
type Supervisor struct {
	store     *chat.Store
	connector Connector
	keys      KeyProvider

	cooldown *cooldownTable
	interval time.Duration
	logger   zerolog.Logger

	wake chan struct{}

	mu       sync.Mutex
	selected chat.ChatID
}

type SupervisorOption func(*Supervisor)

func WithCheckInterval(interval time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.interval = interval
	}
}

func WithCooldown(window time.Duration, now func() time.Time) SupervisorOption {
	return func(s *Supervisor) {
		s.cooldown = newCooldownTable(window, now)
	}
}

func NewSupervisor(store *chat.Store, connector Connector, keys KeyProvider, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		store:     store,
		connector: connector,
		keys:      keys,
		cooldown:  newCooldownTable(DefaultReconnectCooldown, time.Now),
		interval:  DefaultCheckInterval,
		logger:    log.With().Str("component", "supervisor").Logger(),
		wake:      make(chan struct{}, 1),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// SelectChat switches the chat under supervision and clears the previous
// chat's cooldown bookkeeping.
func (s *Supervisor) SelectChat(chatID chat.ChatID) {
	s.mu.Lock()
	previous := s.selected
	s.selected = chatID
	s.mu.Unlock()
	if previous != chat.NullChatID && previous != chatID {
		s.cooldown.clearChat(previous)
	}
}

// Wake triggers an immediate orphan check, e.g. when the tab regains
// visibility. Non-blocking; coalesces with a pending wake.
func (s *Supervisor) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run checks once immediately, then on every wake and every interval tick,
// until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.Check(ctx)
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check runs one orphan-detection pass for the selected chat.
func (s *Supervisor) Check(ctx context.Context) {
	s.mu.Lock()
	chatID := s.selected
	s.mu.Unlock()
	if chatID == chat.NullChatID {
		return
	}

	c, ok := s.store.Chat(chatID)
	if !ok || c.ActiveJobID == chat.NullJobID {
		return
	}
	jobID := c.ActiveJobID

	if s.connector.LiveSession(jobID) {
		return
	}

	logger := s.logger.With().Str("chatID", chatID.String()).Str("jobID", jobID.String()).Logger()

	// The job may have resolved through another path (resync, final frame on a
	// previous attachment). Never reconnect to a finished job.
	if msg, ok := s.store.MessageForJob(chatID, jobID); ok && msg.Resolved() {
		logger.Debug().Msg("job already resolved, clearing active pointer")
		s.store.ClearActiveJob(chatID, jobID)
		return
	}

	if !s.cooldown.shouldAttempt(chatID, jobID) {
		logger.Debug().Msg("reconnect cooldown active, skipping")
		return
	}

	job, ok := s.store.Job(jobID)
	if !ok {
		logger.Warn().Msg("active job not in store, clearing pointer")
		s.store.ClearActiveJob(chatID, jobID)
		return
	}
	node, ok := s.store.Node(job.NodeID)
	if !ok {
		logger.Warn().Str("nodeID", job.NodeID.String()).Msg("job's node unknown, cannot reattach")
		return
	}
	key, err := s.keys.ChatKey(chatID)
	if err != nil {
		logger.Error().Err(err).Msg("cannot derive chat key for reattach")
		return
	}

	logger.Info().Msg("reattaching to orphaned job")
	if err := s.connector.Reattach(ctx, job, node, key); err != nil {
		logger.Warn().Err(err).Msg("reattach failed")
	}
}
