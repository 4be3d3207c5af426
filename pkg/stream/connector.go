package stream

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/veil/pkg/chat"
	"github.com/go-go-golems/veil/pkg/events"
)

// Blacklister records nodes that failed at the transport level.
type Blacklister interface {
	Add(id chat.NodeID)
}

// Resyncer schedules a delayed reconciliation against the durable store.
type Resyncer interface {
	Schedule(chatID chat.ChatID)
}

// Connector opens and supervises job streams. It guarantees the at-most-one
// open stream per job invariant: connecting to a job with a live session
// returns that session instead of dialing a second stream.
type Connector struct {
	store     *chat.Store
	publisher *events.PublisherManager
	blacklist Blacklister
	resync    Resyncer
	accountID string
	dialer    *websocket.Dialer
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[chat.JobID]*Session
}

type ConnectorOption func(*Connector)

func WithDialer(dialer *websocket.Dialer) ConnectorOption {
	return func(c *Connector) {
		c.dialer = dialer
	}
}

func WithBlacklist(blacklist Blacklister) ConnectorOption {
	return func(c *Connector) {
		c.blacklist = blacklist
	}
}

func WithResync(resync Resyncer) ConnectorOption {
	return func(c *Connector) {
		c.resync = resync
	}
}

func WithPublisher(publisher *events.PublisherManager) ConnectorOption {
	return func(c *Connector) {
		c.publisher = publisher
	}
}

func NewConnector(store *chat.Store, accountID string, options ...ConnectorOption) *Connector {
	c := &Connector{
		store:     store,
		publisher: events.NewPublisherManager(),
		accountID: accountID,
		dialer:    websocket.DefaultDialer,
		logger:    log.With().Str("component", "connector").Logger(),
		sessions:  make(map[chat.JobID]*Session),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Publisher exposes the event publisher so callers can subscribe renderers.
func (c *Connector) Publisher() *events.PublisherManager {
	return c.publisher
}

// Connect opens the job's stream and performs the encrypted handshake. The
// returned session streams until completion, error, or cancellation of ctx.
// An already-live session for the job is reused.
func (c *Connector) Connect(ctx context.Context, job *chat.Job, node *chat.NodeRef, chatKey []byte) (*Session, error) {
	c.mu.Lock()
	if existing, ok := c.sessions[job.ID]; ok && existing.Live() {
		c.mu.Unlock()
		c.logger.Debug().Str("jobID", job.ID.String()).Msg("reusing live session")
		return existing, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		job:       job,
		node:      node,
		key:       chatKey,
		store:     c.store,
		publisher: c.publisher,
		blacklist: c.blacklist,
		resync:    c.resync,
		dialer:    c.dialer,
		accountID: c.accountID,
		logger: c.logger.With().
			Str("chatID", job.ChatID.String()).
			Str("jobID", job.ID.String()).
			Str("nodeID", node.ID.String()).
			Logger(),
		meta: events.EventMetadata{
			ChatID: job.ChatID,
			JobID:  job.ID,
			NodeID: node.ID,
			Model:  job.Model,
		},
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: newPendingRegistry(),
		state:   chat.JobIdle,
		onDone:  c.remove,
	}
	// claim the job slot before dialing so concurrent callers reuse this
	// session instead of opening a second stream
	c.sessions[job.ID] = sess
	c.mu.Unlock()

	if err := sess.connect(runCtx); err != nil {
		cancel()
		c.remove(job.ID)
		return nil, err
	}

	go sess.run(runCtx)
	return sess, nil
}

// Reattach re-establishes the stream of an orphaned job, using its known node
// and model metadata.
func (c *Connector) Reattach(ctx context.Context, job *chat.Job, node *chat.NodeRef, chatKey []byte) error {
	_, err := c.Connect(ctx, job, node, chatKey)
	return err
}

func (c *Connector) remove(jobID chat.JobID) {
	c.mu.Lock()
	delete(c.sessions, jobID)
	c.mu.Unlock()
}

// LiveSession reports whether a live stream exists for the job.
func (c *Connector) LiveSession(jobID chat.JobID) bool {
	c.mu.Lock()
	sess, ok := c.sessions[jobID]
	c.mu.Unlock()
	return ok && sess.Live()
}

// SessionFor returns the live session for a job, if any.
func (c *Connector) SessionFor(jobID chat.JobID) (*Session, bool) {
	c.mu.Lock()
	sess, ok := c.sessions[jobID]
	c.mu.Unlock()
	if !ok || !sess.Live() {
		return nil, false
	}
	return sess, true
}

// Close tears down the job's stream, if one is open. Delta application for
// the job stops immediately.
func (c *Connector) Close(jobID chat.JobID) {
	c.mu.Lock()
	sess, ok := c.sessions[jobID]
	c.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// CloseAll tears down every open stream, e.g. on application shutdown.
func (c *Connector) CloseAll() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
