package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/veil/pkg/chat"
	"github.com/go-go-golems/veil/pkg/envelope"
	"github.com/go-go-golems/veil/pkg/errs"
	"github.com/go-go-golems/veil/pkg/events"
)

const (
	// decryptFailureMarker is rendered inline when a delta fails to
	// authenticate. The stream keeps going; one bad envelope must not kill the
	// response.
	decryptFailureMarker = "[unreadable content]"

	// DefaultExchangeTimeout bounds auxiliary request/response exchanges.
	DefaultExchangeTimeout = 60 * time.Second

	pingInterval = 30 * time.Second
)

// Session owns the one duplex stream of a generation job and applies its
// decrypted deltas to the message store.
//
// Per job: Idle -> Connecting -> HandshakeSent -> Streaming ->
// {Completed | Errored | ClosedUnexpectedly}. The states are mirrored onto the
// job record in the store.
type Session struct {
	job  *chat.Job
	node *chat.NodeRef
	key  []byte

	store     *chat.Store
	publisher *events.PublisherManager
	blacklist Blacklister
	resync    Resyncer
	dialer    *websocket.Dialer
	accountID string
	logger    zerolog.Logger
	meta      events.EventMetadata

	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	pending *pendingRegistry
	onDone  func(jobID chat.JobID)

	writeMu sync.Mutex

	mu            sync.Mutex
	state         chat.JobStatus
	finalSeen     bool
	closedLocally bool
}

func (s *Session) setState(state chat.JobStatus) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	_ = s.store.SetJobStatus(s.job.ID, state)
	s.logger.Debug().Str("state", string(state)).Msg("session state")
}

// Live reports whether the session still holds (or is establishing) an open
// stream.
func (s *Session) Live() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.state.Terminal()
}

// Close tears the stream down deliberately (unmount, chat switch, supervisor
// replacement). No error is recorded; the job may still be running remotely
// and can be reattached later.
func (s *Session) Close() {
	s.mu.Lock()
	s.closedLocally = true
	s.mu.Unlock()
	s.cancel()
}

// Done is closed once the session's pumps have exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// connect dials the node and performs the encrypted handshake. It is
// synchronous so that deterministic failures (malformed keys) surface to the
// caller immediately, without a retry path.
func (s *Session) connect(ctx context.Context) error {
	s.setState(chat.JobConnecting)

	// Fails fast on a malformed recipient key, before any network call.
	wrapped, err := envelope.WrapKeyForNode(s.key, s.node.PublicKey)
	if err != nil {
		s.failConfiguration(err)
		return err
	}

	endpoint, err := endpointURL(s.node.Address)
	if err != nil {
		s.failConfiguration(err)
		return err
	}

	conn, resp, err := s.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = errors.Wrapf(err, "dialing %s", endpoint)
		s.failTransport(err)
		return err
	}
	s.conn = conn

	payload, err := json.Marshal(handshakePayload{
		JobID:          s.job.ID,
		AccountID:      s.accountID,
		WrappedChatKey: base64.StdEncoding.EncodeToString(wrapped),
	})
	if err != nil {
		_ = conn.Close()
		s.failConfiguration(err)
		return err
	}
	sealed, err := envelope.SealForNode(payload, s.node.PublicKey)
	if err != nil {
		// Deterministic given the same key: close immediately, no retry.
		_ = conn.Close()
		s.failConfiguration(err)
		return err
	}

	frame := base64.StdEncoding.EncodeToString(sealed)
	if err := s.write(websocket.TextMessage, []byte(frame)); err != nil {
		_ = conn.Close()
		err = errors.Wrap(err, "sending handshake")
		s.failTransport(err)
		return err
	}

	s.setState(chat.JobHandshakeSent)
	return nil
}

func (s *Session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// run drives the read and keepalive pumps until the stream ends.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.pending.failAll()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readPump()
	})
	g.Go(func() error {
		return s.pingLoop(gctx)
	})
	g.Go(func() error {
		// unblocks ReadMessage when the context is cancelled or a pump fails
		<-gctx.Done()
		_ = s.conn.Close()
		return nil
	})
	_ = g.Wait()

	if s.onDone != nil {
		s.onDone(s.job.ID)
	}
}

var errStreamEnded = errors.New("stream: logical stream ended")

func (s *Session) readPump() error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleClose(err)
			return errStreamEnded
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}

		switch {
		case frame.ExchangeID != "":
			if !s.pending.resolve(frame.ExchangeID, frame.Payload) {
				s.logger.Debug().Str("exchangeId", frame.ExchangeID).Msg("response for unknown exchange")
			}
		case frame.ErrorStatus != nil:
			s.handleErrorFrame(frame.ErrorStatus)
			return errStreamEnded
		default:
			s.handleDelta(&frame)
			if frame.IsComplete {
				s.handleFinal()
				return errStreamEnded
			}
		}
	}
}

func (s *Session) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return errors.Wrap(err, "keepalive ping")
			}
		}
	}
}

// handleDelta decrypts and appends one content delta, in arrival order. The
// transport delivers frames in order and no reordering happens here.
func (s *Session) handleDelta(frame *serverFrame) {
	s.mu.Lock()
	if s.state == chat.JobHandshakeSent {
		s.state = chat.JobStreaming
		s.mu.Unlock()
		_ = s.store.SetJobStatus(s.job.ID, chat.JobStreaming)
		s.publisher.PublishBlind(events.NewStartEvent(s.meta))
	} else {
		s.mu.Unlock()
	}

	if frame.Text == "" {
		return
	}

	delta := s.decryptDelta(frame.Text)

	// In-flight decrypts may land after a deliberate teardown or a resolution
	// through another path; their result is discarded.
	if err := s.store.AppendDelta(s.job.ChatID, s.job.ID, delta); err != nil {
		s.logger.Debug().Err(err).Msg("discarding delta")
		return
	}

	completion := ""
	if m, ok := s.store.MessageForJob(s.job.ChatID, s.job.ID); ok {
		completion = m.Content
	}
	s.publisher.PublishBlind(events.NewPartialCompletionEvent(s.meta, delta, completion))
}

func (s *Session) decryptDelta(text string) string {
	blob, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		s.logger.Warn().Err(err).Msg("delta is not valid base64")
		return decryptFailureMarker
	}
	res := envelope.Decrypt(blob, s.key)
	if !res.Ok() {
		s.logger.Warn().Err(res.Error()).Msg("delta failed to decrypt")
		return decryptFailureMarker
	}
	return string(res.Unwrap())
}

// handleFinal stops the logical stream: the message is complete no matter what
// the transport does afterwards.
func (s *Session) handleFinal() {
	s.mu.Lock()
	s.finalSeen = true
	s.mu.Unlock()

	if err := s.store.CompleteMessageForJob(s.job.ChatID, s.job.ID); err != nil {
		s.logger.Debug().Err(err).Msg("message already resolved at final frame")
	}
	s.setState(chat.JobCompleted)
	s.store.ClearActiveJob(s.job.ChatID, s.job.ID)

	text := ""
	if m, ok := s.store.MessageForJob(s.job.ChatID, s.job.ID); ok {
		text = m.Content
	}
	s.publisher.PublishBlind(events.NewFinalEvent(s.meta, text))
	s.logger.Info().Msg("stream completed")
}

// handleErrorFrame records a provider-side failure reported by the node. The
// node is not blacklisted: it stayed reachable and reported an orderly error.
func (s *Session) handleErrorFrame(status *errs.Status) {
	if status.Kind == "" {
		status.Kind = errs.KindUnknown
	}
	// nodes report provider codes in whatever casing their provider used
	if status.Kind == errs.KindProvider && status.Provider != "" {
		status.Provider = errs.ClassifyProviderCode(string(status.Provider))
	}
	s.mu.Lock()
	s.finalSeen = true
	s.mu.Unlock()

	if err := s.store.FailMessageForJob(s.job.ChatID, s.job.ID, status); err != nil {
		s.logger.Debug().Err(err).Msg("message already resolved at error frame")
	}
	s.setState(chat.JobErrored)
	s.store.ClearActiveJob(s.job.ChatID, s.job.ID)
	s.publisher.PublishBlind(events.NewErrorEvent(s.meta, status))
	s.logger.Warn().Str("kind", string(status.Kind)).Str("message", status.Message).Msg("node reported error")
}

// handleClose classifies a transport close. After a final frame (or a
// deliberate local teardown) it is a clean shutdown; otherwise the job was
// still active and the close is unexpected.
func (s *Session) handleClose(err error) {
	s.mu.Lock()
	clean := s.closedLocally || s.finalSeen || s.state.Terminal()
	s.mu.Unlock()

	if clean {
		s.logger.Debug().Msg("transport closed after completion")
		return
	}

	s.logger.Warn().Err(err).Msg("stream closed before final frame")
	status := errs.NewStatus(errs.KindNodeOffline, "stream closed before the response completed")
	if err := s.store.FailMessageForJob(s.job.ChatID, s.job.ID, status); err != nil {
		s.logger.Debug().Err(err).Msg("message already resolved at unexpected close")
	}
	s.setState(chat.JobClosedUnexpectedly)
	s.store.ClearActiveJob(s.job.ChatID, s.job.ID)

	if s.blacklist != nil {
		s.blacklist.Add(s.node.ID)
	}
	if s.resync != nil {
		// the node may have finished just as the connection dropped; reconcile
		// against the durable store after a delay
		s.resync.Schedule(s.job.ChatID)
	}
	s.publisher.PublishBlind(events.NewErrorEvent(s.meta, status))
}

func (s *Session) failConfiguration(cause error) {
	status := errs.NewStatus(errs.KindConfiguration, cause.Error())
	if err := s.store.FailMessageForJob(s.job.ChatID, s.job.ID, status); err != nil {
		s.logger.Debug().Err(err).Msg("message already resolved at configuration failure")
	}
	s.setState(chat.JobErrored)
	s.store.ClearActiveJob(s.job.ChatID, s.job.ID)
	s.publisher.PublishBlind(events.NewErrorEvent(s.meta, status))
}

func (s *Session) failTransport(cause error) {
	status := errs.NewStatus(errs.KindNodeOffline, cause.Error())
	if err := s.store.FailMessageForJob(s.job.ChatID, s.job.ID, status); err != nil {
		s.logger.Debug().Err(err).Msg("message already resolved at transport failure")
	}
	s.setState(chat.JobErrored)
	s.store.ClearActiveJob(s.job.ChatID, s.job.ID)
	if s.blacklist != nil {
		s.blacklist.Add(s.node.ID)
	}
	if s.resync != nil {
		s.resync.Schedule(s.job.ChatID)
	}
	s.publisher.PublishBlind(events.NewErrorEvent(s.meta, status))
}

// Exchange sends an auxiliary request over the job stream and waits for the
// matching response, bounded by the timeout.
func (s *Session) Exchange(ctx context.Context, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	id := uuid.NewString()
	ch := s.pending.register(id)
	defer s.pending.unregister(id)

	b, err := json.Marshal(clientFrame{ExchangeID: id, Payload: payload})
	if err != nil {
		return nil, errors.Wrap(err, "encoding exchange frame")
	}
	if err := s.write(websocket.TextMessage, b); err != nil {
		return nil, errors.Wrap(err, "sending exchange frame")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrExchangeSuperseded
		}
		return resp, nil
	case <-timer.C:
		return nil, errors.Errorf("stream: exchange %s timed out after %s", id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrExchangeSuperseded
	}
}

// endpointURL resolves a node's advertised address to the stream endpoint.
func endpointURL(address string) (string, error) {
	if address == "" {
		return "", errors.New("stream: empty node address")
	}
	base := strings.TrimRight(address, "/")
	switch {
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base + StreamPath, nil
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + StreamPath, nil
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + StreamPath, nil
	default:
		return "wss://" + base + StreamPath, nil
	}
}
