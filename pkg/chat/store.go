package chat

import (
	"sync"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/veil/pkg/errs"
)

var (
	ErrUnknownChat      = errors.New("chat: unknown chat")
	ErrUnknownMessage   = errors.New("chat: unknown message")
	ErrUnknownJob       = errors.New("chat: unknown job")
	ErrNoMessageForJob  = errors.New("chat: no message owned by job")
	ErrMessageComplete  = errors.New("chat: message is complete and immutable")
	ErrDuplicateMessage = errors.New("chat: message id already present")
	ErrWrongChat        = errors.New("chat: message belongs to a different chat")
)

type jobKey struct {
	ChatID ChatID
	JobID  JobID
}

// Store holds all chats, messages and jobs the client knows about.
//
// It is the single writer surface for conversation state: every mutation goes
// through a serialized operation here. The children index and the per-job
// message index are maintained incrementally on insert, so branch resolution
// never rescans the whole collection.
type Store struct {
	mu sync.Mutex

	chats    map[ChatID]*Chat
	messages map[MessageID]*Message
	children map[MessageID][]MessageID
	jobs     map[JobID]*Job
	nodes    map[NodeID]*NodeRef

	// byJob maps (chatID, jobID) to the assistant message the job streams into.
	byJob      map[jobKey]MessageID
	activeLeaf map[ChatID]MessageID

	seq uint64
}

func NewStore() *Store {
	return &Store{
		chats:      make(map[ChatID]*Chat),
		messages:   make(map[MessageID]*Message),
		children:   make(map[MessageID][]MessageID),
		jobs:       make(map[JobID]*Job),
		nodes:      make(map[NodeID]*NodeRef),
		byJob:      make(map[jobKey]MessageID),
		activeLeaf: make(map[ChatID]MessageID),
	}
}

// CreateChat creates a chat with a fresh random salt and registers it.
func (s *Store) CreateChat() (*Chat, error) {
	c, err := NewChat()
	if err != nil {
		return nil, err
	}
	s.PutChat(c)
	return c, nil
}

func (s *Store) PutChat(c *Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = clone.Clone(c).(*Chat)
}

func (s *Store) Chat(id ChatID) (*Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, false
	}
	return clone.Clone(c).(*Chat), true
}

func (s *Store) SetActiveJob(chatID ChatID, jobID JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return ErrUnknownChat
	}
	c.ActiveJobID = jobID
	return nil
}

// ClearActiveJob clears the chat's active-job pointer, but only if it still
// points at the given job. A newer turn may have replaced it.
func (s *Store) ClearActiveJob(chatID ChatID, jobID JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return
	}
	if c.ActiveJobID == jobID {
		c.ActiveJobID = NullJobID
	}
}

func (s *Store) PutJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = clone.Clone(j).(*Job)
}

func (s *Store) Job(id JobID) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return clone.Clone(j).(*Job), true
}

func (s *Store) SetJobStatus(id JobID, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrUnknownJob
	}
	j.Status = status
	return nil
}

func (s *Store) PutNode(n *NodeRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = clone.Clone(n).(*NodeRef)
}

func (s *Store) Node(id NodeID) (*NodeRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return clone.Clone(n).(*NodeRef), true
}

// InsertMessage adds a message to the arena and updates the children and
// per-job indices. The store keeps its own copy.
func (s *Store) InsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(m)
}

func (s *Store) insertLocked(m *Message) error {
	if _, ok := s.messages[m.ID]; ok {
		return ErrDuplicateMessage
	}
	cp := clone.Clone(m).(*Message)
	s.seq++
	cp.Seq = s.seq
	s.messages[cp.ID] = cp
	if cp.ParentID != NullMessageID {
		s.children[cp.ParentID] = append(s.children[cp.ParentID], cp.ID)
	}
	if cp.JobID != NullJobID && cp.Role == RoleAssistant {
		s.byJob[jobKey{ChatID: cp.ChatID, JobID: cp.JobID}] = cp.ID
	}
	return nil
}

func (s *Store) Message(id MessageID) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return clone.Clone(m).(*Message), true
}

// MessageForJob returns the assistant message uniquely identified by
// (chatID, jobID).
func (s *Store) MessageForJob(chatID ChatID, jobID JobID) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byJob[jobKey{ChatID: chatID, JobID: jobID}]
	if !ok {
		return nil, false
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return clone.Clone(m).(*Message), true
}

// AppendDelta appends decrypted content to the job's assistant message, in
// arrival order.
func (s *Store) AppendDelta(chatID ChatID, jobID JobID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.messageForJobLocked(chatID, jobID)
	if err != nil {
		return err
	}
	if m.Resolved() {
		return ErrMessageComplete
	}
	m.Content += delta
	m.LastUpdate = time.Now()
	return nil
}

// CompleteMessageForJob marks the job's assistant message complete. The
// message becomes immutable.
func (s *Store) CompleteMessageForJob(chatID ChatID, jobID JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.messageForJobLocked(chatID, jobID)
	if err != nil {
		return err
	}
	if m.Resolved() {
		return ErrMessageComplete
	}
	m.Complete = true
	m.LastUpdate = time.Now()
	return nil
}

// FailMessageForJob marks the job's assistant message complete with an error
// status. If the message already resolved through another path, the earlier
// outcome wins.
func (s *Store) FailMessageForJob(chatID ChatID, jobID JobID, status *errs.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.messageForJobLocked(chatID, jobID)
	if err != nil {
		return err
	}
	if m.Resolved() {
		return ErrMessageComplete
	}
	m.Complete = true
	m.Status = status
	m.LastUpdate = time.Now()
	return nil
}

func (s *Store) messageForJobLocked(chatID ChatID, jobID JobID) (*Message, error) {
	id, ok := s.byJob[jobKey{ChatID: chatID, JobID: jobID}]
	if !ok {
		return nil, ErrNoMessageForJob
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrUnknownMessage
	}
	return m, nil
}

func (s *Store) SetDurableID(id MessageID, durableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrUnknownMessage
	}
	m.DurableID = durableID
	return nil
}

// SetActiveLeaf pins the tip of the displayed branch for a chat.
func (s *Store) SetActiveLeaf(chatID ChatID, id MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrUnknownMessage
	}
	if m.ChatID != chatID {
		return ErrWrongChat
	}
	s.activeLeaf[chatID] = id
	return nil
}

// ActiveLeaf returns the explicitly selected leaf, if any.
func (s *Store) ActiveLeaf(chatID ChatID) (MessageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeLeaf[chatID]
	return id, ok
}

// Siblings returns the ids of messages sharing the given message's parent
// (excluding the message itself), in child-index order.
func (s *Store) Siblings(id MessageID) []MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.ParentID == NullMessageID {
		return nil
	}
	var siblings []MessageID
	for _, childID := range s.children[m.ParentID] {
		if childID != id {
			siblings = append(siblings, childID)
		}
	}
	return siblings
}

// SelectSibling moves the active leaf to a sibling of the given message,
// offset positions away in creation order. Used for branch navigation after
// edits and retries.
func (s *Store) SelectSibling(chatID ChatID, id MessageID, offset int) (MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return NullMessageID, ErrUnknownMessage
	}
	if m.ChatID != chatID {
		return NullMessageID, ErrWrongChat
	}
	siblings := s.children[m.ParentID]
	idx := -1
	for i, childID := range siblings {
		if childID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return NullMessageID, ErrUnknownMessage
	}
	target := idx + offset
	if target < 0 || target >= len(siblings) {
		return NullMessageID, errors.Errorf("chat: no sibling at offset %d", offset)
	}
	s.activeLeaf[chatID] = siblings[target]
	return siblings[target], nil
}

// Snapshot returns a deep-cloned view of all messages in a chat, suitable as
// immutable input for the tree resolver.
func (s *Store) Snapshot(chatID ChatID) map[MessageID]*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[MessageID]*Message)
	for id, m := range s.messages {
		if m.ChatID != chatID {
			continue
		}
		out[id] = clone.Clone(m).(*Message)
	}
	return out
}

// ResolveBranch computes the currently displayed branch for a chat: the chain
// through the active leaf, or through the auto-selected tip when no leaf is
// pinned.
func (s *Store) ResolveBranch(chatID ChatID) []*Message {
	snapshot := s.Snapshot(chatID)
	if len(snapshot) == 0 {
		return nil
	}

	s.mu.Lock()
	leaf, pinned := s.activeLeaf[chatID]
	s.mu.Unlock()

	if !pinned {
		var ok bool
		leaf, ok = AutoSelectLeaf(snapshot)
		if !ok {
			return nil
		}
	}
	return ActiveBranch(snapshot, leaf)
}

// Reconcile merges messages fetched from the durable backend into local
// optimistic state. New messages are inserted; locally pending messages that
// resolved remotely adopt the remote content and completion state.
func (s *Store) Reconcile(chatID ChatID, fetched []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, remote := range fetched {
		if remote.ChatID != chatID {
			continue
		}
		local, ok := s.messages[remote.ID]
		if !ok {
			if err := s.insertLocked(remote); err != nil {
				log.Warn().Err(err).Str("messageID", remote.ID.String()).Msg("could not insert fetched message")
			}
			continue
		}
		adopt := remote.Resolved() && !local.Resolved()
		// A locally errored message may have succeeded durably: the node can
		// finish just as the connection drops. The durable outcome wins.
		if local.Status != nil && remote.Complete && remote.Status == nil {
			adopt = true
		}
		if adopt {
			local.Content = remote.Content
			local.Complete = remote.Complete
			local.Status = remote.Status
			local.DurableID = remote.DurableID
			local.LastUpdate = time.Now()
		}
	}
}
