package chat

import (
	"time"

	"github.com/go-go-golems/veil/pkg/errs"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
)

// Message is a single node in a conversation tree.
//
// A message with ParentID == NullMessageID is a conversation root. A message
// may have any number of children; multiple children represent branches created
// by edits or retries. Once Complete is set (success or error), the message is
// immutable.
type Message struct {
	ID MessageID `json:"id"`
	// DurableID is assigned once the message has been persisted remotely.
	DurableID string    `json:"durableID,omitempty"`
	ChatID    ChatID    `json:"chatID"`
	ParentID  MessageID `json:"parentID"`
	// JobID links an assistant message to the generation job that owns it.
	JobID JobID `json:"jobID,omitempty"`

	Role Role `json:"role"`
	// Content is plaintext; deltas arrive encrypted and are decrypted before
	// being appended here.
	Content  string       `json:"content"`
	Complete bool         `json:"complete"`
	Status   *errs.Status `json:"status,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	LastUpdate time.Time `json:"lastUpdate"`

	// Seq is the store insertion sequence, used as the stable tie-break when
	// sorting siblings with identical timestamps.
	Seq uint64 `json:"-"`
}

type MessageOption func(*Message)

func WithParentID(parentID MessageID) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithID(id MessageID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithJobID(jobID JobID) MessageOption {
	return func(m *Message) {
		m.JobID = jobID
	}
}

func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
		m.LastUpdate = t
	}
}

func WithDurableID(durableID string) MessageOption {
	return func(m *Message) {
		m.DurableID = durableID
	}
}

func NewMessage(chatID ChatID, role Role, content string, options ...MessageOption) *Message {
	now := time.Now()
	ret := &Message{
		ID:         NewMessageID(),
		ChatID:     chatID,
		ParentID:   NullMessageID,
		Role:       role,
		Content:    content,
		CreatedAt:  now,
		LastUpdate: now,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Resolved reports whether the message reached a terminal state, either by
// completing normally or by carrying an error status.
func (m *Message) Resolved() bool {
	return m.Complete || m.Status != nil
}
