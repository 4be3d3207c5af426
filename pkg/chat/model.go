package chat

import (
	"crypto/rand"
	"time"

	"github.com/pkg/errors"
)

// SaltSize is the per-chat key-derivation salt length.
const SaltSize = 16

// Chat is a conversation container. The salt is generated once at conversation
// start and is immutable afterwards; only the active-job pointer changes.
type Chat struct {
	ID   ChatID `json:"id"`
	Salt []byte `json:"salt"`

	Archived  bool `json:"archived"`
	Temporary bool `json:"temporary"`

	// ActiveJobID points at the at-most-one job currently generating into this
	// chat. NullJobID when idle.
	ActiveJobID JobID `json:"activeJobID,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

func NewChat() (*Chat, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generating chat salt")
	}
	return &Chat{
		ID:        NewChatID(),
		Salt:      salt,
		CreatedAt: time.Now(),
	}, nil
}

// JobStatus tracks a generation job through the connector's state machine.
type JobStatus string

const (
	JobIdle               JobStatus = "idle"
	JobConnecting         JobStatus = "connecting"
	JobHandshakeSent      JobStatus = "handshake_sent"
	JobStreaming          JobStatus = "streaming"
	JobCompleted          JobStatus = "completed"
	JobErrored            JobStatus = "errored"
	JobClosedUnexpectedly JobStatus = "closed_unexpectedly"
)

// Terminal reports whether no further transitions are expected for the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobErrored, JobClosedUnexpectedly:
		return true
	default:
		return false
	}
}

// Job is one generation request's lifecycle, bound to one chat and one node.
// Its assistant message is uniquely identified by (ChatID, ID).
type Job struct {
	ID     JobID     `json:"id"`
	ChatID ChatID    `json:"chatID"`
	NodeID NodeID    `json:"nodeID"`
	Model  string    `json:"model"`
	Status JobStatus `json:"status"`
}

// NodeRef describes a remote compute node as handed out by node selection.
type NodeRef struct {
	ID        NodeID `json:"id"`
	Address   string `json:"address"`
	PublicKey []byte `json:"publicKey"`
}
