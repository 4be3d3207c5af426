package stream

import (
	"encoding/json"

	"github.com/go-go-golems/veil/pkg/chat"
	"github.com/go-go-golems/veil/pkg/errs"
)

// StreamPath is the fixed endpoint for job streams on a node's address.
const StreamPath = "/v1/jobs/stream"

// handshakePayload identifies the caller to the node. It is sealed for the
// node's public key and sent base64-encoded as the first frame.
type handshakePayload struct {
	JobID     chat.JobID `json:"jobId"`
	AccountID string     `json:"accountId"`
	// WrappedChatKey is the chat key sealed for this node, base64-encoded.
	WrappedChatKey string `json:"wrappedChatKey"`
}

// serverFrame is one structured message from the node.
//
// A frame with ExchangeID set answers a pending client exchange. Otherwise it
// carries a content delta: Text is a base64 nonce||ciphertext envelope to
// append, and IsComplete marks the last delta (possibly empty) and terminates
// the logical stream.
type serverFrame struct {
	Text        string       `json:"text"`
	IsComplete  bool         `json:"isComplete"`
	ErrorStatus *errs.Status `json:"errorStatus,omitempty"`

	ExchangeID string          `json:"exchangeId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// clientFrame is an auxiliary request sent over the job stream, answered by a
// serverFrame carrying the same ExchangeID.
type clientFrame struct {
	ExchangeID string          `json:"exchangeId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
