package backend

import (
	"context"

	"github.com/go-go-golems/veil/pkg/chat"
)

// NodePicker is the node-selection policy. It is expected to consult the
// blacklist and skip non-expired entries; the engine only maintains that map.
type NodePicker interface {
	PickNodeForModel(ctx context.Context, modelID string) (*chat.NodeRef, error)
}

// CreateJobParams is everything the persistence service needs to record a new
// generation job. Content crosses this boundary encrypted: the backend never
// sees plaintext or the unwrapped chat key.
type CreateJobParams struct {
	ChatID chat.ChatID
	NodeID chat.NodeID
	Model  string

	// EncryptedPrompt is the user's turn, sealed under the chat key.
	EncryptedPrompt []byte
	// WrappedChatKey is the chat key sealed for the assigned node.
	WrappedChatKey []byte
}

// JobService creates jobs against the remote persistence service.
type JobService interface {
	CreateJob(ctx context.Context, params CreateJobParams) (*chat.Job, error)
}

// MessageFetcher retrieves the durable message set for a chat, used to
// reconcile local optimistic state after an error.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, chatID chat.ChatID) ([]*chat.Message, error)
}
