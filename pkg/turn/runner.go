package turn

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/veil/pkg/backend"
	"github.com/go-go-golems/veil/pkg/chat"
	"github.com/go-go-golems/veil/pkg/envelope"
	"github.com/go-go-golems/veil/pkg/stream"
)

var ErrUnknownChat = errors.New("turn: unknown chat")

// Runner conducts conversation turns: it derives the chat key, picks a node,
// creates the job, inserts the optimistic messages, and hands the stream to
// the connector.
//
// It is an explicit session object constructed at application start; all state
// lives in the store it is given, nothing is package-global.
type Runner struct {
	secret    []byte
	accountID string

	store     *chat.Store
	picker    backend.NodePicker
	jobs      backend.JobService
	connector *stream.Connector
	logger    zerolog.Logger
}

func NewRunner(secret []byte, accountID string, store *chat.Store, picker backend.NodePicker, jobs backend.JobService, connector *stream.Connector) *Runner {
	return &Runner{
		secret:    secret,
		accountID: accountID,
		store:     store,
		picker:    picker,
		jobs:      jobs,
		connector: connector,
		logger:    log.With().Str("component", "turn-runner").Logger(),
	}
}

// ChatKey re-derives the symmetric key for a chat from the long-term secret
// and the chat's stored salt. The key is never persisted; deriving it again
// always yields the same material.
func (r *Runner) ChatKey(chatID chat.ChatID) ([]byte, error) {
	c, ok := r.store.Chat(chatID)
	if !ok {
		return nil, ErrUnknownChat
	}
	return envelope.DeriveChatKey(r.secret, c.Salt)
}

// StartChat creates a new conversation with a fresh salt.
func (r *Runner) StartChat() (*chat.Chat, error) {
	return r.store.CreateChat()
}

// StartTurn sends a user prompt and starts streaming the response: a user
// message is attached under the current branch tip, a placeholder assistant
// message under that, and the job's stream is opened.
func (r *Runner) StartTurn(ctx context.Context, chatID chat.ChatID, prompt string, model string) (*chat.Job, error) {
	c, ok := r.store.Chat(chatID)
	if !ok {
		return nil, ErrUnknownChat
	}
	key, err := envelope.DeriveChatKey(r.secret, c.Salt)
	if err != nil {
		return nil, err
	}

	parentID := r.currentLeaf(chatID)
	user := chat.NewMessage(chatID, chat.RoleUser, prompt, chat.WithParentID(parentID))
	if err := r.store.InsertMessage(user); err != nil {
		return nil, err
	}

	encryptedPrompt, err := envelope.Encrypt([]byte(prompt), key)
	if err != nil {
		return nil, err
	}

	return r.startGeneration(ctx, chatID, user.ID, model, key, encryptedPrompt)
}

// Retry generates an alternate completion for an assistant message: a new
// sibling branch under the same user message.
func (r *Runner) Retry(ctx context.Context, chatID chat.ChatID, assistantID chat.MessageID, model string) (*chat.Job, error) {
	msg, ok := r.store.Message(assistantID)
	if !ok {
		return nil, chat.ErrUnknownMessage
	}
	if msg.ChatID != chatID {
		return nil, chat.ErrWrongChat
	}
	key, err := r.ChatKey(chatID)
	if err != nil {
		return nil, err
	}
	return r.startGeneration(ctx, chatID, msg.ParentID, model, key, nil)
}

// Edit replaces a user message with new content: a sibling user message is
// created under the same parent (the old branch stays navigable) and a fresh
// completion is generated for it.
func (r *Runner) Edit(ctx context.Context, chatID chat.ChatID, userID chat.MessageID, newPrompt string, model string) (*chat.Job, error) {
	msg, ok := r.store.Message(userID)
	if !ok {
		return nil, chat.ErrUnknownMessage
	}
	if msg.ChatID != chatID {
		return nil, chat.ErrWrongChat
	}
	key, err := r.ChatKey(chatID)
	if err != nil {
		return nil, err
	}

	edited := chat.NewMessage(chatID, chat.RoleUser, newPrompt, chat.WithParentID(msg.ParentID))
	if err := r.store.InsertMessage(edited); err != nil {
		return nil, err
	}
	encryptedPrompt, err := envelope.Encrypt([]byte(newPrompt), key)
	if err != nil {
		return nil, err
	}
	return r.startGeneration(ctx, chatID, edited.ID, model, key, encryptedPrompt)
}

func (r *Runner) startGeneration(ctx context.Context, chatID chat.ChatID, parentID chat.MessageID, model string, key []byte, encryptedPrompt []byte) (*chat.Job, error) {
	node, err := r.picker.PickNodeForModel(ctx, model)
	if err != nil {
		return nil, errors.Wrap(err, "picking node")
	}

	// Fails fast if the node advertises a malformed key, before touching the
	// persistence service or the network.
	wrapped, err := envelope.WrapKeyForNode(key, node.PublicKey)
	if err != nil {
		return nil, err
	}

	job, err := r.jobs.CreateJob(ctx, backend.CreateJobParams{
		ChatID:          chatID,
		NodeID:          node.ID,
		Model:           model,
		EncryptedPrompt: encryptedPrompt,
		WrappedChatKey:  wrapped,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating job")
	}

	r.store.PutNode(node)
	r.store.PutJob(job)

	assistant := chat.NewMessage(chatID, chat.RoleAssistant, "",
		chat.WithParentID(parentID),
		chat.WithJobID(job.ID),
	)
	if err := r.store.InsertMessage(assistant); err != nil {
		return nil, err
	}
	if err := r.store.SetActiveJob(chatID, job.ID); err != nil {
		return nil, err
	}
	if err := r.store.SetActiveLeaf(chatID, assistant.ID); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("chatID", chatID.String()).
		Str("jobID", job.ID.String()).
		Str("nodeID", node.ID.String()).
		Str("model", model).
		Msg("starting generation")

	if _, err := r.connector.Connect(ctx, job, node, key); err != nil {
		// the session already recorded the failure on the assistant message
		return job, err
	}
	return job, nil
}

func (r *Runner) currentLeaf(chatID chat.ChatID) chat.MessageID {
	if leaf, ok := r.store.ActiveLeaf(chatID); ok {
		return leaf
	}
	snapshot := r.store.Snapshot(chatID)
	if leaf, ok := chat.AutoSelectLeaf(snapshot); ok {
		return leaf
	}
	return chat.NullMessageID
}
