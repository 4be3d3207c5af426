package turn

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/go-go-golems/veil/pkg/backend"
	"github.com/go-go-golems/veil/pkg/chat"
	"github.com/go-go-golems/veil/pkg/envelope"
	"github.com/go-go-golems/veil/pkg/stream"
)

// fakePicker hands out the same node for every model and records what was
// asked for.
type fakePicker struct {
	node   *chat.NodeRef
	models []string
}

func (p *fakePicker) PickNodeForModel(_ context.Context, modelID string) (*chat.NodeRef, error) {
	p.models = append(p.models, modelID)
	return p.node, nil
}

type fakeJobs struct {
	mu     sync.Mutex
	params []backend.CreateJobParams
}

func (j *fakeJobs) CreateJob(_ context.Context, params backend.CreateJobParams) (*chat.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.params = append(j.params, params)
	return &chat.Job{
		ID:     chat.NewJobID(),
		ChatID: params.ChatID,
		NodeID: params.NodeID,
		Model:  params.Model,
		Status: chat.JobIdle,
	}, nil
}

type runnerFixture struct {
	runner *Runner
	store  *chat.Store
	picker *fakePicker
	jobs   *fakeJobs

	connector *stream.Connector
	nodePub   *[32]byte
	nodePriv  *[32]byte
}

// newRunnerFixture starts an in-process node that completes every stream
// immediately after the handshake.
func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"","isComplete":true}`))
	}))
	t.Cleanup(server.Close)

	store := chat.NewStore()
	picker := &fakePicker{node: &chat.NodeRef{
		ID:        chat.NewNodeID(),
		Address:   server.URL,
		PublicKey: pub[:],
	}}
	jobs := &fakeJobs{}
	connector := stream.NewConnector(store, "account-1")
	runner := NewRunner([]byte("long-term-secret"), "account-1", store, picker, jobs, connector)
	return &runnerFixture{
		runner:    runner,
		store:     store,
		picker:    picker,
		jobs:      jobs,
		connector: connector,
		nodePub:   pub,
		nodePriv:  priv,
	}
}

func (f *runnerFixture) waitJob(t *testing.T, chatID chat.ChatID, jobID chat.JobID) {
	t.Helper()
	require.Eventually(t, func() bool {
		m, ok := f.store.MessageForJob(chatID, jobID)
		return ok && m.Resolved() && !f.connector.LiveSession(jobID)
	}, 5*time.Second, 10*time.Millisecond, "stream did not finish in time")
}

func TestRunner_StartTurnBuildsLinearBranch(t *testing.T) {
	fix := newRunnerFixture(t)
	c, err := fix.runner.StartChat()
	require.NoError(t, err)

	job, err := fix.runner.StartTurn(context.Background(), c.ID, "what is a monad", "test-model")
	require.NoError(t, err)
	fix.waitJob(t, c.ID, job.ID)

	assert.Equal(t, []string{"test-model"}, fix.picker.models)

	snapshot := fix.store.Snapshot(c.ID)
	require.Len(t, snapshot, 2)

	leaf, ok := fix.store.ActiveLeaf(c.ID)
	require.True(t, ok)
	branch := chat.ChainToRoot(snapshot, leaf)
	require.Len(t, branch, 2)
	assert.Equal(t, chat.RoleUser, branch[0].Role)
	assert.Equal(t, "what is a monad", branch[0].Content)
	assert.Equal(t, chat.RoleAssistant, branch[1].Role)
	assert.Equal(t, job.ID, branch[1].JobID)
	assert.True(t, branch[1].Complete)
}

func TestRunner_SecondTurnExtendsActiveBranch(t *testing.T) {
	fix := newRunnerFixture(t)
	c, err := fix.runner.StartChat()
	require.NoError(t, err)

	first, err := fix.runner.StartTurn(context.Background(), c.ID, "first", "test-model")
	require.NoError(t, err)
	fix.waitJob(t, c.ID, first.ID)
	second, err := fix.runner.StartTurn(context.Background(), c.ID, "second", "test-model")
	require.NoError(t, err)
	fix.waitJob(t, c.ID, second.ID)

	leaf, _ := fix.store.ActiveLeaf(c.ID)
	branch := chat.ChainToRoot(fix.store.Snapshot(c.ID), leaf)
	require.Len(t, branch, 4)
	assert.Equal(t, "first", branch[0].Content)
	assert.Equal(t, "second", branch[2].Content)
}

func TestRunner_RetryCreatesSiblingCompletion(t *testing.T) {
	fix := newRunnerFixture(t)
	c, err := fix.runner.StartChat()
	require.NoError(t, err)

	first, err := fix.runner.StartTurn(context.Background(), c.ID, "question", "test-model")
	require.NoError(t, err)
	fix.waitJob(t, c.ID, first.ID)

	firstAssistant, ok := fix.store.MessageForJob(c.ID, first.ID)
	require.True(t, ok)

	retry, err := fix.runner.Retry(context.Background(), c.ID, firstAssistant.ID, "test-model")
	require.NoError(t, err)
	fix.waitJob(t, c.ID, retry.ID)

	snapshot := fix.store.Snapshot(c.ID)
	index := chat.ChildIndex(snapshot)
	assert.Len(t, index[firstAssistant.ParentID], 2, "both completions hang off the same user message")

	leaf, _ := fix.store.ActiveLeaf(c.ID)
	retried, ok := fix.store.MessageForJob(c.ID, retry.ID)
	require.True(t, ok)
	assert.Equal(t, retried.ID, leaf, "the retried completion becomes the active tip")
	assert.Equal(t, firstAssistant.ParentID, retried.ParentID)
}

func TestRunner_EditForksUserMessage(t *testing.T) {
	fix := newRunnerFixture(t)
	c, err := fix.runner.StartChat()
	require.NoError(t, err)

	first, err := fix.runner.StartTurn(context.Background(), c.ID, "original question", "test-model")
	require.NoError(t, err)
	fix.waitJob(t, c.ID, first.ID)

	snapshot := fix.store.Snapshot(c.ID)
	var originalUser *chat.Message
	for _, m := range snapshot {
		if m.Role == chat.RoleUser {
			originalUser = m
		}
	}
	require.NotNil(t, originalUser)

	edit, err := fix.runner.Edit(context.Background(), c.ID, originalUser.ID, "better question", "test-model")
	require.NoError(t, err)
	fix.waitJob(t, c.ID, edit.ID)

	snapshot = fix.store.Snapshot(c.ID)
	require.Len(t, snapshot, 4, "old branch stays navigable next to the edit")

	roots := 0
	for _, m := range snapshot {
		if m.ParentID == chat.NullMessageID {
			roots++
		}
	}
	assert.Equal(t, 2, roots, "edited message is a sibling of the original")

	leaf, _ := fix.store.ActiveLeaf(c.ID)
	branch := chat.ChainToRoot(snapshot, leaf)
	require.Len(t, branch, 2)
	assert.Equal(t, "better question", branch[0].Content)
	assert.Equal(t, chat.RoleAssistant, branch[1].Role)
}

func TestRunner_JobParamsCarrySealedMaterialOnly(t *testing.T) {
	fix := newRunnerFixture(t)
	c, err := fix.runner.StartChat()
	require.NoError(t, err)

	job, err := fix.runner.StartTurn(context.Background(), c.ID, "classified prompt", "test-model")
	require.NoError(t, err)
	fix.waitJob(t, c.ID, job.ID)

	require.Len(t, fix.jobs.params, 1)
	params := fix.jobs.params[0]
	assert.Equal(t, c.ID, params.ChatID)
	assert.Equal(t, fix.picker.node.ID, params.NodeID)
	assert.NotContains(t, string(params.EncryptedPrompt), "classified")

	key, err := fix.runner.ChatKey(c.ID)
	require.NoError(t, err)
	plaintext := envelope.Decrypt(params.EncryptedPrompt, key)
	require.NoError(t, plaintext.Error())
	assert.Equal(t, "classified prompt", string(plaintext.Unwrap()))

	unwrapped, ok := box.OpenAnonymous(nil, params.WrappedChatKey, fix.nodePub, fix.nodePriv)
	require.True(t, ok)
	assert.Equal(t, key, unwrapped)
}

func TestRunner_ChatKeyIsStablePerChat(t *testing.T) {
	fix := newRunnerFixture(t)
	a, err := fix.runner.StartChat()
	require.NoError(t, err)
	b, err := fix.runner.StartChat()
	require.NoError(t, err)

	keyA1, err := fix.runner.ChatKey(a.ID)
	require.NoError(t, err)
	keyA2, err := fix.runner.ChatKey(a.ID)
	require.NoError(t, err)
	keyB, err := fix.runner.ChatKey(b.ID)
	require.NoError(t, err)

	assert.Equal(t, keyA1, keyA2)
	assert.NotEqual(t, keyA1, keyB, "distinct salts give distinct keys")

	_, err = fix.runner.ChatKey(chat.NewChatID())
	assert.ErrorIs(t, err, ErrUnknownChat)
}
