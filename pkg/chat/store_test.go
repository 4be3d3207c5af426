package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/veil/pkg/errs"
)

func storeWithJob(t *testing.T) (*Store, *Chat, *Job, *Message) {
	t.Helper()
	s := NewStore()
	c, err := s.CreateChat()
	require.NoError(t, err)
	require.Len(t, c.Salt, SaltSize)

	job := &Job{ID: NewJobID(), ChatID: c.ID, NodeID: NewNodeID(), Model: "test-model", Status: JobIdle}
	s.PutJob(job)

	user := NewMessage(c.ID, RoleUser, "hello")
	require.NoError(t, s.InsertMessage(user))
	assistant := NewMessage(c.ID, RoleAssistant, "", WithParentID(user.ID), WithJobID(job.ID))
	require.NoError(t, s.InsertMessage(assistant))
	return s, c, job, assistant
}

func TestStore_AppendDeltaInOrder(t *testing.T) {
	s, c, job, assistant := storeWithJob(t)

	require.NoError(t, s.AppendDelta(c.ID, job.ID, "Hello"))
	require.NoError(t, s.AppendDelta(c.ID, job.ID, ", "))
	require.NoError(t, s.AppendDelta(c.ID, job.ID, "world"))

	m, ok := s.MessageForJob(c.ID, job.ID)
	require.True(t, ok)
	assert.Equal(t, assistant.ID, m.ID)
	assert.Equal(t, "Hello, world", m.Content)
	assert.False(t, m.Complete)
}

func TestStore_CompleteMakesMessageImmutable(t *testing.T) {
	s, c, job, _ := storeWithJob(t)

	require.NoError(t, s.AppendDelta(c.ID, job.ID, "done"))
	require.NoError(t, s.CompleteMessageForJob(c.ID, job.ID))

	assert.ErrorIs(t, s.AppendDelta(c.ID, job.ID, "more"), ErrMessageComplete)
	assert.ErrorIs(t, s.CompleteMessageForJob(c.ID, job.ID), ErrMessageComplete)
	assert.ErrorIs(t, s.FailMessageForJob(c.ID, job.ID, errs.NewStatus(errs.KindNodeOffline, "late")), ErrMessageComplete)

	m, _ := s.MessageForJob(c.ID, job.ID)
	assert.Equal(t, "done", m.Content)
	assert.Nil(t, m.Status)
}

func TestStore_FailMessageSetsStatus(t *testing.T) {
	s, c, job, _ := storeWithJob(t)

	st := errs.NewStatus(errs.KindNodeOffline, "stream closed")
	require.NoError(t, s.FailMessageForJob(c.ID, job.ID, st))

	m, ok := s.MessageForJob(c.ID, job.ID)
	require.True(t, ok)
	assert.True(t, m.Complete)
	require.NotNil(t, m.Status)
	assert.Equal(t, errs.KindNodeOffline, m.Status.Kind)
}

func TestStore_MessageForJobUnknown(t *testing.T) {
	s, c, _, _ := storeWithJob(t)
	_, ok := s.MessageForJob(c.ID, NewJobID())
	assert.False(t, ok)
	assert.ErrorIs(t, s.AppendDelta(c.ID, NewJobID(), "x"), ErrNoMessageForJob)
}

func TestStore_SnapshotIsIsolated(t *testing.T) {
	s, c, job, assistant := storeWithJob(t)
	require.NoError(t, s.AppendDelta(c.ID, job.ID, "first"))

	snap := s.Snapshot(c.ID)
	snap[assistant.ID].Content = "mutated"

	m, _ := s.Message(assistant.ID)
	assert.Equal(t, "first", m.Content)
}

func TestStore_ActiveLeafAndResolveBranch(t *testing.T) {
	s, c, _, assistant := storeWithJob(t)

	// no pinned leaf: auto-select the most recent tip
	branch := s.ResolveBranch(c.ID)
	require.Len(t, branch, 2)
	assert.Equal(t, assistant.ID, branch[len(branch)-1].ID)

	// pin the user message explicitly
	require.NoError(t, s.SetActiveLeaf(c.ID, assistant.ID))
	leaf, ok := s.ActiveLeaf(c.ID)
	require.True(t, ok)
	assert.Equal(t, assistant.ID, leaf)

	assert.ErrorIs(t, s.SetActiveLeaf(c.ID, NewMessageID()), ErrUnknownMessage)
}

func TestStore_SiblingsAndSelection(t *testing.T) {
	s := NewStore()
	c, err := s.CreateChat()
	require.NoError(t, err)

	root := NewMessage(c.ID, RoleUser, "root")
	require.NoError(t, s.InsertMessage(root))
	b1 := NewMessage(c.ID, RoleAssistant, "b1", WithParentID(root.ID))
	b2 := NewMessage(c.ID, RoleAssistant, "b2", WithParentID(root.ID))
	require.NoError(t, s.InsertMessage(b1))
	require.NoError(t, s.InsertMessage(b2))

	assert.Equal(t, []MessageID{b2.ID}, s.Siblings(b1.ID))
	assert.Nil(t, s.Siblings(root.ID))

	got, err := s.SelectSibling(c.ID, b1.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, b2.ID, got)
	leaf, _ := s.ActiveLeaf(c.ID)
	assert.Equal(t, b2.ID, leaf)

	_, err = s.SelectSibling(c.ID, b2.ID, 1)
	assert.Error(t, err)
}

func TestStore_ActiveJobPointer(t *testing.T) {
	s, c, job, _ := storeWithJob(t)

	require.NoError(t, s.SetActiveJob(c.ID, job.ID))
	got, ok := s.Chat(c.ID)
	require.True(t, ok)
	assert.Equal(t, job.ID, got.ActiveJobID)

	// clearing with a stale job id is a no-op
	s.ClearActiveJob(c.ID, NewJobID())
	got, _ = s.Chat(c.ID)
	assert.Equal(t, job.ID, got.ActiveJobID)

	s.ClearActiveJob(c.ID, job.ID)
	got, _ = s.Chat(c.ID)
	assert.Equal(t, NullJobID, got.ActiveJobID)
}

func TestStore_ReconcileAdoptsDurableOutcome(t *testing.T) {
	s, c, job, assistant := storeWithJob(t)

	// local state errored on disconnect
	require.NoError(t, s.AppendDelta(c.ID, job.ID, "partial"))
	require.NoError(t, s.FailMessageForJob(c.ID, job.ID, errs.NewStatus(errs.KindNodeOffline, "closed")))

	// the node actually finished; the durable copy is complete and clean
	remote := &Message{
		ID:         assistant.ID,
		DurableID:  "msg-42",
		ChatID:     c.ID,
		ParentID:   assistant.ParentID,
		JobID:      job.ID,
		Role:       RoleAssistant,
		Content:    "partial plus the rest",
		Complete:   true,
		CreatedAt:  assistant.CreatedAt,
		LastUpdate: time.Now(),
	}
	newOne := NewMessage(c.ID, RoleUser, "follow-up", WithParentID(assistant.ID))
	s.Reconcile(c.ID, []*Message{remote, newOne})

	m, _ := s.Message(assistant.ID)
	assert.Equal(t, "partial plus the rest", m.Content)
	assert.Nil(t, m.Status)
	assert.True(t, m.Complete)
	assert.Equal(t, "msg-42", m.DurableID)

	_, ok := s.Message(newOne.ID)
	assert.True(t, ok)
}
