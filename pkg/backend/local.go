package backend

import (
	"context"
	"sync"

	"github.com/go-go-golems/veil/pkg/chat"
)

// LocalJobService is an in-memory JobService and MessageFetcher for tests and
// for running against nodes without a persistence backend. Job records live
// only for the process lifetime and FetchMessages returns what was recorded
// through RecordMessages.
type LocalJobService struct {
	mu       sync.Mutex
	jobs     map[chat.JobID]*chat.Job
	messages map[chat.ChatID][]*chat.Message
}

func NewLocalJobService() *LocalJobService {
	return &LocalJobService{
		jobs:     make(map[chat.JobID]*chat.Job),
		messages: make(map[chat.ChatID][]*chat.Message),
	}
}

func (l *LocalJobService) CreateJob(_ context.Context, params CreateJobParams) (*chat.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job := &chat.Job{
		ID:     chat.NewJobID(),
		ChatID: params.ChatID,
		NodeID: params.NodeID,
		Model:  params.Model,
		Status: chat.JobIdle,
	}
	l.jobs[job.ID] = job
	return job, nil
}

func (l *LocalJobService) RecordMessages(chatID chat.ChatID, msgs ...*chat.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[chatID] = append(l.messages[chatID], msgs...)
}

func (l *LocalJobService) FetchMessages(_ context.Context, chatID chat.ChatID) ([]*chat.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*chat.Message(nil), l.messages[chatID]...), nil
}

var (
	_ JobService     = (*LocalJobService)(nil)
	_ MessageFetcher = (*LocalJobService)(nil)
)
