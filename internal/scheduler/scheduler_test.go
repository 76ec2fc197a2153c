package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/db"
)

type fakeStore struct {
	due      []*db.ScheduledJob
	claimErr error

	failed map[uuid.UUID]string
}

func (f *fakeStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledJob, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.due) > limit {
		jobs := f.due[:limit]
		f.due = f.due[limit:]
		return jobs, nil
	}
	jobs := f.due
	f.due = nil
	return jobs, nil
}

func (f *fakeStore) FailJob(ctx context.Context, id uuid.UUID, reason string) error {
	if f.failed == nil {
		f.failed = make(map[uuid.UUID]string)
	}
	f.failed[id] = reason
	return nil
}

type fakeDispatcher struct {
	dispatched []uuid.UUID
	failWith   map[uuid.UUID]error
}

func (f *fakeDispatcher) DispatchScheduled(ctx context.Context, job *db.ScheduledJob) error {
	f.dispatched = append(f.dispatched, job.ID)
	if err, ok := f.failWith[job.ID]; ok {
		return err
	}
	return nil
}

func job() *db.ScheduledJob {
	return &db.ScheduledJob{ID: uuid.New(), Status: db.JobStatusRunning}
}

func TestPollDispatchesClaimedJobs(t *testing.T) {
	jobs := []*db.ScheduledJob{job(), job(), job()}
	store := &fakeStore{due: jobs}
	dispatcher := &fakeDispatcher{}

	s := New(store, dispatcher, Config{BatchSize: 5}, zap.NewNop())

	if n := s.Poll(context.Background()); n != 3 {
		t.Fatalf("expected 3 claimed jobs, got %d", n)
	}
	if len(dispatcher.dispatched) != 3 {
		t.Errorf("expected 3 dispatches, got %d", len(dispatcher.dispatched))
	}
	if len(store.failed) != 0 {
		t.Errorf("no jobs should have failed: %v", store.failed)
	}
}

func TestPollRespectsBatchSize(t *testing.T) {
	store := &fakeStore{due: []*db.ScheduledJob{job(), job(), job()}}
	dispatcher := &fakeDispatcher{}

	s := New(store, dispatcher, Config{BatchSize: 2}, zap.NewNop())

	if n := s.Poll(context.Background()); n != 2 {
		t.Fatalf("expected batch of 2, got %d", n)
	}
	if n := s.Poll(context.Background()); n != 1 {
		t.Fatalf("expected remaining 1, got %d", n)
	}
}

func TestPollOneFailureDoesNotAbortBatch(t *testing.T) {
	bad := job()
	good := job()
	store := &fakeStore{due: []*db.ScheduledJob{bad, good}}
	dispatcher := &fakeDispatcher{
		failWith: map[uuid.UUID]error{bad.ID: errors.New("contact no longer exists")},
	}

	s := New(store, dispatcher, Config{BatchSize: 5}, zap.NewNop())
	s.Poll(context.Background())

	if len(dispatcher.dispatched) != 2 {
		t.Fatalf("both jobs must be attempted, got %d", len(dispatcher.dispatched))
	}
	if reason, ok := store.failed[bad.ID]; !ok || reason != "contact no longer exists" {
		t.Errorf("failing job not settled with its reason: %v", store.failed)
	}
	if _, ok := store.failed[good.ID]; ok {
		t.Error("healthy job marked FAILED")
	}
}

func TestPollClaimErrorSkipsCycle(t *testing.T) {
	store := &fakeStore{claimErr: errors.New("connection reset")}
	dispatcher := &fakeDispatcher{}

	s := New(store, dispatcher, Config{}, zap.NewNop())

	if n := s.Poll(context.Background()); n != 0 {
		t.Fatalf("expected 0 on claim failure, got %d", n)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Error("nothing may be dispatched when the claim failed")
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	s := New(store, &fakeDispatcher{}, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	s := New(&fakeStore{}, &fakeDispatcher{}, Config{}, zap.NewNop())

	if s.config.PollInterval != 5*time.Second {
		t.Errorf("default poll interval: %s", s.config.PollInterval)
	}
	if s.config.BatchSize != 5 {
		t.Errorf("default batch size: %d", s.config.BatchSize)
	}
}
