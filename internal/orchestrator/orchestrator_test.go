package orchestrator_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"readwise-autosave/internal/domain"
	"readwise-autosave/internal/orchestrator"
	"readwise-autosave/internal/poller"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type blockingWorker struct {
	running  *atomic.Int32
	finished *atomic.Int32
}

// Run blocks until ctx is done, then finishes its "in-flight item".
func (w blockingWorker) Run(ctx context.Context) error {
	w.running.Add(1)
	defer w.running.Add(-1)

	<-ctx.Done()

	time.Sleep(10 * time.Millisecond)
	w.finished.Add(1)

	return nil
}

type stoppingWorker struct{}

func (stoppingWorker) Run(context.Context) error {
	return fmt.Errorf("%w: sync is disabled", poller.ErrStopped)
}

type stubStore struct {
	mu    sync.Mutex
	users []domain.User
}

func (s *stubStore) ListSyncUsers(context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.User(nil), s.users...), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncStartsAndStopsUsers(t *testing.T) {
	ctx := context.Background()

	var running, finished atomic.Int32
	factory := func(domain.User) []orchestrator.Worker {
		w := blockingWorker{running: &running, finished: &finished}
		return []orchestrator.Worker{w, w}
	}

	store := &stubStore{users: []domain.User{{ID: "a"}, {ID: "b"}}}
	o := orchestrator.New(ctx, store, factory, testLogger())
	defer o.Stop()

	if err := o.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if got := o.Active(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("unexpected active users %v", got)
	}

	waitFor(t, func() bool { return running.Load() == 4 })

	if err := o.Sync(ctx); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	if running.Load() != 4 {
		t.Fatalf("sync started duplicate workers")
	}

	store.mu.Lock()
	store.users = []domain.User{{ID: "b"}}
	store.mu.Unlock()

	if err := o.Sync(ctx); err != nil {
		t.Fatalf("third sync failed: %v", err)
	}

	if got := o.Active(); !slices.Equal(got, []string{"b"}) {
		t.Fatalf("unexpected active users %v", got)
	}

	if finished.Load() != 2 {
		t.Fatalf("expected removal to wait for both workers, got %d", finished.Load())
	}
}

func TestStoppedWorkersLeaveRegistry(t *testing.T) {
	ctx := context.Background()

	factory := func(domain.User) []orchestrator.Worker {
		return []orchestrator.Worker{stoppingWorker{}, stoppingWorker{}}
	}

	o := orchestrator.New(ctx, &stubStore{}, factory, testLogger())
	o.Add(domain.User{ID: "a"})

	waitFor(t, func() bool { return len(o.Active()) == 0 })

	o.Add(domain.User{ID: "a"})
	waitFor(t, func() bool { return len(o.Active()) == 0 })
}

func TestStopWaitsForAllUsers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running, finished atomic.Int32
	factory := func(domain.User) []orchestrator.Worker {
		return []orchestrator.Worker{blockingWorker{running: &running, finished: &finished}}
	}

	o := orchestrator.New(ctx, &stubStore{}, factory, testLogger())
	o.Reconcile([]domain.User{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	waitFor(t, func() bool { return running.Load() == 3 })

	o.Stop()

	if finished.Load() != 3 {
		t.Fatalf("expected every worker to finish, got %d", finished.Load())
	}

	if len(o.Active()) != 0 {
		t.Fatalf("registry is not empty after stop")
	}
}
