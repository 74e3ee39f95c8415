// Package orchestrator keeps one bookmark poller and one DM poller running for
// every user with sync enabled.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"readwise-autosave/internal/domain"
	"readwise-autosave/internal/poller"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

type Worker interface {
	Run(ctx context.Context) error
}

// Factory builds the workers of one user.
type Factory func(user domain.User) []Worker

type UserStore interface {
	ListSyncUsers(ctx context.Context) ([]domain.User, error)
}

type entry struct {
	user   domain.User
	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	ctx     context.Context
	store   UserStore
	factory Factory
	mu      sync.Mutex
	users   map[string]*entry
	log     *slog.Logger
}

// New returns an orchestrator whose workers live at most as long as ctx.
func New(ctx context.Context, store UserStore, factory Factory, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		ctx:     ctx,
		store:   store,
		factory: factory,
		users:   make(map[string]*entry),
		log:     log,
	}
}

// Sync starts workers for users that have sync enabled and stops the rest.
func (o *Orchestrator) Sync(ctx context.Context) error {
	users, err := o.store.ListSyncUsers(ctx)
	if err != nil {
		return fmt.Errorf("list sync users: %w", err)
	}

	o.Reconcile(users)

	return nil
}

// Reconcile makes the running set equal to users.
func (o *Orchestrator) Reconcile(users []domain.User) {
	want := make(map[string]struct{}, len(users))
	for _, u := range users {
		want[u.ID] = struct{}{}
		o.Add(u)
	}

	var stale []string

	o.mu.Lock()
	for id := range o.users {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	o.mu.Unlock()

	for _, id := range stale {
		o.Remove(id)
	}
}

// Add starts the workers of user unless they already run.
func (o *Orchestrator) Add(user domain.User) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.users[user.ID]; ok {
		return
	}

	if o.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(o.ctx)
	e := &entry{user: user, cancel: cancel, done: make(chan struct{})}
	o.users[user.ID] = e

	var g errgroup.Group
	for _, w := range o.factory(user) {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	go func() {
		defer close(e.done)
		defer cancel()

		err := g.Wait()
		if err != nil && !errors.Is(err, poller.ErrStopped) {
			o.log.ErrorContext(ctx, "User workers failed",
				"error", err,
				"userID", user.ID)
		}

		o.mu.Lock()
		if o.users[user.ID] == e {
			delete(o.users, user.ID)
		}
		o.mu.Unlock()

		o.log.InfoContext(ctx, "User workers are stopped",
			"userID", user.ID,
			"did", user.DID)
	}()

	o.log.InfoContext(ctx, "User workers are started",
		"userID", user.ID,
		"did", user.DID)
}

// Remove stops the workers of userID and waits for in-flight items.
func (o *Orchestrator) Remove(userID string) {
	o.mu.Lock()
	e, ok := o.users[userID]
	o.mu.Unlock()

	if !ok {
		return
	}

	e.cancel()
	<-e.done
}

// Active returns the IDs of users with running workers.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.users))
	for id := range o.users {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Stop stops every user and waits.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.users))
	for _, e := range o.users {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}

	for _, e := range entries {
		<-e.done
	}
}
