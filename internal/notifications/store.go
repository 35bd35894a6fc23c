// Package notifications holds the client-side notification list. Reads are
// flipped optimistically and confirmed server-side best-effort; a later
// Load reconciles any drift against server truth.
package notifications

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/example/delivery-sync/internal/models"
	"github.com/example/delivery-sync/internal/observability"
)

// API is the slice of the REST client the store depends on.
type API interface {
	Notifications(ctx context.Context, skip, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

type Store struct {
	api    API
	logger *slog.Logger

	mu     sync.Mutex
	items  []models.Notification // newest first
	loaded bool

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func()
}

func NewStore(api API, logger *slog.Logger) *Store {
	return &Store{api: api, logger: logger, subs: make(map[int]func())}
}

// Load fetches one page of the listing. Offset 0 replaces the snapshot
// (server truth wins, including over optimistic flags that never
// confirmed); any other offset appends the page.
func (s *Store) Load(ctx context.Context, offset, limit int) error {
	page, err := s.api.Notifications(ctx, offset, limit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if offset == 0 {
		s.items = page
	} else {
		s.items = append(s.items, page...)
	}
	sort.SliceStable(s.items, func(i, j int) bool {
		return s.items[i].Timestamp.After(s.items[j].Timestamp)
	})
	s.loaded = true
	s.mu.Unlock()

	s.notify()
	return nil
}

// Append inserts a push-delivered notification at the top of the list.
func (s *Store) Append(n models.Notification) {
	s.mu.Lock()
	s.items = append([]models.Notification{n}, s.items...)
	s.mu.Unlock()
	s.notify()
}

// MarkRead flips the local read flag immediately, then confirms with the
// server. A failed confirmation is logged and tagged, never rolled back:
// the next Load corrects any drift. Read only ever transitions false→true.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	found := false
	for i := range s.items {
		if s.items[i].ID != id {
			continue
		}
		found = true
		if !s.items[i].Read {
			s.items[i].Read = true
			s.items[i].Sync = models.PendingConfirm
		}
		break
	}
	s.mu.Unlock()
	if !found {
		return nil
	}
	s.notify()

	err := s.api.MarkNotificationRead(ctx, id)

	s.mu.Lock()
	for i := range s.items {
		if s.items[i].ID != id {
			continue
		}
		if err != nil {
			s.items[i].Sync = models.ConfirmFailed
		} else {
			s.items[i].Sync = models.Synced
		}
		break
	}
	s.mu.Unlock()

	if err != nil {
		observability.MarkReadFailures.Inc()
		s.logger.Warn("read confirmation failed, keeping optimistic state", "id", id, "error", err)
	}
	// Subscribers see the tag settle either way, Synced or ConfirmFailed.
	s.notify()
	return nil
}

// MarkAllRead issues one MarkRead per unread notification concurrently and
// resolves once every attempt has completed, success or failure.
func (s *Store) MarkAllRead(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.items))
	for _, n := range s.items {
		if !n.Read {
			ids = append(ids, n.ID)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.MarkRead(ctx, id)
		}(id)
	}
	wg.Wait()
	s.notify()
}

// UnreadCount is derived from the current snapshot, never cached.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.items {
		if !n.Read {
			count++
		}
	}
	return count
}

func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Snapshot returns a copy of the list, newest first.
func (s *Store) Snapshot() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Notification, len(s.items))
	copy(out, s.items)
	return out
}

// Subscribe registers a change listener and returns its unsubscribe.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
