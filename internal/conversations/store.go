// Package conversations holds the per-order chat threads, their unread
// counters, and the counterpart presence merged in on every refresh.
package conversations

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/delivery-sync/internal/models"
	"github.com/example/delivery-sync/internal/observability"
)

// API is the slice of the REST client the store depends on.
type API interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
}

type Store struct {
	api      API
	presence *Fetcher
	logger   *slog.Logger
	// viewerID decides which participant is the counterpart.
	viewerID string

	mu     sync.Mutex
	convos map[string]*models.Conversation // keyed by orderId
	open   map[string]bool
	loaded bool

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func()
}

func NewStore(api API, presence *Fetcher, viewerID string, logger *slog.Logger) *Store {
	return &Store{
		api:      api,
		presence: presence,
		viewerID: viewerID,
		logger:   logger,
		convos:   make(map[string]*models.Conversation),
		open:     make(map[string]bool),
		subs:     make(map[int]func()),
	}
}

// Load fetches all conversations, then resolves counterpart presence for
// each concurrently. A failed lookup degrades that single conversation to
// unknown presence and never aborts the batch.
func (s *Store) Load(ctx context.Context) error {
	list, err := s.api.Conversations(ctx)
	if err != nil {
		return err
	}

	type resolved struct {
		orderID  string
		presence models.Presence
	}
	results := make(chan resolved, len(list))
	var wg sync.WaitGroup
	for _, c := range list {
		wg.Add(1)
		go func(orderID, userID string) {
			defer wg.Done()
			p, err := s.presence.Resolve(ctx, userID)
			if err != nil {
				observability.PresenceFailures.Inc()
				s.logger.Debug("presence lookup failed", "user_id", userID, "error", err)
				p = models.Presence{UserID: userID} // Known stays false
			}
			results <- resolved{orderID: orderID, presence: p}
		}(c.OrderID, s.counterpart(c.Participants))
	}
	wg.Wait()
	close(results)

	byOrder := make(map[string]models.Presence, len(list))
	for r := range results {
		byOrder[r.orderID] = r.presence
	}

	s.mu.Lock()
	fresh := make(map[string]*models.Conversation, len(list))
	for i := range list {
		c := list[i]
		c.Presence = byOrder[c.OrderID]
		// An open conversation stays read regardless of server counts.
		if s.open[c.OrderID] {
			c.UnreadCount = 0
		}
		fresh[c.OrderID] = &c
	}
	s.convos = fresh
	s.loaded = true
	s.mu.Unlock()

	s.notify()
	return nil
}

// ApplyIncomingMessage records a chat-related push event: updates the last
// message and bumps the unread counter unless that conversation is open in
// the UI. Unknown orders get a fresh entry (order.created).
func (s *Store) ApplyIncomingMessage(ev models.OrderEvent) {
	s.mu.Lock()
	c, ok := s.convos[ev.OrderID]
	if !ok {
		c = &models.Conversation{
			OrderID:      ev.OrderID,
			Participants: ev.Participants,
			OrderStatus:  ev.Status,
			CreatedAt:    ev.CreatedAt,
		}
		s.convos[ev.OrderID] = c
	}
	if ev.Message != "" {
		c.LastMessage = &models.LastMessage{Message: ev.Message, CreatedAt: ev.CreatedAt}
		if !s.open[ev.OrderID] {
			c.UnreadCount++
		}
	}
	if ev.Status != "" {
		c.OrderStatus = ev.Status
	}
	s.mu.Unlock()
	s.notify()
}

// UpdateStatus applies an order.status_updated push event.
func (s *Store) UpdateStatus(orderID, status string) {
	s.mu.Lock()
	if c, ok := s.convos[orderID]; ok {
		c.OrderStatus = status
	}
	s.mu.Unlock()
	s.notify()
}

// Open marks a conversation as currently viewed: its unread counter resets
// and stops incrementing until Close.
func (s *Store) Open(orderID string) {
	s.mu.Lock()
	s.open[orderID] = true
	if c, ok := s.convos[orderID]; ok {
		c.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) Close(orderID string) {
	s.mu.Lock()
	delete(s.open, orderID)
	s.mu.Unlock()
}

func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Snapshot returns the list newest-lastMessage-first. Conversations with no
// messages sort by order recency; remaining ties break by orderId ascending
// so the list is stable across refreshes.
func (s *Store) Snapshot() []models.Conversation {
	s.mu.Lock()
	out := make([]models.Conversation, 0, len(s.convos))
	for _, c := range s.convos {
		out = append(out, *c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := sortKey(out[i]), sortKey(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// UnreadTotal is the aggregate unread counter across all conversations.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.convos {
		total += c.UnreadCount
	}
	return total
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

func (s *Store) counterpart(p models.Participants) string {
	if p.CustomerID == s.viewerID {
		return p.RiderID
	}
	return p.CustomerID
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

func sortKey(c models.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}
