package devserver

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-sync/internal/models"
)

// Store is the devserver's in-memory fixture state. It is deliberately
// ephemeral: restart the process, get a fresh world.
type Store struct {
	mu            sync.RWMutex
	notifications []models.Notification // newest first
	conversations map[string]*models.Conversation
	presence      map[string]models.Presence
	orders        map[string]*models.Order
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*models.Conversation),
		presence:      make(map[string]models.Presence),
		orders:        make(map[string]*models.Order),
	}
}

// SeedDemo populates one customer/rider pair with an active order so the
// client has something to sync against immediately.
func (s *Store) SeedDemo() (orderID string) {
	now := time.Now()
	orderID = uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[orderID] = &models.Order{
		ID:            orderID,
		Status:        "assigned",
		Pickup:        models.Coord{Lat: 6.5244, Lng: 3.3792},
		Dropoff:       models.Coord{Lat: 6.4281, Lng: 3.4219},
		RiderID:       "rider-demo",
		RiderLocation: &models.Coord{Lat: 6.52, Lng: 3.38},
		CustomerID:    "customer-demo",
		AmountCents:   150000,
		DistanceKM:    11.3,
	}
	s.conversations[orderID] = &models.Conversation{
		OrderID:      orderID,
		Participants: models.Participants{CustomerID: "customer-demo", RiderID: "rider-demo"},
		OrderStatus:  "assigned",
		CreatedAt:    now,
	}
	s.presence["rider-demo"] = models.Presence{UserID: "rider-demo", Known: true, Online: true}
	s.presence["customer-demo"] = models.Presence{UserID: "customer-demo", Known: true, Online: true}
	s.notifications = []models.Notification{
		{ID: uuid.NewString(), Type: models.EvOrderAssigned, Title: "Rider assigned", Message: "A rider accepted your delivery", Timestamp: now},
		{ID: uuid.NewString(), Type: models.EvDeliveryOTP, Title: "Delivery code", Message: "Share code 4821 at handoff", Timestamp: now.Add(-time.Minute)},
	}
	return orderID
}

func (s *Store) Notifications(skip, limit int) ([]models.Notification, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := len(s.notifications)
	if skip >= total {
		return []models.Notification{}, total
	}
	end := skip + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]models.Notification, end-skip)
	copy(out, s.notifications[skip:end])
	return out, total
}

func (s *Store) AddNotification(n models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append([]models.Notification{n}, s.notifications...)
}

// MarkNotificationRead flips the flag; already-read and unknown ids are
// no-ops, so the endpoint stays idempotent.
func (s *Store) MarkNotificationRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Read = true
			return
		}
	}
}

func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	return out
}

func (s *Store) Presence(userID string) (models.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[userID]
	return p, ok
}

func (s *Store) SetPresence(p models.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[p.UserID] = p
}

func (s *Store) Order(id string) (models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

func (s *Store) MoveRider(orderID string, lat, lng float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false
	}
	o.RiderLocation = &models.Coord{Lat: lat, Lng: lng}
	return true
}
