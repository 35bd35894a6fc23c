package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SyncState tracks how a locally mutated record relates to server truth.
type SyncState int

const (
	Synced SyncState = iota
	PendingConfirm
	ConfirmFailed
)

type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Read      bool           `json:"read"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Sync      SyncState      `json:"-"`
}

type Participants struct {
	CustomerID string `json:"customer_id"`
	RiderID    string `json:"rider_id"`
}

type LastMessage struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is one chat thread; orderId is the natural key.
type Conversation struct {
	OrderID      string       `json:"order_id"`
	Participants Participants `json:"participants"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
	OrderStatus  string       `json:"order_status,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	Presence     Presence     `json:"presence"`
}

type Presence struct {
	UserID     string     `json:"user_id"`
	Known      bool       `json:"known"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

type LocationSample struct {
	OrderID    string    `json:"order_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ObservedAt time.Time `json:"observed_at"`
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Envelope is the wire shape of every push event on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Recognized push event tags.
const (
	EvOrderCreated       = "order.created"
	EvOrderAssigned      = "order.assigned"
	EvOrderStatusUpdated = "order.status_updated"
	EvDeliveryOTP        = "delivery.otp"
	EvDeliveryVerified   = "delivery.verified"
	EvDeliveryProof      = "delivery.proof_updated"
	EvAuthVerified       = "auth.verified"
	EvProfileUpdated     = "profile.updated"
	EvPayoutGenerated    = "payout.generated"
	EvPayoutPaid         = "payout.paid"
	EvRiderLocation      = "rider.location"
)

// OrderEvent is the payload for the order.* tags.
type OrderEvent struct {
	OrderID      string       `json:"order_id"`
	Participants Participants `json:"participants"`
	Status       string       `json:"status,omitempty"`
	Message      string       `json:"message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

type RiderLocationEvent struct {
	OrderID string  `json:"order_id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// Order is the slice of the order detail the sync core needs: enough to
// seed the location cache and draw the route endpoints.
type Order struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Pickup        Coord   `json:"pickup"`
	Dropoff       Coord   `json:"dropoff"`
	RiderID       string  `json:"rider_id,omitempty"`
	RiderLocation *Coord  `json:"rider_location,omitempty"`
	CustomerID    string  `json:"customer_id"`
	AmountCents   int64   `json:"amount_cents"`
	DistanceKM    float64 `json:"distance_km"`
}
