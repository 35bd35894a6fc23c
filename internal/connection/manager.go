// Package connection owns the single push channel. The manager is the only
// component that mutates connection state; everything else reads it.
package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/example/delivery-sync/internal/models"
	"github.com/example/delivery-sync/internal/observability"
)

// Sink receives every decoded push envelope, in arrival order.
type Sink interface {
	Dispatch(models.Envelope)
}

// Conn is the slice of a websocket connection the manager needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// Dialer abstracts the transport so tests can inject a fake channel.
type Dialer interface {
	DialContext(ctx context.Context, url, token string) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) DialContext(ctx context.Context, url, token string) (Conn, error) {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Manager struct {
	url         string
	dialer      Dialer
	sink        Sink
	logger      *slog.Logger
	maxInterval time.Duration

	mu        sync.Mutex
	state     models.ConnectionState
	token     string
	conn      Conn
	cancel    context.CancelFunc
	wake      chan struct{}
	stateSubs []func(models.ConnectionState)
}

func NewManager(url string, sink Sink, logger *slog.Logger, maxInterval time.Duration) *Manager {
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	return &Manager{
		url:         url,
		dialer:      wsDialer{},
		sink:        sink,
		logger:      logger,
		maxInterval: maxInterval,
	}
}

// SetDialer replaces the transport. Call before Connect; used by tests.
func (m *Manager) SetDialer(d Dialer) { m.dialer = d }

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers an observer for state transitions.
func (m *Manager) OnStateChange(fn func(models.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateSubs = append(m.stateSubs, fn)
}

// Connect establishes the channel for the given session token. Calling it
// while already connected with the same token is a no-op; a different token
// tears the prior connection down first. Connection failures never surface
// here: the manager retries with backoff until Disconnect.
func (m *Manager) Connect(sessionToken string) {
	m.mu.Lock()
	if m.cancel != nil && m.token == sessionToken {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.teardownLocked()
	}
	m.token = sessionToken
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wake = make(chan struct{}, 1)
	wake := m.wake
	m.mu.Unlock()

	go m.run(ctx, sessionToken, wake)
}

// Disconnect tears the channel down and clears every pending reconnect
// timer. Idempotent; no reconnect happens until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.token = ""
	m.mu.Unlock()
	m.setState(models.Disconnected)
}

// Resume is the foreground lifecycle signal: if the channel is not
// Connected, skip the remaining backoff wait and retry now. It never
// creates a duplicate connection and does nothing after Disconnect.
func (m *Manager) Resume() {
	m.mu.Lock()
	wake := m.wake
	state := m.state
	m.mu.Unlock()
	if state == models.Connected || wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.wake = nil
}

func (m *Manager) setState(s models.ConnectionState) {
	m.transition(nil, s)
}

// transition applies a state change unless ctx was already cancelled. The
// check happens under the same lock teardownLocked cancels under, so a
// retiring run loop can never overwrite the Disconnected state.
func (m *Manager) transition(ctx context.Context, s models.ConnectionState) {
	m.mu.Lock()
	if ctx != nil && ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	subs := make([]func(models.ConnectionState), len(m.stateSubs))
	copy(subs, m.stateSubs)
	m.mu.Unlock()

	observability.ConnectionState.Set(float64(s))
	for _, fn := range subs {
		fn(s)
	}
}

func (m *Manager) run(ctx context.Context, token string, wake chan struct{}) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = m.maxInterval
	policy.MaxElapsedTime = 0 // retry forever until Disconnect

	for {
		if ctx.Err() != nil {
			return
		}
		m.transition(ctx, models.Connecting)

		conn, err := m.dialer.DialContext(ctx, m.url, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := policy.NextBackOff()
			m.logger.Debug("channel dial failed", "error", err, "retry_in", wait)
			observability.Reconnects.Inc()
			if !m.sleep(ctx, wait, wake) {
				return
			}
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.mu.Unlock()

		policy.Reset()
		m.transition(ctx, models.Connected)
		m.logger.Info("channel connected")

		m.readLoop(ctx, conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		// Transport drop: stay in Connecting, not Disconnected, so
		// subscribers never need to re-subscribe.
		m.logger.Warn("channel dropped, reconnecting")
		observability.Reconnects.Inc()
		if !m.sleep(ctx, policy.NextBackOff(), wake) {
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.logger.Debug("discarding malformed push frame", "error", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		// Synchronous dispatch keeps per-connection arrival order.
		m.sink.Dispatch(env)
	}
}

// sleep waits for d, a wake nudge, or cancellation. Returns false when the
// manager should stop retrying.
func (m *Manager) sleep(ctx context.Context, d time.Duration, wake chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-t.C:
		return true
	}
}
