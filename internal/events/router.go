// Package events demultiplexes inbound push events by type tag. The router
// carries no business logic: stores register handlers, the connection's
// read loop dispatches. Handlers run synchronously so a single inbound
// event mutates state atomically with respect to the next one.
package events

import (
	"log/slog"
	"sync"

	"github.com/example/delivery-sync/internal/models"
	"github.com/example/delivery-sync/internal/observability"
)

type Handler func(models.Envelope)

type Router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{handlers: make(map[string][]Handler), logger: logger}
}

// On registers a handler for one event tag. Multiple handlers per tag are
// allowed; dispatch fans out in registration order.
func (r *Router) On(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], h)
}

// Dispatch invokes every handler registered for the envelope's tag. A
// panicking handler is recovered and logged so the rest still run.
// Unrecognized tags are dropped with a diagnostic, never an error.
func (r *Router) Dispatch(env models.Envelope) {
	r.mu.RLock()
	hs := r.handlers[env.Event]
	r.mu.RUnlock()

	if len(hs) == 0 {
		observability.EventsDropped.Inc()
		r.logger.Debug("dropping unrecognized event", "event", env.Event)
		return
	}

	observability.EventsDispatched.WithLabelValues(env.Event).Inc()
	for _, h := range hs {
		r.invoke(env, h)
	}
}

func (r *Router) invoke(env models.Envelope, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.HandlerPanics.Inc()
			r.logger.Error("event handler panicked", "event", env.Event, "error", rec)
		}
	}()
	h(env)
}
