// Package livelocation caches the latest known rider coordinate per order
// and streams updates to subscribers and the embedded map renderer.
// Conflicts are resolved by arrival order: whatever reaches the feed last
// overwrites the cache, regardless of embedded timestamps.
package livelocation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/delivery-sync/internal/models"
	"github.com/example/delivery-sync/internal/observability"
)

// OrderAPI fetches the order detail used to seed the cache when no push
// update has arrived yet.
type OrderAPI interface {
	Order(ctx context.Context, orderID string) (models.Order, error)
}

type Feed struct {
	api       OrderAPI
	logger    *slog.Logger
	staleness time.Duration
	now       func() time.Time

	mu      sync.Mutex
	samples map[string]models.LocationSample
	subs    map[string]map[int]func(models.LocationSample)
	nextSub int
}

func NewFeed(api OrderAPI, staleness time.Duration, logger *slog.Logger) *Feed {
	if staleness <= 0 {
		staleness = 45 * time.Second
	}
	return &Feed{
		api:       api,
		logger:    logger,
		staleness: staleness,
		now:       time.Now,
		samples:   make(map[string]models.LocationSample),
		subs:      make(map[string]map[int]func(models.LocationSample)),
	}
}

// Subscribe registers interest in one order's position stream and returns
// the unsubscribe handle. Unsubscribing keeps the cached sample so a
// resubscribe reuses it without a refetch; ReleaseOrder is the teardown
// that actually drops state.
func (f *Feed) Subscribe(orderID string, onUpdate func(models.LocationSample)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	if f.subs[orderID] == nil {
		f.subs[orderID] = make(map[int]func(models.LocationSample))
	}
	f.subs[orderID][id] = onUpdate
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		if m, ok := f.subs[orderID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(f.subs, orderID)
			}
		}
		f.mu.Unlock()
	}
}

// OnPushUpdate replaces the cached sample unconditionally and fans the new
// coordinate out to every subscriber for the order, synchronously.
func (f *Feed) OnPushUpdate(orderID string, lat, lng float64) {
	sample := models.LocationSample{OrderID: orderID, Lat: lat, Lng: lng, ObservedAt: f.now()}
	f.store(sample)
}

// PollFallback seeds the cache with a one-shot REST fetch, used when an
// order detail is (re)loaded and the cache is empty or stale. A fresh
// cached sample is returned as-is with no network call. Failures are soft:
// the cache is left untouched and the map renders its loading state.
func (f *Feed) PollFallback(ctx context.Context, orderID string) (models.LocationSample, error) {
	f.mu.Lock()
	cached, ok := f.samples[orderID]
	f.mu.Unlock()
	if ok && f.now().Sub(cached.ObservedAt) < f.staleness {
		return cached, nil
	}

	observability.PollFallbacks.Inc()
	order, err := f.api.Order(ctx, orderID)
	if err != nil {
		f.logger.Debug("poll fallback failed", "order_id", orderID, "error", err)
		return models.LocationSample{}, err
	}
	if order.RiderLocation == nil {
		return models.LocationSample{}, fmt.Errorf("order %s has no rider position yet", orderID)
	}

	sample := models.LocationSample{
		OrderID:    orderID,
		Lat:        order.RiderLocation.Lat,
		Lng:        order.RiderLocation.Lng,
		ObservedAt: f.now(),
	}
	f.store(sample)
	return sample, nil
}

// Latest returns the cached sample for the order, if any.
func (f *Feed) Latest(orderID string) (models.LocationSample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.samples[orderID]
	return s, ok
}

// ReleaseOrder drops the cached sample and every subscriber for the order.
// Call it when the last UI consumer for the order tears down.
func (f *Feed) ReleaseOrder(orderID string) {
	f.mu.Lock()
	delete(f.samples, orderID)
	delete(f.subs, orderID)
	f.mu.Unlock()
}

func (f *Feed) store(sample models.LocationSample) {
	f.mu.Lock()
	f.samples[sample.OrderID] = sample
	fns := make([]func(models.LocationSample), 0, len(f.subs[sample.OrderID]))
	for _, fn := range f.subs[sample.OrderID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(sample)
	}
}
