package livelocation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/delivery-sync/internal/models"
)

type fakeOrderAPI struct {
	mu      sync.Mutex
	order   models.Order
	err     error
	fetches int
}

func (f *fakeOrderAPI) Order(ctx context.Context, orderID string) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return models.Order{}, f.err
	}
	return f.order, nil
}

func (f *fakeOrderAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func newTestFeed(api OrderAPI) *Feed {
	return NewFeed(api, 45*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLastArrivalWins(t *testing.T) {
	f := newTestFeed(&fakeOrderAPI{})
	var seen []models.LocationSample
	unsub := f.Subscribe("X", func(s models.LocationSample) { seen = append(seen, s) })
	defer unsub()

	f.OnPushUpdate("X", 1, 1)
	f.OnPushUpdate("X", 2, 2)

	if len(seen) != 2 {
		t.Fatalf("subscriber saw %d updates, want 2", len(seen))
	}
	if seen[1].Lat != 2 || seen[1].Lng != 2 {
		t.Fatalf("last update observed out of order: %+v", seen)
	}
	latest, ok := f.Latest("X")
	if !ok || latest.Lat != 2 || latest.Lng != 2 {
		t.Fatalf("cache holds %+v, want the last arrival", latest)
	}
}

func TestPollFallbackSeedsAndCachesSample(t *testing.T) {
	api := &fakeOrderAPI{order: models.Order{
		ID:            "X",
		RiderLocation: &models.Coord{Lat: 10, Lng: 20},
	}}
	f := newTestFeed(api)

	unsub := f.Subscribe("X", func(models.LocationSample) {})
	sample, err := f.PollFallback(context.Background(), "X")
	if err != nil {
		t.Fatal(err)
	}
	if sample.Lat != 10 || sample.Lng != 20 {
		t.Fatalf("seeded sample %+v", sample)
	}

	// Unsubscribe then resubscribe: the cached sample survives and no
	// second fetch happens.
	unsub()
	unsub2 := f.Subscribe("X", func(models.LocationSample) {})
	defer unsub2()

	again, err := f.PollFallback(context.Background(), "X")
	if err != nil {
		t.Fatal(err)
	}
	if again != sample {
		t.Fatalf("resubscribe returned a different sample: %+v vs %+v", again, sample)
	}
	if api.fetchCount() != 1 {
		t.Fatalf("spurious refetch: %d fetches", api.fetchCount())
	}
}

func TestPollFallbackFailureLeavesCacheEmpty(t *testing.T) {
	api := &fakeOrderAPI{err: errors.New("backend down")}
	f := newTestFeed(api)

	if _, err := f.PollFallback(context.Background(), "X"); err == nil {
		t.Fatal("expected soft error")
	}
	if _, ok := f.Latest("X"); ok {
		t.Fatal("failed fallback must not populate the cache")
	}
}

func TestStalePushIsRefreshedByFallback(t *testing.T) {
	api := &fakeOrderAPI{order: models.Order{
		ID:            "X",
		RiderLocation: &models.Coord{Lat: 5, Lng: 5},
	}}
	f := newTestFeed(api)
	f.OnPushUpdate("X", 1, 1)
	// Age the cached sample past the staleness window.
	f.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	sample, err := f.PollFallback(context.Background(), "X")
	if err != nil {
		t.Fatal(err)
	}
	if sample.Lat != 5 || api.fetchCount() != 1 {
		t.Fatalf("stale cache not refreshed: %+v fetches=%d", sample, api.fetchCount())
	}
}

func TestReleaseOrderDropsSampleAndSubscribers(t *testing.T) {
	f := newTestFeed(&fakeOrderAPI{})
	var fired int
	f.Subscribe("X", func(models.LocationSample) { fired++ })
	f.OnPushUpdate("X", 1, 1)

	f.ReleaseOrder("X")
	if _, ok := f.Latest("X"); ok {
		t.Fatal("sample survived release")
	}
	f.OnPushUpdate("X", 2, 2) // no old subscriber may fire
	if fired != 1 {
		t.Fatalf("released subscriber fired, count=%d", fired)
	}
}

func TestSubscribersAreIndependentAcrossOrders(t *testing.T) {
	f := newTestFeed(&fakeOrderAPI{})
	var xCount, yCount int
	f.Subscribe("X", func(models.LocationSample) { xCount++ })
	f.Subscribe("Y", func(models.LocationSample) { yCount++ })

	f.OnPushUpdate("X", 1, 1)
	if xCount != 1 || yCount != 0 {
		t.Fatalf("cross-order fan-out: x=%d y=%d", xCount, yCount)
	}
}
