package notifications

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

type fakeAPI struct {
	mu        sync.Mutex
	page      []models.Notification
	pageErr   error
	failIDs   map[string]bool // MarkNotificationRead fails for these
	confirmed []string
}

func (f *fakeAPI) Notifications(ctx context.Context, skip, limit int) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	out := make([]models.Notification, len(f.page))
	copy(out, f.page)
	return out, nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return errors.New("network down")
	}
	f.confirmed = append(f.confirmed, id)
	return nil
}

func (f *fakeAPI) confirmCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.confirmed {
		if c == id {
			n++
		}
	}
	return n
}

func notif(id string, read bool, ts time.Time) models.Notification {
	return models.Notification{ID: id, Type: "delivery.otp", Title: "t", Message: "m", Timestamp: ts, Read: read}
}

func newTestStore(api API) *Store {
	return NewStore(api, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUnreadCountMatchesSnapshotAfterEveryOperation(t *testing.T) {
	now := time.Now()
	api := &fakeAPI{page: []models.Notification{
		notif("a", false, now),
		notif("b", true, now.Add(-time.Minute)),
		notif("c", false, now.Add(-2*time.Minute)),
	}}
	s := newTestStore(api)

	if err := s.Load(context.Background(), 0, 20); err != nil {
		t.Fatal(err)
	}
	check := func(want int) {
		t.Helper()
		unread := 0
		for _, n := range s.Snapshot() {
			if !n.Read {
				unread++
			}
		}
		if got := s.UnreadCount(); got != want || got != unread {
			t.Fatalf("UnreadCount=%d snapshot unread=%d want %d", got, unread, want)
		}
	}
	check(2)

	s.MarkRead(context.Background(), "a")
	check(1)

	s.Append(notif("d", false, now.Add(time.Second)))
	check(2)

	s.MarkAllRead(context.Background())
	check(0)
}

func TestMarkReadIsIdempotentAndNeverReverts(t *testing.T) {
	api := &fakeAPI{page: []models.Notification{notif("a", false, time.Now())}}
	s := newTestStore(api)
	s.Load(context.Background(), 0, 20)

	s.MarkRead(context.Background(), "a")
	first := s.Snapshot()
	s.MarkRead(context.Background(), "a")
	second := s.Snapshot()

	if !first[0].Read || !second[0].Read {
		t.Fatal("read flag reverted")
	}
	if first[0].Sync != models.Synced || second[0].Sync != models.Synced {
		t.Fatal("sync tag drifted on duplicate markRead")
	}
}

func TestMarkReadKeepsOptimisticStateOnFailure(t *testing.T) {
	api := &fakeAPI{
		page:    []models.Notification{notif("a", false, time.Now())},
		failIDs: map[string]bool{"a": true},
	}
	s := newTestStore(api)
	s.Load(context.Background(), 0, 20)

	if err := s.MarkRead(context.Background(), "a"); err != nil {
		t.Fatalf("mutation failure must not surface: %v", err)
	}
	got := s.Snapshot()[0]
	if !got.Read {
		t.Fatal("optimistic read flag rolled back")
	}
	if got.Sync != models.ConfirmFailed {
		t.Fatalf("sync tag = %v, want ConfirmFailed", got.Sync)
	}
}

func TestFailedConfirmIsObservableBySubscribers(t *testing.T) {
	api := &fakeAPI{
		page:    []models.Notification{notif("a", false, time.Now())},
		failIDs: map[string]bool{"a": true},
	}
	s := newTestStore(api)
	s.Load(context.Background(), 0, 20)

	var states []models.SyncState
	unsub := s.Subscribe(func() { states = append(states, s.Snapshot()[0].Sync) })
	defer unsub()

	s.MarkRead(context.Background(), "a")

	if len(states) < 2 {
		t.Fatalf("subscriber fired %d times, want optimistic then settled", len(states))
	}
	if states[0] != models.PendingConfirm {
		t.Fatalf("first observed tag = %v, want PendingConfirm", states[0])
	}
	if states[len(states)-1] != models.ConfirmFailed {
		t.Fatalf("settled tag = %v, want ConfirmFailed", states[len(states)-1])
	}
}

func TestMarkAllReadToleratesPartialFailure(t *testing.T) {
	now := time.Now()
	api := &fakeAPI{
		page: []models.Notification{
			notif("a", false, now),
			notif("b", false, now.Add(-time.Minute)),
		},
		failIDs: map[string]bool{"b": true},
	}
	s := newTestStore(api)
	s.Load(context.Background(), 0, 20)

	s.MarkAllRead(context.Background())

	for _, n := range s.Snapshot() {
		if !n.Read {
			t.Fatalf("notification %s still unread", n.ID)
		}
	}
	if s.UnreadCount() != 0 {
		t.Fatalf("UnreadCount=%d, want 0", s.UnreadCount())
	}
}

func TestLoadReconcilesAgainstServerTruth(t *testing.T) {
	now := time.Now()
	api := &fakeAPI{
		page:    []models.Notification{notif("a", false, now)},
		failIDs: map[string]bool{"a": true},
	}
	s := newTestStore(api)
	s.Load(context.Background(), 0, 20)
	s.MarkRead(context.Background(), "a") // confirmation fails, stays optimistic

	// Server still says unread; a fresh load wins.
	s.Load(context.Background(), 0, 20)
	if s.Snapshot()[0].Read {
		t.Fatal("load did not reconcile drifted read flag")
	}
}

func TestPushAppendAndPagingOrder(t *testing.T) {
	now := time.Now()
	api := &fakeAPI{page: []models.Notification{
		notif("old", false, now.Add(-time.Hour)),
	}}
	s := newTestStore(api)
	s.Load(context.Background(), 0, 20)
	s.Append(notif("fresh", false, now))

	snap := s.Snapshot()
	if snap[0].ID != "fresh" || snap[1].ID != "old" {
		t.Fatalf("not newest-first: %s, %s", snap[0].ID, snap[1].ID)
	}

	var fired int
	unsub := s.Subscribe(func() { fired++ })
	s.Append(notif("x", false, now.Add(time.Second)))
	if fired != 1 {
		t.Fatalf("subscriber fired %d times, want 1", fired)
	}
	unsub()
	s.Append(notif("y", false, now.Add(2*time.Second)))
	if fired != 1 {
		t.Fatal("subscriber fired after unsubscribe")
	}
}

func TestDuplicateConfirmIsSafe(t *testing.T) {
	api := &fakeAPI{page: []models.Notification{notif("a", true, time.Now())}}
	s := newTestStore(api)
	s.Load(context.Background(), 0, 20)

	// Already read locally: still re-issues the idempotent confirm.
	s.MarkRead(context.Background(), "a")
	if api.confirmCount("a") != 1 {
		t.Fatalf("confirm calls = %d, want 1", api.confirmCount("a"))
	}
	if !s.Snapshot()[0].Read {
		t.Fatal("read flag changed")
	}
}
