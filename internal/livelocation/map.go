package livelocation

import (
	"sync"
	"time"

	"github.com/example/delivery-sync/internal/models"
	"github.com/example/delivery-sync/internal/schedule"
)

// RenderCommand is the one instruction the embedded map renderer accepts:
// redraw with these coordinates.
type RenderCommand struct {
	OrderID  string
	Pickup   models.Coord
	Dropoff  models.Coord
	Rider    models.Coord
	HasRider bool
}

// Renderer is the external map bridge; rendering internals are not ours.
type Renderer interface {
	Render(RenderCommand)
}

// coalesceWindow batches bursts of push updates into one redraw.
const coalesceWindow = 250 * time.Millisecond

// MapDriver feeds one order's position stream into the renderer. It redraws
// on every (coalesced) sample and re-issues the latest command on a fixed
// interval so the map stays visibly alive even without new pushes.
type MapDriver struct {
	renderer Renderer
	redraw   *schedule.Task

	mu  sync.Mutex
	cmd RenderCommand

	unsub  func()
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func StartMapDriver(feed *Feed, renderer Renderer, orderID string, pickup, dropoff models.Coord, interval time.Duration) *MapDriver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	d := &MapDriver{
		renderer: renderer,
		redraw:   schedule.NewTask(),
		cmd:      RenderCommand{OrderID: orderID, Pickup: pickup, Dropoff: dropoff},
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}

	if sample, ok := feed.Latest(orderID); ok {
		d.apply(sample)
	}
	d.render()

	d.unsub = feed.Subscribe(orderID, func(sample models.LocationSample) {
		d.apply(sample)
		d.redraw.Schedule(coalesceWindow, d.render)
	})

	go d.loop()
	return d
}

// Stop tears the driver down: unsubscribes from the feed and cancels the
// redraw timers. Safe to call more than once.
func (d *MapDriver) Stop() {
	d.once.Do(func() {
		d.unsub()
		d.redraw.Stop()
		d.ticker.Stop()
		close(d.done)
	})
}

func (d *MapDriver) apply(sample models.LocationSample) {
	d.mu.Lock()
	d.cmd.Rider = models.Coord{Lat: sample.Lat, Lng: sample.Lng}
	d.cmd.HasRider = true
	d.mu.Unlock()
}

func (d *MapDriver) render() {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	d.renderer.Render(cmd)
}

func (d *MapDriver) loop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.ticker.C:
			d.render()
		}
	}
}
