package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-sync/internal/api"
	"github.com/example/delivery-sync/internal/config"
	"github.com/example/delivery-sync/internal/connection"
	"github.com/example/delivery-sync/internal/conversations"
	"github.com/example/delivery-sync/internal/events"
	"github.com/example/delivery-sync/internal/livelocation"
	"github.com/example/delivery-sync/internal/logging"
	"github.com/example/delivery-sync/internal/models"
	"github.com/example/delivery-sync/internal/notifications"
)

var notificationTags = []string{
	models.EvDeliveryOTP,
	models.EvDeliveryVerified,
	models.EvDeliveryProof,
	models.EvAuthVerified,
	models.EvProfileUpdated,
	models.EvPayoutGenerated,
	models.EvPayoutPaid,
}

func main() {
	cfg, err := config.LoadSyncConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	userID := os.Getenv("USER_ID")
	token := os.Getenv("SESSION_TOKEN")
	if token == "" {
		if userID == "" {
			log.Fatal("set SESSION_TOKEN or USER_ID")
		}
		token, err = login(cfg.APIBaseURL, userID)
		if err != nil {
			log.Fatalf("login: %v", err)
		}
	}

	client := api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout, func() string { return token })

	router := events.NewRouter(logging.For(logger, "events"))
	notifStore := notifications.NewStore(client, logging.For(logger, "notifications"))
	presence := conversations.NewFetcher(client)
	convStore := conversations.NewStore(client, presence, userID, logging.For(logger, "conversations"))
	feed := livelocation.NewFeed(client, cfg.StalenessWindow, logging.For(logger, "livelocation"))

	wireRoutes(router, notifStore, convStore, feed, logger)

	mgr := connection.NewManager(cfg.WSURL, router, logging.For(logger, "connection"), cfg.ReconnectMaxInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One redraw loop per order with live locations, started lazily.
	drivers := newMapDrivers(feed, client, logRenderer{logger: logging.For(logger, "map")}, cfg.MapRedrawInterval)
	defer drivers.stopAll()
	router.On(models.EvRiderLocation, func(env models.Envelope) {
		var ev models.RiderLocationEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		// The order fetch suspends, so it cannot run inside dispatch.
		go drivers.ensure(ctx, ev.OrderID)
	})

	mgr.Connect(token)
	defer mgr.Disconnect()

	// SIGUSR1 is the daemon's foreground/resume signal: reconnect now if
	// the channel is down.
	resume := make(chan os.Signal, 1)
	signal.Notify(resume, syscall.SIGUSR1)
	go func() {
		for range resume {
			mgr.Resume()
		}
	}()

	// Initial REST snapshots; the channel keeps them current from here on.
	loadCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	if err := notifStore.Load(loadCtx, 0, 20); err != nil {
		logger.Warn("initial notification load failed", "error", err)
	}
	if err := convStore.Load(loadCtx); err != nil {
		logger.Warn("initial conversation load failed", "error", err)
	}
	cancel()

	go serveDebug(cfg.DebugAddr, mgr, notifStore, convStore, feed, logger)

	logger.Info("syncd running", "api", cfg.APIBaseURL, "ws", cfg.WSURL, "debug", cfg.DebugAddr)
	<-ctx.Done()
	logger.Info("shutting down")
}

func wireRoutes(router *events.Router, notifStore *notifications.Store, convStore *conversations.Store, feed *livelocation.Feed, logger interface{ Debug(string, ...any) }) {
	orderHandler := func(env models.Envelope) {
		var ev models.OrderEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			logger.Debug("bad order event payload", "event", env.Event, "error", err)
			return
		}
		convStore.ApplyIncomingMessage(ev)
	}
	router.On(models.EvOrderCreated, orderHandler)
	router.On(models.EvOrderAssigned, orderHandler)
	router.On(models.EvOrderStatusUpdated, func(env models.Envelope) {
		var ev models.OrderEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		convStore.UpdateStatus(ev.OrderID, ev.Status)
	})

	for _, tag := range notificationTags {
		router.On(tag, func(env models.Envelope) {
			var n models.Notification
			if err := json.Unmarshal(env.Data, &n); err != nil {
				logger.Debug("bad notification payload", "event", env.Event, "error", err)
				return
			}
			if n.Type == "" {
				n.Type = env.Event
			}
			if n.Timestamp.IsZero() {
				n.Timestamp = time.Now()
			}
			notifStore.Append(n)
		})
	}

	router.On(models.EvRiderLocation, func(env models.Envelope) {
		var ev models.RiderLocationEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		feed.OnPushUpdate(ev.OrderID, ev.Lat, ev.Lng)
	})
}

// logRenderer stands in for the embedded map web view: it just logs each
// redraw command the bridge would hand to the renderer.
type logRenderer struct {
	logger interface{ Info(string, ...any) }
}

func (l logRenderer) Render(cmd livelocation.RenderCommand) {
	l.logger.Info("map_redraw",
		"order_id", cmd.OrderID,
		"rider_lat", cmd.Rider.Lat,
		"rider_lng", cmd.Rider.Lng,
		"has_rider", cmd.HasRider,
	)
}

// mapDrivers lazily starts one redraw loop per order as its first location
// event arrives, and stops them all on shutdown.
type mapDrivers struct {
	feed     *livelocation.Feed
	client   *api.Client
	renderer livelocation.Renderer
	interval time.Duration

	mu       sync.Mutex
	drivers  map[string]*livelocation.MapDriver
	starting map[string]bool
}

func newMapDrivers(feed *livelocation.Feed, client *api.Client, renderer livelocation.Renderer, interval time.Duration) *mapDrivers {
	return &mapDrivers{
		feed:     feed,
		client:   client,
		renderer: renderer,
		interval: interval,
		drivers:  make(map[string]*livelocation.MapDriver),
		starting: make(map[string]bool),
	}
}

func (m *mapDrivers) ensure(ctx context.Context, orderID string) {
	m.mu.Lock()
	if m.drivers[orderID] != nil || m.starting[orderID] {
		m.mu.Unlock()
		return
	}
	m.starting[orderID] = true
	m.mu.Unlock()

	order, err := m.client.Order(ctx, orderID)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.starting, orderID)
	if err != nil {
		// Nothing to draw without pickup/dropoff; the next location
		// event will retry.
		return
	}
	if m.drivers[orderID] != nil {
		return
	}
	m.drivers[orderID] = livelocation.StartMapDriver(m.feed, m.renderer, orderID, order.Pickup, order.Dropoff, m.interval)
}

func (m *mapDrivers) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for orderID, d := range m.drivers {
		d.Stop()
		m.feed.ReleaseOrder(orderID)
	}
	m.drivers = make(map[string]*livelocation.MapDriver)
}

func serveDebug(addr string, mgr *connection.Manager, notifStore *notifications.Store, convStore *conversations.Store, feed *livelocation.Feed, logger interface{ Error(string, ...any) }) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.HandleFunc("/debug/state", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{
			"connection":          mgr.State().String(),
			"unread":              notifStore.UnreadCount(),
			"conversation_unread": convStore.UnreadTotal(),
		})
	})
	r.HandleFunc("/debug/notifications", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, notifStore.Snapshot())
	})
	r.HandleFunc("/debug/conversations", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, convStore.Snapshot())
	})
	r.HandleFunc("/debug/location/{order_id}", func(w http.ResponseWriter, req *http.Request) {
		sample, ok := feed.Latest(mux.Vars(req)["order_id"])
		if !ok {
			http.Error(w, "no sample", http.StatusNotFound)
			return
		}
		writeJSON(w, sample)
	})

	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Error("debug server stopped", "error", err)
	}
}

func login(baseURL, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
