// Package devserver is a local stand-in for the production backend: it
// serves the REST endpoints the sync core consumes plus the websocket push
// channel, backed by in-memory fixtures. Presence can be mirrored to redis
// and location updates tapped to kafka when those are configured, matching
// the shapes the real pipeline uses.
package devserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-sync/internal/config"
	"github.com/example/delivery-sync/internal/models"
)

type Server struct {
	store    *Store
	registry *Registry
	logger   *slog.Logger
	secret   []byte

	redis *RedisMirror
	kafka *KafkaTap

	router *mux.Router
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dev tool
}

func NewServer(cfg config.DevServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		store:    NewStore(),
		registry: NewRegistry(),
		logger:   logger,
		secret:   []byte(cfg.JWTSecret),
		router:   mux.NewRouter(),
	}
	if cfg.RedisAddr != "" {
		s.redis = NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword)
		logger.Info("mirroring presence to redis", "addr", cfg.RedisAddr)
	}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = NewKafkaTap(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("tapping locations to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// SeedAndSimulate seeds the demo fixtures and walks the demo rider toward
// the dropoff, pushing rider.location events until ctx is cancelled.
func (s *Server) SeedAndSimulate(ctx context.Context, tick time.Duration) {
	orderID := s.store.SeedDemo()
	if tick <= 0 {
		tick = 3 * time.Second
	}
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				order, ok := s.store.Order(orderID)
				if !ok || order.RiderLocation == nil {
					return
				}
				// Nudge the rider a fixed step toward the dropoff.
				lat := order.RiderLocation.Lat + (order.Dropoff.Lat-order.RiderLocation.Lat)*0.05
				lng := order.RiderLocation.Lng + (order.Dropoff.Lng-order.RiderLocation.Lng)*0.05
				s.applyRiderLocation(models.RiderLocationEvent{OrderID: orderID, Lat: lat, Lng: lng})
			}
		}
	}()
}

func (s *Server) routes() {
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/internal/rider/locations", s.handleRiderLocation).Methods("POST")
	s.router.HandleFunc("/internal/notifications", s.handlePushNotification).Methods("POST")

	authed := s.router.PathPrefix("/").Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/notifications", s.handleNotifications).Methods("GET")
	authed.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods("PATCH")
	authed.HandleFunc("/conversations", s.handleConversations).Methods("GET")
	authed.HandleFunc("/presence/{user_id}", s.handlePresence).Methods("GET")
	authed.HandleFunc("/orders/{id}", s.handleOrder).Methods("GET")
	authed.HandleFunc("/ws", s.handleWS).Methods("GET")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	claims := jwt.MapClaims{
		"sub":  body.UserID,
		"role": body.Role,
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		http.Error(w, "token signing failed", http.StatusInternalServerError)
		return
	}
	s.store.SetPresence(models.Presence{UserID: body.UserID, Known: true, Online: true})
	writeJSON(w, map[string]string{"token": tok})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, total := s.store.Notifications(skip, limit)
	writeJSON(w, map[string]any{"items": items, "total": total})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.store.MarkNotificationRead(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Conversations())
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	p, ok := s.store.Presence(userID)
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	if s.redis != nil {
		if err := s.redis.SetPresence(r.Context(), p); err != nil {
			s.logger.Debug("redis presence mirror failed", "error", err)
		}
	}
	writeJSON(w, p)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.store.Order(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown order", http.StatusNotFound)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleRiderLocation(w http.ResponseWriter, r *http.Request) {
	var ev models.RiderLocationEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.applyRiderLocation(ev) {
		http.Error(w, "unknown order", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePushNotification lets local tooling inject a notification: it is
// stored for the next listing fetch and pushed to every connected session
// under its own event tag.
func (s *Server) handlePushNotification(w http.ResponseWriter, r *http.Request) {
	var n models.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil || n.Type == "" {
		http.Error(w, "type required", http.StatusBadRequest)
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	s.store.AddNotification(n)
	s.registry.Broadcast(n.Type, n)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(n)
}

func (s *Server) applyRiderLocation(ev models.RiderLocationEvent) bool {
	if !s.store.MoveRider(ev.OrderID, ev.Lat, ev.Lng) {
		return false
	}
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(ev); err != nil {
			s.logger.Debug("kafka tap failed", "error", err)
		}
	}
	s.registry.Broadcast(models.EvRiderLocation, ev)
	return true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// The server's read/write timeouts set deadlines on the hijacked
	// conn; clear them so the push session can stay open for hours.
	conn.UnderlyingConn().SetDeadline(time.Time{})
	sess := s.registry.Add(userID, conn)
	s.logger.Info("push session opened", "user_id", userID)

	// Drain the client side until it goes away; the channel is one-way.
	go func() {
		defer func() {
			s.registry.Remove(userID, sess)
			conn.Close()
			s.logger.Info("push session closed", "user_id", userID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Close releases the optional backends.
func (s *Server) Close() {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.kafka != nil {
		s.kafka.Close()
	}
}

type contextKey string

const (
	requestIDKey contextKey = "request-id"
	userIDKey    contextKey = "user-id"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			raw = r.URL.Query().Get("token") // websocket clients
		}
		if raw == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !tok.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		sub, err := tok.Claims.GetSubject()
		if err != nil || sub == "" {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the logging wrapper.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func userIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
