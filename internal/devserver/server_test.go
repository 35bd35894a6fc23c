package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-sync/internal/config"
	"github.com/example/delivery-sync/internal/models"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	cfg := config.DevServerConfig{JWTSecret: "test-secret"}
	s := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	body, _ := json.Marshal(map[string]string{"user_id": "customer-demo", "role": "customer"})
	resp, err := http.Post(ts.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return s, ts, out.Token
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, http.NoBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestAuthRequired(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp := get(t, ts.URL+"/notifications", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestNotificationListingAndIdempotentRead(t *testing.T) {
	s, ts, token := newTestServer(t)
	s.store.SeedDemo()

	resp := get(t, ts.URL+"/notifications?skip=0&limit=10", token)
	defer resp.Body.Close()
	var page struct {
		Items []models.Notification `json:"items"`
		Total int                   `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("page %+v", page)
	}

	id := page.Items[0].ID
	for i := 0; i < 2; i++ { // PATCH twice: idempotent
		req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/notifications/"+id+"/read", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+token)
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		r.Body.Close()
		if r.StatusCode != http.StatusNoContent {
			t.Fatalf("patch status %d", r.StatusCode)
		}
	}

	items, _ := s.store.Notifications(0, 10)
	if !items[0].Read {
		t.Fatal("notification not marked read")
	}
	if items[1].Read {
		t.Fatal("wrong notification marked read")
	}
}

func TestRiderLocationUpdatesOrder(t *testing.T) {
	s, ts, token := newTestServer(t)
	orderID := s.store.SeedDemo()

	body, _ := json.Marshal(models.RiderLocationEvent{OrderID: orderID, Lat: 6.5, Lng: 3.4})
	resp, err := http.Post(ts.URL+"/internal/rider/locations", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d", resp.StatusCode)
	}

	orderResp := get(t, ts.URL+"/orders/"+orderID, token)
	defer orderResp.Body.Close()
	var order models.Order
	if err := json.NewDecoder(orderResp.Body).Decode(&order); err != nil {
		t.Fatal(err)
	}
	if order.RiderLocation == nil || order.RiderLocation.Lat != 6.5 {
		t.Fatalf("rider location %+v", order.RiderLocation)
	}
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("reading push frame: %v", err)
	}
	return env
}

func TestReconnectedPushSessionStillReceivesBroadcasts(t *testing.T) {
	s, ts, token := newTestServer(t)
	orderID := s.store.SeedDemo()

	first := dialWS(t, ts, token)
	second := dialWS(t, ts, token) // same user: displaces the first session

	// Let the displaced session's drain goroutine observe the close and
	// run its removal before broadcasting.
	waitForClosed(t, first)
	time.Sleep(50 * time.Millisecond)

	body, _ := json.Marshal(models.RiderLocationEvent{OrderID: orderID, Lat: 6.51, Lng: 3.39})
	resp, err := http.Post(ts.URL+"/internal/rider/locations", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	env := readEnvelope(t, second)
	if env.Event != models.EvRiderLocation {
		t.Fatalf("event %q, want %q", env.Event, models.EvRiderLocation)
	}
	var ev models.RiderLocationEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.OrderID != orderID || ev.Lat != 6.51 {
		t.Fatalf("payload %+v", ev)
	}
}

func waitForClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("displaced session was not closed")
	}
}

func TestInjectedNotificationIsStoredAndPushed(t *testing.T) {
	s, ts, token := newTestServer(t)
	conn := dialWS(t, ts, token)

	body, _ := json.Marshal(models.Notification{Type: models.EvDeliveryOTP, Title: "Delivery code", Message: "4821"})
	resp, err := http.Post(ts.URL+"/internal/notifications", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d", resp.StatusCode)
	}

	env := readEnvelope(t, conn)
	if env.Event != models.EvDeliveryOTP {
		t.Fatalf("event %q, want %q", env.Event, models.EvDeliveryOTP)
	}

	items, total := s.store.Notifications(0, 10)
	if total != 1 || items[0].ID == "" || items[0].Timestamp.IsZero() {
		t.Fatalf("stored notification %+v total=%d", items, total)
	}
}

func TestPresenceLookup(t *testing.T) {
	s, ts, token := newTestServer(t)
	s.store.SeedDemo()

	resp := get(t, ts.URL+"/presence/rider-demo", token)
	defer resp.Body.Close()
	var p models.Presence
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if !p.Known || !p.Online {
		t.Fatalf("presence %+v", p)
	}

	missing := get(t, ts.URL+"/presence/nobody", token)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", missing.StatusCode)
	}
}
