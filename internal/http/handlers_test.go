package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestRideRequestNoDrivers(t *testing.T) {
	s := newTestServer(t)
	w := postJSON(t, s, "/api/v1/rides/request", models.RideRequest{
		RiderID:     "rider-1",
		Pickup:      models.Coord{Lat: 12.90, Lon: 77.60},
		Destination: models.Coord{Lat: 12.95, Lon: 77.65},
		Class:       models.ClassCar,
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRideRequestInvalid(t *testing.T) {
	s := newTestServer(t)
	w := postJSON(t, s, "/api/v1/rides/request", models.RideRequest{RiderID: "rider-1"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestRideFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	err := s.Geo.UpsertPresence(context.Background(), models.DriverPresence{
		DriverID: "d1", Loc: models.Coord{Lat: 12.901, Lon: 77.601},
		Class: models.ClassCar, Available: true, Updated: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	w := postJSON(t, s, "/api/v1/rides/request", models.RideRequest{
		RiderID:     "rider-1",
		Pickup:      models.Coord{Lat: 12.90, Lon: 77.60},
		Destination: models.Coord{Lat: 12.95, Lon: 77.65},
		Class:       models.ClassCar,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var h struct {
		RideID string `json:"ride_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != string(ride.StatusSearching) {
		t.Fatalf("expected searching, got %s", h.Status)
	}

	w = postJSON(t, s, "/api/v1/rides/"+h.RideID+"/accept", map[string]string{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var accepted struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &accepted); err != nil {
		t.Fatal(err)
	}
	if accepted.Code == "" {
		t.Fatal("assigned driver should see the verification code")
	}

	// a second driver loses the race
	w = postJSON(t, s, "/api/v1/rides/"+h.RideID+"/accept", map[string]string{"driver_id": "d2"})
	if w.Code != http.StatusConflict {
		t.Fatalf("late accept: expected 409, got %d", w.Code)
	}

	w = postJSON(t, s, "/api/v1/rides/"+h.RideID+"/pickup/start", map[string]string{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("pickup/start: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, s, "/api/v1/rides/"+h.RideID+"/pickup/confirm", map[string]string{"code": "wrong"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("bad code: expected 403, got %d", w.Code)
	}
	w = postJSON(t, s, "/api/v1/rides/"+h.RideID+"/pickup/confirm", map[string]string{"code": accepted.Code})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, s, "/api/v1/rides/"+h.RideID+"/cancel", map[string]string{"actor_id": "rider-1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel in progress: expected 409, got %d", w.Code)
	}

	w = postJSON(t, s, "/api/v1/rides/"+h.RideID+"/complete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetRideHidesCodeFromNonDrivers(t *testing.T) {
	s := newTestServer(t)
	r := ride.New(models.RideRequest{RiderID: "rider-1", Class: models.ClassCar,
		Pickup: models.Coord{Lat: 1, Lon: 1}, Destination: models.Coord{Lat: 2, Lon: 2}}, 100, models.Route{})
	if err := s.Store.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		actor    string
		wantCode bool
	}{
		{actor: "rider-1", wantCode: false},
		{actor: "", wantCode: false},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rides/"+r.ID, nil)
		if tc.actor != "" {
			req.Header.Set("X-Actor-ID", tc.actor)
		}
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var view struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
			t.Fatal(err)
		}
		if got := view.Code != ""; got != tc.wantCode {
			t.Fatalf("actor %q: code visible=%v, want %v", tc.actor, got, tc.wantCode)
		}
	}
}

func TestDriversOnlineCountsDistinctDrivers(t *testing.T) {
	s := newTestServer(t)
	before := testutil.ToFloat64(observability.DriversOnline)

	loc := models.DriverPresence{DriverID: "gauge-d1", Loc: models.Coord{Lat: 1, Lon: 1}, Class: models.ClassCar, Available: true}
	for i := 0; i < 3; i++ {
		if w := postJSON(t, s, "/internal/driver/locations", loc); w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	}
	if got := testutil.ToFloat64(observability.DriversOnline) - before; got != 1 {
		t.Fatalf("repeated reports from one driver moved the gauge by %v, want 1", got)
	}

	if w := postJSON(t, s, "/internal/driver/availability", map[string]any{"driver_id": "gauge-d1", "available": false}); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := testutil.ToFloat64(observability.DriversOnline) - before; got != 0 {
		t.Fatalf("going offline moved the gauge by %v, want 0", got)
	}

	// a repeated offline report must not decrement twice
	postJSON(t, s, "/internal/driver/availability", map[string]any{"driver_id": "gauge-d1", "available": false})
	if got := testutil.ToFloat64(observability.DriversOnline) - before; got != 0 {
		t.Fatalf("repeated offline report moved the gauge by %v, want 0", got)
	}
}

func TestWSSessionsKeyedByRole(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	driverConn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/driver/x1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer driverConn.Close()
	riderConn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/rider/x1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer riderConn.Close()

	// registration happens just after the handshake; retry until both
	// sessions are live
	sendEventually := func(recipient string, event notify.EventType) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			err := s.WSReg.Send(recipient, event, nil)
			if err == nil {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("no session for %s: %v", recipient, err)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	// a driver and a rider sharing a raw id keep separate sockets
	sendEventually(notify.DriverRecipient("x1"), notify.EventRideOffer)
	sendEventually(notify.RiderRecipient("x1"), notify.EventRideStatusChanged)

	var env notify.Envelope
	_ = driverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := driverConn.ReadJSON(&env); err != nil {
		t.Fatalf("driver read: %v", err)
	}
	if env.Event != notify.EventRideOffer {
		t.Fatalf("driver got %s", env.Event)
	}
	_ = riderConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := riderConn.ReadJSON(&env); err != nil {
		t.Fatalf("rider read: %v", err)
	}
	if env.Event != notify.EventRideStatusChanged {
		t.Fatalf("rider got %s", env.Event)
	}
}

func TestUnknownRideIs404(t *testing.T) {
	s := newTestServer(t)
	w := postJSON(t, s, fmt.Sprintf("/api/v1/rides/%s/accept", "nope"), map[string]string{"driver_id": "d1"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
