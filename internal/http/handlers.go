package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
)

type Server struct {
	Geo    geo.Index
	Coord  *dispatch.Coordinator
	Store  ride.Store
	Kafka  *ingest.KafkaProducer
	WSReg  *notify.WSRegistry
	logger *slog.Logger
	mux    *mux.Router

	onlineMu sync.Mutex
	online   map[string]struct{}
}

// markOnline and markOffline keep the drivers-online gauge counting distinct
// drivers, not location reports.
func (s *Server) markOnline(driverID string) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	if _, ok := s.online[driverID]; !ok {
		s.online[driverID] = struct{}{}
		observability.DriversOnline.Inc()
	}
}

func (s *Server) markOffline(driverID string) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	if _, ok := s.online[driverID]; ok {
		delete(s.online, driverID)
		observability.DriversOnline.Dec()
	}
}

// NewServer wires the dispatch core from config, falling back to in-memory
// implementations when no backend is configured so the binary runs locally
// without setup.
func NewServer(cfg config.ServerConfig) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	var index geo.Index
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey, cfg.StalenessWindow)
	} else {
		index = geo.NewMemoryIndex(cfg.StalenessWindow)
	}

	var store ride.Store
	if cfg.PGDSN != "" {
		ps, err := ride.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		logger.Warn("no PG_DSN configured; ride state is process-local")
		store = ride.NewMemoryStore()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var routes routing.Client
	switch {
	case cfg.OSRMEndpoint != "":
		routes = routing.NewOSRMClient(cfg.OSRMEndpoint)
	case cfg.GoogleMapsAPIKey != "":
		gm, err := routing.NewGoogleMapsClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		routes = gm
	default:
		routes = routing.StraightLine{SpeedMps: cfg.DefaultSpeedMps}
	}
	routes = routing.NewCache(routes, cfg.RouteCacheTTL)

	wsreg := notify.NewWSRegistry()
	channels := []notify.Notifier{wsreg}
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		an, err := notify.NewAMQPNotifier(conn, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		channels = append(channels, an)
	}
	if cfg.FCMEndpoint != "" {
		channels = append(channels, notify.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey))
	}
	var notifier notify.Notifier = wsreg
	if len(channels) > 1 {
		notifier = &notify.Fallback{Channels: channels}
	}

	var provider payments.Provider
	if cfg.StripeAPIKey != "" {
		provider = payments.NewStripeProvider(cfg.StripeAPIKey, cfg.Currency)
	}

	coord := &dispatch.Coordinator{
		Geo:            index,
		Fare:           fare.NewEstimator(cfg.FareTable),
		Routes:         routes,
		Store:          store,
		Notify:         notifier,
		Payments:       provider,
		Log:            logging.ForComponent(logger, "dispatch"),
		RadiusMeters:   cfg.SearchRadiusMeters,
		CandidateLimit: cfg.CandidateLimit,
		AcceptTimeout:  cfg.AcceptTimeout,
		SpeedMps:       cfg.DefaultSpeedMps,
	}

	s := &Server{
		Geo:    index,
		Coord:  coord,
		Store:  store,
		Kafka:  producer,
		WSReg:  wsreg,
		logger: logger,
		mux:    mux.NewRouter(),
		online: make(map[string]struct{}),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/availability", s.handleDriverAvailability).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/pickup/start", s.handleBeginPickup).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/pickup/confirm", s.handleConfirmPickup).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.DriverPresence
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	p.Updated = time.Now()
	if s.Kafka != nil {
		if err := s.Kafka.PublishPresence(p); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	if err := s.Geo.UpsertPresence(r.Context(), p); err != nil {
		http.Error(w, "presence update failed", http.StatusInternalServerError)
		return
	}
	s.markOnline(p.DriverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID  string `json:"driver_id"`
		Available bool   `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if err := s.Geo.SetAvailability(r.Context(), body.DriverID, body.Available); err != nil {
		http.Error(w, "availability update failed", http.StatusInternalServerError)
		return
	}
	if body.Available {
		s.markOnline(body.DriverID)
	} else {
		s.markOffline(body.DriverID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRideRequest answers once the ride record exists; offer fan-out keeps
// running after the response is written.
func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.CreatedAt = time.Now()
	h, err := s.Coord.Dispatch(r.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case errors.Is(err, dispatch.ErrNoDriversAvailable):
		writeJSON(w, http.StatusServiceUnavailable, h)
		return
	case err != nil:
		s.logger.Error("dispatch failed", "error", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	got, err := s.Coord.AcceptOffer(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeRideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideViewFor(got, body.DriverID))
}

func (s *Server) handleBeginPickup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	got, err := s.Coord.BeginPickup(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeRideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideViewFor(got, body.DriverID))
}

func (s *Server) handleConfirmPickup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	got, err := s.Coord.ConfirmPickup(r.Context(), mux.Vars(r)["id"], body.Code)
	if err != nil {
		s.writeRideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideViewFor(got, ""))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	got, err := s.Coord.CompleteRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeRideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideViewFor(got, ""))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string `json:"actor_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	got, err := s.Coord.CancelRide(r.Context(), mux.Vars(r)["id"], body.ActorID, body.Reason)
	if err != nil {
		s.writeRideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideViewFor(got, ""))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	got, err := s.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeRideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideViewFor(got, r.Header.Get("X-Actor-ID")))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	var recipient string
	switch vars["role"] {
	case "driver":
		recipient = notify.DriverRecipient(id)
	case "rider":
		recipient = notify.RiderRecipient(id)
	default:
		http.Error(w, "unknown role", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(recipient, conn)
	// drain until the peer goes away so the registry stays clean
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(recipient)
				return
			}
		}
	}()
}

// rideView is the externally visible ride. The verification code is included
// only when the viewer is the assigned driver.
type rideView struct {
	RideID          string              `json:"ride_id"`
	Status          ride.Status         `json:"status"`
	RiderID         string              `json:"rider_id"`
	DriverID        string              `json:"driver_id,omitempty"`
	Class           models.VehicleClass `json:"class"`
	Pickup          models.Coord        `json:"pickup"`
	Destination     models.Coord        `json:"destination"`
	Fare            int64               `json:"fare"`
	DistanceMeters  float64             `json:"distance_meters"`
	DurationSeconds float64             `json:"duration_seconds"`
	Code            string              `json:"code,omitempty"`
	CancelReason    string              `json:"cancel_reason,omitempty"`
}

func rideViewFor(r *ride.Ride, viewerID string) rideView {
	v := rideView{
		RideID:          r.ID,
		Status:          r.Status,
		RiderID:         r.RiderID,
		DriverID:        r.DriverID,
		Class:           r.Class,
		Pickup:          r.Pickup,
		Destination:     r.Destination,
		Fare:            r.Fare,
		DistanceMeters:  r.DistanceMeters,
		DurationSeconds: r.DurationSeconds,
		CancelReason:    r.CancelReason,
	}
	if viewerID != "" && viewerID == r.DriverID {
		v.Code = r.Code
	}
	return v
}

func (s *Server) writeRideError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ride.ErrNotFound):
		http.Error(w, "ride not found", http.StatusNotFound)
	case errors.Is(err, ride.ErrStaleState):
		http.Error(w, "offer no longer available", http.StatusConflict)
	case errors.Is(err, ride.ErrInvalidTransition):
		http.Error(w, "operation not allowed in current state", http.StatusConflict)
	case errors.Is(err, ride.ErrCodeMismatch):
		http.Error(w, "verification code mismatch", http.StatusForbidden)
	default:
		s.logger.Error("ride operation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
