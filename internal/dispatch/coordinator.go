package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
)

var (
	// ErrInvalidRequest covers malformed or unroutable requests. The core
	// never retries these.
	ErrInvalidRequest = errors.New("invalid ride request")
	// ErrNoDriversAvailable is an expected business outcome, not a fault.
	// Retry policy belongs to the caller, after its own backoff.
	ErrNoDriversAvailable = errors.New("no drivers available")
)

const reasonNoDrivers = "no_drivers_available"

// RideHandle is what the rider-facing caller gets back from a dispatch. It
// reflects ride creation only; offer fan-out continues in the background.
type RideHandle struct {
	RideID          string              `json:"ride_id"`
	Status          ride.Status         `json:"status"`
	Fare            int64               `json:"fare"`
	DistanceMeters  float64             `json:"distance_meters"`
	DurationSeconds float64             `json:"duration_seconds"`
	Candidates      int                 `json:"candidates"`
	Class           models.VehicleClass `json:"class"`
}

// Assignment is the acceptance confirmation sent to the winning driver; the
// only notification payload carrying the verification code.
type Assignment struct {
	RideID   string       `json:"ride_id"`
	DriverID string       `json:"driver_id"`
	Pickup   models.Coord `json:"pickup"`
	Code     string       `json:"code"`
}

// StatusChange is the payload of ride-status-changed events.
type StatusChange struct {
	RideID string      `json:"ride_id"`
	Status ride.Status `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// Coordinator orchestrates dispatch rounds: candidate search, fare quote,
// lifecycle transitions and offer fan-out. All notification sends are
// fire-and-forget; the ride record is the source of truth and notification
// failures are logged, never surfaced.
type Coordinator struct {
	Geo      geo.Index
	Fare     *fare.Estimator
	Routes   routing.Client
	Store    ride.Store
	Notify   notify.Notifier
	Payments payments.Provider // optional
	Log      *slog.Logger

	RadiusMeters   float64
	CandidateLimit int
	AcceptTimeout  time.Duration
	SpeedMps       float64 // for pickup ETA estimates

	mu     sync.Mutex
	rounds map[string]*round
	holds  map[string]string // rideID -> payment hold id
}

// round is the in-flight broadcast state for one ride. It lives only in the
// process that ran the dispatch; withdrawals and the acceptance timer come
// from here, while correctness of the accept race rests on the store alone.
type round struct {
	candidates []geo.Candidate
	riderID    string
	timer      *time.Timer
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Dispatch runs one dispatch round for the request. The returned handle is
// valid as soon as the ride record exists; callers must not wait for offers
// or acceptance.
func (c *Coordinator) Dispatch(ctx context.Context, req models.RideRequest) (RideHandle, error) {
	if req.RiderID == "" || req.Pickup.IsZero() || req.Destination.IsZero() {
		return RideHandle{}, fmt.Errorf("%w: missing rider or coordinates", ErrInvalidRequest)
	}
	if !c.Fare.Knows(req.Class) {
		return RideHandle{}, fmt.Errorf("%w: unknown vehicle class %q", ErrInvalidRequest, req.Class)
	}

	route, err := c.Routes.GetRoute(ctx, req.Pickup, req.Destination)
	if err != nil {
		observability.DispatchRoundsTotal.WithLabelValues("invalid").Inc()
		return RideHandle{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	amount, err := c.Fare.Estimate(req.Class, route.DistanceMeters, route.DurationSeconds)
	if err != nil {
		observability.DispatchRoundsTotal.WithLabelValues("invalid").Inc()
		return RideHandle{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	r := ride.New(req, amount, route)
	if err := c.Store.Create(ctx, r); err != nil {
		return RideHandle{}, fmt.Errorf("create ride: %w", err)
	}
	if _, err := c.Store.Transition(ctx, r.ID, ride.StatusCreated, ride.StatusSearching, ride.Update{}); err != nil {
		return RideHandle{}, fmt.Errorf("start search: %w", err)
	}

	cands, err := c.Geo.Nearby(ctx, req.Pickup, c.RadiusMeters, req.Class, c.CandidateLimit)
	if err != nil {
		// treat an unreachable index like an empty candidate set; the ride
		// record stays authoritative either way
		c.logger().Warn("geo query failed", "ride_id", r.ID, "error", err)
		cands = nil
	}
	if len(cands) == 0 {
		if _, err := c.Store.Transition(ctx, r.ID, ride.StatusSearching, ride.StatusCancelled,
			ride.Update{CancelReason: reasonNoDrivers}); err != nil {
			c.logger().Error("cancel on empty round failed", "ride_id", r.ID, "error", err)
		}
		observability.DispatchRoundsTotal.WithLabelValues("no_drivers").Inc()
		return RideHandle{RideID: r.ID, Status: ride.StatusCancelled, Fare: amount,
			DistanceMeters: route.DistanceMeters, DurationSeconds: route.DurationSeconds, Class: req.Class}, ErrNoDriversAvailable
	}

	rd := &round{candidates: cands, riderID: req.RiderID}
	rd.timer = time.AfterFunc(c.AcceptTimeout, func() { c.expire(r.ID) })
	c.mu.Lock()
	if c.rounds == nil {
		c.rounds = make(map[string]*round)
	}
	c.rounds[r.ID] = rd
	c.mu.Unlock()

	offer := models.Offer{
		RideID:          r.ID,
		Pickup:          r.Pickup,
		Destination:     r.Destination,
		Class:           r.Class,
		Fare:            r.Fare,
		DistanceMeters:  r.DistanceMeters,
		DurationSeconds: r.DurationSeconds,
	}
	for _, cand := range cands {
		go c.send(notify.DriverRecipient(cand.DriverID), notify.EventRideOffer, offer)
	}
	observability.OffersSentTotal.Add(float64(len(cands)))
	observability.DispatchRoundsTotal.WithLabelValues("searching").Inc()

	return RideHandle{RideID: r.ID, Status: ride.StatusSearching, Fare: amount,
		DistanceMeters: route.DistanceMeters, DurationSeconds: route.DurationSeconds,
		Candidates: len(cands), Class: req.Class}, nil
}

// AcceptOffer resolves the race among candidate acceptances. Exactly one
// caller wins the Searching->Accepted compare-and-set; every other caller
// gets ride.ErrStaleState and a withdrawal notice on its own channel.
func (c *Coordinator) AcceptOffer(ctx context.Context, rideID, driverID string) (*ride.Ride, error) {
	r, err := c.Store.Transition(ctx, rideID, ride.StatusSearching, ride.StatusAccepted, ride.Update{DriverID: driverID})
	if err != nil {
		if errors.Is(err, ride.ErrStaleState) {
			observability.AcceptConflictsTotal.Inc()
			// losing driver only; the offer is not re-broadcast
			go c.send(notify.DriverRecipient(driverID), notify.EventRideOfferWithdrawn, StatusChange{RideID: rideID, Status: ride.StatusAccepted})
		}
		return nil, err
	}

	rd := c.takeRound(rideID)
	var pickupETA float64
	if rd != nil {
		rd.timer.Stop()
		for _, cand := range rd.candidates {
			if cand.DriverID == driverID {
				speed := c.SpeedMps
				if speed <= 0 {
					speed = 8.0
				}
				pickupETA = cand.DistanceMeters / speed
				continue
			}
			go c.send(notify.DriverRecipient(cand.DriverID), notify.EventRideOfferWithdrawn, StatusChange{RideID: rideID, Status: ride.StatusAccepted})
		}
	}

	if c.Payments != nil {
		holdID, err := c.Payments.Hold(ctx, r.Fare, "", r.RiderID)
		if err != nil {
			c.logger().Warn("fare hold failed", "ride_id", rideID, "error", err)
		} else {
			c.putHold(rideID, holdID)
		}
	}

	// the code is revealed to the assigned driver only, never in a broadcast
	go c.send(notify.DriverRecipient(driverID), notify.EventRideAccepted, Assignment{
		RideID: rideID, DriverID: driverID, Pickup: r.Pickup, Code: r.Code,
	})
	go c.send(notify.RiderRecipient(r.RiderID), notify.EventRideAccepted, models.Match{
		RideID: rideID, DriverID: driverID, Class: r.Class, PickupETASeconds: pickupETA,
	})
	observability.DispatchRoundsTotal.WithLabelValues("matched").Inc()
	return r, nil
}

// BeginPickup marks the assigned driver en route to the pickup point.
func (c *Coordinator) BeginPickup(ctx context.Context, rideID, driverID string) (*ride.Ride, error) {
	cur, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.DriverID != driverID {
		return nil, fmt.Errorf("%w: driver %q is not assigned", ride.ErrInvalidTransition, driverID)
	}
	r, err := c.Store.Transition(ctx, rideID, ride.StatusAccepted, ride.StatusOnTripToPickup, ride.Update{})
	if err != nil {
		return nil, err
	}
	go c.send(notify.RiderRecipient(r.RiderID), notify.EventRideStatusChanged, StatusChange{RideID: rideID, Status: r.Status})
	return r, nil
}

// ConfirmPickup consumes the verification code and starts the trip. A wrong
// code fails with ride.ErrCodeMismatch and leaves the state untouched.
func (c *Coordinator) ConfirmPickup(ctx context.Context, rideID, presentedCode string) (*ride.Ride, error) {
	cur, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := cur.VerifyCode(presentedCode); err != nil {
		return nil, err
	}
	r, err := c.Store.Transition(ctx, rideID, ride.StatusOnTripToPickup, ride.StatusInProgress, ride.Update{})
	if err != nil {
		return nil, err
	}
	go c.send(notify.RiderRecipient(r.RiderID), notify.EventRideStatusChanged, StatusChange{RideID: rideID, Status: r.Status})
	go c.send(notify.DriverRecipient(r.DriverID), notify.EventRideStatusChanged, StatusChange{RideID: rideID, Status: r.Status})
	return r, nil
}

// CompleteRide finishes an in-progress trip and captures the fare hold.
func (c *Coordinator) CompleteRide(ctx context.Context, rideID string) (*ride.Ride, error) {
	r, err := c.Store.Transition(ctx, rideID, ride.StatusInProgress, ride.StatusCompleted, ride.Update{})
	if err != nil {
		return nil, err
	}
	if holdID := c.takeHold(rideID); holdID != "" && c.Payments != nil {
		if err := c.Payments.Capture(ctx, holdID); err != nil {
			c.logger().Warn("fare capture failed", "ride_id", rideID, "error", err)
		}
	}
	go c.send(notify.RiderRecipient(r.RiderID), notify.EventRideStatusChanged, StatusChange{RideID: rideID, Status: r.Status})
	go c.send(notify.DriverRecipient(r.DriverID), notify.EventRideStatusChanged, StatusChange{RideID: rideID, Status: r.Status})
	return r, nil
}

// CancelRide applies a rider- or driver-initiated cancellation. It is itself
// a compare-and-set and is rejected with ride.ErrInvalidTransition once the
// trip is in progress or finished.
func (c *Coordinator) CancelRide(ctx context.Context, rideID, actorID, reason string) (*ride.Ride, error) {
	if reason == "" {
		reason = "cancelled_by_" + actorID
	}
	var r *ride.Ride
	// a concurrent transition can move the ride between our read and the
	// CAS; re-read and retry, the edge check rejects anything past Accepted
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := c.Store.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		r, err = c.Store.Transition(ctx, rideID, cur.Status, ride.StatusCancelled, ride.Update{CancelReason: reason})
		if errors.Is(err, ride.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if r == nil {
		return nil, ride.ErrStaleState
	}

	if rd := c.takeRound(rideID); rd != nil {
		rd.timer.Stop()
		for _, cand := range rd.candidates {
			go c.send(notify.DriverRecipient(cand.DriverID), notify.EventRideOfferWithdrawn, StatusChange{RideID: rideID, Status: ride.StatusCancelled, Reason: reason})
		}
	}
	if holdID := c.takeHold(rideID); holdID != "" && c.Payments != nil {
		if err := c.Payments.Release(ctx, holdID); err != nil {
			c.logger().Warn("fare release failed", "ride_id", rideID, "error", err)
		}
	}
	go c.send(notify.RiderRecipient(r.RiderID), notify.EventRideStatusChanged, StatusChange{RideID: rideID, Status: r.Status, Reason: reason})
	if r.DriverID != "" {
		go c.send(notify.DriverRecipient(r.DriverID), notify.EventRideStatusChanged, StatusChange{RideID: rideID, Status: r.Status, Reason: reason})
	}
	observability.DispatchRoundsTotal.WithLabelValues("cancelled").Inc()
	return r, nil
}

// expire degrades a round nobody accepted in time to the no-drivers outcome.
func (c *Coordinator) expire(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Store.Transition(ctx, rideID, ride.StatusSearching, ride.StatusCancelled,
		ride.Update{CancelReason: reasonNoDrivers})
	if err != nil {
		// somebody accepted or cancelled first; nothing to do
		return
	}
	observability.DispatchRoundsTotal.WithLabelValues("timeout").Inc()
	if rd := c.takeRound(rideID); rd != nil {
		for _, cand := range rd.candidates {
			go c.send(notify.DriverRecipient(cand.DriverID), notify.EventRideOfferWithdrawn, StatusChange{RideID: rideID, Status: ride.StatusCancelled, Reason: reasonNoDrivers})
		}
		go c.send(notify.RiderRecipient(rd.riderID), notify.EventRideStatusChanged, StatusChange{RideID: rideID, Status: ride.StatusCancelled, Reason: reasonNoDrivers})
	}
}

// send is the single best-effort delivery point. Failures are counted and
// logged, never propagated.
func (c *Coordinator) send(recipientID string, event notify.EventType, payload any) {
	if c.Notify == nil {
		return
	}
	if err := c.Notify.Send(recipientID, event, payload); err != nil {
		observability.NotifyFailuresTotal.Inc()
		c.logger().Warn("notification failed", "recipient", recipientID, "event", string(event), "error", err)
	}
}

func (c *Coordinator) takeRound(rideID string) *round {
	c.mu.Lock()
	defer c.mu.Unlock()
	rd, ok := c.rounds[rideID]
	if !ok {
		return nil
	}
	delete(c.rounds, rideID)
	return rd
}

func (c *Coordinator) putHold(rideID, holdID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holds == nil {
		c.holds = make(map[string]string)
	}
	c.holds[rideID] = holdID
}

func (c *Coordinator) takeHold(rideID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	holdID := c.holds[rideID]
	delete(c.holds, rideID)
	return holdID
}
