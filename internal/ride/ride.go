package ride

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Status string

const (
	StatusCreated        Status = "created"
	StatusSearching      Status = "searching"
	StatusAccepted       Status = "accepted"
	StatusOnTripToPickup Status = "on_trip_to_pickup"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

var (
	// ErrStaleState means the caller lost a compare-and-set race: the ride
	// moved on since the caller observed its state.
	ErrStaleState = errors.New("ride state changed since observed")
	// ErrInvalidTransition means the requested edge does not exist in the
	// lifecycle graph. A caller hitting this invoked operations out of order.
	ErrInvalidTransition = errors.New("invalid ride transition")
	ErrCodeMismatch      = errors.New("verification code mismatch")
	ErrNotFound          = errors.New("ride not found")
)

// transitions is the full directed edge set of the lifecycle. Completed and
// Cancelled are terminal. Cancellation is only reachable before the trip
// starts; past the pickup handoff only completion remains.
var transitions = map[Status][]Status{
	StatusCreated:        {StatusSearching, StatusCancelled},
	StatusSearching:      {StatusAccepted, StatusCancelled},
	StatusAccepted:       {StatusOnTripToPickup, StatusCancelled},
	StatusOnTripToPickup: {StatusInProgress},
	StatusInProgress:     {StatusCompleted},
}

// CanTransition reports whether from->to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Ride is the authoritative record of one dispatch. DriverID is write-once:
// set exactly at the transition into Accepted, never reassigned. Code is
// generated at creation, withheld from broadcast offers, and revealed to the
// assigned driver only.
type Ride struct {
	ID              string
	RiderID         string
	Class           models.VehicleClass
	Pickup          models.Coord
	Destination     models.Coord
	Status          Status
	DriverID        string
	Fare            int64
	DistanceMeters  float64
	DurationSeconds float64
	Code            string
	CancelReason    string

	CreatedAt   time.Time
	AcceptedAt  time.Time
	EnRouteAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	CancelledAt time.Time
	UpdatedAt   time.Time
}

// New builds a ride in Created with a fresh verification code.
func New(req models.RideRequest, fareAmount int64, route models.Route) *Ride {
	now := time.Now()
	return &Ride{
		ID:              NewID(),
		RiderID:         req.RiderID,
		Class:           req.Class,
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		Status:          StatusCreated,
		Fare:            fareAmount,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
		Code:            newCode(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// VerifyCode checks a presented pickup code against the stored one.
func (r *Ride) VerifyCode(presented string) error {
	if presented == "" || presented != r.Code {
		return ErrCodeMismatch
	}
	return nil
}

func NewID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// newCode returns a 4-digit code. crypto/rand so codes are not guessable
// from ride ids or timing.
func newCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		// rand.Reader failing means the platform entropy source is broken;
		// nothing sensible to do but panic like the process would anywhere else.
		panic(err)
	}
	const digits = "0123456789"
	v := n.Int64()
	return string([]byte{
		digits[v/1000%10], digits[v/100%10], digits[v/10%10], digits[v%10],
	})
}

// stamp records the per-transition timestamp on entry to a status.
func (r *Ride) stamp(to Status, now time.Time) {
	switch to {
	case StatusAccepted:
		r.AcceptedAt = now
	case StatusOnTripToPickup:
		r.EnRouteAt = now
	case StatusInProgress:
		r.StartedAt = now
	case StatusCompleted:
		r.CompletedAt = now
	case StatusCancelled:
		r.CancelledAt = now
	}
	r.UpdatedAt = now
}
