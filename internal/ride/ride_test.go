package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func newTestRide(t *testing.T, st *MemoryStore, status Status) *Ride {
	t.Helper()
	r := New(models.RideRequest{RiderID: "rider-1", Class: models.ClassCar,
		Pickup: models.Coord{Lat: 12.9, Lon: 77.6}, Destination: models.Coord{Lat: 12.95, Lon: 77.65}},
		155, models.Route{DistanceMeters: 5000, DurationSeconds: 600})
	if err := st.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	// walk the ride to the requested starting status
	path := []Status{StatusSearching, StatusAccepted, StatusOnTripToPickup, StatusInProgress, StatusCompleted}
	cur := StatusCreated
	for _, next := range path {
		if cur == status {
			break
		}
		up := Update{}
		if next == StatusAccepted {
			up.DriverID = "driver-1"
		}
		var err error
		r, err = st.Transition(context.Background(), r.ID, cur, next, up)
		if err != nil {
			t.Fatal(err)
		}
		cur = next
	}
	return r
}

func TestNewRideHasCode(t *testing.T) {
	r := New(models.RideRequest{RiderID: "r1", Class: models.ClassAuto}, 42, models.Route{})
	if len(r.Code) != 4 {
		t.Fatalf("expected 4-digit code, got %q", r.Code)
	}
	if r.Status != StatusCreated {
		t.Fatalf("expected created, got %s", r.Status)
	}
	if r.DriverID != "" {
		t.Fatalf("expected no driver, got %s", r.DriverID)
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	st := NewMemoryStore()
	r := newTestRide(t, st, StatusSearching)

	const drivers = 32
	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	results := make(chan error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			_, err := st.Transition(context.Background(), r.ID, StatusSearching, StatusAccepted,
				Update{DriverID: fmt.Sprintf("driver-%d", i)})
			results <- err
		}(i)
	}
	start.Done()
	wg.Wait()
	close(results)

	wins, stale := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStaleState):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || stale != drivers-1 {
		t.Fatalf("expected 1 win and %d stale, got %d/%d", drivers-1, wins, stale)
	}

	got, err := st.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusAccepted || got.DriverID == "" {
		t.Fatalf("expected accepted with driver, got %s driver=%q", got.Status, got.DriverID)
	}
}

func TestDriverAssignmentIsWriteOnce(t *testing.T) {
	st := NewMemoryStore()
	r := newTestRide(t, st, StatusAccepted)
	if _, err := st.Transition(context.Background(), r.ID, StatusSearching, StatusAccepted, Update{DriverID: "driver-2"}); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	got, _ := st.Get(context.Background(), r.ID)
	if got.DriverID != "driver-1" {
		t.Fatalf("driver reassigned to %q", got.DriverID)
	}
}

func TestCancellationMatrix(t *testing.T) {
	cancellable := []Status{StatusCreated, StatusSearching, StatusAccepted}
	for _, s := range cancellable {
		st := NewMemoryStore()
		r := newTestRide(t, st, s)
		got, err := st.Transition(context.Background(), r.ID, s, StatusCancelled, Update{CancelReason: "rider_cancelled"})
		if err != nil {
			t.Fatalf("cancel from %s: %v", s, err)
		}
		if got.CancelReason != "rider_cancelled" || got.CancelledAt.IsZero() {
			t.Fatalf("cancel from %s: reason/timestamp not recorded", s)
		}
	}

	final := []Status{StatusInProgress, StatusCompleted}
	for _, s := range final {
		st := NewMemoryStore()
		r := newTestRide(t, st, s)
		if _, err := st.Transition(context.Background(), r.ID, s, StatusCancelled, Update{}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("cancel from %s: expected ErrInvalidTransition, got %v", s, err)
		}
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusCancelled} {
		for _, to := range []Status{StatusCreated, StatusSearching, StatusAccepted, StatusOnTripToPickup, StatusInProgress, StatusCompleted, StatusCancelled} {
			if CanTransition(terminal, to) {
				t.Fatalf("terminal %s allows transition to %s", terminal, to)
			}
		}
	}
}

func TestInProgressRequiresAccepted(t *testing.T) {
	// the only path into in_progress goes through accepted then on_trip_to_pickup
	if CanTransition(StatusSearching, StatusInProgress) || CanTransition(StatusCreated, StatusInProgress) {
		t.Fatal("in_progress reachable without acceptance")
	}
	if !CanTransition(StatusOnTripToPickup, StatusInProgress) {
		t.Fatal("expected on_trip_to_pickup -> in_progress")
	}
}

func TestVerifyCode(t *testing.T) {
	r := New(models.RideRequest{RiderID: "r1", Class: models.ClassCar}, 10, models.Route{})
	if err := r.VerifyCode(r.Code); err != nil {
		t.Fatalf("correct code rejected: %v", err)
	}
	if err := r.VerifyCode("nope"); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}
	if err := r.VerifyCode(""); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch for empty code, got %v", err)
	}
}

func TestTransitionNotFound(t *testing.T) {
	st := NewMemoryStore()
	if _, err := st.Transition(context.Background(), "missing", StatusCreated, StatusSearching, Update{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
