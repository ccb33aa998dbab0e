package fare

import (
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestEstimateCarScenario(t *testing.T) {
	e := NewEstimator(nil)
	// 50 + 15*5 + 3*10
	got, err := e.Estimate(models.ClassCar, 5000, 600)
	if err != nil {
		t.Fatal(err)
	}
	if got != 155 {
		t.Fatalf("expected 155, got %d", got)
	}
}

func TestEstimateDeterministic(t *testing.T) {
	e := NewEstimator(nil)
	a, _ := e.Estimate(models.ClassAuto, 3217, 411)
	for i := 0; i < 100; i++ {
		b, _ := e.Estimate(models.ClassAuto, 3217, 411)
		if a != b {
			t.Fatalf("non-deterministic: %d vs %d", a, b)
		}
	}
}

func TestEstimateRoundHalfUp(t *testing.T) {
	e := NewEstimator(Table{models.ClassMoto: {Base: 20, PerKm: 8, PerMinute: 1.5}})
	// 20 + 8*0 + 1.5*1 = 21.5 -> 22
	got, err := e.Estimate(models.ClassMoto, 0, 60)
	if err != nil {
		t.Fatal(err)
	}
	if got != 22 {
		t.Fatalf("expected 22, got %d", got)
	}
}

func TestEstimateUnknownClass(t *testing.T) {
	e := NewEstimator(nil)
	if _, err := e.Estimate("rickshaw", 1000, 60); !errors.Is(err, ErrUnknownVehicleClass) {
		t.Fatalf("expected ErrUnknownVehicleClass, got %v", err)
	}
}

func TestEstimateNegativeMeasurements(t *testing.T) {
	e := NewEstimator(nil)
	if _, err := e.Estimate(models.ClassCar, -1, 60); !errors.Is(err, ErrInvalidMeasurement) {
		t.Fatalf("expected ErrInvalidMeasurement for distance, got %v", err)
	}
	if _, err := e.Estimate(models.ClassCar, 1000, -1); !errors.Is(err, ErrInvalidMeasurement) {
		t.Fatalf("expected ErrInvalidMeasurement for duration, got %v", err)
	}
}
