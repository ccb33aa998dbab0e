package fare

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnknownVehicleClass = errors.New("unknown vehicle class")
	ErrInvalidMeasurement  = errors.New("distance and duration must be non-negative")
)

// Rate is the per-class pricing row, denominated in the smallest currency
// unit the deployment bills in.
type Rate struct {
	Base      float64
	PerKm     float64
	PerMinute float64
}

// Table maps vehicle classes to rates. It is configuration; DefaultTable is
// only the fallback when no rates are provided.
type Table map[models.VehicleClass]Rate

func DefaultTable() Table {
	return Table{
		models.ClassAuto: {Base: 30, PerKm: 10, PerMinute: 2},
		models.ClassCar:  {Base: 50, PerKm: 15, PerMinute: 3},
		models.ClassMoto: {Base: 20, PerKm: 8, PerMinute: 1.5},
	}
}

// Estimator is a pure function over the rate table; same inputs always
// produce the same amount.
type Estimator struct {
	table Table
}

func NewEstimator(table Table) *Estimator {
	if len(table) == 0 {
		table = DefaultTable()
	}
	return &Estimator{table: table}
}

// Knows reports whether the class has a configured rate.
func (e *Estimator) Knows(class models.VehicleClass) bool {
	_, ok := e.table[class]
	return ok
}

// Estimate quotes a fare, rounded half-up to the smallest currency unit.
func (e *Estimator) Estimate(class models.VehicleClass, distanceMeters, durationSeconds float64) (int64, error) {
	rate, ok := e.table[class]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVehicleClass, class)
	}
	if distanceMeters < 0 || durationSeconds < 0 {
		return 0, fmt.Errorf("%w: distance=%f duration=%f", ErrInvalidMeasurement, distanceMeters, durationSeconds)
	}
	amount := rate.Base + rate.PerKm*(distanceMeters/1000) + rate.PerMinute*(durationSeconds/60)
	return int64(math.Floor(amount + 0.5)), nil
}
