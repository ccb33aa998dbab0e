package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether the coordinate was left unset. The service area is
// nowhere near null island, so (0,0) never occurs as a real report.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// VehicleClass identifies a fare and matching category. The set of valid
// classes is configuration (the fare table), not code.
type VehicleClass string

const (
	ClassAuto VehicleClass = "auto"
	ClassCar  VehicleClass = "car"
	ClassMoto VehicleClass = "moto"
)

// DriverPresence is a driver's last known position and matching eligibility.
// Owned by the geo index; refreshed by periodic location reports.
type DriverPresence struct {
	DriverID  string       `json:"driver_id"`
	Loc       Coord        `json:"loc"`
	Class     VehicleClass `json:"class"`
	Available bool         `json:"available"`
	Updated   time.Time    `json:"updated"`
}

// RideRequest is immutable once created.
type RideRequest struct {
	RequestID   string       `json:"request_id"`
	RiderID     string       `json:"rider_id"`
	Pickup      Coord        `json:"pickup"`
	Destination Coord        `json:"destination"`
	Class       VehicleClass `json:"class"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Route is the routing collaborator's answer for an origin/destination pair.
type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Offer is the payload broadcast to candidate drivers. It intentionally has
// no field for the verification code.
type Offer struct {
	RideID          string       `json:"ride_id"`
	Pickup          Coord        `json:"pickup"`
	Destination     Coord        `json:"destination"`
	Class           VehicleClass `json:"class"`
	Fare            int64        `json:"fare"`
	DistanceMeters  float64      `json:"distance_meters"`
	DurationSeconds float64      `json:"duration_seconds"`
}

// Match is what the rider learns once a driver is bound.
type Match struct {
	RideID           string       `json:"ride_id"`
	DriverID         string       `json:"driver_id"`
	Class            VehicleClass `json:"class"`
	PickupETASeconds float64      `json:"pickup_eta_seconds"`
}
