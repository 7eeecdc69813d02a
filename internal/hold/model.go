// Package hold implements the reservation protocol a transporter uses to
// commit to filling one or more TruckRequests of an Order: lock the target
// rows in a deterministic order, persist a Hold plus the per-row CAS
// transition to held, then either confirm (binding concrete vehicles and
// drivers) or release.
package hold

import (
	"time"

	"dispatch/internal/types"
)

// Status is a Hold's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusConfirmed Status = "confirmed"
	StatusReleased  Status = "released"
	StatusExpired   Status = "expired"
)

// Hold is a transporter's in-flight reservation over a set of truck
// requests belonging to the same order and (vehicleType, vehicleSubtype)
// group.
type Hold struct {
	ID              types.HoldID
	OrderID         types.OrderID
	TransporterID   types.UserID
	TruckRequestIDs []types.TruckRequestID
	VehicleType     string
	VehicleSubtype  string
	Status          Status
	ExpiresAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// VehicleBinding is one (truckRequestID -> vehicle/driver) pair a
// transporter supplies to ConfirmHoldWithAssignments.
type VehicleBinding struct {
	TruckRequestID types.TruckRequestID
	VehicleID      types.VehicleID
	DriverID       types.UserID
}

// GroupAvailability is an order's fill state for one (vehicleType,
// vehicleSubtype) demand group.
type GroupAvailability struct {
	VehicleType   string
	VehicleSubtype string
	TotalNeeded   int
	Available     int
	Held          int
	Assigned      int
	FarePerTruck  types.Money
}

// OrderAvailability is the full per-group breakdown GetOrderAvailability
// reports, plus the order-wide fully-assigned flag.
type OrderAvailability struct {
	Groups          []GroupAvailability
	IsFullyAssigned bool
}
