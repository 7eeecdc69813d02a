// Package fleet owns the Vehicle, User, and Assignment entities: a
// transporter's registered trucks, every actor in the system, and the
// confirmed vehicle+driver binding an assigned truck request executes under.
package fleet

import (
	"time"

	"dispatch/internal/types"
)

// Role distinguishes what an actor is permitted to do.
type Role string

const (
	RoleCustomer    Role = "customer"
	RoleTransporter Role = "transporter"
	RoleDriver      Role = "driver"
	RoleAdmin       Role = "admin"
)

// User is any actor authenticated through a Firebase ID token.
type User struct {
	ID          types.UserID
	FirebaseUID string
	Role        Role
	Phone       string
	DisplayName string
	FCMToken    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VehicleStatus tracks whether a vehicle can currently be matched.
type VehicleStatus string

const (
	VehicleOnline  VehicleStatus = "online"
	VehicleOffline VehicleStatus = "offline"
	VehicleOnTrip  VehicleStatus = "on_trip"
	VehicleRetired VehicleStatus = "retired"
)

// Vehicle is one truck owned by a transporter.
type Vehicle struct {
	ID              types.VehicleID
	TransporterID   types.UserID
	VehicleNumber   string
	VehicleType     string
	VehicleSubtype  string
	Status          VehicleStatus
	StatusVersion   int
	CurrentTripID   *types.TripID
	DefaultDriverID *types.UserID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AssignmentStatus is the lifecycle of a confirmed vehicle+driver binding.
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// AssignmentAllowedTransitions enumerates legal Assignment transitions. A
// driver may hold at most one active Assignment at a time.
var AssignmentAllowedTransitions = map[AssignmentStatus][]AssignmentStatus{
	AssignmentActive:    {AssignmentCompleted, AssignmentCancelled},
	AssignmentCompleted: {},
	AssignmentCancelled: {},
}

// Assignment binds a truck request to the concrete vehicle and driver that
// will execute it.
type Assignment struct {
	ID             types.AssignmentID
	TruckRequestID types.TruckRequestID
	OrderID        types.OrderID
	TransporterID  types.UserID
	VehicleID      types.VehicleID
	DriverID       types.UserID
	TripID         types.TripID
	Status         AssignmentStatus
	StatusVersion  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
