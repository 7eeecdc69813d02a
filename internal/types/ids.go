// Package types holds small value types shared across every dispatch module.
package types

import "github.com/google/uuid"

// OrderID identifies a customer's parent order.
type OrderID uuid.UUID

// TruckRequestID identifies one physical-truck unit of an order's demand.
type TruckRequestID uuid.UUID

// HoldID identifies a transporter's in-flight reservation over a set of
// truck requests.
type HoldID uuid.UUID

// VehicleID identifies a transporter-owned vehicle.
type VehicleID uuid.UUID

// UserID identifies any actor: customer, transporter, or driver.
type UserID uuid.UUID

// AssignmentID identifies a confirmed vehicle+driver binding for a truck
// request.
type AssignmentID uuid.UUID

// TripID identifies the trip a confirmed assignment is executing.
type TripID uuid.UUID

func NewOrderID() OrderID           { return OrderID(uuid.New()) }
func NewTruckRequestID() TruckRequestID { return TruckRequestID(uuid.New()) }
func NewHoldID() HoldID             { return HoldID(uuid.New()) }
func NewVehicleID() VehicleID       { return VehicleID(uuid.New()) }
func NewUserID() UserID             { return UserID(uuid.New()) }
func NewAssignmentID() AssignmentID { return AssignmentID(uuid.New()) }
func NewTripID() TripID             { return TripID(uuid.New()) }

func (id OrderID) String() string        { return uuid.UUID(id).String() }
func (id TruckRequestID) String() string  { return uuid.UUID(id).String() }
func (id HoldID) String() string          { return uuid.UUID(id).String() }
func (id VehicleID) String() string       { return uuid.UUID(id).String() }
func (id UserID) String() string          { return uuid.UUID(id).String() }
func (id AssignmentID) String() string    { return uuid.UUID(id).String() }
func (id TripID) String() string          { return uuid.UUID(id).String() }

func (id OrderID) IsZero() bool       { return id == OrderID{} }
func (id TruckRequestID) IsZero() bool { return id == TruckRequestID{} }
func (id HoldID) IsZero() bool        { return id == HoldID{} }
func (id VehicleID) IsZero() bool     { return id == VehicleID{} }
func (id UserID) IsZero() bool        { return id == UserID{} }
func (id AssignmentID) IsZero() bool  { return id == AssignmentID{} }

// ParseOrderID parses a canonical UUID string into an OrderID.
func ParseOrderID(s string) (OrderID, error) {
	u, err := uuid.Parse(s)
	return OrderID(u), err
}

// ParseTruckRequestID parses a canonical UUID string into a TruckRequestID.
func ParseTruckRequestID(s string) (TruckRequestID, error) {
	u, err := uuid.Parse(s)
	return TruckRequestID(u), err
}

// ParseUserID parses a canonical UUID string into a UserID.
func ParseUserID(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	return UserID(u), err
}

// ParseHoldID parses a canonical UUID string into a HoldID.
func ParseHoldID(s string) (HoldID, error) {
	u, err := uuid.Parse(s)
	return HoldID(u), err
}

// ParseVehicleID parses a canonical UUID string into a VehicleID.
func ParseVehicleID(s string) (VehicleID, error) {
	u, err := uuid.Parse(s)
	return VehicleID(u), err
}

// ParseTripID parses a canonical UUID string into a TripID.
func ParseTripID(s string) (TripID, error) {
	u, err := uuid.Parse(s)
	return TripID(u), err
}

// ParseAssignmentID parses a canonical UUID string into an AssignmentID.
func ParseAssignmentID(s string) (AssignmentID, error) {
	u, err := uuid.Parse(s)
	return AssignmentID(u), err
}
