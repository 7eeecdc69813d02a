// Package order owns the Order and TruckRequest entities: the customer's
// parent request and the individually-dispatchable truck units it explodes
// into.
package order

import (
	"time"

	"dispatch/internal/types"
)

// Status is an Order's lifecycle state.
type Status string

const (
	StatusActive          Status = "active"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFullyFilled     Status = "fully_filled"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// AllowedTransitions enumerates every legal Order status transition.
var AllowedTransitions = map[Status][]Status{
	StatusActive:          {StatusPartiallyFilled, StatusFullyFilled, StatusCancelled, StatusExpired},
	StatusPartiallyFilled: {StatusFullyFilled, StatusCancelled, StatusExpired},
	StatusFullyFilled:     {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusCancelled},
	StatusCompleted:       {},
	StatusCancelled:       {},
	StatusExpired:         {},
}

var allowedTransitionSet = buildTransitionSet(AllowedTransitions)

// CanTransition reports whether moving from→to is a legal Order transition.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitionSet[transitionKey{from, to}]
	return ok
}

// TruckStatus is a TruckRequest's lifecycle state.
type TruckStatus string

const (
	TruckSearching  TruckStatus = "searching"
	TruckHeld       TruckStatus = "held"
	TruckAssigned   TruckStatus = "assigned"
	TruckAccepted   TruckStatus = "accepted"
	TruckInProgress TruckStatus = "in_progress"
	TruckCompleted  TruckStatus = "completed"
	TruckCancelled  TruckStatus = "cancelled"
	TruckExpired    TruckStatus = "expired"
)

// TruckAllowedTransitions enumerates every legal TruckRequest transition.
var TruckAllowedTransitions = map[TruckStatus][]TruckStatus{
	TruckSearching:  {TruckHeld, TruckExpired, TruckCancelled},
	TruckHeld:       {TruckSearching, TruckAssigned, TruckExpired, TruckCancelled},
	TruckAssigned:   {TruckInProgress, TruckCancelled},
	TruckAccepted:   {TruckInProgress, TruckCancelled},
	TruckInProgress: {TruckCompleted, TruckCancelled},
	TruckCompleted:  {},
	TruckCancelled:  {},
	TruckExpired:    {},
}

var truckTransitionSet = buildTruckTransitionSet(TruckAllowedTransitions)

func CanTruckTransition(from, to TruckStatus) bool {
	_, ok := truckTransitionSet[truckTransitionKey{from, to}]
	return ok
}

type transitionKey struct{ from, to Status }
type truckTransitionKey struct{ from, to TruckStatus }

func buildTransitionSet(m map[Status][]Status) map[transitionKey]struct{} {
	set := make(map[transitionKey]struct{})
	for from, tos := range m {
		for _, to := range tos {
			set[transitionKey{from, to}] = struct{}{}
		}
	}
	return set
}

func buildTruckTransitionSet(m map[TruckStatus][]TruckStatus) map[truckTransitionKey]struct{} {
	set := make(map[truckTransitionKey]struct{})
	for from, tos := range m {
		for _, to := range tos {
			set[truckTransitionKey{from, to}] = struct{}{}
		}
	}
	return set
}

// DemandLine is one line of a CreateOrder request: N trucks of a declared
// (type, subtype) at a fixed per-truck price.
type DemandLine struct {
	VehicleType    string
	VehicleSubtype string
	Quantity       int
	PricePerTruck  types.Money
}

// Order is the customer's parent request.
type Order struct {
	ID               types.OrderID
	CustomerID       types.UserID
	CustomerPhone    string
	Pickup           types.Point
	Drop             types.Point
	RoutePoints      []types.RoutePoint
	DistanceKm       float64
	TotalTrucks      int
	TrucksFilled     int
	TotalAmount      types.Money
	GoodsType        string
	CargoWeightKg    float64
	Status           Status
	StatusVersion    int
	ScheduledAt      *time.Time
	ExpiresAt        time.Time
	CurrentRouteIdx  int
	StopWaitTimers   []StopWaitTimer
	IdempotencyKey   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StopWaitTimer records how long a vehicle dwelled at an intermediate
// route point.
type StopWaitTimer struct {
	StopIndex   int
	ArrivedAt   time.Time
	DepartedAt  *time.Time
}

// TruckRequest is one physical-truck unit of an Order's demand — the atom
// of reservation and assignment.
type TruckRequest struct {
	ID                    types.TruckRequestID
	OrderID               types.OrderID
	RequestNumber         int
	VehicleType           string
	VehicleSubtype        string
	PricePerTruck         types.Money
	Status                TruckStatus
	StatusVersion         int
	HeldBy                *types.UserID
	HeldAt                *time.Time
	AssignedTransporterID *types.UserID
	AssignedVehicleID     *types.VehicleID
	AssignedVehicleNumber string
	AssignedDriverID      *types.UserID
	AssignedDriverName    string
	TripID                *types.TripID
	NotifiedTransporters  []types.UserID
	AssignedAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ActiveOrderStatuses is the set of statuses that block a customer from
// creating a second order (the single-active-order policy).
var ActiveOrderStatuses = []Status{StatusActive, StatusPartiallyFilled, StatusFullyFilled, StatusInProgress}
