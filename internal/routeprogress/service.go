// Package routeprogress tracks a confirmed trip's progress along an
// order's route: arrival/departure at each waypoint, detention time at
// intermediate stops, and trip completion once every stop clears.
package routeprogress

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dispatch/internal/dispatcherr"
	"dispatch/internal/eventbus"
	"dispatch/internal/fleet"
	"dispatch/internal/order"
	"dispatch/internal/types"
)

type Service struct {
	orderStore *order.Store
	fleetStore *fleet.Store
	bus        *eventbus.Bus
	logger     *zap.SugaredLogger
}

func NewService(orderStore *order.Store, fleetStore *fleet.Store, bus *eventbus.Bus, logger *zap.SugaredLogger) *Service {
	return &Service{orderStore: orderStore, fleetStore: fleetStore, bus: bus, logger: logger}
}

// assignmentForDriver confirms driverID holds the order's active Assignment,
// returning NOT_ASSIGNED if it doesn't — ReachedStop and DepartedStop are
// both driver-only and must reject any other caller.
func (s *Service) assignmentForDriver(ctx context.Context, orderID types.OrderID, driverID types.UserID) (*fleet.Assignment, error) {
	a, err := s.fleetStore.GetActiveAssignmentForOrderAndDriver(ctx, orderID, driverID)
	if err != nil {
		if de, ok := dispatcherr.As(err); ok && de.Kind == dispatcherr.KindNotFound {
			return nil, dispatcherr.ErrNotAssigned
		}
		return nil, err
	}
	return a, nil
}

// ReachedStop records arrival at the route point stopIdx. The first
// recorded arrival on an order flips its status to in_progress. Re-calling
// at a stop already arrived at (and not yet departed) is a no-op success.
func (s *Service) ReachedStop(ctx context.Context, orderID types.OrderID, stopIdx int, driverID types.UserID) error {
	if _, err := s.assignmentForDriver(ctx, orderID, driverID); err != nil {
		return err
	}

	o, err := s.orderStore.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if stopIdx < 0 || stopIdx >= len(o.RoutePoints) {
		return dispatcherr.Validation("INVALID_STOP_INDEX", "stop index out of range")
	}
	if stopIdx != o.CurrentRouteIdx {
		return dispatcherr.Validation("OUT_OF_SEQUENCE_STOP", "stop must be reached in route order")
	}
	for _, t := range o.StopWaitTimers {
		if t.StopIndex == stopIdx && t.DepartedAt == nil {
			return nil
		}
	}

	now := time.Now().UTC()
	timers := append([]order.StopWaitTimer{}, o.StopWaitTimers...)
	timers = append(timers, order.StopWaitTimer{StopIndex: stopIdx, ArrivedAt: now})

	ok, err := s.orderStore.UpdateRouteProgress(ctx, orderID, o.CurrentRouteIdx, timers, o.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		return dispatcherr.ErrConcurrentRequest
	}

	if o.Status == order.StatusFullyFilled {
		o, err = s.orderStore.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.CanTransition(o.Status, order.StatusInProgress) {
			return dispatcherr.ErrInvalidStatusChange
		}
		ok, err := s.orderStore.UpdateOrderStatus(ctx, orderID, o.Status, order.StatusInProgress, o.StatusVersion)
		if err != nil {
			return err
		}
		if !ok {
			return dispatcherr.ErrConcurrentRequest
		}
	}

	return s.bus.Publish(ctx, eventbus.OrderRoom(orderID.String()), map[string]any{
		"type":      "stop_arrival",
		"order_id":  orderID.String(),
		"stop_idx":  stopIdx,
		"driver_id": driverID.String(),
		"at":        now,
	})
}

// DepartedStop records departure from stopIdx, computing the detention
// time spent there, and advances the route cursor. Departing the final
// stop completes the order's trip and the driver's assignment.
func (s *Service) DepartedStop(ctx context.Context, orderID types.OrderID, stopIdx int, driverID types.UserID) error {
	assignment, err := s.assignmentForDriver(ctx, orderID, driverID)
	if err != nil {
		return err
	}

	o, err := s.orderStore.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if stopIdx != o.CurrentRouteIdx {
		return dispatcherr.Validation("OUT_OF_SEQUENCE_STOP", "stop must be departed in route order")
	}

	now := time.Now().UTC()
	timers := append([]order.StopWaitTimer{}, o.StopWaitTimers...)
	var detentionMins float64
	for i := range timers {
		if timers[i].StopIndex == stopIdx && timers[i].DepartedAt == nil {
			timers[i].DepartedAt = &now
			detentionMins = now.Sub(timers[i].ArrivedAt).Minutes()
			break
		}
	}

	isFinalStop := stopIdx == len(o.RoutePoints)-1
	nextRouteIdx := o.CurrentRouteIdx
	if !isFinalStop {
		nextRouteIdx++
	}

	ok, err := s.orderStore.UpdateRouteProgress(ctx, orderID, nextRouteIdx, timers, o.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		return dispatcherr.ErrConcurrentRequest
	}

	if isFinalStop {
		o, err = s.orderStore.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.CanTransition(o.Status, order.StatusCompleted) {
			return dispatcherr.ErrInvalidStatusChange
		}
		ok, err := s.orderStore.UpdateOrderStatus(ctx, orderID, o.Status, order.StatusCompleted, o.StatusVersion)
		if err != nil {
			return err
		}
		if !ok {
			return dispatcherr.ErrConcurrentRequest
		}
		if assignment != nil {
			if _, err := s.fleetStore.SetAssignmentStatus(ctx, assignment.ID, fleet.AssignmentActive, fleet.AssignmentCompleted, assignment.StatusVersion); err != nil {
				s.logger.Warnw("complete assignment failed", "assignment_id", assignment.ID.String(), "error", err)
			}
			vehicle, err := s.fleetStore.GetVehicle(ctx, assignment.VehicleID)
			if err == nil {
				if _, err := s.fleetStore.ReleaseVehicleFromTrip(ctx, vehicle.ID, vehicle.StatusVersion); err != nil {
					s.logger.Warnw("release vehicle from trip failed", "vehicle_id", vehicle.ID.String(), "error", err)
				}
			}
		}
	}

	return s.bus.Publish(ctx, eventbus.TripRoom(assignmentTripID(assignment)), map[string]any{
		"type":           "stop_departure",
		"order_id":       orderID.String(),
		"stop_idx":       stopIdx,
		"detention_mins": detentionMins,
		"final_stop":     isFinalStop,
		"at":             now,
	})
}

// GetRoute returns an order's full route and progress so far.
func (s *Service) GetRoute(ctx context.Context, orderID types.OrderID) (*order.Order, error) {
	return s.orderStore.GetOrder(ctx, orderID)
}

func assignmentTripID(a *fleet.Assignment) string {
	if a == nil {
		return "unknown"
	}
	return a.TripID.String()
}
