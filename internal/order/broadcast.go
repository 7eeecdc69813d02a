package order

import (
	"context"

	"go.uber.org/zap"

	"dispatch/internal/eventbus"
	"dispatch/internal/fleet"
	"dispatch/internal/matchindex"
	"dispatch/internal/types"
)

// DeltaDeps bundles what PublishAvailabilityDelta needs to reach the same
// matchindex/fleetStore/bus an order.Service already holds — hold.Service
// passes its own copies of the same three so both call sites emit an
// identical personalized delta without owning each other's state.
type DeltaDeps struct {
	Store      *Store
	FleetStore *fleet.Store
	MatchIdx   *matchindex.Index
	Bus        *eventbus.Bus
	Logger     *zap.SugaredLogger
}

// PublishAvailabilityDelta recomputes, per notified transporter, how many
// more trucks they could still provide against an order's still-searching
// demand, and emits the matching personalized event. Called after any
// TruckRequest status change (hold, release, confirm, expiry) so every
// notified transporter's view of remaining capacity stays current.
func PublishAvailabilityDelta(ctx context.Context, d DeltaDeps, orderID types.OrderID) {
	closed, err := d.MatchIdx.IsOrderClosed(ctx, orderID)
	if err != nil {
		d.Logger.Warnw("availability delta: order-closed check failed", "order_id", orderID.String(), "error", err)
		return
	}
	if closed {
		return
	}

	o, err := d.Store.GetOrder(ctx, orderID)
	if err != nil {
		d.Logger.Warnw("availability delta: get order failed", "order_id", orderID.String(), "error", err)
		return
	}
	trs, err := d.Store.ListTruckRequestsByOrder(ctx, orderID)
	if err != nil {
		d.Logger.Warnw("availability delta: list truck requests failed", "order_id", orderID.String(), "error", err)
		return
	}

	searchingByGroup := map[string]int{}
	for _, tr := range trs {
		if tr.Status == TruckSearching {
			searchingByGroup[tr.VehicleType+"|"+tr.VehicleSubtype]++
		}
	}

	isFullyAssigned := o.TrucksFilled >= o.TotalTrucks

	notified, err := d.MatchIdx.NotifiedTransporters(ctx, orderID)
	if err != nil {
		d.Logger.Warnw("availability delta: notified transporters lookup failed", "order_id", orderID.String(), "error", err)
		return
	}

	for _, transporterID := range notified {
		if isFullyAssigned {
			publishDelta(ctx, d, orderID, transporterID, "broadcast_closed", 0)
			continue
		}

		trucksYouCanProvide := 0
		for group, stillSearching := range searchingByGroup {
			vehicleType, vehicleSubtype := splitGroupKey(group)
			available, err := d.FleetStore.CountAvailableVehicles(ctx, transporterID, vehicleType, vehicleSubtype)
			if err != nil {
				d.Logger.Warnw("availability delta: vehicle count failed", "transporter_id", transporterID.String(), "error", err)
				continue
			}
			recipientCap := available
			if stillSearching < recipientCap {
				recipientCap = stillSearching
			}
			if recipientCap > trucksYouCanProvide {
				trucksYouCanProvide = recipientCap
			}
		}

		if trucksYouCanProvide == 0 {
			publishDelta(ctx, d, orderID, transporterID, "no_available_trucks", 0)
		} else {
			publishDelta(ctx, d, orderID, transporterID, "broadcast_update", trucksYouCanProvide)
		}
	}

	if isFullyAssigned {
		if err := d.MatchIdx.MarkOrderClosed(ctx, orderID); err != nil {
			d.Logger.Warnw("availability delta: mark order closed failed", "order_id", orderID.String(), "error", err)
		}
	}
}

func publishDelta(ctx context.Context, d DeltaDeps, orderID types.OrderID, transporterID types.UserID, eventType string, trucksYouCanProvide int) {
	err := d.Bus.Publish(ctx, eventbus.UserRoom(transporterID.String()), map[string]any{
		"type":                   eventType,
		"order_id":               orderID.String(),
		"trucks_you_can_provide": trucksYouCanProvide,
	})
	if err != nil {
		d.Logger.Warnw("availability delta publish failed", "order_id", orderID.String(), "transporter_id", transporterID.String(), "error", err)
	}
}

func splitGroupKey(group string) (string, string) {
	for i := 0; i < len(group); i++ {
		if group[i] == '|' {
			return group[:i], group[i+1:]
		}
	}
	return group, ""
}
