package hold

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dispatch/internal/cachestore"
	"dispatch/internal/dispatcherr"
	"dispatch/internal/eventbus"
	"dispatch/internal/fcmoutbox"
	"dispatch/internal/fleet"
	"dispatch/internal/lockmanager"
	"dispatch/internal/matchindex"
	"dispatch/internal/order"
	"dispatch/internal/scheduler"
	"dispatch/internal/types"
)

// Service implements the lock-first-persist-second hold protocol: truck
// request rows are locked in ascending request_number order to avoid
// deadlocking against a concurrent hold over an overlapping set, and only
// once every lock is held does the service write any truck request row.
// The per-transporter guard key is the one write made before locking.
type Service struct {
	store      *Store
	orderStore *order.Store
	fleetStore *fleet.Store
	cache      *cachestore.Store
	locks      *lockmanager.Manager
	matchIdx   *matchindex.Index
	bus        *eventbus.Bus
	outbox     *fcmoutbox.Outbox
	sched      *scheduler.Scheduler
	logger     *zap.SugaredLogger

	holdDuration    time.Duration
	holdTimeout     time.Duration
	maxHoldQuantity int
}

type Deps struct {
	Store           *Store
	OrderStore      *order.Store
	FleetStore      *fleet.Store
	Cache           *cachestore.Store
	Locks           *lockmanager.Manager
	MatchIndex      *matchindex.Index
	Bus             *eventbus.Bus
	Outbox          *fcmoutbox.Outbox
	Scheduler       *scheduler.Scheduler
	Logger          *zap.SugaredLogger
	HoldDuration    time.Duration
	HoldTimeout     time.Duration
	MaxHoldQuantity int
}

func NewService(d Deps) *Service {
	return &Service{
		store:           d.Store,
		orderStore:      d.OrderStore,
		fleetStore:      d.FleetStore,
		cache:           d.Cache,
		locks:           d.Locks,
		matchIdx:        d.MatchIndex,
		bus:             d.Bus,
		outbox:          d.Outbox,
		sched:           d.Scheduler,
		logger:          d.Logger,
		holdDuration:    d.HoldDuration,
		holdTimeout:     d.HoldTimeout,
		maxHoldQuantity: d.MaxHoldQuantity,
	}
}

// publishAvailabilityDelta mirrors order.Service's own call of the same
// helper, since Hold/Release/Confirm all change which truck requests are
// still searching without order.Service ever seeing the transition.
func (s *Service) publishAvailabilityDelta(ctx context.Context, orderID types.OrderID) {
	order.PublishAvailabilityDelta(ctx, order.DeltaDeps{
		Store:      s.orderStore,
		FleetStore: s.fleetStore,
		MatchIdx:   s.matchIdx,
		Bus:        s.bus,
		Logger:     s.logger,
	}, orderID)
}

// Hold reserves exactly quantity searching truck requests of (vehicleType,
// vehicleSubtype) within orderID for transporterID, failing with
// NOT_ENOUGH_AVAILABLE when fewer than quantity are searching.
func (s *Service) Hold(ctx context.Context, transporterID types.UserID, orderID types.OrderID, vehicleType, vehicleSubtype string, quantity int) (*Hold, error) {
	if quantity <= 0 || quantity > s.maxHoldQuantity {
		return nil, dispatcherr.ErrInvalidQuantity
	}

	guardKey := guardKey(transporterID, orderID, vehicleType, vehicleSubtype)
	acquired, err := s.cache.SetNX(ctx, guardKey, "1", s.holdDuration)
	if err != nil {
		return nil, dispatcherr.Fatal("HOLD_GUARD_FAILED", "could not check existing hold", err)
	}
	if !acquired {
		return nil, dispatcherr.ErrAlreadyHolding
	}

	candidates, err := s.selectCandidates(ctx, orderID, vehicleType, vehicleSubtype, quantity)
	if err != nil {
		_ = s.cache.Del(ctx, guardKey)
		return nil, err
	}
	if len(candidates) < quantity {
		_ = s.cache.Del(ctx, guardKey)
		return nil, dispatcherr.ErrNotEnoughAvailable
	}

	lockKeys := make([]string, len(candidates))
	for i, tr := range candidates {
		lockKeys[i] = truckRequestLockKey(tr.ID)
	}
	locks, ok, err := s.locks.AcquireMany(ctx, lockKeys, s.holdTimeout)
	if err != nil {
		_ = s.cache.Del(ctx, guardKey)
		return nil, dispatcherr.Fatal("LOCK_ACQUIRE_FAILED", "could not acquire truck request locks", err)
	}
	if !ok {
		_ = s.cache.Del(ctx, guardKey)
		return nil, dispatcherr.ErrLockFailed
	}
	defer s.locks.ReleaseAll(ctx, locks)

	held := make([]types.TruckRequestID, 0, len(candidates))
	for _, tr := range candidates {
		ok, err := s.orderStore.HoldTruckRequest(ctx, tr.ID, transporterID, tr.StatusVersion)
		if err != nil {
			s.rollbackHolds(ctx, held)
			_ = s.cache.Del(ctx, guardKey)
			return nil, dispatcherr.Fatal("HOLD_WRITE_FAILED", "could not persist hold on truck request", err)
		}
		if !ok {
			s.rollbackHolds(ctx, held)
			_ = s.cache.Del(ctx, guardKey)
			return nil, dispatcherr.ErrConcurrentRequest
		}
		held = append(held, tr.ID)
	}

	now := time.Now().UTC()
	h := &Hold{
		ID:              types.NewHoldID(),
		OrderID:         orderID,
		TransporterID:   transporterID,
		TruckRequestIDs: held,
		VehicleType:     vehicleType,
		VehicleSubtype:  vehicleSubtype,
		Status:          StatusActive,
		ExpiresAt:       now.Add(s.holdDuration),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, h, s.holdDuration); err != nil {
		s.rollbackHolds(ctx, held)
		_ = s.cache.Del(ctx, guardKey)
		return nil, dispatcherr.Fatal("HOLD_PERSIST_FAILED", "could not persist hold record", err)
	}

	s.sched.ScheduleAt(holdTimerID(h.ID), h.ExpiresAt, func() {
		bgCtx := context.Background()
		if err := s.expireHold(bgCtx, h.ID); err != nil {
			s.logger.Warnw("hold expiry handler failed", "hold_id", h.ID.String(), "error", err)
		}
	})

	s.publishAvailabilityDelta(ctx, orderID)

	return h, nil
}

// selectCandidates picks up to quantity searching truck requests of the
// given group from orderID, ordered by request_number ascending — the
// fixed order every concurrent Hold call walks, so two transporters racing
// over an overlapping set always attempt their locks in the same sequence.
func (s *Service) selectCandidates(ctx context.Context, orderID types.OrderID, vehicleType, vehicleSubtype string, quantity int) ([]*order.TruckRequest, error) {
	all, err := s.orderStore.ListTruckRequestsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var out []*order.TruckRequest
	for _, tr := range all {
		if tr.VehicleType == vehicleType && tr.VehicleSubtype == vehicleSubtype && tr.Status == order.TruckSearching {
			out = append(out, tr)
			if len(out) == quantity {
				break
			}
		}
	}
	return out, nil
}

func (s *Service) rollbackHolds(ctx context.Context, ids []types.TruckRequestID) {
	for _, id := range ids {
		tr, err := s.orderStore.GetTruckRequest(ctx, id)
		if err != nil {
			continue
		}
		if tr.Status == order.TruckHeld {
			_, _ = s.orderStore.ReleaseTruckRequest(ctx, id, tr.StatusVersion)
		}
	}
}

// ConfirmedAssignment is one successfully confirmed (truckRequest, vehicle,
// driver) binding's resulting identifiers, returned per-binding since each
// gets its own Assignment under its own fresh trip.
type ConfirmedAssignment struct {
	AssignmentID types.AssignmentID
	TripID       types.TripID
}

// ConfirmHoldWithAssignments binds each held truck request to a concrete
// vehicle and driver. Every binding gets its own fresh tripID and its own
// Assignment row — invariant I3 requires a vehicle's current trip to match
// exactly one Assignment, which a shared tripID across a multi-vehicle
// confirm would violate.
func (s *Service) ConfirmHoldWithAssignments(ctx context.Context, holdID types.HoldID, transporterID types.UserID, bindings []VehicleBinding) ([]ConfirmedAssignment, error) {
	h, err := s.store.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if h.TransporterID != transporterID {
		return nil, dispatcherr.ErrForbidden
	}
	if h.Status != StatusActive {
		return nil, dispatcherr.ErrInvalidStatusChange
	}
	if time.Now().UTC().After(h.ExpiresAt) {
		return nil, dispatcherr.ErrHoldExpired
	}
	if err := validateBindings(h, bindings); err != nil {
		return nil, err
	}

	drivers := map[types.UserID]struct{}{}
	for _, b := range bindings {
		vehicle, err := s.fleetStore.GetVehicle(ctx, b.VehicleID)
		if err != nil {
			return nil, err
		}
		if vehicle.TransporterID != transporterID {
			return nil, dispatcherr.ErrForbidden
		}
		if vehicle.Status != fleet.VehicleOnline {
			return nil, dispatcherr.ErrValidationFailures
		}
		if _, dup := drivers[b.DriverID]; dup {
			return nil, dispatcherr.ErrValidationFailures
		}
		drivers[b.DriverID] = struct{}{}
		hasActive, err := s.fleetStore.HasActiveAssignmentForDriver(ctx, b.DriverID)
		if err != nil {
			return nil, err
		}
		if hasActive {
			return nil, dispatcherr.ErrValidationFailures
		}
	}

	var confirmed []ConfirmedAssignment
	for _, b := range bindings {
		tr, err := s.orderStore.GetTruckRequest(ctx, b.TruckRequestID)
		if err != nil {
			return nil, err
		}
		if tr.Status != order.TruckHeld || tr.HeldBy == nil || *tr.HeldBy != transporterID {
			continue
		}
		driver, err := s.fleetStore.GetUser(ctx, b.DriverID)
		if err != nil {
			return nil, err
		}
		vehicle, err := s.fleetStore.GetVehicle(ctx, b.VehicleID)
		if err != nil {
			return nil, err
		}

		tripID := types.NewTripID()
		ok, err := s.orderStore.AssignTruckRequest(ctx, tr.ID, transporterID, b.VehicleID, vehicle.VehicleNumber,
			b.DriverID, driver.DisplayName, tripID, tr.StatusVersion)
		if err != nil {
			return nil, dispatcherr.Fatal("ASSIGN_WRITE_FAILED", "could not persist truck request assignment", err)
		}
		if !ok {
			continue
		}

		if ok, err := s.fleetStore.BindVehicleToTrip(ctx, b.VehicleID, tripID, vehicle.StatusVersion); err != nil {
			s.logger.Warnw("bind vehicle to trip failed", "vehicle_id", b.VehicleID.String(), "error", err)
		} else if !ok {
			s.logger.Warnw("bind vehicle to trip lost cas race", "vehicle_id", b.VehicleID.String())
		}

		assignment := &fleet.Assignment{
			ID:             types.NewAssignmentID(),
			TruckRequestID: tr.ID,
			OrderID:        h.OrderID,
			TransporterID:  transporterID,
			VehicleID:      b.VehicleID,
			DriverID:       b.DriverID,
			TripID:         tripID,
			Status:         fleet.AssignmentActive,
			StatusVersion:  0,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		if err := s.fleetStore.CreateAssignment(ctx, assignment); err != nil {
			s.logger.Warnw("create assignment failed", "truck_request_id", tr.ID.String(), "error", err)
			continue
		}
		confirmed = append(confirmed, ConfirmedAssignment{AssignmentID: assignment.ID, TripID: tripID})

		if driver.FCMToken != "" {
			_ = s.outbox.SendAssignment(ctx, driver.FCMToken, fcmoutbox.AssignmentPayload{
				AssignmentID: assignment.ID,
				TripID:       tripID,
				OrderID:      h.OrderID,
			})
		}
	}

	if len(confirmed) == 0 {
		return nil, dispatcherr.ErrConcurrentRequest
	}

	if err := s.advanceOrderFill(ctx, h.OrderID, len(confirmed)); err != nil {
		s.logger.Warnw("advance order fill failed", "order_id", h.OrderID.String(), "error", err)
	}

	h.Status = StatusConfirmed
	h.UpdatedAt = time.Now().UTC()
	_ = s.store.Delete(ctx, h.ID)
	s.sched.Cancel(holdTimerID(h.ID))
	_ = s.cache.Del(ctx, guardKey(transporterID, h.OrderID, h.VehicleType, h.VehicleSubtype))

	s.publishAvailabilityDelta(ctx, h.OrderID)

	if err := s.bus.Publish(ctx, eventbus.OrderRoom(h.OrderID.String()), map[string]any{
		"type":     "hold_confirmed",
		"hold_id":  h.ID.String(),
		"order_id": h.OrderID.String(),
	}); err != nil {
		return nil, err
	}

	return confirmed, nil
}

func validateBindings(h *Hold, bindings []VehicleBinding) error {
	want := map[types.TruckRequestID]struct{}{}
	for _, id := range h.TruckRequestIDs {
		want[id] = struct{}{}
	}
	if len(bindings) != len(want) {
		return dispatcherr.ErrValidationFailures
	}
	for _, b := range bindings {
		if _, ok := want[b.TruckRequestID]; !ok {
			return dispatcherr.ErrValidationFailures
		}
		delete(want, b.TruckRequestID)
	}
	if len(want) != 0 {
		return dispatcherr.ErrValidationFailures
	}
	return nil
}

// advanceOrderFill bumps trucksFilled and transitions the order's status
// between active/partially_filled/fully_filled accordingly.
func (s *Service) advanceOrderFill(ctx context.Context, orderID types.OrderID, delta int) error {
	o, err := s.orderStore.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := s.orderStore.IncrementTrucksFilled(ctx, orderID, delta, o.StatusVersion); err != nil {
		return err
	}

	o, err = s.orderStore.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	target := order.StatusPartiallyFilled
	if o.TrucksFilled >= o.TotalTrucks {
		target = order.StatusFullyFilled
	}
	if o.Status == target {
		return nil
	}
	if !order.CanTransition(o.Status, target) {
		return nil
	}
	_, err = s.orderStore.UpdateOrderStatus(ctx, orderID, o.Status, target, o.StatusVersion)
	return err
}

// ReleaseHold returns every still-held truck request of a hold to
// searching, at the transporter's own request.
func (s *Service) ReleaseHold(ctx context.Context, holdID types.HoldID, transporterID types.UserID) error {
	h, err := s.store.Get(ctx, holdID)
	if err != nil {
		return err
	}
	if h.TransporterID != transporterID {
		return dispatcherr.ErrForbidden
	}
	if h.Status != StatusActive {
		return dispatcherr.ErrInvalidStatusChange
	}
	return s.releaseHoldInternal(ctx, h, StatusReleased)
}

// expireHold is the scheduler-driven counterpart of ReleaseHold, fired when
// a hold's TTL lapses without confirmation.
func (s *Service) expireHold(ctx context.Context, holdID types.HoldID) error {
	h, err := s.store.Get(ctx, holdID)
	if err != nil {
		if de, ok := dispatcherr.As(err); ok && de.Kind == dispatcherr.KindNotFound {
			return nil
		}
		return err
	}
	if h.Status != StatusActive {
		return nil
	}
	if err := s.releaseHoldInternal(ctx, h, StatusExpired); err != nil {
		return err
	}
	transporter, err := s.fleetStore.GetUser(ctx, h.TransporterID)
	if err == nil && transporter.FCMToken != "" {
		_ = s.outbox.SendHoldExpired(ctx, transporter.FCMToken, fcmoutbox.HoldExpiredPayload{
			HoldID:  h.ID,
			OrderID: h.OrderID,
		})
	}
	return nil
}

func (s *Service) releaseHoldInternal(ctx context.Context, h *Hold, finalStatus Status) error {
	for _, id := range h.TruckRequestIDs {
		tr, err := s.orderStore.GetTruckRequest(ctx, id)
		if err != nil {
			continue
		}
		if tr.Status == order.TruckHeld && tr.HeldBy != nil && *tr.HeldBy == h.TransporterID {
			if _, err := s.orderStore.ReleaseTruckRequest(ctx, id, tr.StatusVersion); err != nil {
				s.logger.Warnw("release truck request failed", "truck_request_id", id.String(), "error", err)
			}
		}
	}

	h.Status = finalStatus
	h.UpdatedAt = time.Now().UTC()
	_ = s.store.Delete(ctx, h.ID)
	s.sched.Cancel(holdTimerID(h.ID))
	_ = s.cache.Del(ctx, guardKey(h.TransporterID, h.OrderID, h.VehicleType, h.VehicleSubtype))

	s.publishAvailabilityDelta(ctx, h.OrderID)

	return s.bus.Publish(ctx, eventbus.OrderRoom(h.OrderID.String()), map[string]any{
		"type":     "hold_released",
		"hold_id":  h.ID.String(),
		"order_id": h.OrderID.String(),
		"status":   string(finalStatus),
	})
}

// GetOrderAvailability reports, per (vehicleType, vehicleSubtype) group,
// orderID's total demand and how much of it is still searching, held, or
// assigned. IsFullyAssigned holds once every group has nothing left
// searching or held.
func (s *Service) GetOrderAvailability(ctx context.Context, orderID types.OrderID) (*OrderAvailability, error) {
	trs, err := s.orderStore.ListTruckRequestsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	type groupKey struct{ vehicleType, vehicleSubtype string }
	groups := map[groupKey]*GroupAvailability{}
	var seen []groupKey
	for _, tr := range trs {
		k := groupKey{tr.VehicleType, tr.VehicleSubtype}
		g, ok := groups[k]
		if !ok {
			g = &GroupAvailability{VehicleType: tr.VehicleType, VehicleSubtype: tr.VehicleSubtype, FarePerTruck: tr.PricePerTruck}
			groups[k] = g
			seen = append(seen, k)
		}
		g.TotalNeeded++
		switch tr.Status {
		case order.TruckSearching:
			g.Available++
		case order.TruckHeld:
			g.Held++
		case order.TruckAssigned, order.TruckAccepted, order.TruckInProgress, order.TruckCompleted:
			g.Assigned++
		}
	}

	out := &OrderAvailability{IsFullyAssigned: true}
	for _, k := range seen {
		g := groups[k]
		if g.Available > 0 || g.Held > 0 {
			out.IsFullyAssigned = false
		}
		out.Groups = append(out.Groups, *g)
	}
	return out, nil
}

func guardKey(transporterID types.UserID, orderID types.OrderID, vehicleType, vehicleSubtype string) string {
	return fmt.Sprintf("hold:guard:%s:%s:%s:%s", transporterID.String(), orderID.String(), vehicleType, vehicleSubtype)
}

func truckRequestLockKey(id types.TruckRequestID) string {
	return "truckrequest:" + id.String()
}

func holdTimerID(id types.HoldID) string {
	return "hold:expire:" + id.String()
}
