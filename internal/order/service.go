package order

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
	"dispatch/internal/matchindex"
	"dispatch/internal/scheduler"
	"dispatch/internal/types"
)

// Service owns the Order/TruckRequest lifecycle: creation (with demand
// explosion), broadcast fan-out to matching transporters, cancellation, and
// expiry. It never mutates a TruckRequest's reservation state directly —
// that is hold.Service's job once a transporter commits.
type Service struct {
	store      *Store
	fleetStore *fleet.Store
	cache      *cachestore.Store
	matchIdx   *matchindex.Index
	bus        *eventbus.Bus
	outbox     *fcmoutbox.Outbox
	sched      *scheduler.Scheduler
	logger     *zap.SugaredLogger

	createRatePerWindow int
	createRateWindow    time.Duration
	broadcastTimeout    time.Duration
	idempotencyTTL      time.Duration
}

type Deps struct {
	Store               *Store
	FleetStore           *fleet.Store
	Cache                *cachestore.Store
	MatchIndex           *matchindex.Index
	Bus                  *eventbus.Bus
	Outbox               *fcmoutbox.Outbox
	Scheduler            *scheduler.Scheduler
	Logger               *zap.SugaredLogger
	CreateRatePerWindow  int
	CreateRateWindow     time.Duration
	BroadcastTimeout     time.Duration
	IdempotencyTTL       time.Duration
}

func NewService(d Deps) *Service {
	return &Service{
		store:               d.Store,
		fleetStore:          d.FleetStore,
		cache:               d.Cache,
		matchIdx:            d.MatchIndex,
		bus:                 d.Bus,
		outbox:              d.Outbox,
		sched:               d.Scheduler,
		logger:              d.Logger,
		createRatePerWindow: d.CreateRatePerWindow,
		createRateWindow:    d.CreateRateWindow,
		broadcastTimeout:    d.BroadcastTimeout,
		idempotencyTTL:      d.IdempotencyTTL,
	}
}

// CreateOrderRequest is the validated input to CreateOrder.
type CreateOrderRequest struct {
	CustomerID     types.UserID
	CustomerPhone  string
	Pickup         types.Point
	Drop           types.Point
	RoutePoints    []types.RoutePoint
	DistanceKm     float64
	GoodsType      string
	CargoWeightKg  float64
	Demand         []DemandLine
	ScheduledAt    *time.Time
	IdempotencyKey string
}

// CreateOrder validates demand, enforces the single-active-order and
// create-rate policies, explodes demand into TruckRequest rows, persists
// everything, schedules expiry, and broadcasts to matching transporters.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, []*TruckRequest, error) {
	if req.IdempotencyKey != "" {
		if existing, err := s.store.FindByIdempotencyKey(ctx, req.CustomerID, req.IdempotencyKey); err != nil {
			return nil, nil, err
		} else if existing != nil {
			trs, err := s.store.ListTruckRequestsByOrder(ctx, existing.ID)
			if err != nil {
				return nil, nil, err
			}
			return existing, trs, nil
		}
	}

	totalTrucks := 0
	for _, line := range req.Demand {
		if line.Quantity <= 0 {
			return nil, nil, dispatcherr.ErrInvalidQuantity
		}
		totalTrucks += line.Quantity
	}
	if totalTrucks == 0 {
		return nil, nil, dispatcherr.ErrInvalidQuantity
	}

	if err := s.checkCreateRate(ctx, req.CustomerID); err != nil {
		return nil, nil, err
	}

	hasActive, err := s.store.HasActiveByCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, nil, err
	}
	if hasActive {
		return nil, nil, dispatcherr.ErrActiveOrderExists
	}

	now := time.Now().UTC()
	var total int64
	currency := "INR"
	for _, line := range req.Demand {
		total += line.PricePerTruck.Amount * int64(line.Quantity)
		currency = line.PricePerTruck.Currency
	}

	o := &Order{
		ID:             types.NewOrderID(),
		CustomerID:     req.CustomerID,
		CustomerPhone:  req.CustomerPhone,
		Pickup:         req.Pickup,
		Drop:           req.Drop,
		RoutePoints:    req.RoutePoints,
		DistanceKm:     req.DistanceKm,
		TotalTrucks:    totalTrucks,
		TrucksFilled:   0,
		TotalAmount:    types.Money{Amount: total, Currency: currency},
		GoodsType:      req.GoodsType,
		CargoWeightKg:  req.CargoWeightKg,
		Status:         StatusActive,
		StatusVersion:  0,
		ScheduledAt:    req.ScheduledAt,
		ExpiresAt:      now.Add(s.broadcastTimeout),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, nil, dispatcherr.Fatal("ORDER_CREATE_FAILED", "could not persist order", err)
	}

	trs := explodeDemand(o.ID, req.Demand, now)
	if err := s.store.CreateTruckRequests(ctx, trs); err != nil {
		return nil, nil, dispatcherr.Fatal("TRUCK_REQUEST_CREATE_FAILED", "could not persist truck requests", err)
	}

	s.sched.ScheduleAt(expiryTimerID(o.ID), o.ExpiresAt, func() {
		bgCtx := context.Background()
		if err := s.ExpireOrder(bgCtx, o.ID); err != nil {
			s.logger.Warnw("order expiry handler failed", "order_id", o.ID.String(), "error", err)
		}
	})

	s.broadcast(ctx, o, trs)

	return o, trs, nil
}

// checkCreateRate enforces a fixed-window per-customer rate limit on order
// creation using a Redis counter, guarding against a misbehaving client
// hammering CreateOrder.
func (s *Service) checkCreateRate(ctx context.Context, customerID types.UserID) error {
	key := fmt.Sprintf("ratelimit:create_order:%s:%d", customerID.String(), time.Now().Unix()/int64(s.createRateWindow.Seconds()))
	count, err := s.cache.Client().Incr(ctx, key).Result()
	if err != nil {
		return dispatcherr.Fatal("RATE_LIMIT_CHECK_FAILED", "could not check rate limit", err)
	}
	if count == 1 {
		_ = s.cache.Expire(ctx, key, s.createRateWindow)
	}
	if int(count) > s.createRatePerWindow {
		return dispatcherr.ErrRateLimitExceeded
	}
	return nil
}

func explodeDemand(orderID types.OrderID, demand []DemandLine, now time.Time) []*TruckRequest {
	var trs []*TruckRequest
	n := 1
	for _, line := range demand {
		for i := 0; i < line.Quantity; i++ {
			trs = append(trs, &TruckRequest{
				ID:             types.NewTruckRequestID(),
				OrderID:        orderID,
				RequestNumber:  n,
				VehicleType:    line.VehicleType,
				VehicleSubtype: line.VehicleSubtype,
				PricePerTruck:  line.PricePerTruck,
				Status:         TruckSearching,
				StatusVersion:  0,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			n++
		}
	}
	return trs
}

// broadcast looks up every transporter whose fleet matches one of the
// order's demand groups and pushes a new-truck-request notice, recording
// who was notified so later availability deltas reach the same
// transporters.
func (s *Service) broadcast(ctx context.Context, o *Order, trs []*TruckRequest) {
	groups := map[string]*TruckRequest{}
	for _, tr := range trs {
		if tr.Status != TruckSearching {
			continue
		}
		groups[tr.VehicleType+"|"+tr.VehicleSubtype] = tr
	}

	var allNotified []types.UserID
	for _, tr := range groups {
		transporterIDs, err := s.matchIdx.Lookup(ctx, tr.VehicleType, tr.VehicleSubtype)
		if err != nil {
			s.logger.Warnw("match index lookup failed", "order_id", o.ID.String(), "error", err)
			continue
		}
		for _, transporterID := range transporterIDs {
			s.notifyTransporter(ctx, transporterID, o, tr)
			allNotified = append(allNotified, transporterID)
		}
	}

	if err := s.matchIdx.RecordDispatch(ctx, o.ID, allNotified); err != nil {
		s.logger.Warnw("record dispatch failed", "order_id", o.ID.String(), "error", err)
	}
	if err := s.bus.Publish(ctx, eventbus.OrderRoom(o.ID.String()), map[string]any{
		"type":     "order_broadcast",
		"order_id": o.ID.String(),
	}); err != nil {
		s.logger.Warnw("order broadcast publish failed", "order_id", o.ID.String(), "error", err)
	}
}

func (s *Service) notifyTransporter(ctx context.Context, transporterID types.UserID, o *Order, tr *TruckRequest) {
	user, err := s.fleetStore.GetUser(ctx, transporterID)
	if err != nil {
		s.logger.Warnw("notify transporter: user lookup failed", "transporter_id", transporterID.String(), "error", err)
		return
	}
	if user.FCMToken == "" {
		return
	}
	err = s.outbox.SendNewTruckRequest(ctx, user.FCMToken, fcmoutbox.NewOrderPayload{
		OrderID:        o.ID,
		TruckRequestID: tr.ID,
		VehicleType:    tr.VehicleType,
		VehicleSubtype: tr.VehicleSubtype,
		PickupLat:      o.Pickup.Lat,
		PickupLng:      o.Pickup.Lng,
		DropLat:        o.Drop.Lat,
		DropLng:        o.Drop.Lng,
		PricePerTruck:  tr.PricePerTruck.Amount,
		DistanceKm:     o.DistanceKm,
	})
	if err != nil {
		s.logger.Warnw("fcm dispatch failed", "transporter_id", transporterID.String(), "order_id", o.ID.String(), "error", err)
	}
}

// CancelOrder cancels an order and every truck request still in a
// non-terminal, non-assigned state. Assigned/accepted/in-progress truck
// requests are left for hold.Service/routeprogress.Service to resolve —
// an order with trucks already on the road cannot be cancelled wholesale.
func (s *Service) CancelOrder(ctx context.Context, orderID types.OrderID, actorID types.UserID) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.CustomerID != actorID {
		return dispatcherr.ErrForbidden
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return dispatcherr.ErrInvalidStatusChange
	}

	ok, err := s.store.UpdateOrderStatus(ctx, orderID, o.Status, StatusCancelled, o.StatusVersion)
	if err != nil {
		return dispatcherr.Fatal("ORDER_CANCEL_FAILED", "could not cancel order", err)
	}
	if !ok {
		return dispatcherr.ErrConcurrentRequest
	}

	s.sched.Cancel(expiryTimerID(orderID))
	_ = s.matchIdx.MarkOrderClosed(ctx, orderID)

	trs, err := s.store.ListTruckRequestsByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, tr := range trs {
		if tr.Status == TruckSearching || tr.Status == TruckHeld {
			_, _ = s.store.UpdateTruckRequestStatus(ctx, tr.ID, tr.Status, TruckCancelled, tr.StatusVersion)
		}
	}

	return s.bus.Publish(ctx, eventbus.OrderRoom(orderID.String()), map[string]any{
		"type":     "order_cancelled",
		"order_id": orderID.String(),
	})
}

// ExpireOrder flips a still-open order to expired once its broadcast
// window lapses, called by the scheduler timer CreateOrder registers.
func (s *Service) ExpireOrder(ctx context.Context, orderID types.OrderID) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusExpired) {
		return nil
	}
	ok, err := s.store.UpdateOrderStatus(ctx, orderID, o.Status, StatusExpired, o.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_ = s.matchIdx.MarkOrderClosed(ctx, orderID)

	trs, err := s.store.ListTruckRequestsByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, tr := range trs {
		if tr.Status == TruckSearching {
			_, _ = s.store.UpdateTruckRequestStatus(ctx, tr.ID, tr.Status, TruckExpired, tr.StatusVersion)
		}
	}

	s.publishAvailabilityDelta(ctx, orderID)

	return s.bus.Publish(ctx, eventbus.OrderRoom(orderID.String()), map[string]any{
		"type":     "order_expired",
		"order_id": orderID.String(),
	})
}

// publishAvailabilityDelta recomputes each notified transporter's remaining
// capacity against this order and emits the matching personalized event.
func (s *Service) publishAvailabilityDelta(ctx context.Context, orderID types.OrderID) {
	PublishAvailabilityDelta(ctx, DeltaDeps{
		Store:      s.store,
		FleetStore: s.fleetStore,
		MatchIdx:   s.matchIdx,
		Bus:        s.bus,
		Logger:     s.logger,
	}, orderID)
}

func (s *Service) GetOrderDetails(ctx context.Context, orderID types.OrderID) (*Order, []*TruckRequest, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	trs, err := s.store.ListTruckRequestsByOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return o, trs, nil
}

func (s *Service) GetOrdersByCustomer(ctx context.Context, customerID types.UserID) ([]*Order, error) {
	return s.store.ListOrdersByCustomer(ctx, customerID)
}

func (s *Service) GetActiveRequestsForTransporter(ctx context.Context, transporterID types.UserID) ([]*TruckRequest, error) {
	return s.store.ListActiveByTransporter(ctx, transporterID)
}

// ExpireOverdueOrders is a backstop sweep a periodic job runs to catch any
// order whose scheduled timer was lost to a process restart.
func (s *Service) ExpireOverdueOrders(ctx context.Context) (int64, error) {
	return s.store.ExpireOverdueOrders(ctx)
}

func expiryTimerID(orderID types.OrderID) string {
	return "order:expire:" + orderID.String()
}
