package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/dispatcherr"
	"dispatch/internal/types"
)

// Store persists Order and TruckRequest rows in PostgreSQL, using a
// status_version column on each table for optimistic concurrency: every
// status-changing update carries WHERE status=$from AND status_version=$n,
// and a RowsAffected() of zero means a concurrent writer already won.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	routePoints, err := json.Marshal(o.RoutePoints)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO orders (
            id, customer_id, customer_phone, status, status_version,
            pickup_lat, pickup_lng, drop_lat, drop_lng,
            distance_km, total_trucks, trucks_filled, total_amount, currency,
            goods_type, cargo_weight_kg, scheduled_at, expires_at,
            route_points, current_route_idx, stop_wait_timers,
            idempotency_key, created_at
        ) VALUES (
            $1, $2, $3, $4, $5,
            $6, $7, $8, $9,
            $10, $11, $12, $13, $14,
            $15, $16, $17, $18,
            $19, $20, $21,
            $22, $23
        )`,
		o.ID.String(), o.CustomerID.String(), o.CustomerPhone, string(o.Status), o.StatusVersion,
		o.Pickup.Lat, o.Pickup.Lng, o.Drop.Lat, o.Drop.Lng,
		o.DistanceKm, o.TotalTrucks, o.TrucksFilled, o.TotalAmount.Amount, o.TotalAmount.Currency,
		o.GoodsType, o.CargoWeightKg, o.ScheduledAt, o.ExpiresAt,
		routePoints, o.CurrentRouteIdx, []byte("[]"),
		nullableString(o.IdempotencyKey), o.CreatedAt,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id types.OrderID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, customer_id, customer_phone, status, status_version,
               pickup_lat, pickup_lng, drop_lat, drop_lng,
               distance_km, total_trucks, trucks_filled, total_amount, currency,
               goods_type, cargo_weight_kg, scheduled_at, expires_at,
               route_points, current_route_idx, stop_wait_timers,
               idempotency_key, created_at, updated_at
        FROM orders WHERE id = $1`, id.String(),
	)

	var o Order
	var idStr, custStr string
	var scheduledAt sql.NullTime
	var idemKey sql.NullString
	var routePoints, stopWaitTimers []byte

	err := row.Scan(
		&idStr, &custStr, &o.CustomerPhone, &o.Status, &o.StatusVersion,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Drop.Lat, &o.Drop.Lng,
		&o.DistanceKm, &o.TotalTrucks, &o.TrucksFilled, &o.TotalAmount.Amount, &o.TotalAmount.Currency,
		&o.GoodsType, &o.CargoWeightKg, &scheduledAt, &o.ExpiresAt,
		&routePoints, &o.CurrentRouteIdx, &stopWaitTimers,
		&idemKey, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if o.ID, err = types.ParseOrderID(idStr); err != nil {
		return nil, err
	}
	if o.CustomerID, err = types.ParseUserID(custStr); err != nil {
		return nil, err
	}
	o.ScheduledAt = toTimePtr(scheduledAt)
	if idemKey.Valid {
		o.IdempotencyKey = idemKey.String
	}
	if len(routePoints) > 0 {
		if err := json.Unmarshal(routePoints, &o.RoutePoints); err != nil {
			return nil, err
		}
	}
	if len(stopWaitTimers) > 0 {
		if err := json.Unmarshal(stopWaitTimers, &o.StopWaitTimers); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

// UpdateOrderStatus performs the CAS update at the heart of every Order
// transition; a false return (with nil error) means a concurrent writer
// already changed the row and the caller should reload and retry or fail.
func (s *Store) UpdateOrderStatus(ctx context.Context, id types.OrderID, from, to Status, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE orders
        SET status = $1, status_version = status_version + 1, updated_at = NOW()
        WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), id.String(), string(from), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateRouteProgress persists the route cursor and stop-wait-timer
// history that routeprogress.Service accumulates as a trip moves through
// an order's waypoints.
func (s *Store) UpdateRouteProgress(ctx context.Context, id types.OrderID, currentRouteIdx int, timers []StopWaitTimer, expectVersion int) (bool, error) {
	data, err := json.Marshal(timers)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
        UPDATE orders
        SET current_route_idx = $1, stop_wait_timers = $2, status_version = status_version + 1, updated_at = NOW()
        WHERE id = $3 AND status_version = $4`,
		currentRouteIdx, data, id.String(), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementTrucksFilled bumps trucks_filled by delta under the same CAS
// discipline, used after every successful ConfirmHoldWithAssignments.
func (s *Store) IncrementTrucksFilled(ctx context.Context, id types.OrderID, delta int, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE orders
        SET trucks_filled = trucks_filled + $1, status_version = status_version + 1, updated_at = NOW()
        WHERE id = $2 AND status_version = $3`,
		delta, id.String(), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) HasActiveByCustomer(ctx context.Context, customerID types.UserID) (bool, error) {
	statuses := make([]string, len(ActiveOrderStatuses))
	for i, st := range ActiveOrderStatuses {
		statuses[i] = string(st)
	}
	row := s.db.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM orders WHERE customer_id = $1 AND status = ANY($2)
        )`, customerID.String(), statuses,
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) ListOrdersByCustomer(ctx context.Context, customerID types.UserID) ([]*Order, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, customer_id, customer_phone, status, status_version,
               pickup_lat, pickup_lng, drop_lat, drop_lng,
               distance_km, total_trucks, trucks_filled, total_amount, currency,
               goods_type, cargo_weight_kg, scheduled_at, expires_at,
               idempotency_key, created_at, updated_at
        FROM orders WHERE customer_id = $1 ORDER BY created_at DESC`, customerID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		var o Order
		var idStr, custStr string
		var scheduledAt sql.NullTime
		var idemKey sql.NullString
		if err := rows.Scan(
			&idStr, &custStr, &o.CustomerPhone, &o.Status, &o.StatusVersion,
			&o.Pickup.Lat, &o.Pickup.Lng, &o.Drop.Lat, &o.Drop.Lng,
			&o.DistanceKm, &o.TotalTrucks, &o.TrucksFilled, &o.TotalAmount.Amount, &o.TotalAmount.Currency,
			&o.GoodsType, &o.CargoWeightKg, &scheduledAt, &o.ExpiresAt,
			&idemKey, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if o.ID, err = types.ParseOrderID(idStr); err != nil {
			return nil, err
		}
		if o.CustomerID, err = types.ParseUserID(custStr); err != nil {
			return nil, err
		}
		o.ScheduledAt = toTimePtr(scheduledAt)
		if idemKey.Valid {
			o.IdempotencyKey = idemKey.String
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// ExpireOverdueOrders flips every still-open order past its expiry into
// 'expired' in a single sweep, used by the expiry scheduler as a backstop
// for any per-order timer that was lost to a restart.
func (s *Store) ExpireOverdueOrders(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE orders
        SET status = 'expired', status_version = status_version + 1, updated_at = NOW()
        WHERE status IN ('active', 'partially_filled') AND expires_at < NOW()`,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateTruckRequests batch-inserts the demand explosion for an order: one
// row per physical truck, numbered 1..N within the order for deterministic
// lock ordering.
func (s *Store) CreateTruckRequests(ctx context.Context, trs []*TruckRequest) error {
	for _, tr := range trs {
		_, err := s.db.Exec(ctx, `
            INSERT INTO truck_requests (
                id, order_id, request_number, vehicle_type, vehicle_subtype,
                price_per_truck, currency, status, status_version, created_at
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			tr.ID.String(), tr.OrderID.String(), tr.RequestNumber, tr.VehicleType, tr.VehicleSubtype,
			tr.PricePerTruck.Amount, tr.PricePerTruck.Currency, string(tr.Status), tr.StatusVersion, tr.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetTruckRequest(ctx context.Context, id types.TruckRequestID) (*TruckRequest, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, order_id, request_number, vehicle_type, vehicle_subtype,
               price_per_truck, currency, status, status_version,
               held_by, held_at, assigned_transporter_id, assigned_vehicle_id,
               assigned_vehicle_number, assigned_driver_id, assigned_driver_name,
               trip_id, assigned_at, created_at, updated_at
        FROM truck_requests WHERE id = $1`, id.String(),
	)
	return scanTruckRequest(row)
}

// ListTruckRequestsByOrder returns every truck request belonging to order,
// ordered by request_number — the fixed lock-acquisition order the hold
// protocol relies on to avoid deadlocks.
func (s *Store) ListTruckRequestsByOrder(ctx context.Context, orderID types.OrderID) ([]*TruckRequest, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, order_id, request_number, vehicle_type, vehicle_subtype,
               price_per_truck, currency, status, status_version,
               held_by, held_at, assigned_transporter_id, assigned_vehicle_id,
               assigned_vehicle_number, assigned_driver_id, assigned_driver_name,
               trip_id, assigned_at, created_at, updated_at
        FROM truck_requests WHERE order_id = $1 ORDER BY request_number ASC`, orderID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TruckRequest
	for rows.Next() {
		tr, err := scanTruckRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListSearchingByGroup returns up to limit truck requests still in
// 'searching' status for (vehicleType, vehicleSubtype) across all orders,
// ordered by request_number.
func (s *Store) ListSearchingByGroup(ctx context.Context, vehicleType, vehicleSubtype string, limit int) ([]*TruckRequest, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, order_id, request_number, vehicle_type, vehicle_subtype,
               price_per_truck, currency, status, status_version,
               held_by, held_at, assigned_transporter_id, assigned_vehicle_id,
               assigned_vehicle_number, assigned_driver_id, assigned_driver_name,
               trip_id, assigned_at, created_at, updated_at
        FROM truck_requests
        WHERE vehicle_type = $1 AND vehicle_subtype = $2 AND status = 'searching'
        ORDER BY request_number ASC
        LIMIT $3`, vehicleType, vehicleSubtype, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TruckRequest
	for rows.Next() {
		tr, err := scanTruckRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListActiveByTransporter returns every truck request currently assigned to
// transporterID that hasn't reached a terminal status.
func (s *Store) ListActiveByTransporter(ctx context.Context, transporterID types.UserID) ([]*TruckRequest, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, order_id, request_number, vehicle_type, vehicle_subtype,
               price_per_truck, currency, status, status_version,
               held_by, held_at, assigned_transporter_id, assigned_vehicle_id,
               assigned_vehicle_number, assigned_driver_id, assigned_driver_name,
               trip_id, assigned_at, created_at, updated_at
        FROM truck_requests
        WHERE assigned_transporter_id = $1 AND status IN ('assigned', 'accepted', 'in_progress')
        ORDER BY assigned_at ASC`, transporterID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TruckRequest
	for rows.Next() {
		tr, err := scanTruckRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// UpdateTruckRequestStatus is the CAS primitive every hold/assign/release
// transition on a truck request goes through.
func (s *Store) UpdateTruckRequestStatus(ctx context.Context, id types.TruckRequestID, from, to TruckStatus, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE truck_requests
        SET status = $1, status_version = status_version + 1, updated_at = NOW()
        WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), id.String(), string(from), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// HoldTruckRequest moves a searching truck request to held, stamping the
// holder and held_at — part of the same CAS chain as UpdateTruckRequestStatus
// but carrying the extra hold-ownership columns in one statement.
func (s *Store) HoldTruckRequest(ctx context.Context, id types.TruckRequestID, heldBy types.UserID, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE truck_requests
        SET status = 'held', status_version = status_version + 1,
            held_by = $1, held_at = NOW(), updated_at = NOW()
        WHERE id = $2 AND status = 'searching' AND status_version = $3`,
		heldBy.String(), id.String(), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseTruckRequest moves a held truck request back to searching and
// clears hold ownership, used on hold expiry/release/cancel.
func (s *Store) ReleaseTruckRequest(ctx context.Context, id types.TruckRequestID, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE truck_requests
        SET status = 'searching', status_version = status_version + 1,
            held_by = NULL, held_at = NULL, updated_at = NOW()
        WHERE id = $1 AND status = 'held' AND status_version = $2`,
		id.String(), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AssignTruckRequest binds a held truck request to a concrete
// transporter/vehicle/driver/trip, moving it from held to assigned.
func (s *Store) AssignTruckRequest(ctx context.Context, id types.TruckRequestID, transporterID types.UserID, vehicleID types.VehicleID, vehicleNumber string, driverID types.UserID, driverName string, tripID types.TripID, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE truck_requests
        SET status = 'assigned', status_version = status_version + 1,
            assigned_transporter_id = $1, assigned_vehicle_id = $2, assigned_vehicle_number = $3,
            assigned_driver_id = $4, assigned_driver_name = $5, trip_id = $6,
            assigned_at = NOW(), updated_at = NOW()
        WHERE id = $7 AND status = 'held' AND status_version = $8`,
		transporterID.String(), vehicleID.String(), vehicleNumber,
		driverID.String(), driverName, tripID.String(),
		id.String(), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindByIdempotencyKey looks up whether an order already exists under
// the given idempotency key for customerID, so OrderService.CreateOrder can
// return the prior result instead of exploding demand twice.
func (s *Store) FindByIdempotencyKey(ctx context.Context, customerID types.UserID, key string) (*Order, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id FROM orders WHERE customer_id = $1 AND idempotency_key = $2`,
		customerID.String(), key,
	)
	var idStr string
	err := row.Scan(&idStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := types.ParseOrderID(idStr)
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, id)
}

func scanTruckRequest(row interface{ Scan(...any) error }) (*TruckRequest, error) {
	var tr TruckRequest
	var idStr, orderIDStr string
	var heldBy, assignedTransporter, assignedVehicle, assignedDriver, tripID sql.NullString
	var heldAt, assignedAt sql.NullTime
	var assignedVehicleNumber, assignedDriverName sql.NullString

	err := row.Scan(
		&idStr, &orderIDStr, &tr.RequestNumber, &tr.VehicleType, &tr.VehicleSubtype,
		&tr.PricePerTruck.Amount, &tr.PricePerTruck.Currency, &tr.Status, &tr.StatusVersion,
		&heldBy, &heldAt, &assignedTransporter, &assignedVehicle,
		&assignedVehicleNumber, &assignedDriver, &assignedDriverName,
		&tripID, &assignedAt, &tr.CreatedAt, &tr.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.ErrTruckRequestNotFound
	}
	if err != nil {
		return nil, err
	}

	var idParseErr error
	if tr.ID, idParseErr = types.ParseTruckRequestID(idStr); idParseErr != nil {
		return nil, idParseErr
	}
	if tr.OrderID, idParseErr = types.ParseOrderID(orderIDStr); idParseErr != nil {
		return nil, idParseErr
	}
	if heldBy.Valid {
		u, err := types.ParseUserID(heldBy.String)
		if err != nil {
			return nil, err
		}
		tr.HeldBy = &u
	}
	tr.HeldAt = toTimePtr(heldAt)
	if assignedTransporter.Valid {
		u, err := types.ParseUserID(assignedTransporter.String)
		if err != nil {
			return nil, err
		}
		tr.AssignedTransporterID = &u
	}
	if assignedVehicle.Valid {
		v, err := types.ParseVehicleID(assignedVehicle.String)
		if err != nil {
			return nil, err
		}
		tr.AssignedVehicleID = &v
	}
	if assignedVehicleNumber.Valid {
		tr.AssignedVehicleNumber = assignedVehicleNumber.String
	}
	if assignedDriver.Valid {
		u, err := types.ParseUserID(assignedDriver.String)
		if err != nil {
			return nil, err
		}
		tr.AssignedDriverID = &u
	}
	if assignedDriverName.Valid {
		tr.AssignedDriverName = assignedDriverName.String
	}
	if tripID.Valid {
		t, err := types.ParseTripID(tripID.String)
		if err != nil {
			return nil, err
		}
		tr.TripID = &t
	}
	tr.AssignedAt = toTimePtr(assignedAt)
	return &tr, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
