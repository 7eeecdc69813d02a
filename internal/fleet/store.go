package fleet

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/dispatcherr"
	"dispatch/internal/types"
)

// Store persists User, Vehicle, and Assignment rows, following the same
// status_version CAS discipline as order.Store.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO users (id, firebase_uid, role, phone, display_name, fcm_token, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID.String(), u.FirebaseUID, string(u.Role), u.Phone, u.DisplayName, nullableString(u.FCMToken), u.CreatedAt,
	)
	return err
}

func (s *Store) GetUser(ctx context.Context, id types.UserID) (*User, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, firebase_uid, role, phone, display_name, fcm_token, created_at, updated_at
        FROM users WHERE id = $1`, id.String(),
	)
	return scanUser(row)
}

func (s *Store) GetUserByFirebaseUID(ctx context.Context, firebaseUID string) (*User, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, firebase_uid, role, phone, display_name, fcm_token, created_at, updated_at
        FROM users WHERE firebase_uid = $1`, firebaseUID,
	)
	return scanUser(row)
}

// UpdateFCMToken replaces a user's push token, called whenever a client
// refreshes its Firebase Cloud Messaging registration.
func (s *Store) UpdateFCMToken(ctx context.Context, id types.UserID, token string) error {
	_, err := s.db.Exec(ctx, `
        UPDATE users SET fcm_token = $1, updated_at = NOW() WHERE id = $2`,
		nullableString(token), id.String(),
	)
	return err
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var idStr string
	var fcmToken sql.NullString
	err := row.Scan(&idStr, &u.FirebaseUID, &u.Role, &u.Phone, &u.DisplayName, &fcmToken, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.NotFound("USER_NOT_FOUND", "user not found")
	}
	if err != nil {
		return nil, err
	}
	var parseErr error
	if u.ID, parseErr = types.ParseUserID(idStr); parseErr != nil {
		return nil, parseErr
	}
	if fcmToken.Valid {
		u.FCMToken = fcmToken.String
	}
	return &u, nil
}

func (s *Store) CreateVehicle(ctx context.Context, v *Vehicle) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO vehicles (
            id, transporter_id, vehicle_number, vehicle_type, vehicle_subtype,
            status, status_version, default_driver_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID.String(), v.TransporterID.String(), v.VehicleNumber, v.VehicleType, v.VehicleSubtype,
		string(v.Status), v.StatusVersion, nullableUserID(v.DefaultDriverID), v.CreatedAt,
	)
	return err
}

func (s *Store) GetVehicle(ctx context.Context, id types.VehicleID) (*Vehicle, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, transporter_id, vehicle_number, vehicle_type, vehicle_subtype,
               status, status_version, current_trip_id, default_driver_id, created_at, updated_at
        FROM vehicles WHERE id = $1`, id.String(),
	)
	return scanVehicle(row)
}

func (s *Store) ListVehiclesByTransporter(ctx context.Context, transporterID types.UserID) ([]*Vehicle, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, transporter_id, vehicle_number, vehicle_type, vehicle_subtype,
               status, status_version, current_trip_id, default_driver_id, created_at, updated_at
        FROM vehicles WHERE transporter_id = $1 ORDER BY created_at ASC`, transporterID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountAvailableVehicles returns how many of transporterID's vehicles of
// (vehicleType, vehicleSubtype) are currently online — the recipient-side
// half of an availability delta's per-transporter capacity cap.
func (s *Store) CountAvailableVehicles(ctx context.Context, transporterID types.UserID, vehicleType, vehicleSubtype string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
        SELECT COUNT(*) FROM vehicles
        WHERE transporter_id = $1 AND vehicle_type = $2 AND vehicle_subtype = $3 AND status = $4`,
		transporterID.String(), vehicleType, vehicleSubtype, string(VehicleOnline),
	).Scan(&n)
	return n, err
}

// SetVehicleStatus is the CAS update for the online/offline/on_trip/retired
// vehicle lifecycle.
func (s *Store) SetVehicleStatus(ctx context.Context, id types.VehicleID, from, to VehicleStatus, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE vehicles
        SET status = $1, status_version = status_version + 1, updated_at = NOW()
        WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), id.String(), string(from), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// BindVehicleToTrip moves a vehicle to on_trip and records the trip it is
// now executing, keeping Vehicle.currentTripId in step with its Assignment.
func (s *Store) BindVehicleToTrip(ctx context.Context, id types.VehicleID, tripID types.TripID, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE vehicles
        SET status = 'on_trip', current_trip_id = $1, status_version = status_version + 1, updated_at = NOW()
        WHERE id = $2 AND status = 'online' AND status_version = $3`,
		tripID.String(), id.String(), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseVehicleFromTrip clears current_trip_id and returns the vehicle to
// online, called on trip completion or cancellation.
func (s *Store) ReleaseVehicleFromTrip(ctx context.Context, id types.VehicleID, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE vehicles
        SET status = 'online', current_trip_id = NULL, status_version = status_version + 1, updated_at = NOW()
        WHERE id = $1 AND status = 'on_trip' AND status_version = $2`,
		id.String(), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanVehicle(row interface{ Scan(...any) error }) (*Vehicle, error) {
	var v Vehicle
	var idStr, transporterIDStr string
	var currentTripID, defaultDriverID sql.NullString
	err := row.Scan(
		&idStr, &transporterIDStr, &v.VehicleNumber, &v.VehicleType, &v.VehicleSubtype,
		&v.Status, &v.StatusVersion, &currentTripID, &defaultDriverID, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.NotFound("VEHICLE_NOT_FOUND", "vehicle not found")
	}
	if err != nil {
		return nil, err
	}
	var parseErr error
	if v.ID, parseErr = types.ParseVehicleID(idStr); parseErr != nil {
		return nil, parseErr
	}
	if v.TransporterID, parseErr = types.ParseUserID(transporterIDStr); parseErr != nil {
		return nil, parseErr
	}
	if currentTripID.Valid {
		t, err := types.ParseTripID(currentTripID.String)
		if err != nil {
			return nil, err
		}
		v.CurrentTripID = &t
	}
	if defaultDriverID.Valid {
		u, err := types.ParseUserID(defaultDriverID.String)
		if err != nil {
			return nil, err
		}
		v.DefaultDriverID = &u
	}
	return &v, nil
}

func (s *Store) CreateAssignment(ctx context.Context, a *Assignment) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO assignments (
            id, truck_request_id, order_id, transporter_id, vehicle_id, driver_id, trip_id,
            status, status_version, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID.String(), a.TruckRequestID.String(), a.OrderID.String(), a.TransporterID.String(),
		a.VehicleID.String(), a.DriverID.String(), a.TripID.String(), string(a.Status), a.StatusVersion, a.CreatedAt,
	)
	return err
}

// HasActiveAssignmentForDriver reports whether driverID is already bound
// to an active Assignment — a driver may execute only one at a time.
func (s *Store) HasActiveAssignmentForDriver(ctx context.Context, driverID types.UserID) (bool, error) {
	row := s.db.QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM assignments WHERE driver_id = $1 AND status = 'active')`,
		driverID.String(),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) GetAssignmentByTripID(ctx context.Context, tripID types.TripID) (*Assignment, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, truck_request_id, order_id, transporter_id, vehicle_id, driver_id, trip_id,
               status, status_version, created_at, updated_at
        FROM assignments WHERE trip_id = $1`, tripID.String(),
	)
	return scanAssignment(row)
}

// GetActiveAssignmentForOrderAndDriver looks up driverID's active Assignment
// against orderID, used to authorize route-progress calls the driver makes.
func (s *Store) GetActiveAssignmentForOrderAndDriver(ctx context.Context, orderID types.OrderID, driverID types.UserID) (*Assignment, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, truck_request_id, order_id, transporter_id, vehicle_id, driver_id, trip_id,
               status, status_version, created_at, updated_at
        FROM assignments WHERE order_id = $1 AND driver_id = $2 AND status = 'active'`,
		orderID.String(), driverID.String(),
	)
	return scanAssignment(row)
}

func (s *Store) SetAssignmentStatus(ctx context.Context, id types.AssignmentID, from, to AssignmentStatus, expectVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE assignments
        SET status = $1, status_version = status_version + 1, updated_at = NOW()
        WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), id.String(), string(from), expectVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanAssignment(row interface{ Scan(...any) error }) (*Assignment, error) {
	var a Assignment
	var idStr, truckReqStr, orderStr, transporterStr, vehicleStr, driverStr, tripStr string
	err := row.Scan(
		&idStr, &truckReqStr, &orderStr, &transporterStr, &vehicleStr, &driverStr, &tripStr,
		&a.Status, &a.StatusVersion, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.NotFound("ASSIGNMENT_NOT_FOUND", "assignment not found")
	}
	if err != nil {
		return nil, err
	}
	var parseErr error
	if a.ID, parseErr = types.ParseAssignmentID(idStr); parseErr != nil {
		return nil, parseErr
	}
	if a.TruckRequestID, parseErr = types.ParseTruckRequestID(truckReqStr); parseErr != nil {
		return nil, parseErr
	}
	if a.OrderID, parseErr = types.ParseOrderID(orderStr); parseErr != nil {
		return nil, parseErr
	}
	if a.TransporterID, parseErr = types.ParseUserID(transporterStr); parseErr != nil {
		return nil, parseErr
	}
	if a.VehicleID, parseErr = types.ParseVehicleID(vehicleStr); parseErr != nil {
		return nil, parseErr
	}
	if a.DriverID, parseErr = types.ParseUserID(driverStr); parseErr != nil {
		return nil, parseErr
	}
	if a.TripID, parseErr = types.ParseTripID(tripStr); parseErr != nil {
		return nil, parseErr
	}
	return &a, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableUserID(id *types.UserID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
