package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"dispatch/internal/testsupport"
	"dispatch/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db := testsupport.Postgres(t)
	return NewStore(db)
}

func mustCreateUser(t *testing.T, store *Store, firebaseUID string, role Role) *User {
	t.Helper()
	u := &User{
		ID:          types.NewUserID(),
		FirebaseUID: firebaseUID,
		Role:        role,
		Phone:       "+910000000000",
		DisplayName: "Test User",
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// mustCreateOrderAndTruckRequest inserts the minimal parent rows an
// Assignment's foreign keys require. order.Store can't be used here since
// the order package imports fleet.
func mustCreateOrderAndTruckRequest(t *testing.T, store *Store, customerID types.UserID) (types.OrderID, types.TruckRequestID) {
	t.Helper()
	orderID := types.NewOrderID()
	_, err := store.db.Exec(context.Background(), `
        INSERT INTO orders (
            id, customer_id, customer_phone, status, pickup_lat, pickup_lng,
            drop_lat, drop_lng, total_trucks, total_amount, expires_at
        ) VALUES ($1, $2, '+910000000000', 'active', 0, 0, 0, 0, 1, 5000, NOW() + interval '1 hour')`,
		orderID.String(), customerID.String(),
	)
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}

	truckRequestID := types.NewTruckRequestID()
	_, err = store.db.Exec(context.Background(), `
        INSERT INTO truck_requests (
            id, order_id, request_number, vehicle_type, vehicle_subtype,
            price_per_truck, status
        ) VALUES ($1, $2, 1, 'truck', '10ft', 5000, 'held')`,
		truckRequestID.String(), orderID.String(),
	)
	if err != nil {
		t.Fatalf("insert truck request: %v", err)
	}
	return orderID, truckRequestID
}

func TestCreateAndGetUser(t *testing.T) {
	store := setupTestStore(t)
	u := mustCreateUser(t, store, "uid-1", RoleTransporter)

	got, err := store.GetUser(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.FirebaseUID != u.FirebaseUID || got.Role != RoleTransporter {
		t.Fatalf("unexpected user: %+v", got)
	}

	byUID, err := store.GetUserByFirebaseUID(context.Background(), "uid-1")
	if err != nil {
		t.Fatalf("get user by firebase uid: %v", err)
	}
	if byUID.ID != u.ID {
		t.Fatalf("expected same user by firebase uid lookup")
	}
}

func TestUpdateFCMToken(t *testing.T) {
	store := setupTestStore(t)
	u := mustCreateUser(t, store, "uid-2", RoleDriver)

	if err := store.UpdateFCMToken(context.Background(), u.ID, "token-abc"); err != nil {
		t.Fatalf("update fcm token: %v", err)
	}
	got, err := store.GetUser(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.FCMToken != "token-abc" {
		t.Fatalf("expected fcm token token-abc, got %q", got.FCMToken)
	}
}

func TestSetVehicleStatusCAS(t *testing.T) {
	store := setupTestStore(t)
	transporter := mustCreateUser(t, store, "uid-transporter", RoleTransporter)

	v := &Vehicle{
		ID:             types.NewVehicleID(),
		TransporterID:  transporter.ID,
		VehicleNumber:  "KA-01-AB-1234",
		VehicleType:    "truck",
		VehicleSubtype: "10ft",
		Status:         VehicleOffline,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateVehicle(context.Background(), v); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}

	ok, err := store.SetVehicleStatus(context.Background(), v.ID, VehicleOffline, VehicleOnline, 0)
	if err != nil || !ok {
		t.Fatalf("set vehicle status: ok=%v err=%v", ok, err)
	}

	// stale version should lose the race
	ok, err = store.SetVehicleStatus(context.Background(), v.ID, VehicleOffline, VehicleOnline, 0)
	if err != nil {
		t.Fatalf("set vehicle status with stale version: %v", err)
	}
	if ok {
		t.Fatalf("expected stale CAS to fail")
	}
}

func TestConcurrentSetVehicleStatusExactlyOneWins(t *testing.T) {
	store := setupTestStore(t)
	transporter := mustCreateUser(t, store, "uid-transporter-race", RoleTransporter)

	v := &Vehicle{
		ID:             types.NewVehicleID(),
		TransporterID:  transporter.ID,
		VehicleNumber:  "KA-01-CD-5678",
		VehicleType:    "truck",
		VehicleSubtype: "10ft",
		Status:         VehicleOnline,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateVehicle(context.Background(), v); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}

	const n = 5
	var wg sync.WaitGroup
	oks := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SetVehicleStatus(context.Background(), v.ID, VehicleOnline, VehicleOffline, 0)
			if err != nil {
				t.Errorf("set vehicle status: %v", err)
				return
			}
			oks <- ok
		}()
	}
	wg.Wait()
	close(oks)

	wins := 0
	for ok := range oks {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
}

func TestBindAndReleaseVehicleFromTrip(t *testing.T) {
	store := setupTestStore(t)
	transporter := mustCreateUser(t, store, "uid-transporter-trip", RoleTransporter)

	v := &Vehicle{
		ID:             types.NewVehicleID(),
		TransporterID:  transporter.ID,
		VehicleNumber:  "KA-01-EF-9012",
		VehicleType:    "truck",
		VehicleSubtype: "10ft",
		Status:         VehicleOnline,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateVehicle(context.Background(), v); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}

	tripID := types.NewTripID()
	ok, err := store.BindVehicleToTrip(context.Background(), v.ID, tripID, 0)
	if err != nil || !ok {
		t.Fatalf("bind vehicle to trip: ok=%v err=%v", ok, err)
	}

	got, err := store.GetVehicle(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("get vehicle: %v", err)
	}
	if got.Status != VehicleOnTrip || got.CurrentTripID == nil || *got.CurrentTripID != tripID {
		t.Fatalf("unexpected vehicle state after bind: %+v", got)
	}

	ok, err = store.ReleaseVehicleFromTrip(context.Background(), v.ID, got.StatusVersion)
	if err != nil || !ok {
		t.Fatalf("release vehicle from trip: ok=%v err=%v", ok, err)
	}
	got, err = store.GetVehicle(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("get vehicle: %v", err)
	}
	if got.Status != VehicleOnline || got.CurrentTripID != nil {
		t.Fatalf("unexpected vehicle state after release: %+v", got)
	}
}

func TestHasActiveAssignmentForDriver(t *testing.T) {
	store := setupTestStore(t)
	transporter := mustCreateUser(t, store, "uid-transporter-assign", RoleTransporter)
	driver := mustCreateUser(t, store, "uid-driver-assign", RoleDriver)

	v := &Vehicle{
		ID:             types.NewVehicleID(),
		TransporterID:  transporter.ID,
		VehicleNumber:  "KA-01-GH-3456",
		VehicleType:    "truck",
		VehicleSubtype: "10ft",
		Status:         VehicleOnline,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateVehicle(context.Background(), v); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}

	has, err := store.HasActiveAssignmentForDriver(context.Background(), driver.ID)
	if err != nil {
		t.Fatalf("has active assignment: %v", err)
	}
	if has {
		t.Fatalf("expected no active assignment yet")
	}

	orderID, truckRequestID := mustCreateOrderAndTruckRequest(t, store, transporter.ID)

	a := &Assignment{
		ID:             types.NewAssignmentID(),
		TruckRequestID: truckRequestID,
		OrderID:        orderID,
		TransporterID:  transporter.ID,
		VehicleID:      v.ID,
		DriverID:       driver.ID,
		TripID:         types.NewTripID(),
		Status:         AssignmentActive,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateAssignment(context.Background(), a); err != nil {
		t.Fatalf("create assignment: %v", err)
	}

	has, err = store.HasActiveAssignmentForDriver(context.Background(), driver.ID)
	if err != nil {
		t.Fatalf("has active assignment: %v", err)
	}
	if !has {
		t.Fatalf("expected active assignment after create")
	}

	got, err := store.GetAssignmentByTripID(context.Background(), a.TripID)
	if err != nil {
		t.Fatalf("get assignment by trip id: %v", err)
	}
	if got.ID != a.ID {
		t.Fatalf("expected same assignment by trip id lookup")
	}
}
