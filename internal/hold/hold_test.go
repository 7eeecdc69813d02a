package hold

import (
	"context"
	"sync"
	"testing"
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
	"dispatch/internal/testsupport"
	"dispatch/internal/types"
)

func setupTestService(t *testing.T) (*Service, *order.Store, *fleet.Store) {
	t.Helper()
	db := testsupport.Postgres(t)
	redisClient := testsupport.Redis(t)

	logger := zap.NewNop().Sugar()
	orderStore := order.NewStore(db)
	fleetStore := fleet.NewStore(db)
	cache := cachestore.New(redisClient)
	sched := scheduler.New()
	t.Cleanup(sched.StopAll)

	holdSvc := NewService(Deps{
		Store:           NewStore(cache),
		OrderStore:      orderStore,
		FleetStore:      fleetStore,
		Cache:           cache,
		Locks:           lockmanager.New(redisClient),
		MatchIndex:      matchindex.New(redisClient, time.Hour),
		Bus:             eventbus.New(redisClient, logger),
		Outbox:          fcmoutbox.New(nil, logger),
		Scheduler:       sched,
		Logger:          logger,
		HoldDuration:    time.Minute,
		HoldTimeout:     5 * time.Second,
		MaxHoldQuantity: 10,
	})
	return holdSvc, orderStore, fleetStore
}

func mustCreateCustomer(t *testing.T, fleetStore *fleet.Store, firebaseUID string) types.UserID {
	t.Helper()
	u := &fleet.User{
		ID:          types.NewUserID(),
		FirebaseUID: firebaseUID,
		Role:        fleet.RoleCustomer,
		Phone:       "+910000000000",
		DisplayName: "Test Customer",
		CreatedAt:   time.Now().UTC(),
	}
	if err := fleetStore.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	return u.ID
}

func mustCreateTransporter(t *testing.T, fleetStore *fleet.Store, firebaseUID string) types.UserID {
	t.Helper()
	u := &fleet.User{
		ID:          types.NewUserID(),
		FirebaseUID: firebaseUID,
		Role:        fleet.RoleTransporter,
		Phone:       "+910000000001",
		DisplayName: "Test Transporter",
		CreatedAt:   time.Now().UTC(),
	}
	if err := fleetStore.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create transporter: %v", err)
	}
	return u.ID
}

func mustCreateOrderWithTrucks(t *testing.T, orderStore *order.Store, customerID types.UserID, quantity int) (*order.Order, []*order.TruckRequest) {
	t.Helper()
	now := time.Now().UTC()
	o := &order.Order{
		ID:            types.NewOrderID(),
		CustomerID:    customerID,
		CustomerPhone: "+910000000000",
		Pickup:        types.Point{Lat: 12.97, Lng: 77.59},
		Drop:          types.Point{Lat: 13.02, Lng: 77.64},
		TotalTrucks:   quantity,
		TotalAmount:   types.Money{Amount: int64(quantity) * 5000, Currency: "INR"},
		Status:        order.StatusActive,
		ExpiresAt:     now.Add(time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := orderStore.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	var trs []*order.TruckRequest
	for i := 0; i < quantity; i++ {
		tr := &order.TruckRequest{
			ID:             types.NewTruckRequestID(),
			OrderID:        o.ID,
			RequestNumber:  i + 1,
			VehicleType:    "truck",
			VehicleSubtype: "10ft",
			PricePerTruck:  types.Money{Amount: 5000, Currency: "INR"},
			Status:         order.TruckSearching,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		trs = append(trs, tr)
	}
	if err := orderStore.CreateTruckRequests(context.Background(), trs); err != nil {
		t.Fatalf("create truck requests: %v", err)
	}
	return o, trs
}

func mustCreateVehicle(t *testing.T, fleetStore *fleet.Store, transporterID types.UserID) *fleet.Vehicle {
	t.Helper()
	v := &fleet.Vehicle{
		ID:             types.NewVehicleID(),
		TransporterID:  transporterID,
		VehicleNumber:  "KA-01-AB-1234",
		VehicleType:    "truck",
		VehicleSubtype: "10ft",
		Status:         fleet.VehicleOnline,
		CreatedAt:      time.Now().UTC(),
	}
	if err := fleetStore.CreateVehicle(context.Background(), v); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	return v
}

func mustCreateDriver(t *testing.T, fleetStore *fleet.Store, firebaseUID string) types.UserID {
	t.Helper()
	u := &fleet.User{
		ID:          types.NewUserID(),
		FirebaseUID: firebaseUID,
		Role:        fleet.RoleDriver,
		Phone:       "+910000000002",
		DisplayName: "Test Driver",
		CreatedAt:   time.Now().UTC(),
	}
	if err := fleetStore.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create driver: %v", err)
	}
	return u.ID
}

// TestConcurrentHoldSameGroupDoesNotOverAllocate races two transporters
// against a pool of 3 searching truck requests, each asking for 2. At most
// one can succeed with exactly enough supply left; neither may observe a
// truck request held twice.
func TestConcurrentHoldSameGroupDoesNotOverAllocate(t *testing.T) {
	holdSvc, orderStore, fleetStore := setupTestService(t)
	customerID := mustCreateCustomer(t, fleetStore, "cust_hold_race")
	o, _ := mustCreateOrderWithTrucks(t, orderStore, customerID, 3)

	t1 := mustCreateTransporter(t, fleetStore, "transporter_a")
	t2 := mustCreateTransporter(t, fleetStore, "transporter_b")

	var wg sync.WaitGroup
	type result struct {
		h   *Hold
		err error
	}
	results := make(chan result, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		h, err := holdSvc.Hold(context.Background(), t1, o.ID, "truck", "10ft", 2)
		results <- result{h, err}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		h, err := holdSvc.Hold(context.Background(), t2, o.ID, "truck", "10ft", 2)
		results <- result{h, err}
	}()
	wg.Wait()
	close(results)

	var holds []*Hold
	for r := range results {
		if r.err != nil {
			if r.err != dispatcherr.ErrNotEnoughAvailable && r.err != dispatcherr.ErrConcurrentRequest && r.err != dispatcherr.ErrLockFailed {
				t.Fatalf("unexpected error: %v", r.err)
			}
			continue
		}
		holds = append(holds, r.h)
	}

	seen := map[types.TruckRequestID]bool{}
	for _, h := range holds {
		for _, id := range h.TruckRequestIDs {
			if seen[id] {
				t.Fatalf("truck request %s held by more than one hold", id.String())
			}
			seen[id] = true
		}
	}
	if len(seen) > 3 {
		t.Fatalf("expected at most 3 truck requests held, got %d", len(seen))
	}
}

// TestConcurrentHoldSameTransporterSameGroupRejectsSecond exercises the
// guard key: a transporter already holding a (order, group) pair must be
// rejected, not silently allowed to double-reserve.
func TestConcurrentHoldSameTransporterSameGroupRejectsSecond(t *testing.T) {
	holdSvc, orderStore, fleetStore := setupTestService(t)
	customerID := mustCreateCustomer(t, fleetStore, "cust_hold_guard")
	o, _ := mustCreateOrderWithTrucks(t, orderStore, customerID, 4)
	transporterID := mustCreateTransporter(t, fleetStore, "transporter_guard")

	_, err := holdSvc.Hold(context.Background(), transporterID, o.ID, "truck", "10ft", 1)
	if err != nil {
		t.Fatalf("first hold: %v", err)
	}

	_, err = holdSvc.Hold(context.Background(), transporterID, o.ID, "truck", "10ft", 1)
	if err != dispatcherr.ErrAlreadyHolding {
		t.Fatalf("expected ErrAlreadyHolding, got %v", err)
	}
}

func TestHoldConfirmWithAssignmentsAdvancesOrderFill(t *testing.T) {
	holdSvc, orderStore, fleetStore := setupTestService(t)
	customerID := mustCreateCustomer(t, fleetStore, "cust_confirm")
	o, _ := mustCreateOrderWithTrucks(t, orderStore, customerID, 2)
	transporterID := mustCreateTransporter(t, fleetStore, "transporter_confirm")
	vehicle := mustCreateVehicle(t, fleetStore, transporterID)
	driverID := mustCreateDriver(t, fleetStore, "driver_confirm")

	h, err := holdSvc.Hold(context.Background(), transporterID, o.ID, "truck", "10ft", 1)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	confirmed, err := holdSvc.ConfirmHoldWithAssignments(context.Background(), h.ID, transporterID, []VehicleBinding{
		{TruckRequestID: h.TruckRequestIDs[0], VehicleID: vehicle.ID, DriverID: driverID},
	})
	if err != nil {
		t.Fatalf("confirm hold: %v", err)
	}
	if len(confirmed) != 1 {
		t.Fatalf("expected 1 confirmed assignment, got %d", len(confirmed))
	}

	updated, err := orderStore.GetOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if updated.TrucksFilled != 1 {
		t.Fatalf("expected trucks_filled 1, got %d", updated.TrucksFilled)
	}
	if updated.Status != order.StatusPartiallyFilled {
		t.Fatalf("expected partially_filled, got %s", updated.Status)
	}

	tr, err := orderStore.GetTruckRequest(context.Background(), h.TruckRequestIDs[0])
	if err != nil {
		t.Fatalf("get truck request: %v", err)
	}
	if tr.Status != order.TruckAssigned {
		t.Fatalf("expected assigned, got %s", tr.Status)
	}

	_, err = holdSvc.store.Get(context.Background(), h.ID)
	if de, ok := dispatcherr.As(err); !ok || de.Kind != dispatcherr.KindNotFound {
		t.Fatalf("expected hold to be deleted after confirm, got %v", err)
	}
}

func TestHoldConfirmWithAssignmentsMintsDistinctTripPerBinding(t *testing.T) {
	holdSvc, orderStore, fleetStore := setupTestService(t)
	customerID := mustCreateCustomer(t, fleetStore, "cust_confirm_multi")
	o, _ := mustCreateOrderWithTrucks(t, orderStore, customerID, 2)
	transporterID := mustCreateTransporter(t, fleetStore, "transporter_confirm_multi")
	vehicleA := mustCreateVehicle(t, fleetStore, transporterID)
	vehicleB := mustCreateVehicle(t, fleetStore, transporterID)
	driverA := mustCreateDriver(t, fleetStore, "driver_confirm_multi_a")
	driverB := mustCreateDriver(t, fleetStore, "driver_confirm_multi_b")

	h, err := holdSvc.Hold(context.Background(), transporterID, o.ID, "truck", "10ft", 2)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	confirmed, err := holdSvc.ConfirmHoldWithAssignments(context.Background(), h.ID, transporterID, []VehicleBinding{
		{TruckRequestID: h.TruckRequestIDs[0], VehicleID: vehicleA.ID, DriverID: driverA},
		{TruckRequestID: h.TruckRequestIDs[1], VehicleID: vehicleB.ID, DriverID: driverB},
	})
	if err != nil {
		t.Fatalf("confirm hold: %v", err)
	}
	if len(confirmed) != 2 {
		t.Fatalf("expected 2 confirmed assignments, got %d", len(confirmed))
	}
	if confirmed[0].TripID == confirmed[1].TripID {
		t.Fatalf("expected each binding to get its own trip id, got %s twice", confirmed[0].TripID)
	}

	vA, err := fleetStore.GetVehicle(context.Background(), vehicleA.ID)
	if err != nil {
		t.Fatalf("get vehicle a: %v", err)
	}
	vB, err := fleetStore.GetVehicle(context.Background(), vehicleB.ID)
	if err != nil {
		t.Fatalf("get vehicle b: %v", err)
	}
	if vA.CurrentTripID == nil || vB.CurrentTripID == nil || *vA.CurrentTripID == *vB.CurrentTripID {
		t.Fatalf("expected each vehicle bound to its own trip, got %+v and %+v", vA.CurrentTripID, vB.CurrentTripID)
	}
}

func TestGetOrderAvailabilityReportsPerGroupBreakdown(t *testing.T) {
	holdSvc, orderStore, fleetStore := setupTestService(t)
	customerID := mustCreateCustomer(t, fleetStore, "cust_availability")
	o, _ := mustCreateOrderWithTrucks(t, orderStore, customerID, 3)
	transporterID := mustCreateTransporter(t, fleetStore, "transporter_availability")
	vehicle := mustCreateVehicle(t, fleetStore, transporterID)
	driverID := mustCreateDriver(t, fleetStore, "driver_availability")

	holdA, err := holdSvc.Hold(context.Background(), transporterID, o.ID, "truck", "10ft", 1)
	if err != nil {
		t.Fatalf("hold a: %v", err)
	}
	if _, err := holdSvc.ConfirmHoldWithAssignments(context.Background(), holdA.ID, transporterID, []VehicleBinding{
		{TruckRequestID: holdA.TruckRequestIDs[0], VehicleID: vehicle.ID, DriverID: driverID},
	}); err != nil {
		t.Fatalf("confirm hold a: %v", err)
	}

	if _, err := holdSvc.Hold(context.Background(), transporterID, o.ID, "truck", "10ft", 1); err != nil {
		t.Fatalf("hold b: %v", err)
	}

	avail, err := holdSvc.GetOrderAvailability(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get order availability: %v", err)
	}
	if len(avail.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(avail.Groups))
	}
	g := avail.Groups[0]
	if g.TotalNeeded != 3 || g.Assigned != 1 || g.Held != 1 || g.Available != 1 {
		t.Fatalf("unexpected group breakdown: %+v", g)
	}
	if avail.IsFullyAssigned {
		t.Fatalf("expected order not yet fully assigned")
	}
}

func TestReleaseHoldReturnsTruckRequestsToSearching(t *testing.T) {
	holdSvc, orderStore, fleetStore := setupTestService(t)
	customerID := mustCreateCustomer(t, fleetStore, "cust_release")
	o, _ := mustCreateOrderWithTrucks(t, orderStore, customerID, 1)
	transporterID := mustCreateTransporter(t, fleetStore, "transporter_release")

	h, err := holdSvc.Hold(context.Background(), transporterID, o.ID, "truck", "10ft", 1)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	if err := holdSvc.ReleaseHold(context.Background(), h.ID, transporterID); err != nil {
		t.Fatalf("release hold: %v", err)
	}

	tr, err := orderStore.GetTruckRequest(context.Background(), h.TruckRequestIDs[0])
	if err != nil {
		t.Fatalf("get truck request: %v", err)
	}
	if tr.Status != order.TruckSearching {
		t.Fatalf("expected searching after release, got %s", tr.Status)
	}

	// holding again should now succeed since the guard key was cleared
	if _, err := holdSvc.Hold(context.Background(), transporterID, o.ID, "truck", "10ft", 1); err != nil {
		t.Fatalf("re-hold after release: %v", err)
	}
}

func TestReleaseHoldForbidsNonOwner(t *testing.T) {
	holdSvc, orderStore, fleetStore := setupTestService(t)
	customerID := mustCreateCustomer(t, fleetStore, "cust_forbid")
	o, _ := mustCreateOrderWithTrucks(t, orderStore, customerID, 1)
	owner := mustCreateTransporter(t, fleetStore, "transporter_owner")
	other := mustCreateTransporter(t, fleetStore, "transporter_other")

	h, err := holdSvc.Hold(context.Background(), owner, o.ID, "truck", "10ft", 1)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	if err := holdSvc.ReleaseHold(context.Background(), h.ID, other); err != dispatcherr.ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
