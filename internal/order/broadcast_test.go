package order

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"dispatch/internal/eventbus"
	"dispatch/internal/fleet"
	"dispatch/internal/matchindex"
	"dispatch/internal/testsupport"
	"dispatch/internal/types"
)

func setupBroadcastDeps(t *testing.T) (DeltaDeps, *Store, *fleet.Store) {
	t.Helper()
	db := testsupport.Postgres(t)
	redisClient := testsupport.Redis(t)
	logger := zap.NewNop().Sugar()

	orderStore := NewStore(db)
	fleetStore := fleet.NewStore(db)
	d := DeltaDeps{
		Store:      orderStore,
		FleetStore: fleetStore,
		MatchIdx:   matchindex.New(redisClient, time.Hour),
		Bus:        eventbus.New(redisClient, logger),
		Logger:     logger,
	}
	return d, orderStore, fleetStore
}

func mustCreateTransporterWithVehicle(t *testing.T, fleetStore *fleet.Store, online int) types.UserID {
	t.Helper()
	u := &fleet.User{
		ID:          types.NewUserID(),
		FirebaseUID: "transporter-" + types.NewUserID().String(),
		Role:        fleet.RoleTransporter,
		Phone:       "+910000000001",
		DisplayName: "Test Transporter",
		CreatedAt:   time.Now().UTC(),
	}
	if err := fleetStore.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create transporter: %v", err)
	}
	for i := 0; i < online; i++ {
		v := &fleet.Vehicle{
			ID:             types.NewVehicleID(),
			TransporterID:  u.ID,
			VehicleNumber:  "KA-01-XX-0000",
			VehicleType:    "truck",
			VehicleSubtype: "10ft",
			Status:         fleet.VehicleOnline,
			CreatedAt:      time.Now().UTC(),
		}
		if err := fleetStore.CreateVehicle(context.Background(), v); err != nil {
			t.Fatalf("create vehicle: %v", err)
		}
	}
	return u.ID
}

func mustCreateSearchingOrder(t *testing.T, orderStore *Store, customerID types.UserID, quantity, trucksFilled int) *Order {
	t.Helper()
	now := time.Now().UTC()
	o := &Order{
		ID:            types.NewOrderID(),
		CustomerID:    customerID,
		CustomerPhone: "+910000000000",
		TotalTrucks:   quantity,
		TrucksFilled:  trucksFilled,
		TotalAmount:   types.Money{Amount: 5000 * int64(quantity), Currency: "INR"},
		Status:        StatusActive,
		ExpiresAt:     now.Add(time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := orderStore.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	trs := explodeDemand(o.ID, []DemandLine{{VehicleType: "truck", VehicleSubtype: "10ft", Quantity: quantity, PricePerTruck: types.Money{Amount: 5000, Currency: "INR"}}}, now)
	if err := orderStore.CreateTruckRequests(context.Background(), trs); err != nil {
		t.Fatalf("create truck requests: %v", err)
	}
	return o
}

func subscribeOnce(t *testing.T, bus *eventbus.Bus, room string) <-chan map[string]any {
	t.Helper()
	out := make(chan map[string]any, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	ready := make(chan struct{})
	go func() {
		_ = bus.Subscribe(ctx, room, ready, func(payload []byte) error {
			var event map[string]any
			if err := json.Unmarshal(payload, &event); err != nil {
				return err
			}
			select {
			case out <- event:
			default:
			}
			cancel()
			return nil
		})
	}()
	<-ready
	t.Cleanup(cancel)
	return out
}

func TestPublishAvailabilityDeltaCapsAtRecipientCapacity(t *testing.T) {
	d, orderStore, fleetStore := setupBroadcastDeps(t)
	customerID := mustCreateCustomer(t, fleetStore, "broadcast-customer-"+types.NewUserID().String())
	transporterID := mustCreateTransporterWithVehicle(t, fleetStore, 1)

	o := mustCreateSearchingOrder(t, orderStore, customerID, 2, 0)
	if err := d.MatchIdx.RecordDispatch(context.Background(), o.ID, []types.UserID{transporterID}); err != nil {
		t.Fatalf("record dispatch: %v", err)
	}

	events := subscribeOnce(t, d.Bus, eventbus.UserRoom(transporterID.String()))
	PublishAvailabilityDelta(context.Background(), d, o.ID)

	select {
	case event := <-events:
		if event["type"] != "broadcast_update" {
			t.Fatalf("expected broadcast_update, got %v", event["type"])
		}
		if got := event["trucks_you_can_provide"]; got != float64(1) {
			t.Fatalf("expected cap of 1 (vehicle-limited), got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for availability delta")
	}
}

func TestPublishAvailabilityDeltaClosesWhenFullyAssigned(t *testing.T) {
	d, orderStore, fleetStore := setupBroadcastDeps(t)
	customerID := mustCreateCustomer(t, fleetStore, "broadcast-customer-"+types.NewUserID().String())
	transporterID := mustCreateTransporterWithVehicle(t, fleetStore, 1)

	o := mustCreateSearchingOrder(t, orderStore, customerID, 1, 1)
	if err := d.MatchIdx.RecordDispatch(context.Background(), o.ID, []types.UserID{transporterID}); err != nil {
		t.Fatalf("record dispatch: %v", err)
	}

	events := subscribeOnce(t, d.Bus, eventbus.UserRoom(transporterID.String()))
	PublishAvailabilityDelta(context.Background(), d, o.ID)

	select {
	case event := <-events:
		if event["type"] != "broadcast_closed" {
			t.Fatalf("expected broadcast_closed, got %v", event["type"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast_closed")
	}

	closed, err := d.MatchIdx.IsOrderClosed(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("is order closed: %v", err)
	}
	if !closed {
		t.Fatalf("expected order to be marked closed")
	}
}
