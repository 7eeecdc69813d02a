// Package fcmoutbox sends push notifications through Firebase Cloud
// Messaging with bounded retry, decoupling every caller from FCM's
// occasional transient failures.
package fcmoutbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"dispatch/internal/types"
)

// Outbox wraps a messaging.Client with the retry policy every dispatch push
// goes through: new-request broadcasts to transporters, hold-expiry
// notices, and assignment notices.
type Outbox struct {
	client *messaging.Client
	logger *zap.SugaredLogger
}

func New(client *messaging.Client, logger *zap.SugaredLogger) *Outbox {
	return &Outbox{client: client, logger: logger}
}

// NewOrderPayload is the data carried by a "new truck request" push to a
// transporter holding matching vehicles.
type NewOrderPayload struct {
	OrderID        types.OrderID
	TruckRequestID types.TruckRequestID
	VehicleType    string
	VehicleSubtype string
	PickupLat      float64
	PickupLng      float64
	DropLat        float64
	DropLng        float64
	PricePerTruck  int64
	DistanceKm     float64
}

// SendNewTruckRequest notifies a transporter's device of a dispatchable
// truck request, retrying transient FCM failures with exponential backoff.
func (o *Outbox) SendNewTruckRequest(ctx context.Context, deviceToken string, payload NewOrderPayload) error {
	if deviceToken == "" {
		return fmt.Errorf("empty device token for order %s", payload.OrderID.String())
	}

	msg := &messaging.Message{
		Token: deviceToken,
		Data: map[string]string{
			"type":             "new_truck_request",
			"order_id":         payload.OrderID.String(),
			"truck_request_id": payload.TruckRequestID.String(),
			"vehicle_type":     payload.VehicleType,
			"vehicle_subtype":  payload.VehicleSubtype,
			"pickup_lat":       strconv.FormatFloat(payload.PickupLat, 'f', 6, 64),
			"pickup_lng":       strconv.FormatFloat(payload.PickupLng, 'f', 6, 64),
			"drop_lat":         strconv.FormatFloat(payload.DropLat, 'f', 6, 64),
			"drop_lng":         strconv.FormatFloat(payload.DropLng, 'f', 6, 64),
			"price_per_truck":  strconv.FormatInt(payload.PricePerTruck, 10),
			"distance_km":      strconv.FormatFloat(payload.DistanceKm, 'f', 2, 64),
		},
		Notification: &messaging.Notification{
			Title: "New load available",
			Body:  fmt.Sprintf("%s %s needed, %.1f km", payload.VehicleType, payload.VehicleSubtype, payload.DistanceKm),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}

	return o.send(ctx, msg)
}

// HoldExpiredPayload notifies a transporter that its hold lapsed without
// confirmation.
type HoldExpiredPayload struct {
	HoldID  types.HoldID
	OrderID types.OrderID
}

func (o *Outbox) SendHoldExpired(ctx context.Context, deviceToken string, payload HoldExpiredPayload) error {
	if deviceToken == "" {
		return nil
	}
	msg := &messaging.Message{
		Token: deviceToken,
		Data: map[string]string{
			"type":     "hold_expired",
			"hold_id":  payload.HoldID.String(),
			"order_id": payload.OrderID.String(),
		},
		Notification: &messaging.Notification{
			Title: "Hold expired",
			Body:  "Your reservation lapsed before confirmation.",
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	return o.send(ctx, msg)
}

// AssignmentPayload notifies a driver they have been bound to a trip.
type AssignmentPayload struct {
	AssignmentID types.AssignmentID
	TripID       types.TripID
	OrderID      types.OrderID
	PickupLat    float64
	PickupLng    float64
}

func (o *Outbox) SendAssignment(ctx context.Context, deviceToken string, payload AssignmentPayload) error {
	if deviceToken == "" {
		return fmt.Errorf("empty device token for assignment %s", payload.AssignmentID.String())
	}
	msg := &messaging.Message{
		Token: deviceToken,
		Data: map[string]string{
			"type":          "assignment",
			"assignment_id": payload.AssignmentID.String(),
			"trip_id":       payload.TripID.String(),
			"order_id":      payload.OrderID.String(),
			"pickup_lat":    strconv.FormatFloat(payload.PickupLat, 'f', 6, 64),
			"pickup_lng":    strconv.FormatFloat(payload.PickupLng, 'f', 6, 64),
		},
		Notification: &messaging.Notification{
			Title: "Trip assigned",
			Body:  "Head to pickup.",
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	return o.send(ctx, msg)
}

// send delivers msg through a bounded exponential backoff, the way
// BackoffWrapper wraps a single retryable operation.
func (o *Outbox) send(ctx context.Context, msg *messaging.Message) error {
	op := func() (string, error) {
		return o.client.Send(ctx, msg)
	}
	messageID, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
	if err != nil {
		o.logger.Warnw("fcm send failed after retries", "token", msg.Token, "error", err)
		return err
	}
	o.logger.Infow("fcm sent", "message_id", messageID, "type", msg.Data["type"])
	return nil
}
