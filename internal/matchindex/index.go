// Package matchindex maintains, per declared (vehicle type, vehicle
// subtype), the set of online transporters owning at least one matching
// active vehicle. Matching here is by declared type/subtype only, never by
// radius search.
package matchindex

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/types"
)

const (
	groupKeyPrefix     = "matchindex:group:%s:%s"        // vehicleType, vehicleSubtype
	dispatchKeyPrefix  = "matchindex:order:%s:dispatched_at"
	broadcastKeyPrefix = "matchindex:order:%s:broadcast"
	notifiedKeyPrefix  = "matchindex:order:%s:notified"
	keyTTL             = 7 * 24 * time.Hour
)

type Index struct {
	redis *redis.Client
	ttl   time.Duration
}

func New(redisClient *redis.Client, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Index{redis: redisClient, ttl: ttl}
}

func groupKey(vehicleType, vehicleSubtype string) string {
	return fmt.Sprintf(groupKeyPrefix, vehicleType, vehicleSubtype)
}

// AddTransporter records transporterID as owning an active, online vehicle
// of (vehicleType, vehicleSubtype). Called on vehicle create/update and on
// transporter availability toggles.
func (idx *Index) AddTransporter(ctx context.Context, vehicleType, vehicleSubtype string, transporterID types.UserID) error {
	key := groupKey(vehicleType, vehicleSubtype)
	if err := idx.redis.SAdd(ctx, key, transporterID.String()).Err(); err != nil {
		return err
	}
	return idx.redis.Expire(ctx, key, idx.ttl).Err()
}

// RemoveTransporter drops transporterID from the (type, subtype) group —
// called when a vehicle is deactivated/retyped or the transporter goes
// offline.
func (idx *Index) RemoveTransporter(ctx context.Context, vehicleType, vehicleSubtype string, transporterID types.UserID) error {
	return idx.redis.SRem(ctx, groupKey(vehicleType, vehicleSubtype), transporterID.String()).Err()
}

// Lookup returns every transporter recorded for (vehicleType,
// vehicleSubtype). The caller is responsible for filtering by current
// availability if the cache is stale.
func (idx *Index) Lookup(ctx context.Context, vehicleType, vehicleSubtype string) ([]types.UserID, error) {
	members, err := idx.redis.SMembers(ctx, groupKey(vehicleType, vehicleSubtype)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.UserID, 0, len(members))
	for _, m := range members {
		id, err := types.ParseUserID(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RecordDispatch records the dispatch timestamp and the set of
// notified transporters for an order's broadcast.
func (idx *Index) RecordDispatch(ctx context.Context, orderID types.OrderID, transporterIDs []types.UserID) error {
	pipe := idx.redis.Pipeline()
	pipe.Set(ctx, dispatchedAtKey(orderID), time.Now().UTC().Format(time.RFC3339), keyTTL)
	if len(transporterIDs) > 0 {
		members := make([]interface{}, len(transporterIDs))
		for i, t := range transporterIDs {
			members[i] = t.String()
		}
		key := notifiedKey(orderID)
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, keyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// NotifiedTransporters returns every transporter previously recorded via
// RecordDispatch for orderID.
func (idx *Index) NotifiedTransporters(ctx context.Context, orderID types.OrderID) ([]types.UserID, error) {
	members, err := idx.redis.SMembers(ctx, notifiedKey(orderID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.UserID, 0, len(members))
	for _, m := range members {
		id, err := types.ParseUserID(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetDispatchedAt returns when the order was first dispatched, and whether
// it has been dispatched at all.
func (idx *Index) GetDispatchedAt(ctx context.Context, orderID types.OrderID) (time.Time, bool, error) {
	val, err := idx.redis.Get(ctx, dispatchedAtKey(orderID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// MarkOrderClosed records that broadcasting for orderID has stopped
// (fully assigned, cancelled, or expired) so late-arriving deltas can be
// suppressed.
func (idx *Index) MarkOrderClosed(ctx context.Context, orderID types.OrderID) error {
	return idx.redis.Set(ctx, broadcastKey(orderID), "1", keyTTL).Err()
}

func (idx *Index) IsOrderClosed(ctx context.Context, orderID types.OrderID) (bool, error) {
	val, err := idx.redis.Get(ctx, broadcastKey(orderID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

func dispatchedAtKey(orderID types.OrderID) string {
	return fmt.Sprintf(dispatchKeyPrefix, orderID.String())
}

func broadcastKey(orderID types.OrderID) string {
	return fmt.Sprintf(broadcastKeyPrefix, orderID.String())
}

func notifiedKey(orderID types.OrderID) string {
	return fmt.Sprintf(notifiedKeyPrefix, orderID.String())
}
