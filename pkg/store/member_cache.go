package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-relay/pkg/chat"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// CachedRoomStore caches room member lists in Redis in front of a
// chat.RoomStore. Concurrent misses for one room share a single load.
type CachedRoomStore struct {
	chat.RoomStore
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	sf     singleflight.Group
}

// NewCachedRoomStore wraps rooms. A nil client disables caching.
func NewCachedRoomStore(rooms chat.RoomStore, client redis.UniversalClient, prefix string, ttl time.Duration) *CachedRoomStore {
	if prefix == "" {
		prefix = "relay:members"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedRoomStore{RoomStore: rooms, client: client, prefix: prefix, ttl: ttl}
}

func (c *CachedRoomStore) key(tenantID, roomID string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, tenantID, roomID)
}

// GetRoomMembers returns the cached member list, loading it on a miss.
func (c *CachedRoomStore) GetRoomMembers(ctx context.Context, tenantID, roomID string) ([]string, error) {
	if c.client == nil {
		return c.RoomStore.GetRoomMembers(ctx, tenantID, roomID)
	}

	key := c.key(tenantID, roomID)
	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.fetchWithCache(ctx, tenantID, roomID, key)
	})
	if err != nil {
		return nil, err
	}
	members, ok := result.([]string)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return members, nil
}

// IsRoomMember answers from the cached member list.
func (c *CachedRoomStore) IsRoomMember(ctx context.Context, tenantID, roomID, userID string) (bool, error) {
	members, err := c.GetRoomMembers(ctx, tenantID, roomID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate drops the cached member list of a room.
func (c *CachedRoomStore) Invalidate(ctx context.Context, tenantID, roomID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(tenantID, roomID)).Err()
}

func (c *CachedRoomStore) fetchWithCache(ctx context.Context, tenantID, roomID, key string) ([]string, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var members []string
		if err := json.Unmarshal(data, &members); err == nil {
			return members, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("member cache get error")
	}

	members, err := c.RoomStore.GetRoomMembers(ctx, tenantID, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room members: %w", err)
	}

	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		data, err := json.Marshal(members)
		if err != nil {
			return
		}
		if err := c.client.Set(cacheCtx, key, data, c.ttl).Err(); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("member cache set error")
		}
	}()

	return members, nil
}
