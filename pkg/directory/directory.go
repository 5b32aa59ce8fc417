// Package directory records which chat-service instance holds the live
// session of a (tenant, user) pair, so other processes can reach it.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

var ErrNotFound = errors.New("session not found in directory")

// Config configures the directory.
type Config struct {
	Prefix            string        `mapstructure:"prefix"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Directory maps tenant:user keys to the advertise address of the owning
// instance. Keys expire unless the owner keeps refreshing them.
type Directory struct {
	client            redis.UniversalClient
	advertiseAddress  string
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration

	managedKeys map[string]struct{}
	mu          sync.RWMutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// deregisterScript deletes the key only while it still points at us, so an
// instance that lost the session to a newer connection cannot erase it.
var deregisterScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// New creates a Directory. advertiseAddress is empty for read-only users.
func New(client redis.UniversalClient, cfg Config, advertiseAddress string) *Directory {
	if cfg.Prefix == "" {
		cfg.Prefix = "relay:directory"
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 90 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Directory{
		client:            client,
		advertiseAddress:  advertiseAddress,
		prefix:            cfg.Prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managedKeys:       make(map[string]struct{}),
	}
}

func (d *Directory) keyFor(tenantID, userID string) string {
	return fmt.Sprintf("%s:tenant:%s:user:%s", d.prefix, tenantID, userID)
}

// Register points (tenantID, userID) at this instance.
func (d *Directory) Register(ctx context.Context, tenantID, userID string) error {
	key := d.keyFor(tenantID, userID)
	if err := d.client.Set(ctx, key, d.advertiseAddress, d.keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	d.mu.Lock()
	d.managedKeys[key] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Deregister removes the entry if this instance still owns it.
func (d *Directory) Deregister(ctx context.Context, tenantID, userID string) error {
	key := d.keyFor(tenantID, userID)

	d.mu.Lock()
	delete(d.managedKeys, key)
	d.mu.Unlock()

	if err := deregisterScript.Run(ctx, d.client, []string{key}, d.advertiseAddress).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to deregister session: %w", err)
	}
	return nil
}

// Lookup returns the advertise address holding the user's session.
func (d *Directory) Lookup(ctx context.Context, tenantID, userID string) (string, error) {
	addr, err := d.client.Get(ctx, d.keyFor(tenantID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lookup session: %w", err)
	}
	return addr, nil
}

// LookupMany groups the online users among userIDs by owning address.
func (d *Directory) LookupMany(ctx context.Context, tenantID string, userIDs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, u := range userIDs {
		keys[i] = d.keyFor(tenantID, u)
	}
	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lookup sessions: %w", err)
	}
	for i, v := range vals {
		if addr, ok := v.(string); ok && addr != "" {
			out[addr] = append(out[addr], userIDs[i])
		}
	}
	return out, nil
}

// StartHeartbeat refreshes the TTL of every key this instance owns.
func (d *Directory) StartHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.heartbeatLoop(ctx)

	l := log.L()
	l.Info().Dur("interval", d.heartbeatInterval).Dur("ttl", d.keyTTL).Msg("directory heartbeat started")
}

func (d *Directory) heartbeatLoop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshKeys(ctx)
		}
	}
}

func (d *Directory) refreshKeys(ctx context.Context) {
	d.mu.RLock()
	keys := make([]string, 0, len(d.managedKeys))
	for k := range d.managedKeys {
		keys = append(keys, k)
	}
	d.mu.RUnlock()

	if len(keys) == 0 {
		return
	}

	_, err := d.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		ttl := d.keyTTL.Milliseconds()
		for _, key := range keys {
			refreshScript.Eval(ctx, p, []string{key}, d.advertiseAddress, ttl)
		}
		return nil
	})
	if err != nil {
		l := log.L()
		l.Error().Err(err).Int("keys", len(keys)).Msg("failed to refresh directory keys")
	}
}

// Close stops the heartbeat. The client is owned by the caller.
func (d *Directory) Close() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	return nil
}
