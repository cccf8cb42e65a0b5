package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"quotagate/internal/domain"
)

// acquireScript atomically checks and commits one admission against the
// aggregate window counters. Window identity is baked into the key names, so
// rollover is just a key change; EXPIRE bounds stale-key growth. The commit
// only happens when every configured dimension fits, which is what keeps two
// instances from both taking the last slot of a window.
//
// KEYS: tpm, rpm, tpd, rpd window keys
// ARGV: tokens, requests, tpmLimit, rpmLimit, tpdLimit, rpdLimit, minuteTTL, dayTTL
var acquireScript = redis.NewScript(`
local tok = tonumber(ARGV[1])
local req = tonumber(ARGV[2])
local limits = {tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5]), tonumber(ARGV[6])}
local amounts = {tok, req, tok, req}
for i = 1, 4 do
  if limits[i] > 0 then
    local cur = tonumber(redis.call('GET', KEYS[i]) or '0')
    if cur + amounts[i] > limits[i] then
      return 0
    end
  end
end
local ttls = {tonumber(ARGV[7]), tonumber(ARGV[7]), tonumber(ARGV[8]), tonumber(ARGV[8])}
for i = 1, 4 do
  if limits[i] > 0 then
    redis.call('INCRBY', KEYS[i], amounts[i])
    redis.call('EXPIRE', KEYS[i], ttls[i], 'NX')
  end
end
return 1
`)

// releaseScript reconciles one dimension key: positive diffs always count,
// negative diffs refund but never below zero. A refund against a key from a
// window that already expired touches nothing, matching the window-scoped
// refund rule.
//
// KEYS: window key; ARGV: diff, ttl
var releaseScript = redis.NewScript(`
local diff = tonumber(ARGV[1])
if diff == 0 then
  return 0
end
if diff > 0 then
  redis.call('INCRBY', KEYS[1], diff)
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]), 'NX')
  return diff
end
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur == 0 then
  return 0
end
local sub = -diff
if sub > cur then
  sub = cur
end
redis.call('DECRBY', KEYS[1], sub)
return -sub
`)

// Redis implements the Coordinated port against a Redis deployment: atomic
// Lua-scripted window counters for the aggregate quota, key TTLs for
// instance liveness, and pub/sub for allocation announcements.
type Redis struct {
	rdb       *redis.Client
	prefix    string
	models    map[string]domain.ModelConfig
	ttl       time.Duration
	logger    *slog.Logger
	publishes *rate.Limiter

	cancelSubs context.CancelFunc
	subsCtx    context.Context
}

// RedisOptions carries the connection and liveness settings for the adapter.
type RedisOptions struct {
	Addr             string
	Password         string
	DB               int
	KeyPrefix        string
	HeartbeatTimeout time.Duration
}

// NewRedis connects, pings, and returns the adapter. Models provide the
// configured aggregate quotas the Lua scripts enforce.
func NewRedis(opts RedisOptions, models map[string]domain.ModelConfig, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "quotagate"
	}
	ttl := opts.HeartbeatTimeout
	if ttl <= 0 {
		ttl = 15 * time.Second
	}

	subsCtx, cancelSubs := context.WithCancel(context.Background())
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		models: models,
		ttl:    ttl,
		logger: logger,
		// Heartbeat-driven recompute checks are throttled; join/leave
		// announcements bypass the limiter.
		publishes:  rate.NewLimiter(rate.Every(time.Second), 1),
		subsCtx:    subsCtx,
		cancelSubs: cancelSubs,
	}, nil
}

func (r *Redis) instanceKey(id string) string { return r.prefix + ":instance:" + id }
func (r *Redis) allocChannel() string         { return r.prefix + ":alloc" }

func (r *Redis) windowKey(modelID string, dim domain.Dimension, nowMs int64) string {
	windowID := nowMs / dim.WindowMs()
	return fmt.Sprintf("%s:win:%s:%s:%d", r.prefix, modelID, dim, windowID)
}

// Acquire runs the check-and-commit script against all four window keys.
// Any transport error counts as rejection for the caller; it is returned so
// the caller can log it.
func (r *Redis) Acquire(ctx context.Context, ac AcquireContext) (bool, error) {
	m, ok := r.models[ac.ModelID]
	if !ok {
		return false, nil
	}
	now := time.Now().UnixMilli()

	keys := []string{
		r.windowKey(ac.ModelID, domain.DimTPM, now),
		r.windowKey(ac.ModelID, domain.DimRPM, now),
		r.windowKey(ac.ModelID, domain.DimTPD, now),
		r.windowKey(ac.ModelID, domain.DimRPD, now),
	}
	argv := []interface{}{
		ac.EstimatedTokens, ac.EstimatedRequests,
		m.TokensPerMinute, m.RequestsPerMinute, m.TokensPerDay, m.RequestsPerDay,
		int64(2 * 60), int64(2 * 86_400), // seconds; double the window so a late release still finds the key
	}

	res, err := acquireScript.Run(ctx, r.rdb, keys, argv...).Int64()
	if err != nil {
		return false, fmt.Errorf("acquire script: %w", err)
	}
	return res == 1, nil
}

// Release reconciles each dimension key with the actual usage.
func (r *Redis) Release(ctx context.Context, ac AcquireContext) error {
	m, ok := r.models[ac.ModelID]
	if !ok {
		return nil
	}
	now := time.Now().UnixMilli()

	tokDiff := ac.ActualTokens - ac.EstimatedTokens
	reqDiff := ac.ActualRequests - ac.EstimatedRequests

	type dimDiff struct {
		dim     domain.Dimension
		diff    int64
		limit   int64
		ttlSecs int64
	}
	dims := []dimDiff{
		{domain.DimTPM, tokDiff, m.TokensPerMinute, 2 * 60},
		{domain.DimRPM, reqDiff, m.RequestsPerMinute, 2 * 60},
		{domain.DimTPD, tokDiff, m.TokensPerDay, 2 * 86_400},
		{domain.DimRPD, reqDiff, m.RequestsPerDay, 2 * 86_400},
	}

	for _, d := range dims {
		if d.limit <= 0 || d.diff == 0 {
			continue
		}
		key := r.windowKey(ac.ModelID, d.dim, now)
		if err := releaseScript.Run(ctx, r.rdb, []string{key}, d.diff, d.ttlSecs).Err(); err != nil {
			return fmt.Errorf("release script: %w", err)
		}
	}
	return nil
}

// Register marks the instance live, recomputes the allocation from the peer
// count and announces it.
func (r *Redis) Register(ctx context.Context, instanceID string) (domain.AllocationInfo, error) {
	if err := r.rdb.Set(ctx, r.instanceKey(instanceID), 1, r.ttl).Err(); err != nil {
		return domain.AllocationInfo{}, fmt.Errorf("register: %w", err)
	}
	info, err := r.computeAllocation(ctx)
	if err != nil {
		return domain.AllocationInfo{}, err
	}
	if err := r.publish(ctx, info); err != nil {
		return domain.AllocationInfo{}, err
	}
	return info, nil
}

// Unregister drops the instance key and announces the shrunk membership.
func (r *Redis) Unregister(ctx context.Context, instanceID string) error {
	if err := r.rdb.Del(ctx, r.instanceKey(instanceID)).Err(); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	info, err := r.computeAllocation(ctx)
	if err != nil {
		return err
	}
	return r.publish(ctx, info)
}

// Heartbeat renews the instance key's TTL. Peer death is detected by key
// expiry rather than an explicit sweep; a throttled recompute-and-publish
// keeps subscribers converging on the surviving membership.
func (r *Redis) Heartbeat(ctx context.Context, instanceID string) error {
	if err := r.rdb.Set(ctx, r.instanceKey(instanceID), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if !r.publishes.Allow() {
		return nil
	}
	info, err := r.computeAllocation(ctx)
	if err != nil {
		return err
	}
	return r.publish(ctx, info)
}

// Subscribe listens on the allocation channel and dispatches decoded
// announcements to cb until unsubscribed.
func (r *Redis) Subscribe(instanceID string, cb func(domain.AllocationInfo)) (func(), error) {
	sub := r.rdb.Subscribe(r.subsCtx, r.allocChannel())
	// Force the subscription to establish before we return, so an
	// allocation published right after Register is not lost.
	if _, err := sub.Receive(r.subsCtx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for msg := range ch {
			var info domain.AllocationInfo
			if err := json.Unmarshal([]byte(msg.Payload), &info); err != nil {
				if r.logger != nil {
					r.logger.Warn("discarding malformed allocation announcement", "error", err)
				}
				continue
			}
			cb(info)
		}
	}()

	return func() { _ = sub.Close() }, nil
}

// computeAllocation counts live instance keys and derives per-instance pools.
func (r *Redis) computeAllocation(ctx context.Context) (domain.AllocationInfo, error) {
	var count int
	iter := r.rdb.Scan(ctx, 0, r.prefix+":instance:*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return domain.AllocationInfo{}, fmt.Errorf("scan instances: %w", err)
	}

	pools := make(map[string]domain.ModelPool, len(r.models))
	for id, m := range r.models {
		pools[id] = domain.PoolForInstances(m, count)
	}
	return domain.AllocationInfo{InstanceCount: count, Pools: pools}, nil
}

func (r *Redis) publish(ctx context.Context, info domain.AllocationInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.allocChannel(), payload).Err(); err != nil {
		return fmt.Errorf("publish allocation: %w", err)
	}
	return nil
}

// Close stops all subscriptions and the client connection.
func (r *Redis) Close() error {
	r.cancelSubs()
	return r.rdb.Close()
}
