// Package leasetracker records which sandbox is on loan to which pipeline
// run, so an operator (or a second simengine process sharing the same
// sandbox provider account) can see live leases and detect ones that have
// outlived their timeout.
//
// Grounded on achetronic-adk-utils-go's session/redis.RedisSessionService:
// same shape (a small Redis-backed registry keyed by a composite string,
// TTL-expired, with a set index for listing), narrowed from full session
// state/event persistence down to lease bookkeeping. Tracker is optional —
// spec §4.A only requires sandbox release be guaranteed, not that leases
// be observable — so a pipeline given no Tracker falls back to an
// in-memory tracker; a Redis tracker is used when
// SANDBOX_LEASE_REDIS_ADDR is configured so leases are visible across
// independent simengine processes sharing one sandbox account.
package leasetracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is one sandbox currently on loan to a pipeline run.
type Lease struct {
	SandboxID string    `json:"sandbox_id"`
	Market    string    `json:"market"`
	StartedAt time.Time `json:"started_at"`
}

// Tracker records sandbox acquisition/release. A nil Tracker is not
// usable; pipeline.New substitutes NewInMemory() for a nil one.
type Tracker interface {
	Acquire(ctx context.Context, sandboxID, market string) error
	Release(ctx context.Context, sandboxID string) error
	Active(ctx context.Context) ([]Lease, error)
	Close() error
}

// InMemoryTracker is the zero-dependency default, scoped to one process.
type InMemoryTracker struct {
	mu     sync.Mutex
	leases map[string]Lease
}

// NewInMemory creates a process-local tracker.
func NewInMemory() *InMemoryTracker {
	return &InMemoryTracker{leases: make(map[string]Lease)}
}

func (t *InMemoryTracker) Acquire(ctx context.Context, sandboxID, market string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leases[sandboxID] = Lease{SandboxID: sandboxID, Market: market, StartedAt: time.Now()}
	return nil
}

func (t *InMemoryTracker) Release(ctx context.Context, sandboxID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.leases, sandboxID)
	return nil
}

func (t *InMemoryTracker) Active(ctx context.Context) ([]Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Lease, 0, len(t.leases))
	for _, l := range t.leases {
		out = append(out, l)
	}
	return out, nil
}

func (t *InMemoryTracker) Close() error { return nil }

// RedisTracker shares lease visibility across independent simengine
// processes (e.g. two batch runs against the same sandbox account).
type RedisTracker struct {
	client    *redis.Client
	ttl       time.Duration
	indexKey  string
	keyPrefix string
}

// RedisConfig configures a RedisTracker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a lease survives an unreleased/crashed process
	// before it is no longer reported active. Default: 1 hour.
	TTL time.Duration
}

// NewRedisTracker dials Redis and verifies connectivity before returning.
func NewRedisTracker(ctx context.Context, cfg RedisConfig) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("leasetracker: connecting to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = time.Hour
	}

	return &RedisTracker{
		client:    client,
		ttl:       ttl,
		indexKey:  "simengine:leases:index",
		keyPrefix: "simengine:lease:",
	}, nil
}

func (t *RedisTracker) leaseKey(sandboxID string) string {
	return t.keyPrefix + sandboxID
}

func (t *RedisTracker) Acquire(ctx context.Context, sandboxID, market string) error {
	lease := Lease{SandboxID: sandboxID, Market: market, StartedAt: time.Now()}
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("leasetracker: marshal lease: %w", err)
	}

	pipe := t.client.Pipeline()
	pipe.Set(ctx, t.leaseKey(sandboxID), data, t.ttl)
	pipe.SAdd(ctx, t.indexKey, sandboxID)
	pipe.Expire(ctx, t.indexKey, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leasetracker: recording acquire: %w", err)
	}
	return nil
}

func (t *RedisTracker) Release(ctx context.Context, sandboxID string) error {
	pipe := t.client.Pipeline()
	pipe.Del(ctx, t.leaseKey(sandboxID))
	pipe.SRem(ctx, t.indexKey, sandboxID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leasetracker: recording release: %w", err)
	}
	return nil
}

func (t *RedisTracker) Active(ctx context.Context) ([]Lease, error) {
	ids, err := t.client.SMembers(ctx, t.indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("leasetracker: listing leases: %w", err)
	}

	leases := make([]Lease, 0, len(ids))
	for _, id := range ids {
		data, err := t.client.Get(ctx, t.leaseKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Lease key expired before its index entry did; drop it lazily.
				t.client.SRem(ctx, t.indexKey, id)
				continue
			}
			return nil, fmt.Errorf("leasetracker: reading lease %s: %w", id, err)
		}
		var l Lease
		if err := json.Unmarshal(data, &l); err != nil {
			continue
		}
		leases = append(leases, l)
	}
	return leases, nil
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}
