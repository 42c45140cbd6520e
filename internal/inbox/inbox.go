// Package inbox deduplicates event handling for downstream consumers.
//
// A consumer calls Begin with the event's dedup key before applying its
// effect, then Complete once the effect is durable or Abort if it failed.
// Begin reports false for keys that were already completed, so
// redelivered and republished events are applied once.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInFlight is returned by Begin while another consumer holds the key.
var ErrInFlight = errors.New("event is being processed by another consumer")

const (
	stateProcessing = "processing"
	stateDone       = "done"
)

// Inbox records which events a consumer has applied.
type Inbox interface {
	// Begin reserves key. It returns false if the key was already completed
	// and ErrInFlight if another consumer reserved it and has not finished.
	Begin(ctx context.Context, key string) (bool, error)

	// Complete marks key as applied.
	Complete(ctx context.Context, key string) error

	// Abort releases a reservation so the event can be retried.
	Abort(ctx context.Context, key string) error
}

// RedisInbox stores inbox entries as Redis keys.
type RedisInbox struct {
	client      redis.UniversalClient
	prefix      string
	reservation time.Duration
	retention   time.Duration
}

// RedisOptions configures a RedisInbox.
type RedisOptions struct {
	// Prefix namespaces keys per consumer, e.g. "inbox:projector:".
	Prefix string

	// Reservation bounds how long a crashed consumer can hold a key.
	Reservation time.Duration

	// Retention is how long completed keys are remembered.
	Retention time.Duration
}

// NewRedisInbox creates a RedisInbox.
func NewRedisInbox(client redis.UniversalClient, opts RedisOptions) *RedisInbox {
	if opts.Prefix == "" {
		opts.Prefix = "inbox:"
	}
	if opts.Reservation <= 0 {
		opts.Reservation = time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &RedisInbox{
		client:      client,
		prefix:      opts.Prefix,
		reservation: opts.Reservation,
		retention:   opts.Retention,
	}
}

// Begin implements Inbox.
func (i *RedisInbox) Begin(ctx context.Context, key string) (bool, error) {
	ok, err := i.client.SetNX(ctx, i.prefix+key, stateProcessing, i.reservation).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	state, err := i.client.Get(ctx, i.prefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Reservation expired between the two calls; try again.
		return i.Begin(ctx, key)
	case err != nil:
		return false, err
	case state == stateDone:
		return false, nil
	default:
		return false, ErrInFlight
	}
}

// Complete implements Inbox.
func (i *RedisInbox) Complete(ctx context.Context, key string) error {
	return i.client.Set(ctx, i.prefix+key, stateDone, i.retention).Err()
}

// abortScript deletes the key only while it is still a reservation.
var abortScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Abort implements Inbox.
func (i *RedisInbox) Abort(ctx context.Context, key string) error {
	return abortScript.Run(ctx, i.client, []string{i.prefix + key}, stateProcessing).Err()
}

// MemoryInbox is an in-process Inbox for tests and single-node setups.
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemoryInbox creates an empty MemoryInbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{entries: make(map[string]string)}
}

// Begin implements Inbox.
func (i *MemoryInbox) Begin(ctx context.Context, key string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.entries[key] {
	case "":
		i.entries[key] = stateProcessing
		return true, nil
	case stateDone:
		return false, nil
	default:
		return false, ErrInFlight
	}
}

// Complete implements Inbox.
func (i *MemoryInbox) Complete(ctx context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[key] = stateDone
	return nil
}

// Abort implements Inbox.
func (i *MemoryInbox) Abort(ctx context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.entries[key] == stateProcessing {
		delete(i.entries, key)
	}
	return nil
}
