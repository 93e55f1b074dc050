// Copyright 2025 RiverFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coord provides the ephemeral coordination primitives: TTL
// locks with fencing tokens, shared leases, counters, pub/sub and
// barriers, backed by the external key-value service.
package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"riverfs/internal/common"
)

// Lua scripts for token-fenced lock operations. Compare-and-mutate on
// the stored token prevents a crashed-and-recovered holder from
// releasing a lock someone else has since acquired.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

	leaseReleaseScript = redis.NewScript(`
local n = redis.call("decr", KEYS[1])
if n <= 0 then
	redis.call("del", KEYS[1])
	return 0
end
return n`)
)

// Store wraps the key-value service connection.
type Store struct {
	rdb *redis.Client
}

// New connects to the coordination store at the given URL
// (redis://host:port/db form).
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing coord store url: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: coord store: %v", common.ErrBackendUnavailable, err)
	}
	return nil
}

// Acquire takes an exclusive TTL-bounded advisory lock. Returns a token
// that must be presented on Release, or ErrBusy when held elsewhere.
// Locks are always TTL-bounded so a crashed holder cannot deadlock the
// fleet.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("%w: acquire %s: %v", common.ErrBackendUnavailable, key, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: lock %s", common.ErrBusy, key)
	}
	return token, nil
}

// Release drops a lock if the token still owns it. Releasing a lock the
// token no longer owns is a no-op, not an error: TTL expiry already won.
func (s *Store) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("%w: release %s: %v", common.ErrBackendUnavailable, key, err)
	}
	if n == 0 {
		log.Warnf("lock %s expired before release", key)
	}
	return nil
}

// Refresh extends a held lock's TTL. Long-running operations call this
// to keep their lock alive.
func (s *Store) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, s.rdb, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: refresh %s: %v", common.ErrBackendUnavailable, key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lock %s no longer held", common.ErrBusy, key)
	}
	return nil
}

// AcquireLease registers a shared lease on a key. Any number of parties
// may hold the lease concurrently; each registration resets the TTL of
// the shared count.
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: lease %s: %v", common.ErrBackendUnavailable, key, err)
	}
	return nil
}

// ReleaseLease drops one shared lease registration.
func (s *Store) ReleaseLease(ctx context.Context, key string) error {
	if err := leaseReleaseScript.Run(ctx, s.rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("%w: lease release %s: %v", common.ErrBackendUnavailable, key, err)
	}
	return nil
}

// CounterIncr atomically adjusts a counter and returns the new value.
func (s *Store) CounterIncr(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: counter %s: %v", common.ErrBackendUnavailable, key, err)
	}
	return v, nil
}

// Publish sends a JSON-encoded event on a channel.
func (s *Store) Publish(ctx context.Context, channel string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", common.ErrBackendUnavailable, channel, err)
	}
	return nil
}

// Subscription is a live pub/sub stream. Messages carries raw JSON
// payloads; Close tears the stream down.
type Subscription struct {
	ps       *redis.PubSub
	Messages <-chan []byte
	done     chan struct{}
}

// Close unsubscribes and stops the pump goroutine.
func (sub *Subscription) Close() error {
	close(sub.done)
	return sub.ps.Close()
}

// Subscribe opens a stream of events on a channel.
func (s *Store) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established before returning so a
	// publish immediately after Subscribe is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", common.ErrBackendUnavailable, channel, err)
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	return &Subscription{ps: ps, Messages: out, done: done}, nil
}

// Barrier blocks until n parties have arrived at key, or the context
// expires. The last arrival wakes the others over pub/sub.
func (s *Store) Barrier(ctx context.Context, key string, n int64, ttl time.Duration) error {
	channel := key + ":barrier"

	sub, err := s.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: barrier %s: %v", common.ErrBackendUnavailable, key, err)
	}
	if incr.Val() >= n {
		return s.Publish(ctx, channel, struct{}{})
	}

	select {
	case <-sub.Messages:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
