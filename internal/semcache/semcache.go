// Package semcache implements the semantic/prompt cache from spec.md
// §4.14: a SHA256(prompt || canonical_json(params))-keyed TTL cache
// with hit-rate counters, backed by either an in-process map or Redis.
// The Redis backend is grounded on the teacher's db/dragonflydb.go
// Save/Get-by-key pattern (go-redis/v9 against a Redis-protocol
// server) — generalized from raw byte values and an env-configured
// client to a JSON-encoded cache entry and an injected client so tests
// can point it at miniredis.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the value stored per cache key.
type Entry struct {
	Response string         `json:"response"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TS       int64          `json:"ts"`     // unix seconds at put time
	TTLS     int64          `json:"ttl_s"`  // time-to-live in seconds
}

func (e Entry) expired(now int64) bool {
	return now >= e.TS+e.TTLS
}

// Key computes SHA256(prompt || canonical_json(params)) — params keys
// are sorted so the hash is independent of map iteration order.
func Key(prompt string, params map[string]any) string {
	canon, _ := canonicalJSON(params)
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(params map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string `json:"k"`
		V any    `json:"v"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].K = k
		ordered[i].V = params[k]
	}
	return json.Marshal(ordered)
}

// Stats tracks cache hit/miss counters (spec.md §4.14).
type Stats struct {
	mu     sync.Mutex
	Hits   int64
	Misses int64
}

func (s *Stats) recordHit()  { s.mu.Lock(); s.Hits++; s.mu.Unlock() }
func (s *Stats) recordMiss() { s.mu.Lock(); s.Misses++; s.mu.Unlock() }

// HitRate returns hits / (hits + misses), or 0 if nothing has been queried yet.
func (s *Stats) HitRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Now is the clock used for TTL expiry checks; overridable in tests.
var Now = func() int64 { return time.Now().Unix() }

// Backend abstracts the storage medium: in-process map or Redis.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Cache wraps a Backend with the put/query/clear_expired surface and
// hit-rate counters spec.md §4.14 specifies.
type Cache struct {
	backend Backend
	stats   Stats
}

func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

func (c *Cache) Put(ctx context.Context, prompt string, params map[string]any, response string, metadata map[string]any, ttl time.Duration) error {
	key := Key(prompt, params)
	return c.backend.Put(ctx, key, Entry{
		Response: response,
		Metadata: metadata,
		TS:       Now(),
		TTLS:     int64(ttl.Seconds()),
	})
}

// Query returns the cached response, hitting only if ts + ttl > now
// (spec.md §4.14). An expired entry counts as a miss.
func (c *Cache) Query(ctx context.Context, prompt string, params map[string]any) (Entry, bool, error) {
	key := Key(prompt, params)
	entry, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok || entry.expired(Now()) {
		c.stats.recordMiss()
		return Entry{}, false, nil
	}
	c.stats.recordHit()
	return entry, true, nil
}

// ClearExpired sweeps every key and deletes expired entries, returning
// the count removed.
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	keys, err := c.backend.Keys(ctx)
	if err != nil {
		return 0, err
	}
	now := Now()
	removed := 0
	for _, k := range keys {
		entry, ok, err := c.backend.Get(ctx, k)
		if err != nil {
			return removed, err
		}
		if ok && entry.expired(now) {
			if err := c.backend.Delete(ctx, k); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (c *Cache) Stats() Stats {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	return Stats{Hits: c.stats.Hits, Misses: c.stats.Misses}
}

// InProcessBackend is the default backend when no Redis address is
// configured (spec.md §4.14's "empty = in-process cache").
type InProcessBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewInProcessBackend() *InProcessBackend {
	return &InProcessBackend{entries: map[string]Entry{}}
}

func (b *InProcessBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e, ok, nil
}

func (b *InProcessBackend) Put(_ context.Context, key string, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = e
	return nil
}

func (b *InProcessBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *InProcessBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	return out, nil
}

// RedisBackend stores entries as JSON values in Redis/DragonflyDB,
// grounded on the teacher's DragonflyDBSaveKeyValue/DragonflyDBGetKey
// pair — generalized to a structured Entry and an injected client.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) fullKey(key string) string { return b.prefix + key }

func (b *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := b.client.Get(ctx, b.fullKey(key)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, key string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.fullKey(key), raw, 0).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.fullKey(key)).Err()
}

func (b *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	raw, err := b.client.Keys(ctx, b.prefix+"*").Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, k := range raw {
		out[i] = k[len(b.prefix):]
	}
	return out, nil
}
