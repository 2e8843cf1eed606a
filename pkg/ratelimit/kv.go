package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const kvRetries = 5

// KVStore is a CounterStore on a NATS JetStream key-value bucket. Each key
// and window slot gets its own entry; the bucket TTL removes old slots.
type KVStore struct {
	kv  nats.KeyValue
	now func() time.Time
}

// NewKVStore creates (or binds to) bucket on nc.
func NewKVStore(nc *nats.Conn, bucket string, window time.Duration) (*KVStore, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	js, err := nc.JetStream(nats.MaxWait(2 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: jetstream: %w", err)
	}
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		TTL:     2 * window,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: kv bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv, now: time.Now}, nil
}

// Incr increments the counter with compare-and-set, retrying on conflicts.
func (s *KVStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := kvKey(key, s.now(), window)

	var lastErr error
	for range kvRetries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		entry, err := s.kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			if _, err := s.kv.Create(k, []byte("1")); err != nil {
				lastErr = err
				continue
			}
			return 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("ratelimit: kv get %s: %w", k, err)
		}

		n, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("ratelimit: kv value %s: %w", k, err)
		}
		n++
		if _, err := s.kv.Update(k, []byte(strconv.FormatInt(n, 10)), entry.Revision()); err != nil {
			lastErr = err
			continue
		}
		return n, nil
	}
	return 0, fmt.Errorf("ratelimit: kv incr %s: %w", k, lastErr)
}

// kvKey maps key into the bucket's key alphabet and appends the window slot.
func kvKey(key string, now time.Time, window time.Duration) string {
	slot := now.UnixNano() / int64(window)
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	if clean == "" {
		clean = "_"
	}
	return clean + "." + strconv.FormatInt(slot, 10)
}
