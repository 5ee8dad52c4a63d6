package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxCASAttempts bounds the optimistic loops used for conditional writes.
const maxCASAttempts = 16

// MemcacheStore keeps counters in memcached so several processes share them.
// Values are stored as decimal text so the server-side incr command applies.
type MemcacheStore struct {
	client *memcache.Client
	ttls   TTLs
	logger *slog.Logger
}

var _ Store = (*MemcacheStore)(nil)

// NewMemcacheStore connects to a comma separated list of memcached servers.
func NewMemcacheStore(servers string, ttls TTLs, logger *slog.Logger) *MemcacheStore {
	var addrs []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			addrs = append(addrs, s)
		}
	}

	client := memcache.New(addrs...)
	client.Timeout = 500 * time.Millisecond
	client.MaxIdleConns = 16

	return &MemcacheStore{client: client, ttls: ttls, logger: logger}
}

func (s *MemcacheStore) expiration(kind Kind) int32 {
	return int32(s.ttls.For(kind) / time.Second)
}

func (s *MemcacheStore) item(key Key, value int64) *memcache.Item {
	return &memcache.Item{
		Key:        key.String(),
		Value:      []byte(strconv.FormatInt(value, 10)),
		Expiration: s.expiration(key.Kind),
	}
}

func parseValue(item *memcache.Item) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(item.Value)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds a non numeric value: %w", item.Key, err)
	}
	return v, nil
}

func (s *MemcacheStore) Increment(ctx context.Context, key Key, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("counter %s: negative increment %d", key, amount)
	}

	k := key.String()
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		v, err := s.client.Increment(k, uint64(amount))
		if err == nil {
			// incr does not refresh expiry.
			if err := s.client.Touch(k, s.expiration(key.Kind)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
				s.logger.Warn("Failed to refresh counter expiry", slog.String("key", k), slog.Any("error", err))
			}
			return int64(v), nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			return 0, fmt.Errorf("failed to increment %s: %w", k, err)
		}

		// First write of the key. Another process may win the add, in which case incr again.
		err = s.client.Add(s.item(key, amount))
		if err == nil {
			return amount, nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return 0, fmt.Errorf("failed to create %s: %w", k, err)
		}
	}
	return 0, fmt.Errorf("failed to increment %s: too much contention", k)
}

func (s *MemcacheStore) Get(_ context.Context, key Key) (int64, error) {
	item, err := s.client.Get(key.String())
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return parseValue(item)
}

func (s *MemcacheStore) InitializeFromDurable(ctx context.Context, key Key, durable int64) (int64, error) {
	k := key.String()
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		item, err := s.client.Get(k)
		if errors.Is(err, memcache.ErrCacheMiss) {
			err = s.client.Add(s.item(key, durable))
			if err == nil {
				return durable, nil
			}
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			return 0, fmt.Errorf("failed to initialize %s: %w", k, err)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", k, err)
		}

		current, err := parseValue(item)
		if err != nil {
			return 0, err
		}
		if current >= durable {
			return current, nil
		}

		item.Value = []byte(strconv.FormatInt(durable, 10))
		item.Expiration = s.expiration(key.Kind)
		err = s.client.CompareAndSwap(item)
		if err == nil {
			return durable, nil
		}
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		return 0, fmt.Errorf("failed to initialize %s: %w", k, err)
	}
	return 0, fmt.Errorf("failed to initialize %s: too much contention", k)
}

func (s *MemcacheStore) SyncFromDurable(_ context.Context, key Key, durable int64) error {
	if err := s.client.Set(s.item(key, durable)); err != nil {
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	return nil
}

// Ready pings the servers until one round succeeds or ctx is done.
func (s *MemcacheStore) Ready(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := s.client.Ping()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		case <-ticker.C:
			s.logger.Debug("Waiting for memcached", slog.Any("error", err))
		}
	}
}

func (s *MemcacheStore) Close() error {
	return s.client.Close()
}
