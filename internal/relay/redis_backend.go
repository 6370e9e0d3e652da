package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisEntryKeyPrefix = "rinkelrelay:call:"

// RedisEntryBackend stores each entry as a JSON string. Retention is left to
// key expiry, set from the ttl DSN parameter.
type RedisEntryBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisEntryBackend accepts redis://[user:pass@]host:port/db[?ttl=168h].
func NewRedisEntryBackend(dsn string) (*RedisEntryBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	var ttl time.Duration
	if raw := strings.TrimSpace(query.Get("ttl")); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: redis ttl %q", ErrInvalidInput, raw)
		}
		query.Del("ttl")
		parsed.RawQuery = query.Encode()
	}
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return NewRedisEntryBackendWithClient(redis.NewClient(opts), ttl), nil
}

func NewRedisEntryBackendWithClient(client redis.UniversalClient, ttl time.Duration) *RedisEntryBackend {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisEntryBackend{
		client: client,
		prefix: redisEntryKeyPrefix,
		ttl:    ttl,
	}
}

func (b *RedisEntryBackend) Load(ctx context.Context, callID string) (*CorrelationEntry, error) {
	payload, err := b.client.Get(ctx, b.prefix+callID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry CorrelationEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *RedisEntryBackend) Save(ctx context.Context, entry CorrelationEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.prefix+entry.CallID, payload, b.ttl).Err()
}

func (b *RedisEntryBackend) Close() error {
	return b.client.Close()
}
