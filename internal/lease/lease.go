package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options configure the lease.
type Options struct {
	URL      string
	Password string
	Key      string
	TTL      time.Duration
}

// Lease is a Redis-backed mutual exclusion lock shared by every collector instance.
// The TTL bounds how long a crashed holder can block others.
type Lease struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(opts Options, logger zerolog.Logger) (*Lease, error) {
	if opts.Key == "" {
		return nil, errors.New("lease key is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.Password != "" {
		ropts.Password = opts.Password
	}
	rdb := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Lease{
		rdb:    rdb,
		key:    opts.Key,
		ttl:    opts.TTL,
		logger: logger.With().Str("component", "lease").Logger(),
	}, nil
}

// TryLock attempts to take the lease. acquired=false means another holder owns it.
func (l *Lease) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", l.key).Msg("failed to release lease")
		}
	}
	return unlock, true, nil
}

// Ping checks the Redis connection.
func (l *Lease) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (l *Lease) Close() error {
	return l.rdb.Close()
}
