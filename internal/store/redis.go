package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/motionhq/motion/internal/merr"
)

// unlockScript is the compare-and-delete Lua script used to release a
// lock: it only deletes the key if its value still matches the token
// this holder acquired it with, so a lock that expired and was picked
// up by someone else is never released out from under them.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Config holds the connection settings for RedisStore.
type Config struct {
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	// go-redis reads 0 as "retry up to 3 times"; -1 turns its retries
	// off so a failed call surfaces on the first attempt.
	if c.MaxRetries == 0 {
		c.MaxRetries = -1
	}
	return c
}

// RedisStore is the production Store implementation, backed by
// github.com/redis/go-redis/v9. With Config.MaxRetries left at zero it
// never retries failed operations itself — BackendUnavailable surfaces immediately and retry policy is
// left to internal/state and internal/worker.
type RedisStore struct {
	client *redis.Client
	codec  Codec
	logger *slog.Logger
}

// NewRedisStore dials addr (lazily — go-redis connects on first use)
// and returns a Store. codec defaults to GobCodec{} if nil.
func NewRedisStore(cfg Config, codec Codec, logger *slog.Logger) *RedisStore {
	cfg = cfg.withDefaults()
	if codec == nil {
		codec = GobCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	})

	return &RedisStore{client: client, codec: codec, logger: logger}
}

// NewRedisStoreFromClient wraps an already-constructed *redis.Client,
// useful for tests pointed at miniredis.
func NewRedisStoreFromClient(client *redis.Client, codec Codec, logger *slog.Logger) *RedisStore {
	if codec == nil {
		codec = GobCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, codec: codec, logger: logger}
}

func (s *RedisStore) Codec() Codec { return s.codec }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, unavailable("get", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr", key, err)
	}
	return n, nil
}

func (s *RedisStore) Lock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return "", false, unavailable("lock", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisStore) Unlock(ctx context.Context, name, token string) error {
	res, err := s.client.Eval(ctx, unlockScript, []string{name}, token).Result()
	if err != nil {
		return unavailable("unlock", name, err)
	}
	n, _ := res.(int64)
	if n != 1 {
		s.logger.Warn("lock release was a no-op, already expired or reacquired", "name", name)
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := s.client.Publish(ctx, channel, msg).Err(); err != nil {
		return unavailable("publish", channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, unavailable("subscribe", channel, err)
	}

	out := make(chan []byte, 16)
	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case msg, more := <-ch:
				if !more {
					close(out)
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					close(out)
					return
				}
			case <-done:
				close(out)
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("motion: store %s %q: %w: %v", op, key, merr.ErrBackendUnavailable, err)
}
