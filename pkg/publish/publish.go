// Package publish forwards stored attendance events to a Redis stream.
package publish

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/httprunner/AttendAgent/pkg/attendance"
	"github.com/httprunner/AttendAgent/pkg/storage"
)

const (
	DefaultStream = "attendance:events"
	defaultMaxLen = 100000
)

// Config enables publishing when RedisAddr is set.
type Config struct {
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password,omitempty" json:"-"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	Stream        string `mapstructure:"stream" yaml:"stream,omitempty" json:"stream,omitempty"`
	MaxLen        int64  `mapstructure:"max_len" yaml:"max_len,omitempty" json:"max_len,omitempty"`
}

// Enabled reports whether a Redis address is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

// StreamClient is the subset of the Redis client used here.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Store wraps a storage.Store and publishes each batch it saves.
// Publish failures are logged and never fail the save.
type Store struct {
	storage.Store
	client StreamClient
	stream string
	maxLen int64
	logger zerolog.Logger
}

// Wrap returns inner unchanged when publishing is disabled.
func Wrap(inner storage.Store, cfg Config, logger zerolog.Logger) storage.Store {
	if !cfg.Enabled() {
		return inner
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return New(inner, client, cfg, logger)
}

// New builds a publishing Store over an existing client.
func New(inner storage.Store, client StreamClient, cfg Config, logger zerolog.Logger) *Store {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Store{
		Store:  inner,
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With().Str("component", "publish").Str("stream", stream).Logger(),
	}
}

// SaveRecords saves through the wrapped store, then publishes the batch.
func (s *Store) SaveRecords(ctx context.Context, events []attendance.Event, deviceID string) (int, error) {
	n, err := s.Store.SaveRecords(ctx, events, deviceID)
	if err != nil || n == 0 {
		return n, err
	}
	published := 0
	for _, e := range events {
		if err := s.publish(ctx, e); err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("publish event failed")
			break
		}
		published++
	}
	s.logger.Debug().Str("device_id", deviceID).Int("published", published).Msg("events published")
	return n, nil
}

// Close closes the Redis client and the wrapped store.
func (s *Store) Close() error {
	cerr := s.client.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return cerr
}

func (s *Store) publish(ctx context.Context, e attendance.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	_, err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"device_id": e.DeviceID,
			"user_id":   e.UserID,
			"timestamp": e.Timestamp.Unix(),
			"data":      string(payload),
		},
	}).Result()
	return errors.Wrap(err, "xadd")
}
