package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink pushes events onto a bounded Redis list that a dashboard or
// log shipper drains.
type RedisSink struct {
	client   *redis.Client
	queueKey string
	maxSize  int64 // 0 = unbounded
	timeout  time.Duration
}

// RedisSinkConfig holds Redis sink configuration.
type RedisSinkConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	QueueKey string        `yaml:"queue_key"`
	MaxSize  int64         `yaml:"max_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// trimScript pushes atomically and drops the oldest entries once the
// list exceeds max_size.
var trimScript = redis.NewScript(`
	local key = KEYS[1]
	local value = ARGV[1]
	local max_size = tonumber(ARGV[2])

	redis.call('RPUSH', key, value)

	local len = redis.call('LLEN', key)
	if len > max_size then
		redis.call('LTRIM', key, len - max_size, -1)
	end

	return len
`)

// NewRedisSink connects to Redis and returns the sink.
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.QueueKey == "" {
		cfg.QueueKey = "lodestar:events"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisSink{
		client:   client,
		queueKey: cfg.QueueKey,
		maxSize:  cfg.MaxSize,
		timeout:  cfg.Timeout,
	}, nil
}

// Write serializes the event with its kind tag and appends it to the
// queue.
func (s *RedisSink) Write(e Event) error {
	envelope := struct {
		Kind    Kind  `json:"kind"`
		Payload Event `json:"payload"`
	}{Kind: e.Kind(), Payload: e}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if s.maxSize > 0 {
		if err := trimScript.Run(ctx, s.client, []string{s.queueKey}, data, s.maxSize).Err(); err != nil {
			return fmt.Errorf("failed to enqueue event: %w", err)
		}
		return nil
	}

	if err := s.client.RPush(ctx, s.queueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
