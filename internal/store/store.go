package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	redisLatency metric.Float64Histogram
)

// Store wraps the shared Redis-compatible store used for all durable state:
// connection records, room indexes, channel metadata and the pub/sub fabric.
type Store struct {
	client *redis.Client
}

// New creates a new store connection from a Redis URL.
func New(dsn string) (*Store, error) {
	var err error

	// Initialize metrics
	meter := otel.Meter("redis-client")
	redisLatency, err = meter.Float64Histogram("redis.command.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create redis.command.latency instrument: %w", err)
	}

	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection with tracing
	ctx, span := otel.Tracer("redis-client").Start(context.Background(), "redis.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to ping Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	span.SetStatus(codes.Ok, "Redis connected successfully")

	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. Used by tests that run against an
// in-process server.
func NewFromClient(client *redis.Client) (*Store, error) {
	var err error
	meter := otel.Meter("redis-client")
	redisLatency, err = meter.Float64Histogram("redis.command.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create redis.command.latency instrument: %w", err)
	}
	return &Store{client: client}, nil
}

// Client returns the underlying Redis client for pipelined and scripted
// operations. Direct access bypasses the store-level tracing and metrics.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client and its connection pool.
func (s *Store) Close() error {
	_, span := otel.Tracer("redis-client").Start(context.Background(), "redis.close")
	defer span.End()
	return s.client.Close()
}

// Ping checks store liveness. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis.ping")
	defer func() {
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", "ping")))
		span.End()
	}()
	if err := s.client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Redis ping failed")
		return err
	}
	return nil
}

// Publish instruments a Publish operation.
func (s *Store) Publish(ctx context.Context, channel string, message interface{}) error {
	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis.publish", trace.WithAttributes(attribute.String("redis.channel", channel)))
	defer func() {
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", "publish")))
		span.End()
	}()
	err := s.client.Publish(ctx, channel, message).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Redis publish failed")
	}
	return err
}

// PSubscribe opens a pattern subscription on a dedicated connection.
// The returned PubSub must be closed by the caller; the subscribe span ends
// when the subscription is established, not when it is torn down.
func (s *Store) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis.psubscribe", trace.WithAttributes(attribute.StringSlice("redis.patterns", patterns)))
	defer func() {
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", "psubscribe")))
		span.End()
	}()
	return s.client.PSubscribe(ctx, patterns...)
}
