// Package redis publishes live pipeline output for downstream consumers:
// finalized M1 candles on pubsub channels, latest-quote keys, and the
// current health snapshot. The pipeline runs fine without Redis; the
// publisher is optional and all failures are non-fatal.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"fxpipeline/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	quoteTTL  = 30 * time.Minute
	healthKey = "health:pipeline"
)

// Config configures the publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes candles, quotes and health snapshots to Redis.
type Publisher struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client}, nil
}

// Run reads finalized M1 candles from candleCh and publishes them.
// Blocks until ctx is cancelled or candleCh is closed.
func (p *Publisher) Run(ctx context.Context, candleCh <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			p.publishCandle(ctx, c)
		}
	}
}

func (p *Publisher) publishCandle(ctx context.Context, c model.Candle) {
	payload := string(c.JSON())
	channel := "candle:" + string(c.Timeframe) + ":" + c.Symbol

	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("[redis] publish %s: %v", channel, err)
		return
	}
	// Latest-quote key for frontends that poll instead of subscribe.
	if err := p.client.Set(ctx, "quote:"+c.Symbol, payload, quoteTTL).Err(); err != nil {
		log.Printf("[redis] set quote:%s: %v", c.Symbol, err)
	}
}

// PublishHealth stores the latest health snapshot JSON.
func (p *Publisher) PublishHealth(ctx context.Context, snapshot []byte) error {
	return p.client.Set(ctx, healthKey, string(snapshot), 0).Err()
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
