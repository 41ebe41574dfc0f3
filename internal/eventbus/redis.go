// Package eventbus mirrors broadcast event frames onto a Redis pub/sub
// channel for consumers outside the hub, such as wallboards.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"callhub/internal/config"
)

const bufferSize = 1024

type publishFunc func(ctx context.Context, channel string, payload []byte) error

// Mirror publishes frames from a bounded buffer. Publish never blocks; frames
// are dropped when the buffer is full.
type Mirror struct {
	channel string
	publish publishFunc
	queue   chan []byte
	logger  *slog.Logger
	closeFn func() error
}

func NewRedisMirror(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	m := newMirror(cfg.Channel, func(ctx context.Context, channel string, payload []byte) error {
		return client.Publish(ctx, channel, payload).Err()
	}, logger)
	m.closeFn = client.Close
	return m, nil
}

func newMirror(channel string, publish publishFunc, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		channel: channel,
		publish: publish,
		queue:   make(chan []byte, bufferSize),
		logger:  logger.With("component", "eventbus"),
	}
}

func (m *Mirror) Publish(frame []byte) {
	select {
	case m.queue <- frame:
	default:
		m.logger.Warn("event mirror buffer full, dropping frame")
	}
}

// Run drains the buffer until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-m.queue:
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := m.publish(pubCtx, m.channel, frame); err != nil {
				m.logger.Warn("publish event failed", "channel", m.channel, "error", err)
			}
			cancel()
		}
	}
}

func (m *Mirror) Close() error {
	if m.closeFn == nil {
		return nil
	}
	return m.closeFn()
}
