// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package publish delivers merger events to downstream consumers over NATS
// JetStream through Watermill. The publish path sits behind a circuit
// breaker and a rate limiter so a slow or flapping broker back-pressures
// the pump instead of melting it.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/sc2-arcade-watcher/server-sub000/internal/logging"
	"github.com/sc2-arcade-watcher/server-sub000/internal/merger"
	"github.com/sc2-arcade-watcher/server-sub000/internal/metrics"
)

// ErrPublisherClosed is returned by PublishEvent after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// Config configures the NATS publisher.
type Config struct {
	// Enabled gates the whole delivery layer. When false the pump drains
	// events to its in-process consumer only.
	Enabled bool `koanf:"enabled"`

	URL   string `koanf:"url" validate:"required_if=Enabled true"`
	Topic string `koanf:"topic"`

	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait"`
	ReconnectBuffer int           `koanf:"reconnect_buffer"`

	// RatePerSecond caps sustained publish throughput; Burst allows short
	// spikes. Zero values disable limiting.
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`

	// BreakerFailures trips the breaker after this many consecutive
	// failed publishes. BreakerCooldown is the open interval before a
	// probe. Defaults: 5 failures, 30s cooldown.
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`
}

func (c Config) withDefaults() Config {
	cfg := c
	if cfg.Topic == "" {
		cfg.Topic = "lobbies.events"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return cfg
}

// Publisher bridges merger events onto a Watermill message publisher.
type Publisher struct {
	pub     message.Publisher
	topic   string
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
}

// New connects to NATS and returns a ready publisher.
func New(cfg Config) (*Publisher, error) {
	cfg = cfg.withDefaults()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	wmPub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, newWatermillLogger())
	if err != nil {
		return nil, fmt.Errorf("publish: create watermill publisher: %w", err)
	}

	return newWith(cfg, wmPub), nil
}

// newWith assembles a Publisher around an existing message publisher.
func newWith(cfg Config, pub message.Publisher) *Publisher {
	p := &Publisher{pub: pub, topic: cfg.Topic}

	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "nats-publish",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("publish breaker state change")
		},
	})

	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return p
}

// PublishEvent serializes one merger event and publishes it. The event ID
// doubles as the NATS message id, so JetStream deduplicates redeliveries
// after a resume.
func (p *Publisher) PublishEvent(ctx context.Context, ev *merger.Event) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPublisherClosed
	}
	p.mu.RUnlock()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish: rate wait: %w", err)
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publish: marshal event %s: %w", ev.ID, err)
	}

	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set("type", string(ev.Type))
	msg.Metadata.Set("source", ev.Source)
	msg.Metadata.Set(natsgo.MsgIdHdr, ev.ID)

	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.pub.Publish(p.topic, msg)
	})
	switch {
	case err == nil:
		metrics.EventsPublished.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.EventsPublished.WithLabelValues("breaker_open").Inc()
		return fmt.Errorf("publish: %w", err)
	default:
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("publish: %s: %w", p.topic, err)
	}
}

// Close shuts the underlying publisher down. Idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pub.Close()
}
