// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package pump drives the merger as a supervised service: it pulls events,
// hands them to the in-process consumer and the optional NATS publisher,
// and flushes resume cursors after each applied event.
package pump

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/sc2-arcade-watcher/server-sub000/internal/logging"
	"github.com/sc2-arcade-watcher/server-sub000/internal/merger"
)

// Consumer receives every event in emission order.
type Consumer func(*merger.Event)

// EventPublisher is the slice of publish.Publisher the pump depends on.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *merger.Event) error
}

// Config tunes the pump loop.
type Config struct {
	// ProceedTimeout bounds one merger pull while feeds are idle.
	ProceedTimeout time.Duration
}

// Pump is a suture.Service wrapping the merger pull loop.
type Pump struct {
	merger    *merger.Merger
	cfg       Config
	consumer  Consumer
	publisher EventPublisher
	saver     Checkpointer
	log       zerolog.Logger
}

// Checkpointer persists one source's resume pointer.
type Checkpointer func(ctx context.Context, source string) error

// New creates the pump. consumer may be nil; publisher and saver are
// optional layers.
func New(m *merger.Merger, cfg Config, consumer Consumer, publisher EventPublisher, saver Checkpointer) *Pump {
	if cfg.ProceedTimeout <= 0 {
		cfg.ProceedTimeout = 5 * time.Second
	}
	return &Pump{
		merger:    m,
		cfg:       cfg,
		consumer:  consumer,
		publisher: publisher,
		saver:     saver,
		log:       logging.With().Str("component", "pump").Logger(),
	}
}

// Serve runs the pull loop until the context is canceled or every source
// is exhausted or dead.
func (p *Pump) Serve(ctx context.Context) error {
	for {
		ev, err := p.merger.Proceed(ctx, p.cfg.ProceedTimeout)
		switch {
		case err == nil:
			p.handle(ctx, ev)

		case errors.Is(err, merger.ErrNoEvent):
			// Feeds are idle; keep polling.

		case errors.Is(err, merger.ErrExhausted):
			p.log.Info().Msg("all feeds exhausted, pump finished")
			return suture.ErrDoNotRestart

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()

		default:
			// A fatal stream error (corruption, unknown kind, truncation)
			// kills only the source it came from; the merger has already
			// marked it dead. Keep serving the remaining sources.
			p.log.Error().Err(err).Msg("source dropped on fatal stream error")
		}
	}
}

func (p *Pump) handle(ctx context.Context, ev *merger.Event) {
	if p.consumer != nil {
		p.consumer(ev)
	}

	if p.publisher != nil {
		// Broker failures are logged and absorbed: the breaker throttles
		// retries and JetStream message ids deduplicate replays after a
		// checkpoint-based resume.
		if err := p.publisher.PublishEvent(ctx, ev); err != nil {
			p.log.Warn().Err(err).Str("event", ev.ID).Msg("downstream publish failed")
		}
	}

	if p.saver != nil {
		if err := p.saver(ctx, ev.Source); err != nil {
			p.log.Warn().Err(err).Str("source", ev.Source).Msg("checkpoint flush failed")
		}
	}
}
