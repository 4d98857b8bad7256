// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package main is the entry point for the watcher daemon.
//
// watcherd tails the journal segments written by one or more in-game
// watcher clients, decodes the lobby signal stream, reconciles the lobby
// previews per source, merges the sources into a single timestamp-ordered
// event stream, and optionally publishes the events to NATS JetStream.
//
// Startup order:
//
//  1. Configuration: koanf layering of defaults, config file, WATCHER_*
//     environment variables
//  2. Checkpoint store: BadgerDB cursor persistence (optional)
//  3. Feed readers: one per configured source, resumed from the
//     checkpointed cursor unless the config pins an explicit one
//  4. Merger and pump: the event pipeline
//  5. Publisher: NATS JetStream delivery (optional)
//  6. Admin HTTP server: health, readiness, metrics, source status
//
// The daemon runs the pipeline under a suture supervision tree and shuts
// down gracefully on SIGINT and SIGTERM.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sc2-arcade-watcher/server-sub000/internal/api"
	"github.com/sc2-arcade-watcher/server-sub000/internal/checkpoint"
	"github.com/sc2-arcade-watcher/server-sub000/internal/config"
	"github.com/sc2-arcade-watcher/server-sub000/internal/feed"
	"github.com/sc2-arcade-watcher/server-sub000/internal/logging"
	"github.com/sc2-arcade-watcher/server-sub000/internal/merger"
	"github.com/sc2-arcade-watcher/server-sub000/internal/publish"
	"github.com/sc2-arcade-watcher/server-sub000/internal/pump"
	"github.com/sc2-arcade-watcher/server-sub000/internal/supervisor"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		// Config is not available yet, so this goes through the default
		// logger.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(cfg.Logging.ToLogging())
	logging.Info().Int("sources", len(cfg.Sources)).Msg("Starting arcade watcher")

	// Checkpoint store, opened first so resume cursors are known before
	// the readers open their segments.
	var store *checkpoint.Store
	if cfg.Checkpoint.Enabled {
		store, err = checkpoint.Open(checkpoint.Config{
			Path:       cfg.Checkpoint.Path,
			SyncWrites: cfg.Checkpoint.SyncWrites,
		})
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.Checkpoint.Path).Msg("Failed to open checkpoint store")
		}
		defer func() {
			if cerr := store.Close(); cerr != nil {
				logging.Error().Err(cerr).Msg("Checkpoint store close failed")
			}
		}()
	}

	m := merger.New()
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logging.Error().Err(cerr).Msg("Merger close failed")
		}
	}()

	for _, src := range cfg.Sources {
		cur, err := resumeCursor(src, store)
		if err != nil {
			logging.Fatal().Err(err).Str("source", src.Name).Msg("Failed to determine resume cursor")
		}

		reader, err := feed.Open(feed.Config{
			Source:       src.Name,
			Dir:          src.Dir,
			Follow:       cfg.Feed.Follow,
			PollInterval: cfg.Feed.PollInterval,
		}, cur)
		if err != nil {
			logging.Fatal().Err(err).Str("source", src.Name).Str("dir", src.Dir).Msg("Failed to open journal feed")
		}

		if err := m.AddSource(src.Name, reader); err != nil {
			logging.Fatal().Err(err).Str("source", src.Name).Msg("Failed to register source")
		}
		logging.Info().
			Str("source", src.Name).
			Str("dir", src.Dir).
			Str("cursor", cur.String()).
			Msg("Source registered")
	}

	var publisher *publish.Publisher
	if cfg.Publish.Enabled {
		publisher, err = publish.New(cfg.Publish)
		if err != nil {
			logging.Fatal().Err(err).Str("url", cfg.Publish.URL).Msg("Failed to connect publisher")
		}
		logging.Info().Str("url", cfg.Publish.URL).Str("topic", cfg.Publish.Topic).Msg("Event publishing enabled")
	}

	var saver pump.Checkpointer
	if store != nil {
		saver = func(ctx context.Context, source string) error {
			cur, err := m.ResumePointer(source)
			if err != nil {
				return err
			}
			return store.Save(ctx, source, cur)
		}
	}

	var eventPublisher pump.EventPublisher
	if publisher != nil {
		eventPublisher = publisher
	}
	eventPump := pump.New(m, pump.Config{ProceedTimeout: cfg.Pump.ProceedTimeout}, nil, eventPublisher, saver)

	adminServer := api.New(api.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Timeout: cfg.Server.Timeout,
	}, m)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(eventPump)
	if publisher != nil {
		tree.AddDeliveryService(publisherService{publisher})
	}
	tree.AddAPIService(adminServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	adminServer.SetReady(true)
	logging.Info().Msg("Starting supervisor tree")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	logging.Info().Msg("Watcher stopped")
}

// resumeCursor picks the cursor a source starts reading from. An explicit
// init position in the config wins over a checkpointed cursor.
func resumeCursor(src config.SourceConfig, store *checkpoint.Store) (feed.Cursor, error) {
	if src.InitSession > 0 || src.InitOffset > 0 {
		return feed.Cursor{Session: src.InitSession, Offset: src.InitOffset}, nil
	}
	if store == nil {
		return feed.Cursor{}, nil
	}
	cur, found, err := store.Load(context.Background(), src.Name)
	if err != nil {
		return feed.Cursor{}, err
	}
	if !found {
		return feed.Cursor{}, nil
	}
	return cur, nil
}

// publisherService ties the NATS connection's lifetime to the delivery
// layer of the supervision tree. The pump publishes through the shared
// Publisher; this service only holds it open and closes it on shutdown.
type publisherService struct {
	pub *publish.Publisher
}

func (s publisherService) Serve(ctx context.Context) error {
	<-ctx.Done()
	if err := s.pub.Close(); err != nil {
		logging.Warn().Err(err).Msg("Publisher close failed")
	}
	return ctx.Err()
}
