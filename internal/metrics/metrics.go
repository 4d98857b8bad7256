// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package metrics provides Prometheus instrumentation for the journal
// pipeline: feed readers, signal decoding, preview matching, and the
// multi-source merger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Feed reader metrics
	FeedLinesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_feed_lines_read_total",
			Help: "Total journal lines read, by source",
		},
		[]string{"source"},
	)

	FeedSegmentRollovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_feed_segment_rollovers_total",
			Help: "Total segment rollovers, by source",
		},
		[]string{"source"},
	)

	FeedBytesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_feed_bytes_read_total",
			Help: "Total bytes read from segment files, by source",
		},
		[]string{"source"},
	)

	// Decoder metrics
	SignalsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_signals_decoded_total",
			Help: "Total signals decoded, by source and kind",
		},
		[]string{"source", "kind"},
	)

	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_decode_failures_total",
			Help: "Total decode failures, by source and class (corruption, unknown_kind, malformed)",
		},
		[]string{"source", "class"},
	)

	// Tracker metrics
	OpenLobbies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "journal_open_lobbies",
			Help: "Lobbies currently tracked as open, by source",
		},
		[]string{"source"},
	)

	PreviewMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_preview_matches_total",
			Help: "Preview request resolution outcomes (exact, heuristic, ambiguous, stale, evicted)",
		},
		[]string{"source", "outcome"},
	)

	OrphanedLobbies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_orphaned_lobbies_total",
			Help: "Lobbies force-removed as orphans after session rollover, by source",
		},
		[]string{"source"},
	)

	SlotCountDrift = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_slot_count_drift_total",
			Help: "Basic/extended preview slot-count disagreements tolerated, by source",
		},
		[]string{"source"},
	)

	// Merger metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_events_emitted_total",
			Help: "Lifecycle events emitted by the merger, by type",
		},
		[]string{"type"},
	)

	CanonicalLobbies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "journal_canonical_lobbies",
			Help: "Canonical lobby descriptions currently live in the merger",
		},
	)

	LobbiesReappeared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_lobbies_reappeared_total",
			Help: "Creates observed for an already-finalized lobby identity",
		},
	)

	// Delivery metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_events_published_total",
			Help: "Events published downstream, by result (ok, error, breaker_open)",
		},
		[]string{"result"},
	)

	CheckpointFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_checkpoint_flushes_total",
			Help: "Resume cursor checkpoint flushes, by result (ok, error)",
		},
		[]string{"result"},
	)
)
