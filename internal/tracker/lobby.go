// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

package tracker

import (
	"github.com/sc2-arcade-watcher/server-sub000/internal/feed"
	"github.com/sc2-arcade-watcher/server-sub000/internal/journal"
)

// Status is a lobby's lifecycle status. Open until exactly one remove
// finalizes it into a terminal status.
type Status string

const (
	StatusOpen      Status = "open"
	StatusStarted   Status = "started"
	StatusAbandoned Status = "abandoned"
	StatusUnknown   Status = "unknown"
)

// Lobby is one open lobby as seen by a single source. All timestamps are
// source timestamps with the per-connection clock correction applied.
type Lobby struct {
	ID       int64
	HostID   int64
	HostName string

	Name      string
	NameSetBy string

	MapHandle    journal.Handle
	ExtModHandle journal.Handle

	SlotsHumansTotal int
	SlotsHumansTaken int

	CreatedAt float64
	// SeenLastAt is the timestamp of the last signal that referenced this
	// lobby.
	SeenLastAt float64
	// HeaderUpdatedAt is the timestamp of the last header snapshot
	// (create or update).
	HeaderUpdatedAt float64

	// Cursor marks the oldest unacknowledged position among signals still
	// needed to fully describe this lobby: its create record. A consumer
	// resuming from the per-source minimum of these replays the open
	// lobby's state instead of losing it.
	Cursor feed.Cursor

	// lastSeenSession is the cursor session of the last re-observation
	// (create/update/alive); lobbies not re-observed across a full
	// session are swept as orphans on the following rollover.
	lastSeenSession int64

	// basic is the last known coarse slot snapshot, pending until
	// reconciled against an extended preview.
	basic *basicPreview

	// confirmed is the most recently confirmed extended preview.
	confirmed *ResolvedPreview

	// history holds resolved preview request/response pairs, oldest first.
	history []*ResolvedPreview
}

// basicPreview is the coarse slot snapshot delivered by LBPV signals.
type basicPreview struct {
	Slots     []journal.Slot
	TeamCount int
	At        float64
}

// ResolvedPreview is a matched preview request/response pair: the lobby's
// occupant list as confirmed at a point in time.
type ResolvedPreview struct {
	Slots     []journal.Slot
	TeamCount int
	// At is the timestamp of the response that resolved the request.
	At float64
	// RequestedAt is the timestamp of the originating preview request.
	RequestedAt float64
	// Exact reports whether the match was by exact slot-signature
	// equality rather than the timing heuristic.
	Exact bool
	// Partial reports a stale-request force-resolution from incomplete
	// data.
	Partial bool
}

// CloseResult describes a finalized lobby.
type CloseResult struct {
	Status   Status
	ClosedAt float64
	// Slots is the final resolved occupant list; nil when no slot data
	// was ever resolved.
	Slots     []journal.Slot
	TeamCount int
	// Orphan marks a forced removal during session rollover cleanup.
	Orphan bool
}

// StatusInput is the complete input of the terminal status derivation.
// The derivation is a pure function of it.
type StatusInput struct {
	RemovedAt  float64
	SeenLastAt float64

	SlotsHumansTotal int
	SlotsHumansTaken int

	// Slots is the final resolved occupant list, nil if never resolved.
	Slots    []journal.Slot
	HostName string

	// HeaderAt and PreviewAt time the competing freshness of the header's
	// taken-count versus the resolved preview.
	HeaderAt  float64
	PreviewAt float64
}

// DeriveStatus computes the terminal status and close time for a removed
// lobby. Pure; property-tested across all threshold boundaries.
func DeriveStatus(in StatusInput) (Status, float64) {
	// Silently dropped upstream: the removal arrived long after the lobby
	// was last heard of. Back-date the close to the last activity.
	if in.RemovedAt-in.SeenLastAt > SilentDropGap {
		return StatusUnknown, in.SeenLastAt
	}

	// A single-human lobby that is fully taken starts immediately.
	if in.SlotsHumansTotal == 1 && in.SlotsHumansTaken == 1 {
		return StatusStarted, in.RemovedAt
	}

	if in.Slots == nil {
		return StatusUnknown, in.RemovedAt
	}

	gap := in.HeaderAt - in.PreviewAt
	occupied := journal.HumanSlotCount(in.Slots)
	if gap > HeaderTrustGap {
		// The preview is stale relative to the header; trust the
		// header's taken-count.
		occupied = in.SlotsHumansTaken
	}

	if occupied <= 1 {
		return StatusAbandoned, in.RemovedAt
	}
	if occupied == 2 && gap > TwoSlotAbandonGap && !slotsContainName(in.Slots, in.HostName) {
		return StatusAbandoned, in.RemovedAt
	}
	return StatusStarted, in.RemovedAt
}

func slotsContainName(slots []journal.Slot, name string) bool {
	if name == "" {
		return false
	}
	for _, s := range slots {
		if s.Name == name {
			return true
		}
	}
	return false
}
