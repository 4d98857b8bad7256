// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package tracker maintains the set of currently open lobbies as seen by a
// single feed source, reconciles the two asynchronous preview mechanisms
// into one slot list, and emits normalized lifecycle callbacks.
//
// The tracker is an explicit state struct driven by Apply, one decoded
// signal at a time; it performs no I/O and needs no live feed to test.
package tracker

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/sc2-arcade-watcher/server-sub000/internal/feed"
	"github.com/sc2-arcade-watcher/server-sub000/internal/journal"
	"github.com/sc2-arcade-watcher/server-sub000/internal/logging"
	"github.com/sc2-arcade-watcher/server-sub000/internal/metrics"
)

// Sink receives normalized per-source lobby lifecycle callbacks. The cursor
// passed to each callback is the feed position of the triggering signal.
type Sink interface {
	LobbyCreated(l *Lobby, at feed.Cursor)
	LobbySnapshotUpdated(l *Lobby, at feed.Cursor)
	LobbySlotsUpdated(l *Lobby, res *ResolvedPreview, at feed.Cursor)
	LobbyClosed(l *Lobby, res *CloseResult, at feed.Cursor)
	ListCountUpdated(count int, t float64, at feed.Cursor)
}

// pendingRequest is an unresolved preview request awaiting correlation.
type pendingRequest struct {
	LobbyID int64
	At      float64
}

// pendingExtended is an uncorrelated extended-preview response. It carries
// no lobby id; correlation is by timing or by slot-signature equality.
type pendingExtended struct {
	Payload *journal.ExtendedPreviewPayload
	At      float64
}

// Tracker is the per-source lobby state machine.
type Tracker struct {
	source string
	sink   Sink
	log    zerolog.Logger

	// Per-connection decoding state.
	protoVersion int
	clockOffset  float64

	session    int64
	sessionSet bool

	lobbies map[int64]*Lobby

	pendingReqs []*pendingRequest
	pendingExts []*pendingExtended

	lastSignalAt float64
}

// New creates a tracker for one feed source.
func New(source string, sink Sink) *Tracker {
	return &Tracker{
		source:       source,
		sink:         sink,
		log:          logging.With().Str("component", "tracker").Str("source", source).Logger(),
		protoVersion: 1,
		lobbies:      make(map[int64]*Lobby),
	}
}

// CorrectTime applies the connection's current clock correction to a raw
// source timestamp.
func (t *Tracker) CorrectTime(v float64) float64 { return v + t.clockOffset }

// OpenLobbies returns the currently open lobbies, unordered.
func (t *Tracker) OpenLobbies() []*Lobby {
	out := make([]*Lobby, 0, len(t.lobbies))
	for _, l := range t.lobbies {
		out = append(out, l)
	}
	return out
}

// MinCursor returns the oldest in-use cursor across all open lobbies. The
// second return is false when no lobby is open.
func (t *Tracker) MinCursor() (feed.Cursor, bool) {
	var min feed.Cursor
	found := false
	for _, l := range t.lobbies {
		if !found || l.Cursor.Less(min) {
			min = l.Cursor
			found = true
		}
	}
	return min, found
}

// Apply feeds one decoded signal into the state machine. at is the feed
// cursor of the record the signal was decoded from.
//
// All anomalies the tracker itself detects are recoverable and logged;
// fatal stream errors (corruption, unknown kinds, framing) never reach
// Apply because decoding happens upstream.
func (t *Tracker) Apply(sig *journal.Signal, at feed.Cursor) {
	// A cursor session change is the reconnect boundary: sweep lobbies
	// that were never re-observed during the session that just ended.
	if t.sessionSet && at.Session != t.session {
		t.sweepOrphans(at)
	}
	if !t.sessionSet || at.Session != t.session {
		t.session = at.Session
		t.sessionSet = true
	}

	now := sig.Time + t.clockOffset
	if now > t.lastSignalAt {
		t.lastSignalAt = now
	}

	switch p := sig.Payload.(type) {
	case *journal.InitPayload:
		// New upstream connection: protocol version may change and the
		// clock correction resets until the next TMCR.
		t.protoVersion = sig.Version
		t.clockOffset = 0
		t.log.Debug().Int("version", sig.Version).Int64("gateway", p.GatewayID).Msg("connection init")

	case *journal.TimeCorrectionPayload:
		t.clockOffset = p.Offset

	case *journal.DisconnectPayload:
		t.log.Debug().Int("reason", p.Reason).Msg("source disconnected")

	case *journal.ListCountPayload:
		t.sink.ListCountUpdated(p.Count, now, at)

	case *journal.CreatePayload:
		t.applyCreate(sig, p, now, at)

	case *journal.UpdatePayload:
		t.applyUpdate(p, now, at)

	case *journal.AlivePayload:
		if l, ok := t.lobbies[p.LobbyID]; ok {
			l.SeenLastAt = now
			l.lastSeenSession = at.Session
		}

	case *journal.BasicPreviewPayload:
		t.applyBasicPreview(p, now)

	case *journal.PreviewRequestPayload:
		t.pendingReqs = append(t.pendingReqs, &pendingRequest{LobbyID: p.LobbyID, At: now})
		if len(t.pendingReqs) > MaxPendingRequests {
			t.pendingReqs = t.pendingReqs[1:]
			metrics.PreviewMatches.WithLabelValues(t.source, "evicted").Inc()
		}

	case *journal.ExtendedPreviewPayload:
		t.pendingExts = append(t.pendingExts, &pendingExtended{Payload: p, At: now})
		if len(t.pendingExts) > MaxPendingExtended {
			t.pendingExts = t.pendingExts[1:]
			metrics.PreviewMatches.WithLabelValues(t.source, "evicted").Inc()
		}

	case *journal.RemovePayload:
		t.applyRemove(p, now, at)

	case nil:
		// QUIT has no payload.
		if sig.Kind == journal.KindQuit {
			t.log.Debug().Msg("source quit")
		}
	}

	t.resolvePending(at)
	metrics.OpenLobbies.WithLabelValues(t.source).Set(float64(len(t.lobbies)))
}

func (t *Tracker) applyCreate(sig *journal.Signal, p *journal.CreatePayload, now float64, at feed.Cursor) {
	if l, ok := t.lobbies[p.LobbyID]; ok {
		// The same source re-announcing an open lobby is a header
		// refresh, not a new lobby.
		t.log.Debug().Int64("lobby", p.LobbyID).Msg("create for already-open lobby, treating as update")
		t.refreshHeader(l, p.LobbyName, p.NameSetBy, p.SlotsHumansTotal, p.SlotsHumansTaken, now, at)
		t.sink.LobbySnapshotUpdated(l, at)
		return
	}
	l := &Lobby{
		ID:               p.LobbyID,
		HostID:           p.HostID,
		HostName:         p.HostName,
		Name:             p.LobbyName,
		NameSetBy:        p.NameSetBy,
		MapHandle:        p.MapHandle,
		ExtModHandle:     p.ExtModHandle,
		SlotsHumansTotal: p.SlotsHumansTotal,
		SlotsHumansTaken: p.SlotsHumansTaken,
		CreatedAt:        now,
		SeenLastAt:       now,
		HeaderUpdatedAt:  now,
		Cursor:           at,
		lastSeenSession:  at.Session,
	}
	t.lobbies[p.LobbyID] = l
	t.sink.LobbyCreated(l, at)
}

func (t *Tracker) applyUpdate(p *journal.UpdatePayload, now float64, at feed.Cursor) {
	l, ok := t.lobbies[p.LobbyID]
	if !ok {
		t.log.Debug().Int64("lobby", p.LobbyID).Msg("update for unknown lobby, skipping")
		return
	}
	t.refreshHeader(l, p.LobbyName, p.NameSetBy, p.SlotsHumansTotal, p.SlotsHumansTaken, now, at)
	t.sink.LobbySnapshotUpdated(l, at)
}

func (t *Tracker) refreshHeader(l *Lobby, name, nameSetBy string, humansTotal, humansTaken int, now float64, at feed.Cursor) {
	l.Name = name
	if nameSetBy != "" {
		l.NameSetBy = nameSetBy
	}
	l.SlotsHumansTotal = humansTotal
	l.SlotsHumansTaken = humansTaken
	l.HeaderUpdatedAt = now
	l.SeenLastAt = now
	l.lastSeenSession = at.Session
}

func (t *Tracker) applyBasicPreview(p *journal.BasicPreviewPayload, now float64) {
	l, ok := t.lobbies[p.LobbyID]
	if !ok {
		t.log.Debug().Int64("lobby", p.LobbyID).Msg("basic preview for unknown lobby, skipping")
		return
	}
	l.basic = &basicPreview{Slots: p.Slots, TeamCount: p.TeamCount, At: now}
	l.SeenLastAt = now
}

func (t *Tracker) applyRemove(p *journal.RemovePayload, now float64, at feed.Cursor) {
	l, ok := t.lobbies[p.LobbyID]
	if !ok {
		t.log.Debug().Int64("lobby", p.LobbyID).Msg("remove for unknown lobby, skipping")
		return
	}
	t.finalize(l, now, at, false)
}

// finalize resolves the lobby's final slot contents, derives its terminal
// status and removes it from the open set.
func (t *Tracker) finalize(l *Lobby, removedAt float64, at feed.Cursor, orphan bool) {
	slots, teamCount, previewAt := t.resolveFinalSlots(l)

	var status Status
	var closedAt float64
	if orphan {
		status, closedAt = StatusUnknown, l.SeenLastAt
	} else {
		status, closedAt = DeriveStatus(StatusInput{
			RemovedAt:        removedAt,
			SeenLastAt:       l.SeenLastAt,
			SlotsHumansTotal: l.SlotsHumansTotal,
			SlotsHumansTaken: l.SlotsHumansTaken,
			Slots:            slots,
			HostName:         l.HostName,
			HeaderAt:         l.HeaderUpdatedAt,
			PreviewAt:        previewAt,
		})
	}

	delete(t.lobbies, l.ID)
	t.dropRequestsFor(l.ID)

	t.sink.LobbyClosed(l, &CloseResult{
		Status:    status,
		ClosedAt:  closedAt,
		Slots:     slots,
		TeamCount: teamCount,
		Orphan:    orphan,
	}, at)
}

// resolveFinalSlots prefers the most recently confirmed extended preview; a
// still-pending basic preview that is newer is reconciled slot by slot.
func (t *Tracker) resolveFinalSlots(l *Lobby) (slots []journal.Slot, teamCount int, previewAt float64) {
	ext := l.confirmed
	b := l.basic

	switch {
	case ext == nil && b == nil:
		return nil, 0, 0
	case ext == nil:
		return b.Slots, b.TeamCount, b.At
	case b == nil || b.At <= ext.At:
		return ext.Slots, ext.TeamCount, ext.At
	}

	// The basic preview is newer than the confirmed extended one.
	if len(b.Slots) != len(ext.Slots) {
		// The 16th slot anomaly: below protocol v3 the basic preview
		// reports a bogus trailing slot.
		if t.protoVersion < SixteenSlotProtocolVersion &&
			len(b.Slots) == 16 && len(ext.Slots) == 15 {
			return reconcileSlots(ext.Slots, b.Slots[:15]), b.TeamCount, b.At
		}
		t.log.Debug().
			Int64("lobby", l.ID).
			Int("basic", len(b.Slots)).
			Int("extended", len(ext.Slots)).
			Msg("slot count drift between previews")
		metrics.SlotCountDrift.WithLabelValues(t.source).Inc()
		return ext.Slots, ext.TeamCount, ext.At
	}
	return reconcileSlots(ext.Slots, b.Slots), b.TeamCount, b.At
}

// reconcileSlots overlays the newer basic snapshot onto the extended one.
// Player identities survive only for slots whose occupant did not change.
func reconcileSlots(ext, basic []journal.Slot) []journal.Slot {
	merged := make([]journal.Slot, len(ext))
	for i := range ext {
		merged[i] = journal.Slot{
			Kind: basic[i].Kind,
			Team: basic[i].Team,
			Name: basic[i].Name,
		}
		if basic[i].Name == ext[i].Name {
			merged[i].Profile = ext[i].Profile
		}
	}
	return merged
}

// sweepOrphans force-removes lobbies that were not re-observed during the
// session that just ended.
func (t *Tracker) sweepOrphans(at feed.Cursor) {
	for _, l := range t.OpenLobbies() {
		if l.lastSeenSession < t.session {
			t.log.Info().
				Int64("lobby", l.ID).
				Int64("last_session", l.lastSeenSession).
				Msg("orphaned lobby removed on session rollover")
			metrics.OrphanedLobbies.WithLabelValues(t.source).Inc()
			t.finalize(l, l.SeenLastAt, at, true)
		}
	}
}

// resolvePending attempts to correlate pending preview requests with
// pending extended responses, force-resolving stale requests.
func (t *Tracker) resolvePending(at feed.Cursor) {
	kept := t.pendingReqs[:0]
	for _, req := range t.pendingReqs {
		l, ok := t.lobbies[req.LobbyID]
		if !ok {
			// The lobby closed before its preview resolved.
			continue
		}

		if res, extIdx, matched := t.tryMatch(l, req); matched {
			t.pendingExts = append(t.pendingExts[:extIdx], t.pendingExts[extIdx+1:]...)
			t.commitPreview(l, req, res, at)
			continue
		}

		if t.lastSignalAt-req.At > StaleRequestAge {
			t.resolveStale(l, req, at)
			continue
		}
		kept = append(kept, req)
	}
	t.pendingReqs = kept
}

// tryMatch attempts to resolve one request against the pending extended
// responses. Exact slot-signature equality with an already-arrived basic
// preview is unambiguous and bypasses the timing heuristics entirely.
func (t *Tracker) tryMatch(l *Lobby, req *pendingRequest) (*ResolvedPreview, int, bool) {
	if l.basic != nil {
		want := journal.SlotsSignature(l.basic.Slots)
		for i, ext := range t.pendingExts {
			if journal.SlotsSignature(ext.Payload.Slots) == want {
				metrics.PreviewMatches.WithLabelValues(t.source, "exact").Inc()
				// The basic preview is absorbed by the match.
				l.basic = nil
				return &ResolvedPreview{
					Slots:       ext.Payload.Slots,
					TeamCount:   ext.Payload.TeamCount,
					At:          ext.At,
					RequestedAt: req.At,
					Exact:       true,
				}, i, true
			}
		}
		// A basic preview is in hand and disagrees with every pending
		// response. Binding by timing here could attach a snapshot of a
		// different lobby; leave the request pending until a matching
		// response arrives or staleness resolves it from the basic data.
		return nil, 0, false
	}

	// Heuristic matching requires the host name to be unique across all
	// open lobbies' hosts and preview occupants; otherwise a response
	// could belong to a different lobby and we must not guess.
	if !t.hostNameUnique(l) {
		return nil, 0, false
	}

	matchIdx := -1
	for i, ext := range t.pendingExts {
		if math.Abs(ext.At-req.At) > MatchMaxDelta {
			continue
		}
		if l.confirmed != nil && len(ext.Payload.Slots) != len(l.confirmed.Slots) {
			t.log.Debug().
				Int64("lobby", l.ID).
				Int("candidate", len(ext.Payload.Slots)).
				Int("prior", len(l.confirmed.Slots)).
				Msg("extended preview possibly incomplete, skipping candidate")
			continue
		}
		if !slotsContainName(ext.Payload.Slots, l.HostName) {
			continue
		}
		if matchIdx >= 0 {
			// More than one plausible response is inherently ambiguous:
			// skip and retry on the next signal rather than guess.
			metrics.PreviewMatches.WithLabelValues(t.source, "ambiguous").Inc()
			t.log.Debug().Int64("lobby", l.ID).Msg("ambiguous preview match, deferring")
			return nil, 0, false
		}
		matchIdx = i
	}
	if matchIdx < 0 {
		return nil, 0, false
	}

	ext := t.pendingExts[matchIdx]
	metrics.PreviewMatches.WithLabelValues(t.source, "heuristic").Inc()
	return &ResolvedPreview{
		Slots:       ext.Payload.Slots,
		TeamCount:   ext.Payload.TeamCount,
		At:          ext.At,
		RequestedAt: req.At,
	}, matchIdx, true
}

// hostNameUnique reports whether the lobby's host name appears in no other
// open lobby, neither as host nor as a preview occupant.
func (t *Tracker) hostNameUnique(l *Lobby) bool {
	for _, o := range t.lobbies {
		if o.ID == l.ID {
			continue
		}
		if o.HostName == l.HostName {
			return false
		}
		if o.basic != nil && slotsContainName(o.basic.Slots, l.HostName) {
			return false
		}
		if o.confirmed != nil && slotsContainName(o.confirmed.Slots, l.HostName) {
			return false
		}
	}
	return true
}

// resolveStale force-resolves an expired request from whatever partial data
// exists.
func (t *Tracker) resolveStale(l *Lobby, req *pendingRequest, at feed.Cursor) {
	metrics.PreviewMatches.WithLabelValues(t.source, "stale").Inc()
	if l.basic == nil {
		t.log.Debug().Int64("lobby", l.ID).Msg("stale preview request evicted without data")
		return
	}
	t.log.Debug().Int64("lobby", l.ID).Msg("stale preview request force-resolved from basic preview")
	res := &ResolvedPreview{
		Slots:       l.basic.Slots,
		TeamCount:   l.basic.TeamCount,
		At:          l.basic.At,
		RequestedAt: req.At,
		Partial:     true,
	}
	t.commitPreview(l, req, res, at)
}

// commitPreview records a resolved preview pair on the lobby and notifies
// the sink.
func (t *Tracker) commitPreview(l *Lobby, req *pendingRequest, res *ResolvedPreview, at feed.Cursor) {
	if !res.Partial {
		l.confirmed = res
	}
	l.history = append(l.history, res)
	if res.At > l.SeenLastAt {
		l.SeenLastAt = res.At
	}
	t.sink.LobbySlotsUpdated(l, res, at)
}

// dropRequestsFor discards pending requests for a closed lobby.
func (t *Tracker) dropRequestsFor(lobbyID int64) {
	kept := t.pendingReqs[:0]
	for _, req := range t.pendingReqs {
		if req.LobbyID != lobbyID {
			kept = append(kept, req)
		}
	}
	t.pendingReqs = kept
}
