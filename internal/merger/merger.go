// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package merger fuses the per-source lobby streams into one canonical,
// timestamp-ordered event stream. Each lobby observed by several sources
// yields exactly one NewLobby and one CloseLobby event; header and slot
// updates are deduplicated by freshness.
package merger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sc2-arcade-watcher/server-sub000/internal/feed"
	"github.com/sc2-arcade-watcher/server-sub000/internal/journal"
	"github.com/sc2-arcade-watcher/server-sub000/internal/logging"
	"github.com/sc2-arcade-watcher/server-sub000/internal/metrics"
	"github.com/sc2-arcade-watcher/server-sub000/internal/tracker"
)

var (
	// ErrNoEvent reports that no source produced an event within the
	// Proceed timeout.
	ErrNoEvent = errors.New("no event within timeout")
	// ErrExhausted reports that every source reached end of feed and all
	// pending events were drained.
	ErrExhausted = errors.New("all sources exhausted")
)

// idleInterval paces re-polling when every source momentarily has nothing.
const idleInterval = 50 * time.Millisecond

// RecordReader is the slice of feed.Reader the merger depends on.
type RecordReader interface {
	Read(ctx context.Context, timeout time.Duration) (*feed.Record, error)
	Cursor() feed.Cursor
	Close() error
}

type pendingSignal struct {
	sig *journal.Signal
	at  feed.Cursor
}

type source struct {
	name    string
	reader  RecordReader
	tracker *tracker.Tracker
	pending *pendingSignal
	done    bool
}

type lobbyKey struct {
	LobbyID int64
	HostID  int64
}

// finalizedCap bounds how many closed identities are remembered for
// reappearance detection. A reappearance is only meaningful shortly after
// the close, so old entries are evicted FIFO instead of accumulating for
// the life of the daemon.
const finalizedCap = 4096

// recentKeys is a fixed-capacity FIFO set of lobby identities.
type recentKeys struct {
	set  map[lobbyKey]struct{}
	ring []lobbyKey
	next int
}

func newRecentKeys() *recentKeys {
	return &recentKeys{set: make(map[lobbyKey]struct{})}
}

func (r *recentKeys) Has(k lobbyKey) bool {
	_, ok := r.set[k]
	return ok
}

func (r *recentKeys) Add(k lobbyKey) {
	if _, ok := r.set[k]; ok {
		return
	}
	if len(r.ring) < finalizedCap {
		r.ring = append(r.ring, k)
	} else {
		delete(r.set, r.ring[r.next])
		r.ring[r.next] = k
		r.next = (r.next + 1) % finalizedCap
	}
	r.set[k] = struct{}{}
}

func (r *recentKeys) Remove(k lobbyKey) {
	delete(r.set, k)
}

// Merger pulls records from all sources, keeps per-source trackers, and
// maintains the canonical lobby map. Proceed is the only mutator; the mutex
// exists for the read-only accessors other goroutines use.
type Merger struct {
	mu      sync.Mutex
	order   []string
	sources map[string]*source

	canonical map[lobbyKey]*CanonicalLobby
	// finalized remembers recently closed identities to flag reappearances.
	finalized *recentKeys

	queue []*Event
	log   zerolog.Logger
}

// New creates an empty merger; attach feeds with AddSource before Proceed.
func New() *Merger {
	return &Merger{
		sources:   make(map[string]*source),
		canonical: make(map[lobbyKey]*CanonicalLobby),
		finalized: newRecentKeys(),
		log:       logging.With().Str("component", "merger").Logger(),
	}
}

// AddSource attaches one named feed. The merger takes ownership of the
// reader and closes it on Close.
func (m *Merger) AddSource(name string, r RecordReader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.sources[name]; dup {
		return fmt.Errorf("merger: duplicate source %q", name)
	}
	m.sources[name] = &source{
		name:    name,
		reader:  r,
		tracker: tracker.New(name, &sourceSink{m: m, source: name}),
	}
	m.order = append(m.order, name)
	return nil
}

// Proceed advances the pipeline until one event is produced and returns it.
// It reads from whichever source holds the earliest pending signal, so the
// output stream is timestamp-ordered across sources.
//
// Returns ErrNoEvent when the timeout elapses with nothing to report and
// ErrExhausted when every source hit end of feed. Decode failures and
// framing errors are fatal for the stream and returned as-is, wrapped with
// the source name.
func (m *Merger) Proceed(ctx context.Context, timeout time.Duration) (*Event, error) {
	deadline := time.Now().Add(timeout)

	for {
		if ev := m.dequeue(); ev != nil {
			return ev, nil
		}

		progressed, live, err := m.fill(ctx)
		if err != nil {
			return nil, err
		}

		if src := m.earliest(); src != nil {
			p := src.pending
			src.pending = nil
			m.mu.Lock()
			src.tracker.Apply(p.sig, p.at)
			m.mu.Unlock()
			continue
		}

		if live == 0 {
			return nil, ErrExhausted
		}
		if progressed {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoEvent
		}
		pause := idleInterval
		if remaining < pause {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

// fill performs one non-blocking read attempt per source that has no
// pending signal yet.
func (m *Merger) fill(ctx context.Context) (progressed bool, live int, err error) {
	for _, name := range m.order {
		src := m.sources[name]
		if src.done {
			continue
		}
		live++
		if src.pending != nil {
			continue
		}

		rec, rerr := src.reader.Read(ctx, 0)
		switch {
		case rerr == nil:
			sig, derr := journal.Decode(rec.Line)
			if derr != nil {
				metrics.DecodeFailures.WithLabelValues(name, decodeFailureClass(derr)).Inc()
				src.done = true
				return false, 0, fmt.Errorf("source %s: %s: %w", name, rec.At, derr)
			}
			metrics.SignalsDecoded.WithLabelValues(name, string(sig.Kind)).Inc()
			src.pending = &pendingSignal{sig: sig, at: rec.At}
			progressed = true

		case errors.Is(rerr, feed.ErrNoNewData):
			// Nothing yet; the source stays live.

		case errors.Is(rerr, feed.ErrEndOfFeed):
			src.done = true
			live--

		default:
			if ctx.Err() == nil {
				src.done = true
			}
			return false, 0, fmt.Errorf("source %s: %w", name, rerr)
		}
	}
	return progressed, live, nil
}

func decodeFailureClass(err error) string {
	var corr *journal.CorruptionError
	var unk *journal.UnknownSignalKindError
	switch {
	case errors.As(err, &corr):
		return "corruption"
	case errors.As(err, &unk):
		return "unknown_kind"
	default:
		return "malformed"
	}
}

// earliest returns the source whose pending signal carries the earliest
// corrected timestamp, or nil when none is pending.
func (m *Merger) earliest() *source {
	var best *source
	var bestAt float64
	for _, name := range m.order {
		src := m.sources[name]
		if src.pending == nil {
			continue
		}
		at := src.tracker.CorrectTime(src.pending.sig.Time)
		if best == nil || at < bestAt {
			best, bestAt = src, at
		}
	}
	return best
}

func (m *Merger) dequeue() *Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	ev := m.queue[0]
	m.queue = m.queue[1:]
	return ev
}

// emit is called from sink callbacks with m.mu already held.
func (m *Merger) emit(ev *Event) {
	ev.ID = eventID(ev)
	m.queue = append(m.queue, ev)
	metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
}

// eventID derives a stable UUID from the event's coordinates. Replaying a
// record after a checkpoint resume regenerates the same ID, so JetStream
// deduplicates the republish via Nats-Msg-Id. The lobby identity is part of
// the name because one record can close several lobbies at once (orphan
// sweep on a session rollover).
func eventID(ev *Event) string {
	var k lobbyKey
	switch {
	case ev.Lobby != nil:
		k = lobbyKey{ev.Lobby.LobbyID, ev.Lobby.HostID}
	case ev.Slots != nil:
		k = lobbyKey{ev.Slots.LobbyID, ev.Slots.HostID}
	case ev.Close != nil:
		k = lobbyKey{ev.Close.LobbyID, ev.Close.HostID}
	}
	name := fmt.Sprintf("%s|%d:%d|%s|%d:%d",
		ev.Source, ev.Cursor.Session, ev.Cursor.Offset, ev.Type, k.LobbyID, k.HostID)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// ResumePointer returns the position a consumer of this source should
// persist: the oldest cursor still needed to reconstruct that source's open
// lobbies, or the reader position when none is open.
func (m *Merger) ResumePointer(name string) (feed.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[name]
	if !ok {
		return feed.Cursor{}, fmt.Errorf("merger: unknown source %q", name)
	}
	if min, found := src.tracker.MinCursor(); found {
		return min, nil
	}
	return src.reader.Cursor(), nil
}

// SourceNames returns the attached source names in attach order.
func (m *Merger) SourceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// OpenLobbies returns copies of the live canonical lobby descriptions.
func (m *Merger) OpenLobbies() []*CanonicalLobby {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CanonicalLobby, 0, len(m.canonical))
	for _, c := range m.canonical {
		cp := *c
		cp.Slots = append([]journal.Slot(nil), c.Slots...)
		cp.trackedBy = nil
		cp.removals = nil
		out = append(out, &cp)
	}
	return out
}

// Close releases all readers. In-flight Proceed calls observe it promptly.
func (m *Merger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, name := range m.order {
		if err := m.sources[name].reader.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// sourceSink adapts one tracker's callbacks onto the canonical map. All
// methods run inside tracker.Apply, under m.mu.
type sourceSink struct {
	m      *Merger
	source string
}

func (s *sourceSink) LobbyCreated(l *tracker.Lobby, at feed.Cursor) {
	m := s.m
	k := lobbyKey{l.ID, l.HostID}
	c, ok := m.canonical[k]
	if !ok {
		if m.finalized.Has(k) {
			m.finalized.Remove(k)
			metrics.LobbiesReappeared.Inc()
			m.log.Warn().
				Int64("lobby", l.ID).
				Int64("host", l.HostID).
				Str("source", s.source).
				Msg("create for an already-finalized lobby identity, starting fresh")
		}
		c = &CanonicalLobby{
			LobbyID:          l.ID,
			HostID:           l.HostID,
			HostName:         l.HostName,
			Name:             l.Name,
			NameSetBy:        l.NameSetBy,
			MapHandle:        l.MapHandle,
			ExtModHandle:     l.ExtModHandle,
			SlotsHumansTotal: l.SlotsHumansTotal,
			SlotsHumansTaken: l.SlotsHumansTaken,
			CreatedAt:        l.CreatedAt,
			HeaderAt:         l.HeaderUpdatedAt,
			trackedBy:        map[string]bool{s.source: true},
			removals:         make(map[string]*tracker.CloseResult),
		}
		m.canonical[k] = c
		metrics.CanonicalLobbies.Set(float64(len(m.canonical)))
		m.emit(&Event{
			Type: EventNewLobby, Source: s.source, Cursor: at,
			At: l.CreatedAt, Lobby: c.snapshot(),
		})
		return
	}

	c.trackedBy[s.source] = true
	delete(c.removals, s.source)
	if l.CreatedAt < c.CreatedAt {
		c.CreatedAt = l.CreatedAt
	}
	s.applyHeader(c, l, at)
}

func (s *sourceSink) LobbySnapshotUpdated(l *tracker.Lobby, at feed.Cursor) {
	c, ok := s.m.canonical[lobbyKey{l.ID, l.HostID}]
	if !ok {
		return
	}
	s.applyHeader(c, l, at)
}

// applyHeader folds a header observation in; only a strictly fresher one
// mutates the canonical description and yields an event.
func (s *sourceSink) applyHeader(c *CanonicalLobby, l *tracker.Lobby, at feed.Cursor) {
	if l.HeaderUpdatedAt <= c.HeaderAt {
		return
	}
	c.Name = l.Name
	if l.NameSetBy != "" {
		c.NameSetBy = l.NameSetBy
	}
	c.SlotsHumansTotal = l.SlotsHumansTotal
	c.SlotsHumansTaken = l.SlotsHumansTaken
	c.HeaderAt = l.HeaderUpdatedAt
	s.m.emit(&Event{
		Type: EventUpdateLobbySnapshot, Source: s.source, Cursor: at,
		At: l.HeaderUpdatedAt, Lobby: c.snapshot(),
	})
}

func (s *sourceSink) LobbySlotsUpdated(l *tracker.Lobby, res *tracker.ResolvedPreview, at feed.Cursor) {
	c, ok := s.m.canonical[lobbyKey{l.ID, l.HostID}]
	if !ok {
		return
	}
	if res.At <= c.SlotsAt {
		return
	}
	c.Slots = res.Slots
	c.TeamCount = res.TeamCount
	c.SlotsAt = res.At
	s.m.emit(&Event{
		Type: EventUpdateLobbySlots, Source: s.source, Cursor: at, At: res.At,
		Slots: &SlotsUpdate{
			LobbyID: l.ID, HostID: l.HostID,
			Slots: res.Slots, TeamCount: res.TeamCount,
			Exact: res.Exact, Partial: res.Partial,
		},
	})
}

func (s *sourceSink) LobbyClosed(l *tracker.Lobby, res *tracker.CloseResult, at feed.Cursor) {
	m := s.m
	k := lobbyKey{l.ID, l.HostID}
	c, ok := m.canonical[k]
	if !ok {
		return
	}
	delete(c.trackedBy, s.source)
	c.removals[s.source] = res
	if len(c.trackedBy) > 0 {
		// Other sources still list it; defer the verdict.
		return
	}

	verdict := bestCloseResult(c.removals)
	delete(m.canonical, k)
	m.finalized.Add(k)
	metrics.CanonicalLobbies.Set(float64(len(m.canonical)))

	lc := &LobbyClose{
		LobbyID: l.ID, HostID: l.HostID,
		Status: verdict.Status, ClosedAt: verdict.ClosedAt,
		Slots: verdict.Slots, TeamCount: verdict.TeamCount,
		Orphan: verdict.Orphan,
	}
	if lc.Slots == nil && c.Slots != nil {
		lc.Slots = c.Slots
		lc.TeamCount = c.TeamCount
	}
	m.emit(&Event{
		Type: EventCloseLobby, Source: s.source, Cursor: at,
		At: verdict.ClosedAt, Close: lc,
	})
}

// bestCloseResult picks the verdict among per-source close results: a
// definite status beats Unknown, newer beats older.
func bestCloseResult(removals map[string]*tracker.CloseResult) *tracker.CloseResult {
	var best *tracker.CloseResult
	for _, r := range removals {
		if best == nil {
			best = r
			continue
		}
		bestDefinite := best.Status != tracker.StatusUnknown
		rDefinite := r.Status != tracker.StatusUnknown
		if rDefinite != bestDefinite {
			if rDefinite {
				best = r
			}
			continue
		}
		if r.ClosedAt > best.ClosedAt {
			best = r
		}
	}
	return best
}

func (s *sourceSink) ListCountUpdated(count int, t float64, at feed.Cursor) {
	n := count
	s.m.emit(&Event{
		Type: EventUpdateLobbyList, Source: s.source, Cursor: at, At: t,
		ListCount: &n,
	})
}
