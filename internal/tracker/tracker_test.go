// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

package tracker

import (
	"testing"

	"github.com/sc2-arcade-watcher/server-sub000/internal/feed"
	"github.com/sc2-arcade-watcher/server-sub000/internal/journal"
)

// recordingSink captures tracker callbacks for assertions.
type recordingSink struct {
	created []int64
	updated []int64
	slots   []*ResolvedPreview
	slotsOf []int64
	closed  map[int64][]*CloseResult
	counts  []int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{closed: make(map[int64][]*CloseResult)}
}

func (s *recordingSink) LobbyCreated(l *Lobby, _ feed.Cursor) { s.created = append(s.created, l.ID) }
func (s *recordingSink) LobbySnapshotUpdated(l *Lobby, _ feed.Cursor) {
	s.updated = append(s.updated, l.ID)
}
func (s *recordingSink) LobbySlotsUpdated(l *Lobby, res *ResolvedPreview, _ feed.Cursor) {
	s.slots = append(s.slots, res)
	s.slotsOf = append(s.slotsOf, l.ID)
}
func (s *recordingSink) LobbyClosed(l *Lobby, res *CloseResult, _ feed.Cursor) {
	s.closed[l.ID] = append(s.closed[l.ID], res)
}
func (s *recordingSink) ListCountUpdated(count int, _ float64, _ feed.Cursor) {
	s.counts = append(s.counts, count)
}

func cur(session, offset int64) feed.Cursor { return feed.Cursor{Session: session, Offset: offset} }

func sig(kind journal.Kind, version int, at float64, payload any) *journal.Signal {
	return &journal.Signal{Kind: kind, Version: version, Time: at, Payload: payload}
}

func createSig(at float64, lobbyID, hostID int64, host string, humansTotal, humansTaken int) *journal.Signal {
	return sig(journal.KindCreate, 2, at, &journal.CreatePayload{
		LobbyID:          lobbyID,
		HostID:           hostID,
		HostName:         host,
		LobbyName:        "test lobby",
		SlotsHumansTotal: humansTotal,
		SlotsHumansTaken: humansTaken,
	})
}

func humanSlot(team int, name string) journal.Slot {
	return journal.Slot{Kind: journal.SlotKindHuman, Team: team, Name: name}
}

func humanSlotP(team int, name string, profileID int64) journal.Slot {
	return journal.Slot{
		Kind: journal.SlotKindHuman, Team: team, Name: name,
		Profile: &journal.Profile{RegionID: 1, RealmID: 1, ProfileID: profileID, Name: name},
	}
}

func TestDeriveStatus(t *testing.T) {
	twoSlots := []journal.Slot{humanSlot(1, "hostA"), humanSlot(2, "guestB")}

	tests := []struct {
		name       string
		in         StatusInput
		wantStatus Status
		wantAt     float64
	}{
		{
			name: "silent drop backdates to last activity",
			in: StatusInput{
				RemovedAt: 200, SeenLastAt: 100,
				SlotsHumansTotal: 4, SlotsHumansTaken: 3, Slots: twoSlots,
			},
			wantStatus: StatusUnknown, wantAt: 100,
		},
		{
			name: "gap exactly at silent drop threshold is not dropped",
			in: StatusInput{
				RemovedAt: 170, SeenLastAt: 100,
				SlotsHumansTotal: 4, SlotsHumansTaken: 3, Slots: twoSlots,
			},
			wantStatus: StatusStarted, wantAt: 170,
		},
		{
			name: "one of one starts immediately",
			in: StatusInput{
				RemovedAt: 50, SeenLastAt: 50,
				SlotsHumansTotal: 1, SlotsHumansTaken: 1,
			},
			wantStatus: StatusStarted, wantAt: 50,
		},
		{
			name: "no slot data is unknown",
			in: StatusInput{
				RemovedAt: 50, SeenLastAt: 50,
				SlotsHumansTotal: 4, SlotsHumansTaken: 3,
			},
			wantStatus: StatusUnknown, wantAt: 50,
		},
		{
			name: "stale preview trusts header count",
			in: StatusInput{
				RemovedAt: 100, SeenLastAt: 100,
				SlotsHumansTotal: 4, SlotsHumansTaken: 1,
				Slots:    twoSlots,
				HeaderAt: 100, PreviewAt: 80,
			},
			wantStatus: StatusAbandoned, wantAt: 100,
		},
		{
			name: "fresh preview count overrides header",
			in: StatusInput{
				RemovedAt: 100, SeenLastAt: 100,
				SlotsHumansTotal: 4, SlotsHumansTaken: 1,
				Slots:    twoSlots,
				HeaderAt: 100, PreviewAt: 90,
			},
			wantStatus: StatusStarted, wantAt: 100,
		},
		{
			name: "host and one guest with stale preview is abandoned",
			in: StatusInput{
				RemovedAt: 100, SeenLastAt: 100,
				SlotsHumansTotal: 4, SlotsHumansTaken: 2,
				Slots:    []journal.Slot{humanSlot(1, "ghostX"), humanSlot(2, "guestB")},
				HostName: "hostA",
				HeaderAt: 100, PreviewAt: 84,
			},
			wantStatus: StatusAbandoned, wantAt: 100,
		},
		{
			name: "two occupants including host starts",
			in: StatusInput{
				RemovedAt: 100, SeenLastAt: 100,
				SlotsHumansTotal: 4, SlotsHumansTaken: 2,
				Slots:    twoSlots,
				HostName: "hostA",
				HeaderAt: 100, PreviewAt: 84,
			},
			wantStatus: StatusStarted, wantAt: 100,
		},
		{
			name: "two occupants without host but fresh gap starts",
			in: StatusInput{
				RemovedAt: 100, SeenLastAt: 100,
				SlotsHumansTotal: 4, SlotsHumansTaken: 2,
				Slots:    []journal.Slot{humanSlot(1, "ghostX"), humanSlot(2, "guestB")},
				HostName: "hostA",
				HeaderAt: 100, PreviewAt: 90,
			},
			wantStatus: StatusStarted, wantAt: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, at := DeriveStatus(tt.in)
			if status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
			if at != tt.wantAt {
				t.Errorf("closedAt = %v, want %v", at, tt.wantAt)
			}
		})
	}
}

func TestTrackerLifecycle(t *testing.T) {
	sink := newRecordingSink()
	tr := New("eu1", sink)

	tr.Apply(sig(journal.KindInit, 3, 0, &journal.InitPayload{GatewayID: 1}), cur(1, 0))
	tr.Apply(createSig(10, 100, 7, "hostA", 4, 1), cur(1, 40))
	tr.Apply(sig(journal.KindUpdate, 2, 12, &journal.UpdatePayload{
		LobbyID: 100, LobbyName: "renamed", SlotsHumansTotal: 4, SlotsHumansTaken: 2,
	}), cur(1, 80))
	tr.Apply(sig(journal.KindListCount, 1, 13, &journal.ListCountPayload{Count: 5}), cur(1, 95))
	tr.Apply(sig(journal.KindRemove, 1, 14, &journal.RemovePayload{LobbyID: 100}), cur(1, 120))

	if len(sink.created) != 1 || sink.created[0] != 100 {
		t.Fatalf("created = %v, want [100]", sink.created)
	}
	if len(sink.updated) != 1 {
		t.Fatalf("updated = %v, want one update", sink.updated)
	}
	if len(sink.counts) != 1 || sink.counts[0] != 5 {
		t.Fatalf("counts = %v, want [5]", sink.counts)
	}
	if got := len(sink.closed[100]); got != 1 {
		t.Fatalf("closed events for lobby 100 = %d, want 1", got)
	}
	if got := len(tr.OpenLobbies()); got != 0 {
		t.Fatalf("open lobbies after remove = %d, want 0", got)
	}
	// Closed without any resolved slot data.
	if res := sink.closed[100][0]; res.Status != StatusUnknown || res.Slots != nil {
		t.Fatalf("close result = %+v, want unknown status and nil slots", res)
	}
}

func TestTrackerClockCorrection(t *testing.T) {
	sink := newRecordingSink()
	tr := New("eu1", sink)

	tr.Apply(sig(journal.KindInit, 3, 0, &journal.InitPayload{}), cur(1, 0))
	tr.Apply(sig(journal.KindTimeCorrection, 1, 1, &journal.TimeCorrectionPayload{Offset: 100}), cur(1, 20))
	tr.Apply(createSig(10, 100, 7, "hostA", 4, 1), cur(1, 40))

	lobbies := tr.OpenLobbies()
	if len(lobbies) != 1 {
		t.Fatalf("open lobbies = %d, want 1", len(lobbies))
	}
	if got := lobbies[0].CreatedAt; got != 110 {
		t.Errorf("CreatedAt = %v, want 110 (offset applied)", got)
	}

	// A new connection resets the offset until the next correction.
	tr.Apply(sig(journal.KindInit, 3, 50, &journal.InitPayload{}), cur(1, 60))
	tr.Apply(sig(journal.KindAlive, 1, 51, &journal.AlivePayload{LobbyID: 100}), cur(1, 80))
	if got := lobbies[0].SeenLastAt; got != 51 {
		t.Errorf("SeenLastAt = %v, want 51 (offset reset)", got)
	}
}

func TestExactSignatureMatchBypassesTiming(t *testing.T) {
	sink := newRecordingSink()
	tr := New("eu1", sink)

	slots := []journal.Slot{humanSlot(1, "hostA"), humanSlot(2, "guestB")}

	tr.Apply(sig(journal.KindInit, 3, 0, &journal.InitPayload{}), cur(1, 0))
	tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 40))
	tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 60))
	tr.Apply(sig(journal.KindPreviewBasic, 1, 12, &journal.BasicPreviewPayload{
		LobbyID: 100, TeamCount: 2, Slots: slots,
	}), cur(1, 80))

	// The response arrives far outside the timing window; the exact slot
	// signature must still resolve it.
	extSlots := []journal.Slot{humanSlotP(1, "hostA", 11), humanSlotP(2, "guestB", 22)}
	tr.Apply(sig(journal.KindPreviewExtended, 1, 20, &journal.ExtendedPreviewPayload{
		Slots: extSlots, TeamCount: 2,
	}), cur(1, 120))

	if len(sink.slots) != 1 {
		t.Fatalf("slot updates = %d, want 1", len(sink.slots))
	}
	res := sink.slots[0]
	if !res.Exact {
		t.Error("match not flagged exact")
	}
	if res.Slots[0].Profile == nil || res.Slots[0].Profile.ProfileID != 11 {
		t.Errorf("resolved slots lost extended profile data: %+v", res.Slots[0])
	}
}

func TestHeuristicMatchWithinWindow(t *testing.T) {
	sink := newRecordingSink()
	tr := New("eu1", sink)

	tr.Apply(sig(journal.KindInit, 3, 0, &journal.InitPayload{}), cur(1, 0))
	tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 40))
	tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 60))
	tr.Apply(sig(journal.KindPreviewExtended, 1, 12.5, &journal.ExtendedPreviewPayload{
		Slots: []journal.Slot{humanSlotP(1, "hostA", 11), humanSlotP(2, "guestB", 22)}, TeamCount: 2,
	}), cur(1, 100))

	if len(sink.slots) != 1 {
		t.Fatalf("slot updates = %d, want 1", len(sink.slots))
	}
	if sink.slots[0].Exact {
		t.Error("timing match wrongly flagged exact")
	}
}

func TestHeuristicMatchRejections(t *testing.T) {
	t.Run("outside timing window", func(t *testing.T) {
		sink := newRecordingSink()
		tr := New("eu1", sink)
		tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 0))
		tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 20))
		tr.Apply(sig(journal.KindPreviewExtended, 1, 13.5, &journal.ExtendedPreviewPayload{
			Slots: []journal.Slot{humanSlot(1, "hostA")}, TeamCount: 1,
		}), cur(1, 40))
		if len(sink.slots) != 0 {
			t.Fatalf("slot updates = %d, want 0", len(sink.slots))
		}
	})

	t.Run("host absent from response", func(t *testing.T) {
		sink := newRecordingSink()
		tr := New("eu1", sink)
		tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 0))
		tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 20))
		tr.Apply(sig(journal.KindPreviewExtended, 1, 11.5, &journal.ExtendedPreviewPayload{
			Slots: []journal.Slot{humanSlot(1, "someoneElse")}, TeamCount: 1,
		}), cur(1, 40))
		if len(sink.slots) != 0 {
			t.Fatalf("slot updates = %d, want 0", len(sink.slots))
		}
	})

	t.Run("duplicate host name across lobbies", func(t *testing.T) {
		sink := newRecordingSink()
		tr := New("eu1", sink)
		tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 0))
		tr.Apply(createSig(10.1, 101, 8, "hostA", 4, 2), cur(1, 20))
		tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 40))
		tr.Apply(sig(journal.KindPreviewExtended, 1, 11.5, &journal.ExtendedPreviewPayload{
			Slots: []journal.Slot{humanSlot(1, "hostA")}, TeamCount: 1,
		}), cur(1, 60))
		if len(sink.slots) != 0 {
			t.Fatalf("slot updates = %d, want 0", len(sink.slots))
		}
	})

	t.Run("disagreeing basic preview blocks timing match", func(t *testing.T) {
		sink := newRecordingSink()
		tr := New("eu1", sink)
		tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 0))
		tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 20))
		tr.Apply(sig(journal.KindPreviewBasic, 1, 11.2, &journal.BasicPreviewPayload{
			LobbyID: 100, TeamCount: 2,
			Slots: []journal.Slot{humanSlot(1, "hostA"), humanSlot(2, "guestB")},
		}), cur(1, 40))
		// In the window, host present, but the occupants contradict the
		// basic snapshot: could be another lobby's response.
		tr.Apply(sig(journal.KindPreviewExtended, 1, 11.5, &journal.ExtendedPreviewPayload{
			Slots: []journal.Slot{humanSlotP(1, "hostA", 11), humanSlotP(2, "guestZ", 99)}, TeamCount: 2,
		}), cur(1, 60))
		if len(sink.slots) != 0 {
			t.Fatalf("slot updates = %d, want 0", len(sink.slots))
		}

		// The request stays pending and resolves from the basic snapshot
		// once stale.
		tr.Apply(sig(journal.KindListCount, 1, 40, &journal.ListCountPayload{Count: 3}), cur(1, 80))
		if len(sink.slots) != 1 {
			t.Fatalf("slot updates after staleness = %d, want 1", len(sink.slots))
		}
		if !sink.slots[0].Partial {
			t.Error("forced resolution not flagged partial")
		}
	})

	t.Run("two candidates is ambiguous", func(t *testing.T) {
		sink := newRecordingSink()
		tr := New("eu1", sink)
		tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 0))
		tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 20))
		tr.Apply(sig(journal.KindPreviewExtended, 1, 11.2, &journal.ExtendedPreviewPayload{
			Slots: []journal.Slot{humanSlot(1, "hostA"), humanSlot(2, "guestB")}, TeamCount: 2,
		}), cur(1, 40))
		tr.Apply(sig(journal.KindPreviewExtended, 1, 11.4, &journal.ExtendedPreviewPayload{
			Slots: []journal.Slot{humanSlot(1, "hostA"), humanSlot(2, "guestC")}, TeamCount: 2,
		}), cur(1, 60))
		if len(sink.slots) != 0 {
			t.Fatalf("slot updates = %d, want 0 (ambiguous)", len(sink.slots))
		}
	})
}

func TestStaleRequestForceResolved(t *testing.T) {
	sink := newRecordingSink()
	tr := New("eu1", sink)

	slots := []journal.Slot{humanSlot(1, "hostA"), humanSlot(2, "guestB")}

	tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 0))
	tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 20))
	tr.Apply(sig(journal.KindPreviewBasic, 1, 12, &journal.BasicPreviewPayload{
		LobbyID: 100, TeamCount: 2, Slots: slots,
	}), cur(1, 40))
	if len(sink.slots) != 0 {
		t.Fatalf("slot updates before expiry = %d, want 0", len(sink.slots))
	}

	// Any later signal past the stale age triggers the force-resolution.
	tr.Apply(sig(journal.KindListCount, 1, 37, &journal.ListCountPayload{Count: 3}), cur(1, 60))

	if len(sink.slots) != 1 {
		t.Fatalf("slot updates = %d, want 1", len(sink.slots))
	}
	res := sink.slots[0]
	if !res.Partial {
		t.Error("forced resolution not flagged partial")
	}
	if len(res.Slots) != 2 || res.Slots[0].Profile != nil {
		t.Errorf("forced resolution slots = %+v, want the basic snapshot", res.Slots)
	}
}

func TestPendingCapacityEviction(t *testing.T) {
	sink := newRecordingSink()
	tr := New("eu1", sink)

	for i := 0; i < MaxPendingRequests+2; i++ {
		id := int64(100 + i)
		tr.Apply(createSig(10, id, int64(7+i), "host"+string(rune('A'+i)), 4, 2), cur(1, int64(i*20)))
		tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: id}), cur(1, int64(i*20+10)))
	}
	if got := len(tr.pendingReqs); got != MaxPendingRequests {
		t.Errorf("pending requests = %d, want %d", got, MaxPendingRequests)
	}
	// The oldest were evicted.
	if tr.pendingReqs[0].LobbyID != 102 {
		t.Errorf("oldest surviving request = %d, want 102", tr.pendingReqs[0].LobbyID)
	}

	for i := 0; i < MaxPendingExtended+2; i++ {
		tr.Apply(sig(journal.KindPreviewExtended, 1, 100, &journal.ExtendedPreviewPayload{
			Slots: []journal.Slot{humanSlot(1, "nobody")}, TeamCount: 1,
		}), cur(1, int64(500+i*20)))
	}
	if got := len(tr.pendingExts); got != MaxPendingExtended {
		t.Errorf("pending extended = %d, want %d", got, MaxPendingExtended)
	}
}

func TestOrphanSweepExactlyOnce(t *testing.T) {
	sink := newRecordingSink()
	tr := New("eu1", sink)

	tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 0))

	// Session 2 passes without re-observing the lobby.
	tr.Apply(sig(journal.KindListCount, 1, 50, &journal.ListCountPayload{Count: 0}), cur(2, 0))
	if got := len(sink.closed[100]); got != 0 {
		t.Fatalf("closed after first rollover = %d, want 0", got)
	}

	// Rolling into session 3 sweeps it.
	tr.Apply(sig(journal.KindListCount, 1, 90, &journal.ListCountPayload{Count: 0}), cur(3, 0))
	if got := len(sink.closed[100]); got != 1 {
		t.Fatalf("closed after second rollover = %d, want 1", got)
	}
	res := sink.closed[100][0]
	if !res.Orphan || res.Status != StatusUnknown {
		t.Errorf("orphan close = %+v, want orphan with unknown status", res)
	}
	if res.ClosedAt != 10 {
		t.Errorf("orphan closedAt = %v, want 10 (last observation)", res.ClosedAt)
	}

	// Never swept twice.
	tr.Apply(sig(journal.KindListCount, 1, 120, &journal.ListCountPayload{Count: 0}), cur(4, 0))
	if got := len(sink.closed[100]); got != 1 {
		t.Fatalf("closed after third rollover = %d, want 1", got)
	}
}

func TestOrphanSweepSparesReobserved(t *testing.T) {
	sink := newRecordingSink()
	tr := New("eu1", sink)

	tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 0))
	// Re-observed in session 2.
	tr.Apply(sig(journal.KindAlive, 1, 50, &journal.AlivePayload{LobbyID: 100}), cur(2, 0))
	tr.Apply(sig(journal.KindListCount, 1, 90, &journal.ListCountPayload{Count: 1}), cur(3, 0))

	if got := len(sink.closed[100]); got != 0 {
		t.Fatalf("closed = %d, want 0 (lobby was re-observed)", got)
	}
}

func TestFinalSlotsReconciliation(t *testing.T) {
	t.Run("newer basic overlays extended", func(t *testing.T) {
		sink := newRecordingSink()
		tr := New("eu1", sink)

		tr.Apply(sig(journal.KindInit, 3, 0, &journal.InitPayload{}), cur(1, 0))
		tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 20))
		tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 40))
		tr.Apply(sig(journal.KindPreviewExtended, 1, 11.5, &journal.ExtendedPreviewPayload{
			Slots: []journal.Slot{humanSlotP(1, "hostA", 11), humanSlotP(2, "guestB", 22)}, TeamCount: 2,
		}), cur(1, 60))

		// A later basic preview shows guestB replaced by guestC.
		tr.Apply(sig(journal.KindPreviewBasic, 1, 20, &journal.BasicPreviewPayload{
			LobbyID: 100, TeamCount: 2,
			Slots: []journal.Slot{humanSlot(1, "hostA"), humanSlot(2, "guestC")},
		}), cur(1, 80))
		tr.Apply(sig(journal.KindRemove, 1, 21, &journal.RemovePayload{LobbyID: 100}), cur(1, 100))

		res := sink.closed[100]
		if len(res) != 1 {
			t.Fatalf("closed events = %d, want 1", len(res))
		}
		slots := res[0].Slots
		if len(slots) != 2 {
			t.Fatalf("final slots = %d, want 2", len(slots))
		}
		if slots[0].Name != "hostA" || slots[0].Profile == nil {
			t.Errorf("unchanged occupant lost profile: %+v", slots[0])
		}
		if slots[1].Name != "guestC" || slots[1].Profile != nil {
			t.Errorf("changed occupant kept stale identity: %+v", slots[1])
		}
	})

	t.Run("sixteenth slot tolerated below protocol v3", func(t *testing.T) {
		sink := newRecordingSink()
		tr := New("eu1", sink)

		ext := make([]journal.Slot, 15)
		basic := make([]journal.Slot, 16)
		for i := 0; i < 15; i++ {
			ext[i] = humanSlotP(1, "p"+string(rune('a'+i)), int64(i))
			basic[i] = humanSlot(1, "p"+string(rune('a'+i)))
		}
		basic[15] = journal.Slot{Kind: journal.SlotKindClosed}

		tr.Apply(sig(journal.KindInit, 2, 0, &journal.InitPayload{}), cur(1, 0))
		tr.Apply(createSig(10, 100, 7, "pa", 15, 15), cur(1, 20))
		tr.Apply(sig(journal.KindPreviewRequest, 1, 11, &journal.PreviewRequestPayload{LobbyID: 100}), cur(1, 40))
		tr.Apply(sig(journal.KindPreviewExtended, 1, 11.5, &journal.ExtendedPreviewPayload{
			Slots: ext, TeamCount: 1,
		}), cur(1, 60))
		tr.Apply(sig(journal.KindPreviewBasic, 1, 20, &journal.BasicPreviewPayload{
			LobbyID: 100, TeamCount: 1, Slots: basic,
		}), cur(1, 80))
		tr.Apply(sig(journal.KindRemove, 1, 21, &journal.RemovePayload{LobbyID: 100}), cur(1, 100))

		res := sink.closed[100]
		if len(res) != 1 {
			t.Fatalf("closed events = %d, want 1", len(res))
		}
		if got := len(res[0].Slots); got != 15 {
			t.Errorf("final slots = %d, want 15 (bogus 16th dropped)", got)
		}
	})
}

func TestMinCursor(t *testing.T) {
	sink := newRecordingSink()
	tr := New("eu1", sink)

	if _, ok := tr.MinCursor(); ok {
		t.Fatal("MinCursor reported a cursor with no open lobby")
	}

	tr.Apply(createSig(10, 100, 7, "hostA", 4, 2), cur(1, 40))
	tr.Apply(createSig(11, 101, 8, "hostB", 4, 2), cur(1, 90))

	min, ok := tr.MinCursor()
	if !ok || min != cur(1, 40) {
		t.Fatalf("MinCursor = %v %v, want {1 40} true", min, ok)
	}

	tr.Apply(sig(journal.KindRemove, 1, 14, &journal.RemovePayload{LobbyID: 100}), cur(1, 130))
	min, ok = tr.MinCursor()
	if !ok || min != cur(1, 90) {
		t.Fatalf("MinCursor after remove = %v %v, want {1 90} true", min, ok)
	}
}
