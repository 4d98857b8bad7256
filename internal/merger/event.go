// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

package merger

import (
	"github.com/sc2-arcade-watcher/server-sub000/internal/feed"
	"github.com/sc2-arcade-watcher/server-sub000/internal/journal"
	"github.com/sc2-arcade-watcher/server-sub000/internal/tracker"
)

// EventType enumerates the lifecycle events the merger emits.
type EventType string

const (
	EventNewLobby            EventType = "lobby.new"
	EventCloseLobby          EventType = "lobby.close"
	EventUpdateLobbySnapshot EventType = "lobby.snapshot"
	EventUpdateLobbySlots    EventType = "lobby.slots"
	EventUpdateLobbyList     EventType = "lobby.list"
)

// Event is one normalized, deduplicated lifecycle event. Exactly one of the
// payload pointers is set, matching Type.
type Event struct {
	ID     string      `json:"id"`
	Type   EventType   `json:"type"`
	Source string      `json:"source"`
	Cursor feed.Cursor `json:"cursor"`
	// At is the clock-corrected source timestamp the event describes.
	At float64 `json:"at"`

	Lobby     *LobbySnapshot `json:"lobby,omitempty"`
	Slots     *SlotsUpdate   `json:"slots,omitempty"`
	Close     *LobbyClose    `json:"close,omitempty"`
	ListCount *int           `json:"listCount,omitempty"`
}

// LobbySnapshot is the header payload of NewLobby and UpdateLobbySnapshot
// events.
type LobbySnapshot struct {
	LobbyID          int64          `json:"lobbyId"`
	HostID           int64          `json:"hostId"`
	HostName         string         `json:"hostName"`
	Name             string         `json:"name"`
	NameSetBy        string         `json:"nameSetBy,omitempty"`
	MapHandle        journal.Handle `json:"mapHandle"`
	ExtModHandle     journal.Handle `json:"extModHandle"`
	SlotsHumansTotal int            `json:"slotsHumansTotal"`
	SlotsHumansTaken int            `json:"slotsHumansTaken"`
	CreatedAt        float64        `json:"createdAt"`
}

// SlotsUpdate is the payload of UpdateLobbySlots events.
type SlotsUpdate struct {
	LobbyID   int64          `json:"lobbyId"`
	HostID    int64          `json:"hostId"`
	Slots     []journal.Slot `json:"slots"`
	TeamCount int            `json:"teamCount"`
	Exact     bool           `json:"exact"`
	Partial   bool           `json:"partial"`
}

// LobbyClose is the payload of CloseLobby events.
type LobbyClose struct {
	LobbyID   int64          `json:"lobbyId"`
	HostID    int64          `json:"hostId"`
	Status    tracker.Status `json:"status"`
	ClosedAt  float64        `json:"closedAt"`
	Slots     []journal.Slot `json:"slots,omitempty"`
	TeamCount int            `json:"teamCount,omitempty"`
	Orphan    bool           `json:"orphan,omitempty"`
}

// CanonicalLobby is one lobby description fused across all sources that
// observed it. The merger owns it; accessors hand out copies.
type CanonicalLobby struct {
	LobbyID   int64  `json:"lobbyId"`
	HostID    int64  `json:"hostId"`
	HostName  string `json:"hostName"`
	Name      string `json:"name"`
	NameSetBy string `json:"nameSetBy,omitempty"`

	MapHandle    journal.Handle `json:"mapHandle"`
	ExtModHandle journal.Handle `json:"extModHandle"`

	SlotsHumansTotal int `json:"slotsHumansTotal"`
	SlotsHumansTaken int `json:"slotsHumansTaken"`

	CreatedAt float64 `json:"createdAt"`
	// HeaderAt is the timestamp of the freshest header snapshot applied,
	// across all sources.
	HeaderAt float64 `json:"headerAt"`

	Slots     []journal.Slot `json:"slots,omitempty"`
	TeamCount int            `json:"teamCount,omitempty"`
	// SlotsAt is the timestamp of the freshest resolved preview applied.
	SlotsAt float64 `json:"slotsAt,omitempty"`

	// trackedBy holds the sources currently reporting this lobby open.
	trackedBy map[string]bool
	// removals holds each source's close verdict once it removed the lobby.
	removals map[string]*tracker.CloseResult
}

func (c *CanonicalLobby) snapshot() *LobbySnapshot {
	return &LobbySnapshot{
		LobbyID:          c.LobbyID,
		HostID:           c.HostID,
		HostName:         c.HostName,
		Name:             c.Name,
		NameSetBy:        c.NameSetBy,
		MapHandle:        c.MapHandle,
		ExtModHandle:     c.ExtModHandle,
		SlotsHumansTotal: c.SlotsHumansTotal,
		SlotsHumansTaken: c.SlotsHumansTaken,
		CreatedAt:        c.CreatedAt,
	}
}

// TrackedBy returns the names of the sources currently reporting the lobby
// open, unordered.
func (c *CanonicalLobby) TrackedBy() []string {
	out := make([]string, 0, len(c.trackedBy))
	for s := range c.trackedBy {
		out = append(out, s)
	}
	return out
}
