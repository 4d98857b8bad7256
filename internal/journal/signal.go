// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package journal decodes raw journal records emitted by the game-list
// collector processes into strongly typed signals.
//
// Each record is one CRLF-terminated line of the form
//
//	KIND[:VERSION]\x01TIMESTAMP\x01field\x01field...
//
// Fields are positional; the order is the wire contract. Kind-specific
// payloads use nested sub-delimiters (see decode.go).
package journal

import "strconv"

// Kind is the four-letter tag identifying a signal type.
type Kind string

// The twelve recognized signal kinds.
const (
	KindInit            Kind = "INIT" // connection established, carries protocol handles
	KindTimeCorrection  Kind = "TMCR" // per-connection clock offset correction
	KindQuit            Kind = "QUIT" // collector shut down cleanly
	KindDisconnect      Kind = "DSCN" // collector lost its upstream connection
	KindListCount       Kind = "LBLC" // number of lobbies currently listed
	KindCreate          Kind = "LBCR" // lobby appeared on the list
	KindRemove          Kind = "LBRM" // lobby left the list
	KindUpdate          Kind = "LBUP" // lobby header fields changed
	KindPreviewBasic    Kind = "LBPV" // coarse slot snapshot (kind/team/name)
	KindAlive           Kind = "LBAL" // lobby re-affirmed as still listed
	KindPreviewRequest  Kind = "LBPR" // detailed preview requested for a lobby
	KindPreviewExtended Kind = "LBPE" // detailed slot snapshot with player identity
)

// knownKinds is the set of tags Decode accepts.
var knownKinds = map[Kind]bool{
	KindInit: true, KindTimeCorrection: true, KindQuit: true,
	KindDisconnect: true, KindListCount: true, KindCreate: true,
	KindRemove: true, KindUpdate: true, KindPreviewBasic: true,
	KindAlive: true, KindPreviewRequest: true, KindPreviewExtended: true,
}

// Signal is one immutable decoded journal record.
type Signal struct {
	Kind    Kind
	Version int
	// Time is the source-local timestamp in seconds. It requires the
	// per-connection offset carried by TMCR records before it is
	// comparable across connections.
	Time float64
	// Payload is the kind-specific payload, one of the *Payload types
	// in this package. Nil for kinds without payload (QUIT).
	Payload any
}

// Handle is a protocol object reference transmitted as an "id,version"
// integer pair.
type Handle struct {
	ID      int64
	Version int64
}

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool { return h.ID == 0 && h.Version == 0 }

// InitPayload is carried by INIT signals.
type InitPayload struct {
	GatewayID  int64
	ConnHandle Handle
	// HostHandle is present from protocol version 3 onward.
	HostHandle Handle
}

// TimeCorrectionPayload is carried by TMCR signals.
type TimeCorrectionPayload struct {
	// Offset in seconds to add to source-local timestamps.
	Offset float64
}

// DisconnectPayload is carried by DSCN signals.
type DisconnectPayload struct {
	Reason int
}

// ListCountPayload is carried by LBLC signals.
type ListCountPayload struct {
	Count int
}

// CreatePayload is carried by LBCR signals.
type CreatePayload struct {
	LobbyID          int64
	MapHandle        Handle
	ExtModHandle     Handle
	LobbyName        string // HTML entities unescaped
	HostName         string
	HostID           int64 // source-assigned id of the hosting account
	SlotsHumansTotal int
	SlotsHumansTaken int
	// NameSetBy is the account that set the lobby title.
	// Present from signal version 2 onward.
	NameSetBy string
}

// UpdatePayload is carried by LBUP signals.
type UpdatePayload struct {
	LobbyID          int64
	LobbyName        string
	SlotsHumansTotal int
	SlotsHumansTaken int
	// NameSetBy is present from signal version 2 onward.
	NameSetBy string
}

// RemovePayload is carried by LBRM signals.
type RemovePayload struct {
	LobbyID int64
}

// AlivePayload is carried by LBAL signals.
type AlivePayload struct {
	LobbyID int64
}

// PreviewRequestPayload is carried by LBPR signals.
type PreviewRequestPayload struct {
	LobbyID int64
}

// SlotKind classifies one lobby slot.
type SlotKind int

// Slot kind codes as transmitted on the wire.
const (
	SlotKindNone   SlotKind = 0 // explicit empty sentinel, filtered out
	SlotKindUnused SlotKind = 1 // incomplete-payload sentinel (first slot only)
	SlotKindOpen   SlotKind = 2
	SlotKindClosed SlotKind = 3
	SlotKindHuman  SlotKind = 4
	SlotKindAI     SlotKind = 5
)

// String returns the lowercase name of the slot kind.
func (k SlotKind) String() string {
	switch k {
	case SlotKindNone:
		return "none"
	case SlotKindUnused:
		return "unused"
	case SlotKindOpen:
		return "open"
	case SlotKindClosed:
		return "closed"
	case SlotKindHuman:
		return "human"
	case SlotKindAI:
		return "ai"
	default:
		return "slotkind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Slot is one occupant slot as reported by either preview mechanism.
// Profile is only ever populated by extended previews.
type Slot struct {
	Kind SlotKind
	Team int
	Name string
	// Profile is the resolved player identity; nil in basic previews and
	// in extended-preview slots whose profile data was missing upstream.
	Profile *Profile
}

// Profile identifies a player account.
type Profile struct {
	RegionID  int64
	RealmID   int64
	ProfileID int64
	Name      string
}

// BasicPreviewPayload is carried by LBPV signals.
type BasicPreviewPayload struct {
	LobbyID   int64
	TeamCount int
	Slots     []Slot
}

// ExtendedPreviewPayload is carried by LBPE signals. It deliberately has no
// lobby id: extended previews are correlated to a preview request by timing.
type ExtendedPreviewPayload struct {
	Slots []Slot
	// TeamCount is derived as the number of distinct team values among
	// the retained slots; it is not a transmitted field.
	TeamCount int
}

// SlotsSignature serializes a slot list into the canonical comparison form:
// kind, team and name per slot, order-preserving. Two previews describing
// the same occupant list produce byte-identical signatures regardless of
// which preview mechanism reported them.
func SlotsSignature(slots []Slot) string {
	var b []byte
	for i, s := range slots {
		if i > 0 {
			b = append(b, '|')
		}
		b = strconv.AppendInt(b, int64(s.Kind), 10)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(s.Team), 10)
		b = append(b, ':')
		b = append(b, s.Name...)
	}
	return string(b)
}

// HumanSlotCount returns the number of human-occupied slots.
func HumanSlotCount(slots []Slot) int {
	n := 0
	for _, s := range slots {
		if s.Kind == SlotKindHuman {
			n++
		}
	}
	return n
}

// SlotNames returns the names of all named slots.
func SlotNames(slots []Slot) []string {
	var names []string
	for _, s := range slots {
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return names
}
