// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

package journal

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire delimiters. \x01 separates top-level fields; slot lists nest below it.
const (
	sepField       = "\x01" // top-level field separator
	sepSlot        = "\x02" // slot separator inside a slot list
	sepBasicSlot   = "$"    // intra-slot separator, basic preview
	sepExtSlot     = "\x03" // intra-slot separator, extended preview
	sepProfile     = "\x04" // profile sub-field separator
	sepIntegerPair = ","    // Handle "id,version" pairs
)

// Decode parses one journal line (without its CRLF terminator) into a
// Signal. It is a pure function with no state.
//
// A line beginning with a null byte yields a *CorruptionError carrying the
// leading null run and the trailing fragment. An unrecognized leading tag
// yields an *UnknownSignalKindError. Both are fatal for the source.
func Decode(line string) (*Signal, error) {
	if len(line) > 0 && line[0] == 0 {
		n := 1
		for n < len(line) && line[n] == 0 {
			n++
		}
		return nil, &CorruptionError{
			CorruptedData: []byte(line[:n]),
			Rest:          []byte(line[n:]),
		}
	}

	fields := strings.Split(line, sepField)

	head := fields[0]
	kind := Kind(head)
	version := 1
	if i := strings.IndexByte(head, ':'); i >= 0 {
		kind = Kind(head[:i])
		v, err := strconv.Atoi(head[i+1:])
		if err != nil {
			return nil, fmt.Errorf("signal %q: parse version %q: %w", head[:i], head[i+1:], err)
		}
		version = v
	}
	if !knownKinds[kind] {
		return nil, &UnknownSignalKindError{Kind: string(kind)}
	}

	if len(fields) < 2 {
		return nil, fmt.Errorf("signal %s: %w: timestamp", kind, ErrMissingField)
	}
	ts, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return nil, fmt.Errorf("signal %s: parse timestamp %q: %w", kind, fields[1], err)
	}

	sig := &Signal{Kind: kind, Version: version, Time: ts}
	r := &fieldReader{kind: kind, fields: fields[2:]}

	switch kind {
	case KindInit:
		sig.Payload, err = decodeInit(r, version)
	case KindTimeCorrection:
		sig.Payload, err = decodeTimeCorrection(r)
	case KindQuit:
		// no payload
	case KindDisconnect:
		sig.Payload, err = decodeDisconnect(r)
	case KindListCount:
		sig.Payload, err = decodeListCount(r)
	case KindCreate:
		sig.Payload, err = decodeCreate(r, version)
	case KindRemove:
		sig.Payload, err = decodeLobbyRef(r, func(id int64) any { return &RemovePayload{LobbyID: id} })
	case KindUpdate:
		sig.Payload, err = decodeUpdate(r, version)
	case KindPreviewBasic:
		sig.Payload, err = decodePreviewBasic(r)
	case KindAlive:
		sig.Payload, err = decodeLobbyRef(r, func(id int64) any { return &AlivePayload{LobbyID: id} })
	case KindPreviewRequest:
		sig.Payload, err = decodeLobbyRef(r, func(id int64) any { return &PreviewRequestPayload{LobbyID: id} })
	case KindPreviewExtended:
		sig.Payload, err = decodePreviewExtended(r)
	}
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// fieldReader consumes the version-tagged argument list of one signal in
// fixed positional order.
type fieldReader struct {
	kind   Kind
	fields []string
	pos    int
}

func (r *fieldReader) next(name string) (string, error) {
	if r.pos >= len(r.fields) {
		return "", fmt.Errorf("signal %s: %w: %s", r.kind, ErrMissingField, name)
	}
	f := r.fields[r.pos]
	r.pos++
	return f, nil
}

func (r *fieldReader) int64(name string) (int64, error) {
	f, err := r.next(name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(f, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("signal %s: parse %s %q: %w", r.kind, name, f, err)
	}
	return v, nil
}

func (r *fieldReader) int(name string) (int, error) {
	v, err := r.int64(name)
	return int(v), err
}

func (r *fieldReader) float(name string) (float64, error) {
	f, err := r.next(name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(f, 64)
	if err != nil {
		return 0, fmt.Errorf("signal %s: parse %s %q: %w", r.kind, name, f, err)
	}
	return v, nil
}

func (r *fieldReader) handle(name string) (Handle, error) {
	f, err := r.next(name)
	if err != nil {
		return Handle{}, err
	}
	return parseHandle(r.kind, name, f)
}

func parseHandle(kind Kind, name, f string) (Handle, error) {
	i := strings.Index(f, sepIntegerPair)
	if i < 0 {
		return Handle{}, fmt.Errorf("signal %s: parse %s %q: not an integer pair", kind, name, f)
	}
	id, err := strconv.ParseInt(f[:i], 10, 64)
	if err != nil {
		return Handle{}, fmt.Errorf("signal %s: parse %s id %q: %w", kind, name, f[:i], err)
	}
	ver, err := strconv.ParseInt(f[i+1:], 10, 64)
	if err != nil {
		return Handle{}, fmt.Errorf("signal %s: parse %s version %q: %w", kind, name, f[i+1:], err)
	}
	return Handle{ID: id, Version: ver}, nil
}

func decodeInit(r *fieldReader, version int) (any, error) {
	p := &InitPayload{}
	var err error
	if p.GatewayID, err = r.int64("gateway_id"); err != nil {
		return nil, err
	}
	if p.ConnHandle, err = r.handle("conn_handle"); err != nil {
		return nil, err
	}
	if version >= 3 {
		if p.HostHandle, err = r.handle("host_handle"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func decodeTimeCorrection(r *fieldReader) (any, error) {
	off, err := r.float("offset")
	if err != nil {
		return nil, err
	}
	return &TimeCorrectionPayload{Offset: off}, nil
}

func decodeDisconnect(r *fieldReader) (any, error) {
	reason, err := r.int("reason")
	if err != nil {
		return nil, err
	}
	return &DisconnectPayload{Reason: reason}, nil
}

func decodeListCount(r *fieldReader) (any, error) {
	count, err := r.int("count")
	if err != nil {
		return nil, err
	}
	return &ListCountPayload{Count: count}, nil
}

func decodeLobbyRef(r *fieldReader, wrap func(int64) any) (any, error) {
	id, err := r.int64("lobby_id")
	if err != nil {
		return nil, err
	}
	return wrap(id), nil
}

func decodeCreate(r *fieldReader, version int) (any, error) {
	p := &CreatePayload{}
	var err error
	if p.LobbyID, err = r.int64("lobby_id"); err != nil {
		return nil, err
	}
	if p.MapHandle, err = r.handle("map_handle"); err != nil {
		return nil, err
	}
	if p.ExtModHandle, err = r.handle("ext_mod_handle"); err != nil {
		return nil, err
	}
	name, err := r.next("lobby_name")
	if err != nil {
		return nil, err
	}
	p.LobbyName = UnescapeEntities(name)
	if p.HostName, err = r.next("host_name"); err != nil {
		return nil, err
	}
	if p.HostID, err = r.int64("host_id"); err != nil {
		return nil, err
	}
	if p.SlotsHumansTotal, err = r.int("slots_humans_total"); err != nil {
		return nil, err
	}
	if p.SlotsHumansTaken, err = r.int("slots_humans_taken"); err != nil {
		return nil, err
	}
	if version >= 2 {
		if p.NameSetBy, err = r.next("name_set_by"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func decodeUpdate(r *fieldReader, version int) (any, error) {
	p := &UpdatePayload{}
	var err error
	if p.LobbyID, err = r.int64("lobby_id"); err != nil {
		return nil, err
	}
	name, err := r.next("lobby_name")
	if err != nil {
		return nil, err
	}
	p.LobbyName = UnescapeEntities(name)
	if p.SlotsHumansTotal, err = r.int("slots_humans_total"); err != nil {
		return nil, err
	}
	if p.SlotsHumansTaken, err = r.int("slots_humans_taken"); err != nil {
		return nil, err
	}
	if version >= 2 {
		if p.NameSetBy, err = r.next("name_set_by"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func decodePreviewBasic(r *fieldReader) (any, error) {
	p := &BasicPreviewPayload{}
	var err error
	if p.LobbyID, err = r.int64("lobby_id"); err != nil {
		return nil, err
	}
	if p.TeamCount, err = r.int("team_count"); err != nil {
		return nil, err
	}
	list, err := r.next("slots")
	if err != nil {
		return nil, err
	}
	if list == "" {
		return p, nil
	}
	for i, enc := range strings.Split(list, sepSlot) {
		slot, err := parseBasicSlot(enc)
		if err != nil {
			return nil, fmt.Errorf("signal %s: slot %d: %w", r.kind, i, err)
		}
		p.Slots = append(p.Slots, slot)
	}
	return p, nil
}

func parseBasicSlot(enc string) (Slot, error) {
	parts := strings.SplitN(enc, sepBasicSlot, 3)
	if len(parts) != 3 {
		return Slot{}, fmt.Errorf("malformed basic slot %q", enc)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		return Slot{}, fmt.Errorf("parse slot kind %q: %w", parts[0], err)
	}
	team, err := strconv.Atoi(parts[1])
	if err != nil {
		return Slot{}, fmt.Errorf("parse slot team %q: %w", parts[1], err)
	}
	return Slot{Kind: SlotKind(kind), Team: team, Name: parts[2]}, nil
}

// decodePreviewExtended parses an extended preview slot list. The payload is
// incomplete when its first slot is still unused; in that case the whole
// list is dropped. Slots with the explicit "none" sentinel are filtered.
// Team count is derived, not transmitted.
func decodePreviewExtended(r *fieldReader) (any, error) {
	p := &ExtendedPreviewPayload{}
	list, err := r.next("slots")
	if err != nil {
		return nil, err
	}
	if list == "" {
		return p, nil
	}

	var raw []Slot
	for i, enc := range strings.Split(list, sepSlot) {
		slot, err := parseExtendedSlot(enc)
		if err != nil {
			return nil, fmt.Errorf("signal %s: slot %d: %w", r.kind, i, err)
		}
		raw = append(raw, slot)
	}

	if raw[0].Kind == SlotKindUnused {
		// Incomplete payload sentinel: the snapshot was taken before the
		// lobby finished assembling its slot table.
		return p, nil
	}

	teams := make(map[int]bool)
	for _, s := range raw {
		if s.Kind == SlotKindNone {
			continue
		}
		p.Slots = append(p.Slots, s)
		teams[s.Team] = true
	}
	p.TeamCount = len(teams)
	return p, nil
}

func parseExtendedSlot(enc string) (Slot, error) {
	parts := strings.SplitN(enc, sepExtSlot, 4)
	if len(parts) < 3 {
		return Slot{}, fmt.Errorf("malformed extended slot %q", enc)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		return Slot{}, fmt.Errorf("parse slot kind %q: %w", parts[0], err)
	}
	team, err := strconv.Atoi(parts[1])
	if err != nil {
		return Slot{}, fmt.Errorf("parse slot team %q: %w", parts[1], err)
	}
	slot := Slot{Kind: SlotKind(kind), Team: team, Name: parts[2]}
	if len(parts) == 4 && parts[3] != "" {
		profile, err := parseProfile(parts[3])
		if err != nil {
			return Slot{}, err
		}
		slot.Profile = profile
	}
	return slot, nil
}

func parseProfile(enc string) (*Profile, error) {
	parts := strings.Split(enc, sepProfile)
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed profile %q", enc)
	}
	region, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse profile region %q: %w", parts[0], err)
	}
	realm, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse profile realm %q: %w", parts[1], err)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse profile id %q: %w", parts[2], err)
	}
	return &Profile{RegionID: region, RealmID: realm, ProfileID: id, Name: parts[3]}, nil
}

// entityReplacer unescapes the HTML-entity escapes the collector applies to
// free-text fields. strings.NewReplacer scans left to right and does not
// rescan replaced text, so "&amp;gt;" correctly yields "&gt;".
var entityReplacer = strings.NewReplacer(
	"&gt;", ">",
	"&lt;", "<",
	"&apos;", "'",
	"&quot;", `"`,
	"&amp;", "&",
)

// UnescapeEntities reverses the collector's HTML-entity escaping of
// free-text fields.
func UnescapeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityReplacer.Replace(s)
}
