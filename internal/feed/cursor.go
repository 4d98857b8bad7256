// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

package feed

import "fmt"

// Cursor addresses a byte position within a source's ordered sequence of
// journal segments. It is the durable resume token: a consumer persists the
// merger's resume pointer (a Cursor) per source and passes it back as the
// initial cursor after a restart.
type Cursor struct {
	// Session is the numeric segment id.
	Session int64 `json:"session"`
	// Offset is the byte offset within the segment.
	Offset int64 `json:"offset"`
}

// Compare returns -1, 0 or 1 ordering by session first, then offset.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Session < o.Session:
		return -1
	case c.Session > o.Session:
		return 1
	case c.Offset < o.Offset:
		return -1
	case c.Offset > o.Offset:
		return 1
	default:
		return 0
	}
}

// Less reports whether c orders before o.
func (c Cursor) Less(o Cursor) bool { return c.Compare(o) < 0 }

// IsZero reports whether the cursor is the zero position.
func (c Cursor) IsZero() bool { return c.Session == 0 && c.Offset == 0 }

func (c Cursor) String() string {
	return fmt.Sprintf("%d@%d", c.Session, c.Offset)
}
