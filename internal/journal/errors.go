// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

package journal

import (
	"errors"
	"fmt"
)

// ErrMissingField is wrapped by payload decoders when a record ends before
// all positional fields were consumed.
var ErrMissingField = errors.New("missing payload field")

// CorruptionError indicates the record began with a run of null bytes,
// the sentinel for unrecoverable stream desync. It is fatal for the source:
// continuing past it risks fabricating lobby state from misaligned bytes.
type CorruptionError struct {
	// CorruptedData is the leading run of null bytes.
	CorruptedData []byte
	// Rest is the trailing salvageable fragment, kept for diagnostics.
	Rest []byte
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal stream corruption: %d null bytes before %d salvageable bytes",
		len(e.CorruptedData), len(e.Rest))
}

// UnknownSignalKindError indicates the leading tag is not a recognized
// signal kind. Fatal for the source: protocol drift must not be silently
// ignored.
type UnknownSignalKindError struct {
	Kind string
}

func (e *UnknownSignalKindError) Error() string {
	return fmt.Sprintf("unknown signal kind %q", e.Kind)
}
