// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

package tracker

// Empirically tuned thresholds governing preview matching and terminal
// status derivation. The values were calibrated against production journals;
// change them only with replay evidence.
const (
	// MatchMaxDelta is the maximum request-to-response timestamp delta, in
	// seconds, for the heuristic preview match.
	MatchMaxDelta = 2.0

	// StaleRequestAge is the age, in seconds, past which an unmatched
	// preview request is force-resolved with partial data and evicted.
	StaleRequestAge = 25.0

	// SilentDropGap is the removal-to-last-activity gap, in seconds, past
	// which a removed lobby is considered silently dropped upstream rather
	// than genuinely closed now.
	SilentDropGap = 70.0

	// HeaderTrustGap is the header-vs-preview staleness gap, in seconds,
	// past which the header's taken-count is trusted over the resolved
	// preview's human slot count.
	HeaderTrustGap = 17.0

	// TwoSlotAbandonGap is the staleness gap, in seconds, for the
	// secondary two-occupant abandonment heuristic (known data-loss
	// pattern where the host left without a final preview).
	TwoSlotAbandonGap = 15.0

	// MaxPendingRequests bounds the preview-request working set; oldest
	// entries are evicted first under sustained signal loss.
	MaxPendingRequests = 5

	// MaxPendingExtended bounds the retained unmatched extended-preview
	// responses; oldest entries are evicted first.
	MaxPendingExtended = 3

	// SixteenSlotProtocolVersion is the protocol version from which the
	// basic preview stopped reporting the bogus 16th slot. Below it a
	// 16-slot basic preview against a 15-slot extended preview is not a
	// mismatch.
	SixteenSlotProtocolVersion = 3
)
