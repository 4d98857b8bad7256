// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

package feed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSegment(t *testing.T, dir string, session string, lines ...string) {
	t.Helper()
	var data []byte
	for _, l := range lines {
		data = append(data, l...)
		data = append(data, '\r', '\n')
	}
	if err := os.WriteFile(filepath.Join(dir, session), data, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
}

func readAll(t *testing.T, r *Reader) []*Record {
	t.Helper()
	var recs []*Record
	for {
		rec, err := r.Read(context.Background(), time.Second)
		if errors.Is(err, ErrEndOfFeed) {
			return recs
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		recs = append(recs, rec)
	}
}

func TestReader_SequentialWithRollover(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "1", "one", "two")
	writeSegment(t, dir, "2", "three")

	r, err := Open(Config{Source: "test", Dir: dir}, Cursor{Session: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	recs := readAll(t, r)
	if len(recs) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recs))
	}
	wantLines := []string{"one", "two", "three"}
	wantAt := []Cursor{{1, 0}, {1, 5}, {2, 0}}
	for i, rec := range recs {
		if rec.Line != wantLines[i] {
			t.Errorf("Record %d: expected %q, got %q", i, wantLines[i], rec.Line)
		}
		if rec.At != wantAt[i] {
			t.Errorf("Record %d: expected cursor %v, got %v", i, wantAt[i], rec.At)
		}
	}
}

func TestReader_IdempotentResume(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "3", "alpha", "beta", "gamma")
	writeSegment(t, dir, "7", "delta", "epsilon")

	read := func(init Cursor) []Record {
		r, err := Open(Config{Source: "test", Dir: dir}, init)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer r.Close()
		var out []Record
		for _, rec := range readAll(t, r) {
			out = append(out, *rec)
		}
		return out
	}

	// Reading from the same cursor twice must yield the identical sequence.
	start := Cursor{Session: 3, Offset: 7} // start of "beta"
	first := read(start)
	second := read(start)
	if len(first) != len(second) {
		t.Fatalf("Sequence lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Record %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestReader_BootstrapAccommodation(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "1", "init-record", "second", "third")

	// Resuming at a non-zero offset serves the segment's opening record
	// first, then continues from the given offset.
	r, err := Open(Config{Source: "test", Dir: dir}, Cursor{Session: 1, Offset: 21}) // start of "third"
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	recs := readAll(t, r)
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].Line != "init-record" || recs[0].At != (Cursor{1, 0}) {
		t.Errorf("Expected opening record first, got %q at %v", recs[0].Line, recs[0].At)
	}
	if recs[1].Line != "third" || recs[1].At != (Cursor{1, 21}) {
		t.Errorf("Expected resume at offset 21, got %q at %v", recs[1].Line, recs[1].At)
	}
}

func TestReader_MissingTerminator(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "1", "complete")
	// Append a fragment with no CRLF, then close the segment by creating a
	// newer one.
	f, err := os.OpenFile(filepath.Join(dir, "1"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteString("trunca"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()
	writeSegment(t, dir, "2", "next")

	r, err := Open(Config{Source: "test", Dir: dir}, Cursor{Session: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if rec, err := r.Read(context.Background(), time.Second); err != nil {
		t.Fatalf("Read: %v", err)
	} else if rec.Line != "complete" {
		t.Fatalf("Expected %q, got %q", "complete", rec.Line)
	}

	_, err = r.Read(context.Background(), time.Second)
	if !errors.Is(err, ErrMissingTerminator) {
		t.Fatalf("Expected ErrMissingTerminator, got %v", err)
	}
}

func TestReader_MissingTerminatorOnNewestSegment(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "1", "complete")
	// Truncated fragment at the end of the newest segment. With follow
	// disabled this is a broken journal, not end of feed.
	f, err := os.OpenFile(filepath.Join(dir, "1"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteString("trunca"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	r, err := Open(Config{Source: "test", Dir: dir}, Cursor{Session: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if rec, err := r.Read(context.Background(), time.Second); err != nil {
		t.Fatalf("Read: %v", err)
	} else if rec.Line != "complete" {
		t.Fatalf("Expected %q, got %q", "complete", rec.Line)
	}

	_, err = r.Read(context.Background(), time.Second)
	if !errors.Is(err, ErrMissingTerminator) {
		t.Fatalf("Expected ErrMissingTerminator, got %v", err)
	}
}

func TestReader_EndOfFeedWithoutFollow(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "1", "only")

	r, err := Open(Config{Source: "test", Dir: dir}, Cursor{Session: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.Read(context.Background(), time.Second); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := r.Read(context.Background(), time.Second); !errors.Is(err, ErrEndOfFeed) {
		t.Fatalf("Expected ErrEndOfFeed, got %v", err)
	}
}

func TestReader_FollowTimeoutAndTail(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "1", "first")

	r, err := Open(Config{Source: "test", Dir: dir, Follow: true, PollInterval: 10 * time.Millisecond}, Cursor{Session: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.Read(context.Background(), time.Second); err != nil {
		t.Fatalf("Read: %v", err)
	}

	t.Run("timeout yields ErrNoNewData", func(t *testing.T) {
		_, err := r.Read(context.Background(), 50*time.Millisecond)
		if !errors.Is(err, ErrNoNewData) {
			t.Fatalf("Expected ErrNoNewData, got %v", err)
		}
	})

	t.Run("appended line is picked up", func(t *testing.T) {
		f, err := os.OpenFile(filepath.Join(dir, "1"), os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("open segment: %v", err)
		}
		if _, err := f.WriteString("tail\r\n"); err != nil {
			t.Fatalf("append: %v", err)
		}
		f.Close()

		rec, err := r.Read(context.Background(), 2*time.Second)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if rec.Line != "tail" {
			t.Errorf("Expected %q, got %q", "tail", rec.Line)
		}
	})

	t.Run("new segment while following", func(t *testing.T) {
		writeSegment(t, dir, "2", "rolled")
		rec, err := r.Read(context.Background(), 2*time.Second)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if rec.Line != "rolled" || rec.At != (Cursor{2, 0}) {
			t.Errorf("Expected rollover record, got %q at %v", rec.Line, rec.At)
		}
	})
}

func TestReader_CloseUnblocksRead(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "1", "only")

	r, err := Open(Config{Source: "test", Dir: dir, Follow: true}, Cursor{Session: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.Read(context.Background(), time.Second); err != nil {
		t.Fatalf("Read: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Read(context.Background(), time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not observe close")
	}
}

func TestCursor_Order(t *testing.T) {
	cases := []struct {
		a, b Cursor
		want int
	}{
		{Cursor{1, 0}, Cursor{1, 0}, 0},
		{Cursor{1, 5}, Cursor{1, 9}, -1},
		{Cursor{1, 9}, Cursor{2, 0}, -1},
		{Cursor{3, 0}, Cursor{2, 100}, 1},
	}
	for _, c := range cases {
		if got := c.a.Compare(c.b); got != c.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
