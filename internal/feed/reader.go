// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package feed reads journal lines from a directory of numerically named,
// append-only segment files, one directory per feed source.
//
// Reads are resumable: every returned record carries the cursor at which it
// starts, and reading again from the same cursor over unchanged files yields
// a bit-for-bit identical sequence.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sc2-arcade-watcher/server-sub000/internal/logging"
	"github.com/sc2-arcade-watcher/server-sub000/internal/metrics"
)

// Sentinel results of Read.
var (
	// ErrEndOfFeed means all data was consumed and following is disabled.
	ErrEndOfFeed = errors.New("end of feed")

	// ErrNoNewData means the read timed out with no new data; retry.
	ErrNoNewData = errors.New("no new data")

	// ErrClosed means the reader was closed.
	ErrClosed = errors.New("feed reader is closed")

	// ErrMissingTerminator means a final segment record is not terminated
	// by CRLF. Structural, fatal for the source.
	ErrMissingTerminator = errors.New("journal record not terminated by CRLF")
)

// recordTerminator frames every journal record.
const recordTerminator = "\r\n"

const defaultPollInterval = 250 * time.Millisecond

// readChunkSize is the granularity of segment reads.
const readChunkSize = 64 * 1024

// Config configures a Reader.
type Config struct {
	// Source is the feed source name, used for logging and metrics.
	Source string

	// Dir is the directory holding the source's segment files.
	Dir string

	// Follow keeps the reader blocked on the newest segment waiting for
	// appended bytes instead of reporting end of feed.
	Follow bool

	// PollInterval is the re-stat fallback interval while following.
	// fsnotify wakeups usually arrive first; polling covers filesystems
	// where they do not. Default: 250ms.
	PollInterval time.Duration
}

// Record is one journal line together with the cursor at which it starts.
type Record struct {
	Line string
	// At addresses the first byte of the record within its segment.
	At Cursor
}

// Reader sequentially reads CRLF-terminated journal records from a segment
// directory, rolling over to the next segment when the active one closes.
//
// Reader is not safe for concurrent Read calls; the merger drives exactly
// one read at a time per source. Close may be called from another goroutine.
type Reader struct {
	cfg Config
	cur Cursor

	file        *os.File
	fileSession int64

	// bootstrap marks the pending first-read accommodation: a non-zero
	// initial offset first serves the segment's opening record (the
	// per-connection INIT state a resume point depends on), then
	// continues from the given offset.
	bootstrap bool

	watcher *fsnotify.Watcher

	closed    chan struct{}
	closeOnce sync.Once
}

// Open creates a Reader positioned at the given initial cursor.
// The segment directory must exist; segment files may appear later.
func Open(cfg Config, init Cursor) (*Reader, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("feed %s: segment directory not configured", cfg.Source)
	}
	if st, err := os.Stat(cfg.Dir); err != nil {
		return nil, fmt.Errorf("feed %s: stat segment directory: %w", cfg.Source, err)
	} else if !st.IsDir() {
		return nil, fmt.Errorf("feed %s: %s is not a directory", cfg.Source, cfg.Dir)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	r := &Reader{
		cfg:       cfg,
		cur:       init,
		bootstrap: init.Offset > 0,
		closed:    make(chan struct{}),
	}

	if cfg.Follow {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("feed %s: create watcher: %w", cfg.Source, err)
		}
		if err := w.Add(cfg.Dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("feed %s: watch %s: %w", cfg.Source, cfg.Dir, err)
		}
		r.watcher = w
	}

	logging.Debug().
		Str("source", cfg.Source).
		Str("dir", cfg.Dir).
		Stringer("cursor", init).
		Bool("follow", cfg.Follow).
		Msg("feed reader opened")
	return r, nil
}

// Cursor returns the position of the next unread record.
func (r *Reader) Cursor() Cursor { return r.cur }

// Read returns the next journal record. It blocks up to timeout waiting for
// new data when following the newest segment.
//
// Errors: ErrEndOfFeed when data is exhausted and following is disabled,
// ErrNoNewData on timeout, ErrMissingTerminator on a structurally broken
// final record, ErrClosed after Close.
func (r *Reader) Read(ctx context.Context, timeout time.Duration) (*Record, error) {
	select {
	case <-r.closed:
		return nil, ErrClosed
	default:
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		var incomplete bool
		if r.bootstrap {
			rec, err := r.readBootstrap()
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, errLineIncomplete) && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			incomplete = errors.Is(err, errLineIncomplete)
			// The opening record is not complete yet; wait below without
			// clearing the bootstrap flag.
		} else {
			rec, err := r.readAt(r.cur.Session, r.cur.Offset)
			switch {
			case err == nil:
				r.cur.Offset = rec.At.Offset + int64(len(rec.Line)) + int64(len(recordTerminator))
				metrics.FeedLinesRead.WithLabelValues(r.cfg.Source).Inc()
				metrics.FeedBytesRead.WithLabelValues(r.cfg.Source).
					Add(float64(len(rec.Line) + len(recordTerminator)))
				return rec, nil

			case errors.Is(err, errLineIncomplete), errors.Is(err, os.ErrNotExist):
				incomplete = errors.Is(err, errLineIncomplete)
				newest, next, found := r.scanSegments()
				if found && r.cur.Session < newest {
					// The active segment closed. A trailing fragment
					// without its CRLF can never be completed once the
					// collector moved on; that is stream truncation, not
					// pending data.
					if errors.Is(err, errLineIncomplete) && r.pendingBytes() > 0 {
						return nil, fmt.Errorf("feed %s: segment %d offset %d: %w",
							r.cfg.Source, r.cur.Session, r.cur.Offset, ErrMissingTerminator)
					}
					r.rollover(next)
					continue
				}

			default:
				return nil, err
			}
		}

		if !r.cfg.Follow {
			// Batch replay: a trailing fragment without its CRLF is
			// stream truncation, not data still in flight.
			if incomplete && r.pendingBytes() > 0 {
				return nil, fmt.Errorf("feed %s: segment %d offset %d: %w",
					r.cfg.Source, r.cur.Session, r.cur.Offset, ErrMissingTerminator)
			}
			return nil, ErrEndOfFeed
		}
		if err := r.wait(ctx, deadline.C); err != nil {
			return nil, err
		}
	}
}

// errLineIncomplete is an internal condition: bytes at the cursor do not yet
// contain a CRLF-terminated record.
var errLineIncomplete = errors.New("incomplete line")

// readBootstrap serves the first record of the current segment regardless of
// the configured offset.
func (r *Reader) readBootstrap() (*Record, error) {
	rec, err := r.readAt(r.cur.Session, 0)
	if err != nil {
		return nil, err
	}
	r.bootstrap = false
	metrics.FeedLinesRead.WithLabelValues(r.cfg.Source).Inc()
	logging.Debug().
		Str("source", r.cfg.Source).
		Stringer("resume_cursor", r.cur).
		Msg("bootstrap read served segment opening record")
	return rec, nil
}

// readAt reads one complete record starting at the given position.
func (r *Reader) readAt(session, offset int64) (*Record, error) {
	f, err := r.segmentFile(session)
	if err != nil {
		return nil, err
	}

	var line []byte
	buf := make([]byte, readChunkSize)
	pos := offset
	for {
		n, err := f.ReadAt(buf, pos)
		line = append(line, buf[:n]...)
		if i := bytes.Index(line, []byte(recordTerminator)); i >= 0 {
			return &Record{
				Line: string(line[:i]),
				At:   Cursor{Session: session, Offset: offset},
			}, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errLineIncomplete
			}
			return nil, fmt.Errorf("feed %s: read segment %d: %w", r.cfg.Source, session, err)
		}
		pos += int64(n)
	}
}

// pendingBytes returns how many bytes exist at or after the cursor in the
// active segment.
func (r *Reader) pendingBytes() int64 {
	f, err := r.segmentFile(r.cur.Session)
	if err != nil {
		return 0
	}
	st, err := f.Stat()
	if err != nil {
		return 0
	}
	if n := st.Size() - r.cur.Offset; n > 0 {
		return n
	}
	return 0
}

// segmentFile returns the open file for the given session, reopening when
// the session changed.
func (r *Reader) segmentFile(session int64) (*os.File, error) {
	if r.file != nil && r.fileSession == session {
		return r.file, nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.Open(filepath.Join(r.cfg.Dir, strconv.FormatInt(session, 10)))
	if err != nil {
		return nil, err
	}
	r.file = f
	r.fileSession = session
	return f, nil
}

// scanSegments lists numeric segment ids and returns the newest id plus the
// next id after the current session.
func (r *Reader) scanSegments() (newest, next int64, found bool) {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return 0, 0, false
	}
	var ids []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, 0, false
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	newest = ids[len(ids)-1]
	next = r.cur.Session
	for _, id := range ids {
		if id > r.cur.Session {
			next = id
			break
		}
	}
	return newest, next, true
}

// rollover advances to the next segment.
func (r *Reader) rollover(next int64) {
	logging.Info().
		Str("source", r.cfg.Source).
		Int64("from", r.cur.Session).
		Int64("to", next).
		Msg("feed segment rollover")
	metrics.FeedSegmentRollovers.WithLabelValues(r.cfg.Source).Inc()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.cur = Cursor{Session: next, Offset: 0}
}

// wait blocks until new directory activity, the poll interval, the deadline,
// cancellation, or close.
func (r *Reader) wait(ctx context.Context, deadline <-chan time.Time) error {
	poll := time.NewTimer(r.cfg.PollInterval)
	defer poll.Stop()

	var events chan fsnotify.Event
	var watchErrs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		watchErrs = r.watcher.Errors
	}

	select {
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return ErrNoNewData
	case <-poll.C:
		return nil
	case <-events:
		return nil
	case err := <-watchErrs:
		logging.Warn().Err(err).Str("source", r.cfg.Source).Msg("feed watcher error")
		return nil
	}
}

// Close releases the reader. In-flight reads return ErrClosed promptly.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		if r.watcher != nil {
			r.watcher.Close()
		}
		if r.file != nil {
			r.file.Close()
			r.file = nil
		}
		logging.Debug().Str("source", r.cfg.Source).Msg("feed reader closed")
	})
	return nil
}
