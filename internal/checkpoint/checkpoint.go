// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package checkpoint persists per-source resume cursors in BadgerDB so a
// restarted watcher continues from the oldest position its open lobbies
// still depend on instead of replaying whole segments.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/sc2-arcade-watcher/server-sub000/internal/feed"
	"github.com/sc2-arcade-watcher/server-sub000/internal/logging"
	"github.com/sc2-arcade-watcher/server-sub000/internal/metrics"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("checkpoint store closed")

const keyPrefix = "cursor:"

// Config configures the checkpoint store.
type Config struct {
	// Path is the Badger database directory.
	Path string

	// SyncWrites forces an fsync per flush. Cursors are tiny and flushed
	// per applied event, so this defaults on.
	SyncWrites bool

	// CloseTimeout bounds database shutdown. Default: 10s.
	CloseTimeout time.Duration
}

// record is the stored value per source.
type record struct {
	Cursor    feed.Cursor `json:"cursor"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Store is a Badger-backed cursor store. Safe for concurrent use.
type Store struct {
	db  *badger.DB
	cfg Config

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("checkpoint: path not configured")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open badger: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("checkpoint store opened")
	return &Store{db: db, cfg: cfg}, nil
}

// Save durably records the resume cursor for one source.
func (s *Store) Save(ctx context.Context, source string, cur feed.Cursor) error {
	if err := s.guard(ctx); err != nil {
		return err
	}

	val, err := json.Marshal(record{Cursor: cur, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("checkpoint: marshal %s: %w", source, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+source), val)
	})
	if err != nil {
		metrics.CheckpointFlushes.WithLabelValues("error").Inc()
		return fmt.Errorf("checkpoint: save %s: %w", source, err)
	}
	metrics.CheckpointFlushes.WithLabelValues("ok").Inc()
	return nil
}

// Load returns the stored cursor for a source. The second return is false
// when no checkpoint exists.
func (s *Store) Load(ctx context.Context, source string) (feed.Cursor, bool, error) {
	if err := s.guard(ctx); err != nil {
		return feed.Cursor{}, false, err
	}

	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + source))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return feed.Cursor{}, false, nil
	}
	if err != nil {
		return feed.Cursor{}, false, fmt.Errorf("checkpoint: load %s: %w", source, err)
	}
	return rec.Cursor, true, nil
}

// All returns every stored source cursor.
func (s *Store) All(ctx context.Context) (map[string]feed.Cursor, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	out := make(map[string]feed.Cursor)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			source := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				var rec record
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("unmarshal %s: %w", source, err)
				}
				out[source] = rec.Cursor
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: scan: %w", err)
	}
	return out, nil
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close shuts the database down, bounded by CloseTimeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.db.Close() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("checkpoint: close badger: %w", err)
		}
		return nil
	case <-time.After(s.cfg.CloseTimeout):
		return fmt.Errorf("checkpoint: close timed out after %s", s.cfg.CloseTimeout)
	}
}
