package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// Engine is the key-value storage engine.
// It pairs the in-memory Index with the on-disk Log and serializes every
// operation behind a single mutex, so no caller can observe the index and
// the log out of step.
type Engine struct {
	index  *Index
	log    *Log
	config Config
	logger *log.Logger

	mu     sync.Mutex
	closed bool

	// Guarded by mu.
	appended       uint64
	compactions    uint64
	lastCompaction time.Time
	replay         ReplayStats
}

// Config configures the engine.
type Config struct {
	// FileName is the log file name inside the data directory.
	FileName string
	// SyncMode determines when appends are synced to disk.
	SyncMode SyncMode
	// Logger receives replay warnings and lifecycle events.
	Logger *log.Logger
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		FileName: "data.log",
		SyncMode: SyncAlways,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Keys           int
	LogBytes       int64
	Appended       uint64
	Compactions    uint64
	LastCompaction time.Time
	Replay         ReplayStats
}

// Open opens the engine rooted at dir, creating the directory and an empty
// log if needed, and rebuilds the index by replaying the log. If replay
// fails no engine is returned.
func Open(dir string, config Config) (*Engine, error) {
	if config.FileName == "" {
		config.FileName = DefaultConfig().FileName
	}
	logger := config.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}

	path := filepath.Join(dir, config.FileName)
	wal, err := OpenLog(path, LogConfig{SyncMode: config.SyncMode, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	e := &Engine{
		index:  NewIndex(),
		log:    wal,
		config: config,
		logger: logger,
	}

	if err := e.recover(); err != nil {
		wal.Close()
		return nil, fmt.Errorf("failed to recover from log: %w", err)
	}

	return e, nil
}

func (e *Engine) recover() error {
	start := time.Now()

	data, stats, err := e.log.LoadSnapshot()
	if err != nil {
		return err
	}

	// Appends must start on a fresh line, so a torn tail is always cut off.
	if stats.TornTailBytes > 0 {
		if err := e.log.RepairTail(stats.ValidSize); err != nil {
			return err
		}
	}

	e.index.Load(data)
	e.replay = stats

	e.logger.Info().
		Str("path", e.log.Path()).
		Int("keys", e.index.Len()).
		Int("records", stats.Records).
		Int("skipped", stats.Skipped).
		Int64("torn_tail_bytes", stats.TornTailBytes).
		Dur("elapsed", time.Since(start)).
		Msg("replayed log")
	return nil
}

// Put inserts or updates a key-value pair.
// The record is durable in the log before the index changes; if the append
// fails the index is left untouched.
func (e *Engine) Put(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if err := e.log.Append(key, value); err != nil {
		return err
	}
	e.index.Set(key, value)
	e.appended++
	return nil
}

// Get retrieves a value by key. It never touches the log.
func (e *Engine) Get(key string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrClosed
	}

	value, ok := e.index.Get(key)
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Remove deletes a key. Removing an absent key returns ErrKeyNotFound and
// writes nothing.
func (e *Engine) Remove(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if _, ok := e.index.Get(key); !ok {
		return ErrKeyNotFound
	}

	if err := e.log.AppendTombstone(key); err != nil {
		return err
	}
	e.index.Delete(key)
	e.appended++
	return nil
}

// Persist compacts the log down to the current live keys. All other
// operations wait until it finishes. On failure the previous log stays in
// use and the engine remains fully usable.
func (e *Engine) Persist() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	start := time.Now()
	before := e.log.Size()

	if err := e.log.Compact(e.index.view()); err != nil {
		e.logger.Error().Err(err).Str("path", e.log.Path()).Msg("compaction failed")
		return err
	}

	e.compactions++
	e.lastCompaction = time.Now()

	e.logger.Info().
		Int("keys", e.index.Len()).
		Int64("before_bytes", before).
		Int64("after_bytes", e.log.Size()).
		Dur("elapsed", time.Since(start)).
		Msg("compacted log")
	return nil
}

// Len returns the number of live keys.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Len()
}

// Keys returns the live keys in sorted order.
func (e *Engine) Keys() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	return e.index.Keys(), nil
}

// Stats returns current statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		Keys:           e.index.Len(),
		LogBytes:       e.log.Size(),
		Appended:       e.appended,
		Compactions:    e.compactions,
		LastCompaction: e.lastCompaction,
		Replay:         e.replay,
	}
}

// Close flushes and closes the log. Every later call fails with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var syncErr error
	if e.config.SyncMode != SyncAlways {
		syncErr = e.log.Sync()
	}
	if err := e.log.Close(); err != nil {
		return err
	}
	if syncErr != nil {
		return syncErr
	}

	e.logger.Info().Str("path", e.log.Path()).Msg("storage engine closed")
	return nil
}
