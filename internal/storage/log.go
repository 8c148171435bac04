package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/phuslu/log"
)

const (
	// delimiter separates the key from the payload on each line.
	delimiter = ':'
	// terminator ends every complete record.
	terminator = '\n'
	// tombstone is the reserved payload marking a deleted key.
	tombstone = "__DELETE__"
	// compactSuffix names the staging file a compaction writes before the swap.
	compactSuffix = ".compact"
	// maxWriteAttempts bounds how many zero-progress writes an append tolerates.
	maxWriteAttempts = 8
)

// Log is an append-only, newline-delimited record file.
// Every Put appends "key:value\n" and every Remove appends "key:__DELETE__\n".
// On startup the log is replayed from the beginning to rebuild the index.
//
// Record format:
//   - Key (no ':' or '\n')
//   - ':' delimiter
//   - Value (no '\n'), or the tombstone sentinel
//   - '\n' terminator
type Log struct {
	file   logFile
	path   string
	mu     sync.Mutex
	size   int64
	// failed is set when a rollback could not restore the file. Appends
	// are refused until a compaction rewrites the log.
	failed error
	config LogConfig
	logger *log.Logger
}

// logFile is the part of *os.File the append path depends on.
type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// SyncMode determines when log writes are synced to disk.
type SyncMode int

const (
	// SyncAlways - fsync after every append (durable, the default)
	SyncAlways SyncMode = iota
	// SyncNone - no explicit sync, the OS flushes when it likes
	SyncNone
)

func (m SyncMode) String() string {
	switch m {
	case SyncAlways:
		return "always"
	case SyncNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseSyncMode converts a flag value into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "always", "":
		return SyncAlways, nil
	case "none":
		return SyncNone, nil
	default:
		return SyncAlways, fmt.Errorf("unknown sync mode %q", s)
	}
}

// LogConfig configures log behavior.
type LogConfig struct {
	SyncMode SyncMode
	Logger   *log.Logger
}

// DefaultLogConfig returns sensible defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		SyncMode: SyncAlways,
	}
}

// ReplayStats describes what a full scan of the log found.
type ReplayStats struct {
	Records       int   // well-formed records applied, tombstones included
	Skipped       int   // malformed lines ignored
	TornTailBytes int64 // bytes of a final line with no terminator
	ValidSize     int64 // offset just past the last complete line
}

// OpenLog opens or creates the log file at path.
func OpenLog(path string, config LogConfig) (*Log, error) {
	logger := config.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: create log directory: %w", ErrIO, err)
	}

	// A staging file can only be left behind by a compaction that crashed
	// before its rename, so the live log is still authoritative.
	staging := path + compactSuffix
	if err := os.Remove(staging); err == nil {
		logger.Warn().Str("path", staging).Msg("removed staging file of an interrupted compaction")
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: remove staging file: %w", ErrIO, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open log: %w", ErrIO, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat log: %w", ErrIO, err)
	}

	return &Log{
		file:   file,
		path:   path,
		size:   info.Size(),
		config: config,
		logger: logger,
	}, nil
}

// Append writes a value record for key.
func (l *Log) Append(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	return l.append(key, value)
}

// AppendTombstone writes a record marking key as deleted.
func (l *Log) AppendTombstone(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return l.append(key, tombstone)
}

func (l *Log) append(key, payload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if l.failed != nil {
		return l.failed
	}

	record := encodeRecord(key, payload)
	if err := writeFull(l.file, record); err != nil {
		l.rollback()
		return fmt.Errorf("%w: append record: %w", ErrIO, err)
	}

	if l.config.SyncMode == SyncAlways {
		if err := l.file.Sync(); err != nil {
			l.rollback()
			return fmt.Errorf("%w: sync log: %w", ErrIO, err)
		}
	}

	l.size += int64(len(record))
	return nil
}

// rollback cuts the file back to the last acknowledged record so a failed
// append leaves neither a partial line nor an unacknowledged record behind.
// If the truncate itself fails the log stops accepting appends.
func (l *Log) rollback() {
	if err := l.file.Truncate(l.size); err != nil {
		l.failed = fmt.Errorf("%w: log has unacknowledged bytes after a failed rollback: %w", ErrIO, err)
		l.logger.Error().Err(err).Str("path", l.path).Int64("size", l.size).
			Msg("failed to roll back partial append, refusing further appends")
	}
}

// encodeRecord serializes a record to its on-disk line.
func encodeRecord(key, payload string) []byte {
	buf := make([]byte, 0, len(key)+len(payload)+2)
	buf = append(buf, key...)
	buf = append(buf, delimiter)
	buf = append(buf, payload...)
	return append(buf, terminator)
}

// writeFull keeps writing until every byte of buf is accepted. A short write
// is retried; a writer that stops making progress fails with io.ErrShortWrite.
func writeFull(w io.Writer, buf []byte) error {
	stalled := 0
	for len(buf) > 0 {
		n, err := w.Write(buf)
		buf = buf[n:]
		if err != nil && !errors.Is(err, io.ErrShortWrite) {
			return err
		}
		if n > 0 {
			stalled = 0
			continue
		}
		stalled++
		if stalled >= maxWriteAttempts {
			return io.ErrShortWrite
		}
	}
	return nil
}

func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	case strings.IndexByte(key, delimiter) >= 0:
		return fmt.Errorf("%w: key contains %q", ErrInvalidArgument, delimiter)
	case strings.IndexByte(key, terminator) >= 0:
		return fmt.Errorf("%w: key contains a newline", ErrInvalidArgument)
	}
	return nil
}

func validateValue(value string) error {
	switch {
	case strings.IndexByte(value, terminator) >= 0:
		return fmt.Errorf("%w: value contains a newline", ErrInvalidArgument)
	case value == tombstone:
		return fmt.Errorf("%w: value %q is reserved", ErrInvalidArgument, tombstone)
	}
	return nil
}

// LoadSnapshot replays the whole log and returns the live key/value pairs.
// Malformed lines and an unterminated final line are skipped with a warning.
func (l *Log) LoadSnapshot() (map[string]string, ReplayStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		return nil, ReplayStats{}, fmt.Errorf("%w: open log for replay: %w", ErrIO, err)
	}
	defer file.Close()

	return replay(file, l.logger)
}

func replay(r io.Reader, logger *log.Logger) (map[string]string, ReplayStats, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	data := make(map[string]string)

	var stats ReplayStats
	lineNo := 0
	for {
		line, err := reader.ReadString(terminator)
		if err == io.EOF {
			if len(line) > 0 {
				stats.TornTailBytes = int64(len(line))
				logger.Warn().Int("line", lineNo+1).Int64("bytes", stats.TornTailBytes).
					Msg("discarding incomplete record at end of log")
			}
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("%w: read log: %w", ErrIO, err)
		}

		lineNo++
		stats.ValidSize += int64(len(line))
		line = line[:len(line)-1]

		sep := strings.IndexByte(line, delimiter)
		if sep <= 0 {
			stats.Skipped++
			logger.Warn().Int("line", lineNo).Msg("skipping malformed record")
			continue
		}

		key, payload := line[:sep], line[sep+1:]
		if payload == tombstone {
			delete(data, key)
		} else {
			data[key] = payload
		}
		stats.Records++
	}

	return data, stats, nil
}

// RepairTail truncates everything past validSize, the end of the last
// complete record found by LoadSnapshot.
func (l *Log) RepairTail(validSize int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if validSize >= l.size {
		return nil
	}
	if err := l.file.Truncate(validSize); err != nil {
		return fmt.Errorf("%w: truncate log tail: %w", ErrIO, err)
	}

	l.logger.Warn().Str("path", l.path).Int64("from", l.size).Int64("to", validSize).
		Msg("truncated incomplete record at end of log")
	l.size = validSize
	return nil
}

// Compact replaces the log with one value record per live key.
//
// The new content goes to a staging file that is synced and then renamed
// over the live log, so a crash at any point leaves either the old or the
// new log intact. On an error before the rename the old log and its handle
// remain in use. A failed directory sync after the rename is still reported
// as ErrIO, with the new log already in use.
func (l *Log) Compact(live map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}

	staging := l.path + compactSuffix
	tmp, err := os.OpenFile(staging, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open staging file: %w", ErrIO, err)
	}

	size, err := writeCompacted(tmp, live)
	if err != nil {
		tmp.Close()
		os.Remove(staging)
		return fmt.Errorf("%w: write compacted log: %w", ErrIO, err)
	}

	if err := os.Rename(staging, l.path); err != nil {
		tmp.Close()
		os.Remove(staging)
		return fmt.Errorf("%w: rename compacted log: %w", ErrIO, err)
	}

	// The rename is done; from here on the new file is the log, and it
	// holds no bytes from a failed append.
	old := l.file
	l.file = tmp
	l.size = size
	l.failed = nil
	if err := old.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("failed to close pre-compaction log handle")
	}

	if err := syncDir(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("%w: sync log directory after compaction: %w", ErrIO, err)
	}
	return nil
}

func writeCompacted(f *os.File, live map[string]string) (int64, error) {
	keys := make([]string, 0, len(live))
	for k := range live {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writer := bufio.NewWriterSize(f, 64*1024)
	var size int64
	for _, key := range keys {
		value := live[key]
		if err := validateKey(key); err != nil {
			return 0, err
		}
		if err := validateValue(value); err != nil {
			return 0, err
		}

		record := encodeRecord(key, value)
		if err := writeFull(writer, record); err != nil {
			return 0, err
		}
		size += int64(len(record))
	}

	if err := writer.Flush(); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return size, nil
}

// syncDir makes a rename in dir durable. Tests replace it to inject failures.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Sync flushes the log to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync log: %w", ErrIO, err)
	}
	return nil
}

// Size returns the current log file size.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("%w: close log: %w", ErrIO, err)
	}
	return nil
}
