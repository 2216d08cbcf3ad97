// Package events provides the append-only event log of terminal pipeline
// outcomes and a non-blocking in-process event bus.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// Default maximum log file size (100MB)
	DefaultMaxLogSize = 100 * 1024 * 1024
	// Log file extension
	LogFileExtension = ".jsonl"
	// Archive directory name
	ArchiveDir = "archive"
)

// Type identifies the terminal outcome an event records.
type Type string

const (
	// TypePatchApplied records a successful commit of one coalesced
	// operation batch against a graph.
	TypePatchApplied Type = "PATCH_APPLIED"
	// TypePatchRejected records a resource group rejected by the
	// mergeability check.
	TypePatchRejected Type = "PATCH_REJECTED"
	// TypeGoalRejected records a goal the auditor (or intake validation)
	// refused, with a reason.
	TypeGoalRejected Type = "GOAL_REJECTED"
	// TypeBridgeError records a failed apply call to the UI bridge. The
	// commit bookkeeping still completes; this keeps the failure queryable
	// instead of log-only.
	TypeBridgeError Type = "BRIDGE_ERROR"
)

// Record is a single event log entry.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	GraphID   string    `json:"graph_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	GoalID    string    `json:"goal_id,omitempty"`
	OpsCount  int       `json:"ops_count,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	PatchIDs  []string  `json:"patches,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
}

// Log is an append-only JSONL event log with size-based rotation.
type Log struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
	bus             *Bus
}

// NewLog creates an event log at logPath, rotating once the file exceeds
// maxSize bytes.
func NewLog(logPath string, maxSize int64) (*Log, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &Log{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	if err := l.openLogFile(); err != nil {
		return nil, err
	}

	return l, nil
}

// SetBus attaches an event bus; every appended record is also published on
// it under its event type.
func (l *Log) SetBus(bus *Bus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bus = bus
}

// EnableChecksum enables per-record checksums.
func (l *Log) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

func (l *Log) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat event log: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Append writes a record to the event log, stamping the timestamp if unset.
func (l *Log) Append(rec *Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()

	if l.enableChecksum {
		rec.Checksum = checksumRecord(rec)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("marshal event record: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("rotate event log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("write event record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("sync event log: %w", err)
	}
	l.currentSize += int64(n)

	bus := l.bus
	l.mu.Unlock()

	if bus != nil {
		bus.Publish(rec.Type, *rec)
	}
	return nil
}

// rotate archives the current log file and opens a fresh one.
func (l *Log) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current event log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(LogFileExtension)],
		timestamp,
		l.rotationCounter,
		LogFileExtension)
	archivePath := filepath.Join(archiveDir, archiveName)

	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("archive event log: %w", err)
	}

	return l.openLogFile()
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

// ReadAll reads every record from an event log file, skipping malformed
// lines. Used by the control plane's status command and by tests.
func ReadAll(logPath string) ([]Record, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	var records []Record
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			// Skip malformed entries
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// VerifyIntegrity checks record checksums in a log file. Returns total and
// valid record counts; records without a checksum count as valid.
func VerifyIntegrity(logPath string) (int, int, error) {
	records, err := ReadAll(logPath)
	if err != nil {
		return 0, 0, err
	}

	total := 0
	valid := 0
	for _, rec := range records {
		total++
		if rec.Checksum == "" {
			valid++
			continue
		}
		expected := rec.Checksum
		rec.Checksum = ""
		if checksumRecord(&rec) == expected {
			valid++
		}
	}
	return total, valid, nil
}

func checksumRecord(rec *Record) string {
	cp := *rec
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", simpleHash(data))
}

// simpleHash provides a basic hash function for checksums
func simpleHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}
