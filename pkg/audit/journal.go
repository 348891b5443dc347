// Package audit keeps a tamper-evident journal of cluster events: role
// changes and view replacements, one JSON object per line, each carrying
// the hash of its predecessor.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalFile is the journal's file name inside its directory
const JournalFile = "journal.jsonl"

var (
	ErrClosed   = errors.New("audit: journal closed")
	ErrTampered = errors.New("audit: journal tampered")
)

// Severity levels for journal events
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one journal entry
type Event struct {
	Seq          uint64         `json:"seq"`
	Timestamp    time.Time      `json:"timestamp"`
	NodeID       string         `json:"node_id"`
	Kind         string         `json:"kind"`
	Severity     Severity       `json:"severity"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash,omitempty"`
	EventHash    string         `json:"event_hash"`
}

// Journal appends hash-chained events to a single file
type Journal struct {
	mu       sync.Mutex
	path     string
	nodeID   string
	file     *os.File
	writer   *bufio.Writer
	lastHash string
	seq      uint64
	now      func() time.Time
}

// Open opens or creates the journal in dir and resumes its hash chain.
func Open(dir, nodeID string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	j := &Journal{
		path:   filepath.Join(dir, JournalFile),
		nodeID: nodeID,
		now:    time.Now,
	}

	last, err := lastEvent(j.path)
	if err != nil {
		return nil, err
	}
	j.lastHash, j.seq = last.EventHash, last.Seq

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	j.file = file
	j.writer = bufio.NewWriter(file)
	return j, nil
}

// Append records one event and syncs it to disk.
func (j *Journal) Append(kind string, severity Severity, details map[string]any) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return Event{}, ErrClosed
	}

	ev := Event{
		Seq:          j.seq + 1,
		Timestamp:    j.now().UTC(),
		NodeID:       j.nodeID,
		Kind:         kind,
		Severity:     severity,
		Details:      details,
		PreviousHash: j.lastHash,
	}
	hash, err := hashEvent(ev)
	if err != nil {
		return Event{}, err
	}
	ev.EventHash = hash

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("failed to write event: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return Event{}, fmt.Errorf("failed to flush event: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("failed to sync journal: %w", err)
	}

	j.seq = ev.Seq
	j.lastHash = ev.EventHash
	return ev, nil
}

// Len returns the number of events written so far
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	j.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// hashEvent hashes the event with its own hash cleared
func hashEvent(ev Event) (string, error) {
	ev.EventHash = ""
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
