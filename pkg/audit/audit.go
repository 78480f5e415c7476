// Package audit implements the tamper-evident decision log: an append-only
// JSON-lines file where each entry is hash-chained to its predecessor.
// Any mutation of a past entry invalidates verification from that point on.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/twinops/twinops/pkg/canonical"
)

// Event classifies a kernel decision or execution outcome.
type Event string

const (
	EventProposed        Event = "proposed"
	EventDenied          Event = "denied"
	EventSimulated       Event = "simulated"
	EventPendingApproval Event = "pending_approval"
	EventApproved        Event = "approved"
	EventRejected        Event = "rejected"
	EventExecuted        Event = "executed"
	EventExecFailed      Event = "exec_failed"
)

// GenesisHash is the prev_hash of the first entry: 64 hex zeros.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one audit record. Hash covers prev_hash plus the canonical JSON
// of the entry without the hash field itself.
type Entry struct {
	Seq          int64          `json:"seq"`
	TS           time.Time      `json:"ts"`
	Actor        string         `json:"actor"`
	Roles        []string       `json:"roles,omitempty"`
	Event        Event          `json:"event"`
	Tool         string         `json:"tool,omitempty"`
	ArgsDigest   string         `json:"args_digest,omitempty"`
	Decision     string         `json:"decision,omitempty"`
	ResultDigest string         `json:"result_digest,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PrevHash     string         `json:"prev_hash"`
	Hash         string         `json:"hash,omitempty"`
}

// Clock provides time for audit entries. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Log is the single-writer append handle. Verifiers open their own read
// handle via Verify; they never share this one.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	seq      int64
	prevHash string
	clock    Clock
}

// Open opens (or creates) the audit log at path and recovers the chain tail
// so appends continue the existing sequence.
func Open(path string, clock ...Clock) (*Log, error) {
	var c Clock = wallClock{}
	if len(clock) > 0 && clock[0] != nil {
		c = clock[0]
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("audit: create dir: %w", err)
		}
	}

	l := &Log{path: path, prevHash: GenesisHash, clock: c}
	if err := l.recoverTail(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	l.f = f
	return l, nil
}

func (l *Log) recoverTail() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: recover: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return fmt.Errorf("audit: corrupt tail at seq %d: %w", l.seq+1, err)
		}
		l.seq = e.Seq
		l.prevHash = e.Hash
	}
	return sc.Err()
}

// Append assigns seq, ts, prev_hash and hash, then durably writes one
// canonical JSON line. The fsync per entry is deliberate: an audit entry
// that can be lost is not an audit entry.
func (l *Log) Append(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = l.seq + 1
	e.TS = l.clock.Now().UTC()
	e.PrevHash = l.prevHash
	e.Hash = ""

	h, err := entryHash(e)
	if err != nil {
		return err
	}
	e.Hash = h

	line, err := canonical.JCS(e)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("audit: fsync: %w", err)
	}

	l.seq = e.Seq
	l.prevHash = e.Hash
	return nil
}

// Close releases the write handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// entryHash computes sha256(prev_hash || JCS(entry sans hash)).
func entryHash(e *Entry) (string, error) {
	sans := *e
	sans.Hash = ""
	body, err := canonical.JCS(&sans)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(append([]byte(e.PrevHash), body...)), nil
}

// Verify re-reads the log sequentially and recomputes the chain.
// Returns (true, 0) for an intact (or absent) log, or (false, seq) with the
// first broken sequence number.
func Verify(path string) (bool, int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("audit: verify open: %w", err)
	}
	defer f.Close()

	prevHash := GenesisHash
	var lineNo int64

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lineNo++

		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return false, lineNo, nil
		}
		if e.Seq != lineNo {
			return false, lineNo, nil
		}
		if e.PrevHash != prevHash {
			return false, e.Seq, nil
		}
		computed, err := entryHash(&e)
		if err != nil {
			return false, e.Seq, nil
		}
		if computed != e.Hash {
			return false, e.Seq, nil
		}
		prevHash = e.Hash
	}
	if err := sc.Err(); err != nil {
		return false, lineNo, fmt.Errorf("audit: verify read: %w", err)
	}
	return true, 0, nil
}
