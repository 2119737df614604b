// Package audit implements the append-only, hash-chained decision record.
//
// Every state-changing decision and externally visible action is appended
// as an Entry whose hash covers the previous entry's hash, forming an
// unbroken chain from genesis. Entries are never updated or deleted.
// Sensitive payload fields are masked before an entry reaches the commonly
// queried log; the chain commits to the unmasked canonical representation,
// which is kept in a restricted vault.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Waypoint-Systems/keel/core/pkg/canonicalize"
	"github.com/Waypoint-Systems/keel/core/pkg/redact"
)

var (
	ErrEntryNotFound = errors.New("audit: entry not found")
	ErrChainBroken   = errors.New("audit: hash chain is broken")
	// ErrLogHalted is returned by Append after chain corruption has been
	// detected. This is fail-closed: no new entries are accepted until a
	// manual investigation calls Resume.
	ErrLogHalted = errors.New("audit: log halted after chain corruption")
)

// GenesisHash is the previous-hash value of the first entry.
const GenesisHash = "genesis"

// Entry is a single immutable record in the audit log.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	SessionID    string          `json:"session_id"`
	ActorID      string          `json:"actor_id"`
	Action       string          `json:"action"`
	PayloadType  string          `json:"payload_type,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	DetailsHash  string          `json:"details_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Actions recorded by the orchestration layer.
const (
	ActionSessionAcquired  = "session.acquired"
	ActionStateTransition  = "session.transition"
	ActionApprovalRequest  = "approval.requested"
	ActionApprovalResolved = "approval.resolved"
	ActionActionExecuted   = "action.executed"
	ActionSessionReleased  = "session.released"
)

// Backend persists entries and their unmasked canonical details.
// The in-memory log is authoritative for chain state; a backend is a
// durable write-through.
type Backend interface {
	// Persist stores the entry alongside the unmasked canonical details.
	Persist(entry *Entry, unmasked []byte) error
	// Load returns all persisted entries in sequence order.
	Load() ([]*Entry, error)
	// Unmasked returns the vaulted canonical details for a sequence number.
	Unmasked(seq uint64) ([]byte, error)
}

// EntryHandler observes appended entries. Handlers power the
// presentation bridge and must not block.
type EntryHandler func(entry *Entry)

// Log is the append-only audit log. The sequence number is assigned under
// a single lock, so entries are totally ordered across all concurrent
// sessions, not merely per session.
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	bySession map[string][]*Entry
	sequence  uint64
	chainHead string
	halted    bool
	backend   Backend
	redactor  *redact.Registry
	handlers  []EntryHandler
	clock     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithBackend attaches a durable backend. Existing persisted entries are
// loaded and the chain resumes from the last persisted head.
func WithBackend(b Backend) Option {
	return func(l *Log) { l.backend = b }
}

// WithRedactor attaches the static redaction schema registry. Entries
// appended with a payload type are masked through it.
func WithRedactor(r *redact.Registry) Option {
	return func(l *Log) { l.redactor = r }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// NewLog creates an audit log, replaying any persisted entries from the
// configured backend.
func NewLog(opts ...Option) (*Log, error) {
	l := &Log{
		bySession: make(map[string][]*Entry),
		chainHead: GenesisHash,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.backend != nil {
		persisted, err := l.backend.Load()
		if err != nil {
			return nil, fmt.Errorf("audit: backend load failed: %w", err)
		}
		for _, e := range persisted {
			l.entries = append(l.entries, e)
			l.bySession[e.SessionID] = append(l.bySession[e.SessionID], e)
		}
		if n := len(persisted); n > 0 {
			l.sequence = persisted[n-1].Sequence
			l.chainHead = persisted[n-1].EntryHash
		}
	}
	return l, nil
}

// Append records a decision. details is marshaled to JSON and, when a
// payload type is given, masked through the redaction registry before it
// is stored; the chain hash commits to the unmasked canonical form.
// Append is the only write operation on the log.
func (l *Log) Append(sessionID, actorID, action, payloadType string, details any) (*Entry, error) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal details: %w", err)
	}
	unmasked, err := canonicalize.JCS(details)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize details: %w", err)
	}

	stored := json.RawMessage(detailsJSON)
	if payloadType != "" && l.redactor != nil {
		stored, err = l.redactor.Apply(payloadType, detailsJSON)
		if err != nil {
			return nil, fmt.Errorf("audit: redact details: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return nil, ErrLogHalted
	}

	l.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence,
		Timestamp:    l.clock().UTC(),
		SessionID:    sessionID,
		ActorID:      actorID,
		Action:       action,
		PayloadType:  payloadType,
		Details:      stored,
		DetailsHash:  canonicalize.HashBytes(unmasked),
		PreviousHash: l.chainHead,
	}

	entryHash, err := computeEntryHash(entry)
	if err != nil {
		l.sequence--
		return nil, err
	}
	entry.EntryHash = entryHash

	if l.backend != nil {
		if err := l.backend.Persist(entry, unmasked); err != nil {
			l.sequence--
			return nil, fmt.Errorf("audit: persist entry: %w", err)
		}
	}

	l.chainHead = entry.EntryHash
	l.entries = append(l.entries, entry)
	l.bySession[sessionID] = append(l.bySession[sessionID], entry)

	for _, h := range l.handlers {
		h(entry)
	}
	return entry, nil
}

// computeEntryHash hashes the chained representation of an entry:
// previous hash, sequence, timestamp, session, actor, action, and the
// hash of the unmasked canonical details.
func computeEntryHash(entry *Entry) (string, error) {
	hashable := struct {
		PreviousHash string    `json:"previous_hash"`
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		SessionID    string    `json:"session_id"`
		ActorID      string    `json:"actor_id"`
		Action       string    `json:"action"`
		DetailsHash  string    `json:"details_hash"`
	}{
		PreviousHash: entry.PreviousHash,
		Sequence:     entry.Sequence,
		Timestamp:    entry.Timestamp,
		SessionID:    entry.SessionID,
		ActorID:      entry.ActorID,
		Action:       entry.Action,
		DetailsHash:  entry.DetailsHash,
	}
	hash, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: hash entry: %w", err)
	}
	return hash, nil
}

// ChainError reports the first corrupt entry found by Verify.
type ChainError struct {
	Sequence uint64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

// Verify recomputes every entry hash in [fromSeq, toSeq] and checks the
// predecessor linkage. It returns a *ChainError identifying the first
// tampered or missing entry. Detecting corruption halts new appends.
func (l *Log) Verify(fromSeq, toSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expectedPrev := GenesisHash
	expectedSeq := uint64(1)
	if fromSeq > 1 {
		if int(fromSeq-2) >= len(l.entries) {
			return &ChainError{Sequence: fromSeq, Reason: "range start beyond log"}
		}
		expectedPrev = l.entries[fromSeq-2].EntryHash
		expectedSeq = fromSeq
	}

	for _, entry := range l.entries {
		if entry.Sequence < expectedSeq {
			continue
		}
		if toSeq > 0 && entry.Sequence > toSeq {
			break
		}
		if entry.Sequence != expectedSeq {
			l.halted = true
			return &ChainError{Sequence: expectedSeq, Reason: "missing entry"}
		}
		if entry.PreviousHash != expectedPrev {
			l.halted = true
			return &ChainError{Sequence: entry.Sequence, Reason: "previous hash mismatch"}
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return err
		}
		if computed != entry.EntryHash {
			l.halted = true
			return &ChainError{Sequence: entry.Sequence, Reason: "entry hash mismatch"}
		}
		expectedPrev = entry.EntryHash
		expectedSeq++
	}
	return nil
}

// Halted reports whether appends are suspended after corruption.
func (l *Log) Halted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.halted
}

// Resume re-enables appends after a manual investigation. The caller is
// responsible for having restored or truncated the corrupted range.
func (l *Log) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halted = false
}

// AddHandler registers an observer for appended entries.
func (l *Log) AddHandler(h EntryHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Sequence returns the last assigned sequence number.
func (l *Log) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// ChainHead returns the hash of the most recent entry.
func (l *Log) ChainHead() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Size returns the number of entries in the log.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
