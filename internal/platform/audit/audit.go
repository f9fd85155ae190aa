package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultAlert   Result = "alert"
)

// Event is one audit record. Before/After carry JSON snapshots of the object
// the action touched. HashPrev/HashCurr chain consecutive events so that any
// rewrite of history is detectable.
type Event struct {
	AuditID    string
	OccurredAt time.Time
	ActorID    string
	ObjectType string
	ObjectID   string
	Action     string
	Before     []byte
	After      []byte
	Result     Result
	Reason     string
	HashPrev   string
	HashCurr   string
}

func computeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.OccurredAt.UTC().Format(time.RFC3339Nano)))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.ObjectType + "|" + e.ObjectID + "|" + e.Action + "|" + string(e.Result)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x", e.Before, e.After)))
	return hex.EncodeToString(h.Sum(nil))
}

// Log is an append-only, hash-chained in-memory audit trail.
type Log struct {
	mu     sync.Mutex
	events []Event
	last   string
	nextID int64
}

func NewLog() *Log {
	return &Log{last: "GENESIS"}
}

func (l *Log) Append(e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.AuditID == "" {
		l.nextID++
		e.AuditID = "audit-" + strconv.FormatInt(l.nextID, 10)
	}
	e.HashPrev = l.last
	e.HashCurr = computeHash(l.last, e)

	if len(l.events) > 0 {
		prev := l.events[len(l.events)-1]
		if computeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	l.events = append(l.events, e)
	l.last = e.HashCurr
	return e, nil
}

func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Verify walks the whole chain and reports the first broken link.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := "GENESIS"
	for _, e := range l.events {
		if e.HashPrev != prev {
			return ErrCorruptChain
		}
		if computeHash(prev, e) != e.HashCurr {
			return ErrCorruptChain
		}
		prev = e.HashCurr
	}
	return nil
}
