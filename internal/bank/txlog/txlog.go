// Package txlog is the best-effort statement/notification side channel.
// Appending a LedgerEvent never blocks or fails a completed debit: the
// notifier dispatches asynchronously and a sink failure is logged, counted,
// and raised on the audit trail for operational alerting, never returned.
package txlog

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborpay/corebank/internal/platform/audit"
	"github.com/harborpay/corebank/internal/platform/metrics"
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Event is one append-only statement entry for a completed mutation.
type Event struct {
	EventID           string    `json:"event_id"`
	UserID            string    `json:"user_id"`
	AccountID         string    `json:"account_id"`
	Direction         Direction `json:"direction"`
	AmountMinor       int64     `json:"amount_minor"`
	BalanceAfterMinor int64     `json:"balance_after_minor"`
	TransactionID     string    `json:"transaction_id"`
	CreatedAt         time.Time `json:"created_at"`
}

type Sink interface {
	Append(ctx context.Context, e Event) error
}

// MemorySink retains events in order; used in-process and by tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Notifier dispatches events to the sink without joining the caller's
// success path. Flush waits for in-flight dispatches; the daemon calls it on
// shutdown and tests call it before asserting.
type Notifier struct {
	Sink    Sink
	Metrics *metrics.Metrics
	Audit   *audit.Log

	wg sync.WaitGroup
}

func (n *Notifier) Notify(e Event) {
	if n == nil || n.Sink == nil {
		return
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.Sink.Append(ctx, e); err != nil {
			n.Metrics.ObserveEventDropped()
			log.Printf("level=error component=txlog msg=\"ledger event dropped\" transaction_id=%s account_id=%s err=%v", e.TransactionID, e.AccountID, err)
			n.auditDrop(e, err)
			return
		}
		n.Metrics.ObserveEventNotified()
	}()
}

func (n *Notifier) Flush() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *Notifier) auditDrop(e Event, err error) {
	if n.Audit == nil {
		return
	}
	payload, _ := json.Marshal(e)
	_, _ = n.Audit.Append(audit.Event{
		OccurredAt: e.CreatedAt,
		ActorID:    "system",
		ObjectType: "ledger_event",
		ObjectID:   e.TransactionID,
		Action:     "event_append",
		Before:     []byte(`{}`),
		After:      payload,
		Result:     audit.ResultAlert,
		Reason:     err.Error(),
	})
}
