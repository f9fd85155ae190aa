package audit

import (
	"errors"
	"testing"
	"time"
)

func appendEvent(t *testing.T, l *Log, action string) Event {
	t.Helper()
	e, err := l.Append(Event{
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ActorID:    "user-1",
		ObjectType: "account",
		ObjectID:   "acc-1",
		Action:     action,
		Before:     []byte(`{"balance_minor":100}`),
		After:      []byte(`{"balance_minor":50}`),
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return e
}

func TestAppendChainsEvents(t *testing.T) {
	l := NewLog()
	first := appendEvent(t, l, "debit")
	second := appendEvent(t, l, "credit")

	if first.AuditID == second.AuditID {
		t.Fatalf("audit ids must be unique")
	}
	if first.HashPrev != "GENESIS" {
		t.Fatalf("first HashPrev = %q, want GENESIS", first.HashPrev)
	}
	if second.HashPrev != first.HashCurr {
		t.Fatalf("chain broken: %q != %q", second.HashPrev, first.HashCurr)
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := NewLog()
	appendEvent(t, l, "debit")
	appendEvent(t, l, "credit")

	l.events[0].After = []byte(`{"balance_minor":999}`)
	if err := l.Verify(); !errors.Is(err, ErrCorruptChain) {
		t.Fatalf("verify after tamper = %v, want ErrCorruptChain", err)
	}
}
