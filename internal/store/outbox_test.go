package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "outbox.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// exerciseOutbox runs the shared OutboxRepo contract against a backend.
func exerciseOutbox(t *testing.T, r OutboxRepo) {
	t.Helper()

	id1, err := r.EnqueueOutboxMessage("+15550001", "first", "m1:0")
	if err != nil || id1 == "" {
		t.Fatalf("EnqueueOutboxMessage: %q, %v", id1, err)
	}
	if again, _ := r.EnqueueOutboxMessage("+15550001", "first", "m1:0"); again != id1 {
		t.Errorf("expected dedupe to return %q, got %q", id1, again)
	}
	id2, _ := r.EnqueueOutboxMessage("+15550001", "second", "m1:1")
	id3, _ := r.EnqueueOutboxMessage("+15550002", "other", "")

	now := time.Now()
	claimed, err := r.ClaimDueOutboxMessages(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	if claimed[0].ID != id1 || claimed[1].ID != id2 || claimed[2].ID != id3 {
		t.Errorf("claimed out of enqueue order: %+v", claimed)
	}
	if claimed[0].Status != OutboxStatusSending || claimed[0].Body != "first" {
		t.Errorf("unexpected claimed message %+v", claimed[0])
	}
	if again, _ := r.ClaimDueOutboxMessages(now, 10); len(again) != 0 {
		t.Errorf("sending messages claimed twice: %d", len(again))
	}

	if err := r.MarkOutboxMessageSent(id1); err != nil {
		t.Fatalf("MarkOutboxMessageSent: %v", err)
	}
	if err := r.FailOutboxMessage(id2, "timeout", now.Add(time.Minute)); err != nil {
		t.Fatalf("FailOutboxMessage: %v", err)
	}
	if err := r.FailOutboxMessage(id3, "rejected", time.Time{}); err != nil {
		t.Fatalf("FailOutboxMessage permanent: %v", err)
	}

	if due, _ := r.ClaimDueOutboxMessages(now, 10); len(due) != 0 {
		t.Errorf("retry claimed before its time: %d", len(due))
	}
	retry, _ := r.ClaimDueOutboxMessages(now.Add(2*time.Minute), 10)
	if len(retry) != 1 || retry[0].ID != id2 || retry[0].Attempts != 1 || retry[0].LastError != "timeout" {
		t.Fatalf("unexpected retry batch %+v", retry)
	}

	if n, err := r.RequeueStaleSendingMessages(now.Add(3 * time.Minute)); err != nil || n != 1 {
		t.Errorf("RequeueStaleSendingMessages = %d, %v", n, err)
	}

	// id1 is sent and id3 failed; the requeued id2 is still live.
	if n, err := r.PruneOutbox(time.Now().Add(time.Hour)); err != nil || n != 2 {
		t.Errorf("PruneOutbox = %d, %v", n, err)
	}
	left, _ := r.ClaimDueOutboxMessages(now.Add(2*time.Minute), 10)
	if len(left) != 1 || left[0].ID != id2 {
		t.Errorf("expected only id2 after prune, got %+v", left)
	}
}

func TestInMemoryOutbox(t *testing.T) {
	exerciseOutbox(t, NewInMemoryStore())
}

func TestSQLiteOutbox(t *testing.T) {
	exerciseOutbox(t, newTestSQLiteStore(t))
}

func TestPruneInbound(t *testing.T) {
	for name, d := range map[string]DedupRepo{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := d.RecordInbound("old", "+1555"); err != nil {
				t.Fatal(err)
			}
			if n, err := d.PruneInbound(time.Now().Add(-time.Hour)); err != nil || n != 0 {
				t.Errorf("PruneInbound before receipt = %d, %v", n, err)
			}
			if n, err := d.PruneInbound(time.Now().Add(time.Hour)); err != nil || n != 1 {
				t.Errorf("PruneInbound after receipt = %d, %v", n, err)
			}
			if dup, _ := d.IsDuplicate("old"); dup {
				t.Error("pruned record still reported as duplicate")
			}
		})
	}
}

type recordingSender struct {
	mu     sync.Mutex
	bodies []string
	fail   map[string]bool
}

func (r *recordingSender) send(ctx context.Context, msg OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[msg.Body] {
		return errors.New("channel down")
	}
	r.bodies = append(r.bodies, msg.Body)
	return nil
}

func TestOutboxSender_PollDeliversInOrder(t *testing.T) {
	s := NewInMemoryStore()
	rec := &recordingSender{}
	sender := NewOutboxSender(s, rec.send, time.Second)

	for _, body := range []string{"a", "b", "c"} {
		if _, err := s.EnqueueOutboxMessage("+1555", body, ""); err != nil {
			t.Fatal(err)
		}
	}
	sender.Poll(context.Background())

	if len(rec.bodies) != 3 || rec.bodies[0] != "a" || rec.bodies[2] != "c" {
		t.Errorf("unexpected delivery order %v", rec.bodies)
	}
	for _, m := range s.OutboxMessages() {
		if m.Status != OutboxStatusSent {
			t.Errorf("message %s left in %s", m.Body, m.Status)
		}
	}
}

func TestOutboxSender_FailureDefersRecipient(t *testing.T) {
	s := NewInMemoryStore()
	rec := &recordingSender{fail: map[string]bool{"a": true}}
	sender := NewOutboxSender(s, rec.send, time.Second)

	s.EnqueueOutboxMessage("+1555", "a", "")
	s.EnqueueOutboxMessage("+1555", "b", "")
	s.EnqueueOutboxMessage("+1666", "x", "")
	sender.Poll(context.Background())

	if len(rec.bodies) != 1 || rec.bodies[0] != "x" {
		t.Fatalf("expected only the other recipient delivered, got %v", rec.bodies)
	}
	msgs := s.OutboxMessages()
	if msgs[0].Status != OutboxStatusQueued || msgs[0].NextAttemptAt == nil {
		t.Errorf("failed message not rescheduled: %+v", msgs[0])
	}
	if msgs[1].Status != OutboxStatusQueued || !msgs[1].NextAttemptAt.Equal(*msgs[0].NextAttemptAt) {
		t.Errorf("follow-up not deferred behind failure: %+v", msgs[1])
	}
}

func TestOutboxSender_GivesUpAfterMaxAttempts(t *testing.T) {
	s := NewInMemoryStore()
	rec := &recordingSender{fail: map[string]bool{"a": true}}
	sender := NewOutboxSender(s, rec.send, time.Second)

	id, _ := s.EnqueueOutboxMessage("+1555", "a", "")
	// Burn all but the last attempt.
	for i := 0; i < MaxOutboxAttempts-1; i++ {
		s.FailOutboxMessage(id, "down", time.Now().Add(-time.Second))
	}
	sender.Poll(context.Background())

	if m := s.OutboxMessages()[0]; m.Status != OutboxStatusFailed || m.Attempts != MaxOutboxAttempts {
		t.Errorf("expected permanent failure, got %+v", m)
	}
}

func TestOutboxSender_RunAndRecover(t *testing.T) {
	s := newTestSQLiteStore(t)
	var sent int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 20*time.Millisecond)

	// A message claimed by a process that then crashed.
	s.EnqueueOutboxMessage("+1555", "stuck", "")
	if _, err := s.ClaimDueOutboxMessages(time.Now().Add(-time.Hour), 10); err != nil {
		t.Fatal(err)
	}
	if err := sender.RecoverStaleMessages(); err != nil {
		t.Fatalf("RecoverStaleMessages: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sender.Run(ctx)

	if got := atomic.LoadInt32(&sent); got != 1 {
		t.Errorf("expected 1 send, got %d", got)
	}
}
