package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RhizApp/rhizproto/internal/util"
	"github.com/RhizApp/rhizproto/pkg/common"
)

type stubHandler struct {
	mu      sync.Mutex
	handled []common.Operation
	fail    func(op common.Operation) error
}

func (h *stubHandler) Handle(_ context.Context, op common.Operation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		if err := h.fail(op); err != nil {
			return err
		}
	}
	h.handled = append(h.handled, op)
	return nil
}

func (h *stubHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

type stubDead struct {
	mu  sync.Mutex
	ops []common.Operation
}

func (d *stubDead) DeadLetter(_ context.Context, op common.Operation, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op)
	return nil
}

func (d *stubDead) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops)
}

func op(seq int64, collection common.Collection, action common.Action, rid, cid string) common.Operation {
	return common.Operation{
		Source:     "src-1",
		Seq:        seq,
		Collection: collection,
		Action:     action,
		RID:        rid,
		CID:        cid,
		Time:       time.Now(),
	}
}

func fastBackoff(tries int) util.BackoffOptions {
	return util.BackoffOptions{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxTries: tries}
}

func TestIngestor_ProcessesAndCommitsCursor(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{}
	ing := NewIngestor(Config{Workers: 2, Backoff: fastBackoff(2)}, store, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	for seq := int64(1); seq <= 5; seq++ {
		o := op(seq, common.CollectionRelationship, common.ActionCreate, fmt.Sprintf("at://r%d", seq), fmt.Sprintf("c%d", seq))
		if err := ing.Submit(ctx, o); err != nil {
			t.Fatalf("submit seq %d: %v", seq, err)
		}
	}

	waitFor(t, func() bool { return h.count() == 5 })
	cancel()
	if err := ing.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	cur, err := store.GetCursor(context.Background(), "src-1")
	if err != nil || cur.Seq != 5 {
		t.Fatalf("cursor not committed: seq=%d err=%v", cur.Seq, err)
	}
}

func TestIngestor_SkipsBelowCursor(t *testing.T) {
	store := newFakeStore()
	store.cursors["src-1"] = 10
	h := &stubHandler{}
	ing := NewIngestor(Config{Workers: 1, Backoff: fastBackoff(1)}, store, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	if err := ing.Submit(ctx, op(7, common.CollectionRelationship, common.ActionCreate, "at://r7", "c7")); err != nil {
		t.Fatalf("below-cursor op should be dropped silently, got %v", err)
	}
	if err := ing.Submit(ctx, op(11, common.CollectionRelationship, common.ActionCreate, "at://r11", "c11")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return h.count() == 1 })
	if h.handled[0].Seq != 11 {
		t.Fatalf("wrong op processed: %d", h.handled[0].Seq)
	}
}

func TestIngestor_StaleCursorResync(t *testing.T) {
	store := newFakeStore()
	store.cursors["src-1"] = 10
	h := &stubHandler{}
	ing := NewIngestor(Config{Workers: 1, Backoff: fastBackoff(1)}, store, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	// Seq 1 while the committed mark is 10 means the source reset its log.
	err := ing.Submit(ctx, op(1, common.CollectionRelationship, common.ActionCreate, "at://r1", "c1"))
	if !errors.Is(err, common.ErrStaleCursor) {
		t.Fatalf("expected ErrStaleCursor, got %v", err)
	}

	if err := ing.Resync(ctx, "src-1"); err != nil {
		t.Fatal(err)
	}
	if err := ing.Submit(ctx, op(1, common.CollectionRelationship, common.ActionCreate, "at://r1", "c1")); err != nil {
		t.Fatalf("post-resync submit failed: %v", err)
	}

	waitFor(t, func() bool { return h.count() == 1 })
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.cursors["src-1"] == 1
	})
}

func TestIngestor_DedupesByRIDAndCID(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{}
	ing := NewIngestor(Config{Workers: 1, Backoff: fastBackoff(1)}, store, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	first := op(1, common.CollectionRelationship, common.ActionCreate, "at://r1", "c1")
	if err := ing.Submit(ctx, first); err != nil {
		t.Fatal(err)
	}
	// The dedupe key is recorded when the cursor commits.
	waitFor(t, func() bool {
		cur, _ := store.GetCursor(context.Background(), "src-1")
		return cur.Seq == 1
	})

	// Replay above the cursor with the same content hash: no-op.
	replay := first
	replay.Seq = 2
	if err := ing.Submit(ctx, replay); err != nil {
		t.Fatal(err)
	}
	// Same RID, new content: processed.
	updated := op(3, common.CollectionRelationship, common.ActionUpdate, "at://r1", "c2")
	if err := ing.Submit(ctx, updated); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return h.count() == 2 })
	time.Sleep(20 * time.Millisecond)
	if h.count() != 2 {
		t.Fatalf("replay was processed: %d handler calls", h.count())
	}
}

func TestIngestor_BackpressureAdmission(t *testing.T) {
	store := newFakeStore()
	// A handler that never finishes keeps the lanes full.
	block := make(chan struct{})
	h := &stubHandler{fail: func(common.Operation) error {
		<-block
		return nil
	}}
	defer close(block)

	ing := NewIngestor(Config{Workers: 1, QueueSize: 2, FillThreshold: 2, Backoff: fastBackoff(1)}, store, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	// One op occupies the worker; fill the low lane to the threshold.
	if err := ing.Submit(ctx, op(1, common.CollectionProfile, common.ActionUpdate, "did:plc:a", "c1")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	seq := int64(2)
	for ; ; seq++ {
		err := ing.Submit(ctx, op(seq, common.CollectionProfile, common.ActionUpdate, fmt.Sprintf("did:plc:x%d", seq), fmt.Sprintf("c%d", seq)))
		if err != nil {
			if !errors.Is(err, common.ErrQueueSaturated) {
				t.Fatalf("want ErrQueueSaturated, got %v", err)
			}
			break
		}
		if seq > 10 {
			t.Fatal("low-priority admission never saturated")
		}
	}

	// High-priority creates are still admitted past the threshold.
	if err := ing.Submit(ctx, op(seq+1, common.CollectionAttestation, common.ActionCreate, "at://a1", "ca1")); err != nil {
		t.Fatalf("high-priority op rejected under low-lane pressure: %v", err)
	}
}

func TestIngestor_RetriesThenDeadLetters(t *testing.T) {
	store := newFakeStore()
	dead := &stubDead{}
	attempts := 0
	h := &stubHandler{fail: func(op common.Operation) error {
		attempts++
		return errors.New("transient storage fault")
	}}
	ing := NewIngestor(Config{Workers: 1, Backoff: fastBackoff(3)}, store, h, dead)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	if err := ing.Submit(ctx, op(1, common.CollectionRelationship, common.ActionCreate, "at://r1", "c1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return dead.count() == 1 })
	if attempts != 3 {
		t.Fatalf("want 3 attempts before dead-letter, got %d", attempts)
	}

	// Terminal for the op, so the cursor still advances past it.
	cur, err := store.GetCursor(context.Background(), "src-1")
	if err != nil || cur.Seq != 1 {
		t.Fatalf("cursor not advanced past dead-lettered op: seq=%d err=%v", cur.Seq, err)
	}
}

func TestIngestor_MalformedIsNotRetried(t *testing.T) {
	store := newFakeStore()
	dead := &stubDead{}
	attempts := 0
	h := &stubHandler{fail: func(op common.Operation) error {
		attempts++
		return fmt.Errorf("%w: bad record", common.ErrMalformedRecord)
	}}
	ing := NewIngestor(Config{Workers: 1, Backoff: fastBackoff(5)}, store, h, dead)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	if err := ing.Submit(ctx, op(1, common.CollectionRelationship, common.ActionCreate, "at://r1", "c1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return dead.count() == 1 })
	if attempts != 1 {
		t.Fatalf("malformed record retried: %d attempts", attempts)
	}
}

func TestIngestor_SignatureInvalidIsDroppedNotDeadLettered(t *testing.T) {
	store := newFakeStore()
	dead := &stubDead{}
	h := &stubHandler{fail: func(op common.Operation) error {
		return fmt.Errorf("%w: forged", common.ErrSignatureInvalid)
	}}
	ing := NewIngestor(Config{Workers: 1, Backoff: fastBackoff(5)}, store, h, dead)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	if err := ing.Submit(ctx, op(1, common.CollectionRelationship, common.ActionCreate, "at://r1", "c1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		cur, _ := store.GetCursor(context.Background(), "src-1")
		return cur.Seq == 1
	})
	if dead.count() != 0 {
		t.Fatalf("rejected record should be logged and skipped, not dead-lettered")
	}
}

func TestIngestor_OutOfOrderArrivalIsNotDropped(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{}
	ing := NewIngestor(Config{Workers: 2, Backoff: fastBackoff(2)}, store, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	// Seq 5 lands first; the durable mark must hold at 0 because 1..4 are
	// still outstanding.
	if err := ing.Submit(ctx, op(5, common.CollectionRelationship, common.ActionCreate, "at://r5", "c5")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.count() == 1 })
	if cur, err := store.GetCursor(ctx, "src-1"); err == nil {
		t.Fatalf("cursor advanced over unprocessed seqs: %d", cur.Seq)
	}

	// The delayed seq 3 arrives after 5 finished. It was never applied,
	// so it has to be processed, not skipped.
	if err := ing.Submit(ctx, op(3, common.CollectionRelationship, common.ActionCreate, "at://r3", "c3")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return h.count() == 2 })

	for _, seq := range []int64{1, 2, 4} {
		o := op(seq, common.CollectionRelationship, common.ActionCreate, fmt.Sprintf("at://r%d", seq), fmt.Sprintf("c%d", seq))
		if err := ing.Submit(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool {
		cur, err := store.GetCursor(context.Background(), "src-1")
		return err == nil && cur.Seq == 5
	})
}

func TestIngestor_AcksOnTerminalDisposition(t *testing.T) {
	store := newFakeStore()
	var mu sync.Mutex
	var events []string
	h := &stubHandler{fail: func(common.Operation) error {
		mu.Lock()
		events = append(events, "handled")
		mu.Unlock()
		return nil
	}}
	ing := NewIngestor(Config{Workers: 1, Backoff: fastBackoff(1)}, store, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	first := op(1, common.CollectionRelationship, common.ActionCreate, "at://r1", "c1")
	ack := func() {
		mu.Lock()
		events = append(events, "acked")
		mu.Unlock()
	}
	if err := ing.SubmitWithAck(ctx, first, ack); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})
	mu.Lock()
	if events[0] != "handled" || events[1] != "acked" {
		t.Fatalf("ack must follow processing, got %v", events)
	}
	mu.Unlock()

	// A redelivery of applied content is acked immediately without
	// touching the handler.
	reacked := false
	replay := first
	replay.Seq = 2
	if err := ing.SubmitWithAck(ctx, replay, func() { reacked = true }); err != nil {
		t.Fatal(err)
	}
	if !reacked {
		t.Fatal("duplicate delivery was not acked")
	}
	if h.count() != 1 {
		t.Fatalf("duplicate delivery reached the handler: %d calls", h.count())
	}
}

func TestIngestor_RejectedOpIsAdmittedOnRedelivery(t *testing.T) {
	store := newFakeStore()
	block := make(chan struct{})
	h := &stubHandler{fail: func(common.Operation) error {
		<-block
		return nil
	}}
	ing := NewIngestor(Config{Workers: 1, QueueSize: 1, FillThreshold: 1, Backoff: fastBackoff(1)}, store, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	if err := ing.Submit(ctx, op(1, common.CollectionProfile, common.ActionUpdate, "did:plc:a", "c1")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := ing.Submit(ctx, op(2, common.CollectionProfile, common.ActionUpdate, "did:plc:b", "c2")); err != nil {
		t.Fatal(err)
	}
	rejected := op(3, common.CollectionProfile, common.ActionUpdate, "did:plc:c", "c3")
	if err := ing.Submit(ctx, rejected); !errors.Is(err, common.ErrQueueSaturated) {
		t.Fatalf("want ErrQueueSaturated, got %v", err)
	}

	close(block)
	waitFor(t, func() bool { return h.count() == 2 })

	// The broker redelivers the rejected op; the earlier rejection must
	// not have left a claim behind that swallows it.
	if err := ing.Submit(ctx, rejected); err != nil {
		t.Fatalf("redelivery of rejected op refused: %v", err)
	}
	waitFor(t, func() bool { return h.count() == 3 })
	waitFor(t, func() bool {
		cur, err := store.GetCursor(context.Background(), "src-1")
		return err == nil && cur.Seq == 3
	})
}

func TestIngestor_DuplicateFirstSeqIsNotALogReset(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{}
	ing := NewIngestor(Config{Workers: 1, Backoff: fastBackoff(1)}, store, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)

	first := op(1, common.CollectionRelationship, common.ActionCreate, "at://r1", "c1")
	if err := ing.Submit(ctx, first); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		cur, err := store.GetCursor(context.Background(), "src-1")
		return err == nil && cur.Seq == 1
	})

	// At-least-once delivery legitimately re-sends seq 1. Known content
	// is a duplicate, not a log reset.
	if err := ing.Submit(ctx, first); err != nil {
		t.Fatalf("duplicate seq-1 delivery flagged as reset: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if h.count() != 1 {
		t.Fatalf("duplicate seq-1 delivery reprocessed: %d calls", h.count())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
