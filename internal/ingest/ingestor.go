package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RhizApp/rhizproto/internal/util"
	"github.com/RhizApp/rhizproto/pkg/common"
	"github.com/RhizApp/rhizproto/pkg/logger"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// Config bounds the ingest worker pool and its admission policy.
type Config struct {
	// Workers is the number of concurrent handler goroutines.
	Workers int
	// QueueSize is the hard ceiling of each priority lane.
	QueueSize int
	// FillThreshold is the total backlog at which low-priority ops start
	// being rejected. High-priority ops are admitted up to the ceiling.
	FillThreshold int
	// Backoff bounds the per-op retry loop before dead-lettering.
	Backoff util.BackoffOptions
	// DedupeWindow is how many recent (rid, cid) keys to remember.
	DedupeWindow int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.FillThreshold <= 0 || c.FillThreshold > 2*c.QueueSize {
		c.FillThreshold = c.QueueSize
	}
	if c.Backoff.MaxTries == 0 {
		c.Backoff = util.DefaultBackoff
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 8192
	}
	return c
}

// Handler applies one op. The ingestor retries transient failures;
// malformed or signature-invalid ops are never retried.
type Handler interface {
	Handle(ctx context.Context, op common.Operation) error
}

// DeadLetterer receives ops that exhausted their retry budget or were
// malformed beyond repair.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, op common.Operation, cause error) error
}

// task is one admitted op plus the delivery acknowledgement that fires
// once the op reaches a terminal disposition.
type task struct {
	op  common.Operation
	ack func()
}

// sourceState tracks one source's log position. committed is the durable
// high-water mark: every seq at or below it has reached a terminal
// disposition. Ops completing ahead of a gap wait in done until the gap
// fills; inflight holds seqs admitted but not yet terminal.
type sourceState struct {
	committed int64
	done      map[int64]bool
	inflight  map[int64]bool
}

// Ingestor admits event ops into two bounded priority lanes and drains
// them with a fixed worker pool. Relationship and attestation creates go
// to the high lane; everything else competes for the low lane and is
// shed first under load.
type Ingestor struct {
	cfg     Config
	store   Store
	handler Handler
	dead    DeadLetterer

	high chan task
	low  chan task
	seen *dedupeSet

	mu      sync.Mutex
	sources map[string]*sourceState

	eg     *errgroup.Group
	cancel context.CancelFunc
}

func NewIngestor(cfg Config, store Store, handler Handler, dead DeadLetterer) *Ingestor {
	cfg = cfg.withDefaults()
	return &Ingestor{
		cfg:     cfg,
		store:   store,
		handler: handler,
		dead:    dead,
		high:    make(chan task, cfg.QueueSize),
		low:     make(chan task, cfg.QueueSize),
		seen:    newDedupeSet(cfg.DedupeWindow),
		sources: make(map[string]*sourceState),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled;
// Wait returns once all of them have drained.
func (i *Ingestor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.eg, runCtx = errgroup.WithContext(runCtx)
	for w := 0; w < i.cfg.Workers; w++ {
		i.eg.Go(func() error {
			return i.work(runCtx)
		})
	}
}

func (i *Ingestor) Stop() error {
	if i.cancel != nil {
		i.cancel()
	}
	err := i.eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Submit admits one op. A nil return means the op was either queued or
// recognized as already processed. ErrQueueSaturated tells the source to
// back off and redeliver.
func (i *Ingestor) Submit(ctx context.Context, op common.Operation) error {
	return i.SubmitWithAck(ctx, op, nil)
}

// SubmitWithAck admits one op and attaches the source's delivery
// acknowledgement. The ingestor invokes ack exactly once, after the op
// reaches a terminal disposition (applied, skipped as already seen, or
// dead-lettered). When SubmitWithAck returns an error, ack has not been
// called and the caller keeps ownership of the delivery.
func (i *Ingestor) SubmitWithAck(ctx context.Context, op common.Operation, ack func()) error {
	if op.RID == "" || op.Seq <= 0 {
		return fmt.Errorf("%w: op missing rid or seq", common.ErrMalformedRecord)
	}

	st, err := i.sourceState(ctx, op.Source)
	if err != nil {
		return err
	}

	if i.seen.contains(op.DedupeKey()) {
		// Content already applied under another delivery. Record the seq
		// so the committed mark can advance past it.
		i.markDone(ctx, op.Source, op.Seq)
		if ack != nil {
			ack()
		}
		return nil
	}

	i.mu.Lock()
	if cur, ok := i.sources[op.Source]; ok {
		// A concurrent Resync may have replaced the state since the load.
		st = cur
	}
	if op.Seq == 1 && st.committed > 0 {
		// A seq-1 op whose content we have never seen while the cursor is
		// ahead means the source reset its log. Known duplicates of seq 1
		// were absorbed by the dedupe check above; the caller must Resync
		// before this op can be admitted.
		i.mu.Unlock()
		return fmt.Errorf("%w: source %s restarted below committed seq %d",
			common.ErrStaleCursor, op.Source, st.committed)
	}
	if op.Seq <= st.committed || st.done[op.Seq] || st.inflight[op.Seq] {
		// At or below the contiguous mark, already terminal, or a
		// redelivery of an op a worker is holding right now.
		i.mu.Unlock()
		if ack != nil {
			ack()
		}
		return nil
	}
	st.inflight[op.Seq] = true
	i.mu.Unlock()

	t := task{op: op, ack: ack}
	if op.HighPriority() {
		select {
		case i.high <- t:
			return nil
		default:
			i.abandon(op.Source, op.Seq)
			return fmt.Errorf("%w: high lane full", common.ErrQueueSaturated)
		}
	}

	if len(i.high)+len(i.low) >= i.cfg.FillThreshold {
		i.abandon(op.Source, op.Seq)
		return fmt.Errorf("%w: backlog over threshold", common.ErrQueueSaturated)
	}
	select {
	case i.low <- t:
		return nil
	default:
		i.abandon(op.Source, op.Seq)
		return fmt.Errorf("%w: low lane full", common.ErrQueueSaturated)
	}
}

// Resync drops the committed cursor for a source so its log replays from
// zero. Called when the source reconnects with a cursor this ingestor no
// longer recognizes.
func (i *Ingestor) Resync(ctx context.Context, source string) error {
	if err := i.store.ResetCursor(ctx, source); err != nil {
		return err
	}
	i.mu.Lock()
	delete(i.sources, source)
	i.mu.Unlock()
	logger.Info("[Ingest] Cursor reset, replaying source from zero", "source", source)
	return nil
}

func (i *Ingestor) work(ctx context.Context) error {
	for {
		// Drain the high lane before touching the low one.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-i.high:
			i.process(ctx, t)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-i.high:
			i.process(ctx, t)
		case t := <-i.low:
			i.process(ctx, t)
		}
	}
}

func (i *Ingestor) process(ctx context.Context, t task) {
	op := t.op
	var permanent error
	err := util.RetryBackoff(ctx, i.cfg.Backoff, func(ctx context.Context) error {
		err := i.handler.Handle(ctx, op)
		if err != nil && !retryable(err) {
			permanent = err
			return nil
		}
		return err
	})
	if permanent != nil {
		err = permanent
	}

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown mid-op: the delivery stays unacked and the cursor does
		// not move, so the op is redelivered on restart.
		i.abandon(op.Source, op.Seq)
		return
	case errors.Is(err, common.ErrSignatureInvalid):
		// Rejected records are logged and skipped; the stream goes on.
		logger.Warn("[Ingest] Signature rejected", "collection", op.Collection, "rid", op.RID, "err", err)
	default:
		err = fmt.Errorf("%w: %v", common.ErrDeadLettered, err)
		logger.Error("[Ingest] Op dead-lettered", "collection", op.Collection, "rid", op.RID, "seq", op.Seq, "err", err)
		if i.dead != nil {
			if dlErr := i.dead.DeadLetter(ctx, op, err); dlErr != nil {
				logger.Error("[Ingest] Dead-letter sink failed", "rid", op.RID, "err", dlErr)
			}
		}
	}

	i.seen.add(op.DedupeKey())
	i.markDone(ctx, op.Source, op.Seq)
	if t.ack != nil {
		t.ack()
	}
}

// retryable separates transient faults from terminal ones. Malformed and
// signature-invalid records never fix themselves on retry; a missing
// attestation target might, once the relationship op lands.
func retryable(err error) bool {
	return !errors.Is(err, common.ErrMalformedRecord) &&
		!errors.Is(err, common.ErrSignatureInvalid)
}

// sourceState returns the cached position for a source, loading the
// durable cursor on first contact.
func (i *Ingestor) sourceState(ctx context.Context, source string) (*sourceState, error) {
	i.mu.Lock()
	st, ok := i.sources[source]
	i.mu.Unlock()
	if ok {
		return st, nil
	}

	cur, err := i.store.GetCursor(ctx, source)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		cur.Seq = 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if st, ok := i.sources[source]; ok {
		return st, nil
	}
	st = &sourceState{
		committed: cur.Seq,
		done:      make(map[int64]bool),
		inflight:  make(map[int64]bool),
	}
	i.sources[source] = st
	return st, nil
}

// markDone records a terminal disposition for one seq and advances the
// committed mark over the longest contiguous run of done seqs. The
// durable cursor only ever moves to a position where everything below it
// is terminal, so an out-of-order op arriving late is never mistaken for
// an already-applied one.
func (i *Ingestor) markDone(ctx context.Context, source string, seq int64) {
	i.mu.Lock()
	st := i.sources[source]
	if st == nil || seq <= st.committed {
		i.mu.Unlock()
		return
	}
	delete(st.inflight, seq)
	st.done[seq] = true
	advanced := false
	for st.done[st.committed+1] {
		st.committed++
		delete(st.done, st.committed)
		advanced = true
	}
	committed := st.committed
	i.mu.Unlock()

	if !advanced {
		return
	}
	if err := i.store.CommitCursor(ctx, source, committed); err != nil {
		logger.Error("[Ingest] Cursor commit failed", "source", source, "seq", committed, "err", err)
	}
}

// abandon releases the admission claim for an op that did not reach a
// terminal disposition, so a redelivery is admitted again.
func (i *Ingestor) abandon(source string, seq int64) {
	i.mu.Lock()
	if st := i.sources[source]; st != nil {
		delete(st.inflight, seq)
	}
	i.mu.Unlock()
}

// dedupeSet remembers the most recent keys with FIFO eviction.
type dedupeSet struct {
	mu    sync.Mutex
	limit int
	keys  map[string]struct{}
	order []string
	head  int
}

func newDedupeSet(limit int) *dedupeSet {
	return &dedupeSet{
		limit: limit,
		keys:  make(map[string]struct{}, limit),
		order: make([]string, limit),
	}
}

func (d *dedupeSet) contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[key]
	return ok
}

func (d *dedupeSet) add(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[key]; ok {
		return
	}
	if evict := d.order[d.head]; evict != "" {
		delete(d.keys, evict)
	}
	d.order[d.head] = key
	d.head = (d.head + 1) % d.limit
	d.keys[key] = struct{}{}
}
