package pending

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDuplicateCorrelationID signals a broken identifier generator.
	// Under correct UUID generation this never happens; it is treated as
	// a fatal programming-error signal, not a runtime condition.
	ErrDuplicateCorrelationID = errors.New("pending: duplicate correlation id")

	// ErrTableClosed is returned by Register after shutdown has begun.
	ErrTableClosed = errors.New("pending: table closed")

	// ErrTimeout is the outcome delivered to entries reaped by the
	// expiry sweeper.
	ErrTimeout = errors.New("pending: request deadline exceeded")
)

// shardCount spreads entries over independent locks so unrelated
// correlation ids never serialize on one another.
const shardCount = 16

// Outcome is the single resolution event delivered to a waiting caller.
type Outcome struct {
	Payload []byte
	Err     error
}

// Handle is the completion handle returned by Register. It is completed
// exactly once, by whichever of reply, failure, expiry, or shutdown gets
// to the entry first.
type Handle struct {
	correlationID string
	outcome       chan Outcome
}

// CorrelationID returns the id this handle is registered under.
func (h *Handle) CorrelationID() string {
	return h.correlationID
}

// Await blocks until the handle completes or ctx is cancelled. On
// completion it returns the reply payload or the failure that ended the
// call; on cancellation it returns ctx.Err() and the caller is responsible
// for deregistering the entry.
func (h *Handle) Await(ctx context.Context) ([]byte, error) {
	select {
	case out := <-h.outcome:
		return out.Payload, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete delivers the outcome. The channel is buffered and the entry has
// already been removed from its shard by the caller, so exactly one
// completer can ever reach this send.
func (h *Handle) complete(out Outcome) {
	h.outcome <- out
}

type entry struct {
	id        string
	createdAt time.Time
	deadline  time.Time
	handle    *Handle
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Mirror optionally shadows pending entries into an external key-value
// store with a TTL equal to the deadline, so entries orphaned by a process
// crash self-expire. Mirror failures are logged, never fatal.
type Mirror interface {
	PutPending(ctx context.Context, correlationID, replyTo string, registeredAt, deadline time.Time) error
	DeletePending(ctx context.Context, correlationID string) error
}

// Table maps in-flight correlation ids to their completion handles.
// Register, Resolve, Fail, Expire, and Deregister may all race on the same
// id; removal under the shard lock makes the first completer win and every
// later attempt a no-op.
type Table struct {
	shards  [shardCount]shard
	mirror  Mirror
	replyTo string
	logger  *slog.Logger
	closed  atomic.Bool
	count   atomic.Int64
}

// TableOption configures the table.
type TableOption func(*Table)

// WithMirror shadows entries into an external store. replyTo is recorded
// in the mirrored metadata for operators inspecting orphaned entries.
func WithMirror(mirror Mirror, replyTo string) TableOption {
	return func(t *Table) {
		t.mirror = mirror
		t.replyTo = replyTo
	}
}

// WithTableLogger sets the logger.
func WithTableLogger(logger *slog.Logger) TableOption {
	return func(t *Table) {
		t.logger = logger
	}
}

// NewTable creates an empty pending-request table.
func NewTable(options ...TableOption) *Table {
	t := &Table{
		logger: slog.Default(),
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*entry)
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

func (t *Table) shard(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &t.shards[h.Sum32()%shardCount]
}

// Register creates a pending entry for a correlation id and hands back its
// completion handle. The id must be fresh; a duplicate is a fatal signal
// from a broken generator.
func (t *Table) Register(ctx context.Context, correlationID string, deadline time.Time) (*Handle, error) {
	if t.closed.Load() {
		return nil, ErrTableClosed
	}

	now := time.Now()
	e := &entry{
		id:        correlationID,
		createdAt: now,
		deadline:  deadline,
		handle: &Handle{
			correlationID: correlationID,
			outcome:       make(chan Outcome, 1),
		},
	}

	sh := t.shard(correlationID)
	sh.mu.Lock()
	if _, exists := sh.entries[correlationID]; exists {
		sh.mu.Unlock()
		return nil, ErrDuplicateCorrelationID
	}
	sh.entries[correlationID] = e
	sh.mu.Unlock()
	t.count.Add(1)

	if t.mirror != nil {
		if err := t.mirror.PutPending(ctx, correlationID, t.replyTo, now, deadline); err != nil {
			t.logger.Warn("pending mirror write failed",
				"correlationId", correlationID,
				"error", err)
		}
	}

	return e.handle, nil
}

// take removes and returns the entry for an id, or nil. This is the single
// primitive behind the exactly-once guarantee: whoever takes the entry owns
// its completion.
func (t *Table) take(correlationID string) *entry {
	sh := t.shard(correlationID)
	sh.mu.Lock()
	e, ok := sh.entries[correlationID]
	if ok {
		delete(sh.entries, correlationID)
	}
	sh.mu.Unlock()

	if !ok {
		return nil
	}
	t.count.Add(-1)
	return e
}

// Resolve completes an entry with a reply payload. It returns false when no
// entry exists, which means a late or duplicate reply; callers log and drop
// those, never error.
func (t *Table) Resolve(correlationID string, payload []byte) bool {
	e := t.take(correlationID)
	if e == nil {
		return false
	}

	e.handle.complete(Outcome{Payload: payload})
	t.mirrorDelete(correlationID)
	return true
}

// Fail completes an entry with a failure outcome. Publish exhaustion must
// resolve the entry immediately instead of letting it ride out its
// deadline; the true cause is already known.
func (t *Table) Fail(correlationID string, err error) bool {
	e := t.take(correlationID)
	if e == nil {
		return false
	}

	e.handle.complete(Outcome{Err: err})
	t.mirrorDelete(correlationID)
	return true
}

// Deregister drops an entry without completing its handle, for callers
// whose context was cancelled before resolution. A reply arriving later
// finds no entry and is dropped.
func (t *Table) Deregister(correlationID string) bool {
	e := t.take(correlationID)
	if e == nil {
		return false
	}

	t.mirrorDelete(correlationID)
	return true
}

// Expire removes every entry whose deadline has passed and completes it
// with a Timeout outcome. Safe to call concurrently with Register and
// Resolve: an entry already taken by a racing resolver is simply absent
// here. Returns the number of entries expired. Mirrored shadows are left
// to their own TTLs, which land at the same deadline.
func (t *Table) Expire(now time.Time) int {
	expired := 0

	for i := range t.shards {
		sh := &t.shards[i]

		var reaped []*entry
		sh.mu.Lock()
		for id, e := range sh.entries {
			if now.After(e.deadline) {
				delete(sh.entries, id)
				reaped = append(reaped, e)
			}
		}
		sh.mu.Unlock()

		for _, e := range reaped {
			t.count.Add(-1)
			e.handle.complete(Outcome{Err: ErrTimeout})
			t.logger.Info("pending request expired",
				"correlationId", e.id,
				"waited", now.Sub(e.createdAt))
			expired++
		}
	}

	return expired
}

// Drain closes the table and completes every remaining entry with the
// given failure. Register calls racing with Drain either land before the
// sweep and are drained, or observe the closed flag and fail.
func (t *Table) Drain(err error) int {
	t.closed.Store(true)
	drained := 0

	for i := range t.shards {
		sh := &t.shards[i]

		var taken []*entry
		sh.mu.Lock()
		for id, e := range sh.entries {
			delete(sh.entries, id)
			taken = append(taken, e)
		}
		sh.mu.Unlock()

		for _, e := range taken {
			t.count.Add(-1)
			e.handle.complete(Outcome{Err: err})
			drained++
		}
	}

	return drained
}

// Len returns the number of in-flight entries.
func (t *Table) Len() int {
	return int(t.count.Load())
}

// Contains reports whether an id is still pending.
func (t *Table) Contains(correlationID string) bool {
	sh := t.shard(correlationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.entries[correlationID]
	return ok
}

func (t *Table) mirrorDelete(correlationID string) {
	if t.mirror == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := t.mirror.DeletePending(ctx, correlationID); err != nil {
			t.logger.Warn("pending mirror delete failed",
				"correlationId", correlationID,
				"error", err)
		}
	}()
}
