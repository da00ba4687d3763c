package go_otdoa

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// QueueID selects one of the dispatcher's two work queues.
type QueueID int

func (q QueueID) String() string {
	switch q {
	case QUEUE_HTTP:
		return "http"
	case QUEUE_RS:
		return "rs"
	default:
		return fmt.Sprintf("QueueID(%d)", int(q))
	}
}

// msgStop is the kind of the singleton stop item. It never occupies a pool block.
const msgStop uint32 = 0xFFFFFFFF

// Handler processes one decoded message. It runs on the queue's worker
// goroutine; the next item waits until it returns.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// StopHandler is called on the RS worker when a requested stop is reached.
type StopHandler func(reason uint32)

// DispatcherOptions tune a Dispatcher. Zero values select the defaults.
type DispatcherOptions struct {
	Blocks    int
	BlockSize int
	Metrics   MetricsCollector
}

type workItem struct {
	blk  *block
	kind uint32
}

type workQueue struct {
	id      QueueID
	handler Handler
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*workItem
	closed  bool
}

func newWorkQueue(id QueueID, handler Handler) *workQueue {
	q := &workQueue{id: id, handler: handler}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *workQueue) push(item *workItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrDispatcherClosed
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return nil
}

// pop blocks until an item is available. It returns nil once the queue is
// closed and drained.
func (q *workQueue) pop() *workItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item
}

func (q *workQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Dispatcher owns the message block pool and the two single-worker queues:
// QUEUE_HTTP for the transfer engine and QUEUE_RS for the positioning state
// machine. Items on one queue run strictly in order; the queues run
// independently of each other.
type Dispatcher struct {
	pool    *blockPool
	queues  [2]*workQueue
	onStop  StopHandler
	metrics MetricsCollector

	// stopItem is the one stop request that can be pending. It lives outside
	// the pool so a stop can always be posted, even when the pool is empty.
	stopItem   *workItem
	stopReason atomic.Uint32
	// stopPending stays set after the RS worker reaches the stop item, so a
	// transfer polling CheckPendingStop still sees it. The next transfer
	// queue item clears it.
	stopPending atomic.Bool

	closed atomic.Bool
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts the two queue workers. http must not be nil; a nil rs
// handler drops RS messages with a warning.
func NewDispatcher(http Handler, rs Handler, onStop StopHandler, opts DispatcherOptions) (*Dispatcher, error) {
	if http == nil {
		return nil, fmt.Errorf("%w: nil http handler", ErrInvalidArgument)
	}
	if opts.Blocks <= 0 {
		opts.Blocks = MESSAGE_POOL_BLOCKS
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = MESSAGE_BLOCK_SIZE
	}
	if opts.BlockSize < MESSAGE_HEADER_SIZE {
		return nil, fmt.Errorf("%w: block size %d", ErrInvalidArgument, opts.BlockSize)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if rs == nil {
		rs = HandlerFunc(func(_ context.Context, msg Message) error {
			Warning("rs queue: no handler for %s", getMessageTypeName(msg.Kind()))
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		pool:     newBlockPool(opts.Blocks, opts.BlockSize),
		onStop:   onStop,
		metrics:  opts.Metrics,
		stopItem: &workItem{kind: msgStop},
		ctx:      ctx,
		cancel:   cancel,
	}
	d.queues[QUEUE_HTTP] = newWorkQueue(QUEUE_HTTP, http)
	d.queues[QUEUE_RS] = newWorkQueue(QUEUE_RS, rs)

	d.group, _ = errgroup.WithContext(ctx)
	for _, q := range d.queues {
		d.group.Go(func() error {
			d.run(q)
			return nil
		})
	}
	Debug("Dispatcher started with %d blocks of %d bytes", opts.Blocks, opts.BlockSize)
	return d, nil
}

func (d *Dispatcher) queue(id QueueID) (*workQueue, error) {
	if id < 0 || int(id) >= len(d.queues) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownQueue, int(id))
	}
	return d.queues[id], nil
}

// Enqueue copies msg into a pool block and appends it to the queue. It never
// blocks: a full pool returns ErrPoolExhausted and the caller decides
// whether to drop or retry.
func (d *Dispatcher) Enqueue(id QueueID, msg Message) error {
	if msg == nil {
		return ErrInvalidArgument
	}
	q, err := d.queue(id)
	if err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	size := EncodedSize(msg)
	if size > d.pool.blockSize {
		return fmt.Errorf("%w: %s needs %d of %d bytes", ErrMessageTooLarge, getMessageTypeName(msg.Kind()), size, d.pool.blockSize)
	}

	blk, err := d.pool.alloc()
	if err != nil {
		d.metrics.IncrementError("pool")
		return err
	}
	s := NewStream(blk.data[:0])
	if err := encodeMessage(s, msg); err != nil {
		d.pool.freeBlock(blk)
		return err
	}
	if s.Len() > len(blk.data) {
		d.pool.freeBlock(blk)
		return fmt.Errorf("%w: %s encoded %d bytes, declared %d", ErrMessageTooLarge, getMessageTypeName(msg.Kind()), s.Len(), size)
	}
	if err := q.push(&workItem{blk: blk, kind: msg.Kind()}); err != nil {
		d.pool.freeBlock(blk)
		return err
	}
	d.metrics.IncrementEnqueued(id)
	d.metrics.SetPoolInUse(d.pool.InUse())
	return nil
}

// EnqueueWithRetry is Enqueue with exponential backoff while the pool is exhausted.
func (d *Dispatcher) EnqueueWithRetry(ctx context.Context, id QueueID, msg Message, maxRetries int, backoff time.Duration) error {
	return RetryWithBackoff(ctx, maxRetries, backoff, func() error {
		return d.Enqueue(id, msg)
	})
}

// RequestStop posts the stop item to the RS queue. A second request while
// one is still queued is a no-op and keeps the first reason.
func (d *Dispatcher) RequestStop(reason uint32) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	q := d.queues[QUEUE_RS]
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrDispatcherClosed
	}
	if slices.Contains(q.items, d.stopItem) {
		Debug("Stop already pending (reason %d)", reason)
		return nil
	}
	d.stopReason.Store(reason)
	d.stopPending.Store(true)
	q.items = append(q.items, d.stopItem)
	q.cond.Signal()
	return nil
}

// CheckPendingStop reports whether a stop was requested since the current
// transfer started and consumes it. A stop still queued is withdrawn, so the
// stop handler never sees it. Long transfers poll this to abandon work
// cooperatively.
func (d *Dispatcher) CheckPendingStop() bool {
	q := d.queues[QUEUE_RS]
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := slices.Index(q.items, d.stopItem); idx >= 0 {
		q.items = slices.Delete(q.items, idx, idx+1)
		d.stopPending.Store(false)
		Debug("Pending stop withdrawn (reason %d)", d.stopReason.Load())
		return true
	}
	if d.stopPending.CompareAndSwap(true, false) {
		Debug("Stop already handled, consumed by transfer (reason %d)", d.stopReason.Load())
		return true
	}
	return false
}

// PoolInUse returns the number of blocks held by queued or running items.
func (d *Dispatcher) PoolInUse() int {
	return d.pool.InUse()
}

// Close stops accepting work, lets both queues drain, and frees the block
// pool. If ctx ends first the handlers' context is cancelled and Close
// still waits for the workers before returning ctx.Err().
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrDispatcherClosed
	}
	for _, q := range d.queues {
		q.close()
	}

	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		Warning("Dispatcher drain interrupted: %v", ctx.Err())
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()
	d.pool.release()
	d.metrics.SetPoolInUse(0)
	Debug("Dispatcher closed")
	return err
}

func (d *Dispatcher) run(q *workQueue) {
	for {
		item := q.pop()
		if item == nil {
			return
		}
		if q.id == QUEUE_HTTP {
			d.clearStaleStop()
		}
		d.process(q, item)
	}
}

// clearStaleStop drops a stop the RS worker already handled before this
// transfer began. A stop still queued on the RS queue is kept.
func (d *Dispatcher) clearStaleStop() {
	q := d.queues[QUEUE_RS]
	q.mu.Lock()
	defer q.mu.Unlock()
	if !slices.Contains(q.items, d.stopItem) {
		d.stopPending.Store(false)
	}
}

func (d *Dispatcher) process(q *workQueue, item *workItem) {
	if item == d.stopItem {
		reason := d.stopReason.Load()
		Debug("%s queue: stop reached (reason %d)", q.id, reason)
		if d.onStop != nil {
			d.onStop(reason)
		}
		return
	}

	defer func() {
		d.pool.freeBlock(item.blk)
		d.metrics.SetPoolInUse(d.pool.InUse())
	}()
	defer func() {
		if r := recover(); r != nil {
			Error("%s queue: handler panic on %s: %v", q.id, getMessageTypeName(item.kind), r)
		}
	}()

	msg, err := DecodeMessage(item.blk.data)
	if err != nil {
		Error("%s queue: %v", q.id, err)
		return
	}
	if err := q.handler.HandleMessage(d.ctx, msg); err != nil {
		Warning("%s queue: %s failed: %v", q.id, getMessageTypeName(item.kind), err)
	}
}
