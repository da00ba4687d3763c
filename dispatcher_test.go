package go_otdoa

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingHandler records every message it sees. When gate is non-nil each
// call first signals started and then waits for gate to close.
type recordingHandler struct {
	mu      sync.Mutex
	seen    []Message
	gate    chan struct{}
	started chan struct{}
}

func (h *recordingHandler) HandleMessage(ctx context.Context, msg Message) error {
	if h.gate != nil {
		select {
		case h.started <- struct{}{}:
		default:
		}
		select {
		case <-h.gate:
		case <-ctx.Done():
		}
	}
	h.mu.Lock()
	h.seen = append(h.seen, msg)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.seen...)
}

func newGatedHandler() *recordingHandler {
	return &recordingHandler{gate: make(chan struct{}), started: make(chan struct{}, 1)}
}

func newTestDispatcher(t *testing.T, http, rs Handler, onStop StopHandler) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(http, rs, onStop, DispatcherOptions{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	return d
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

// TestNewDispatcherValidation tests constructor argument checks.
func TestNewDispatcherValidation(t *testing.T) {
	if _, err := NewDispatcher(nil, nil, nil, DispatcherOptions{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil handler error = %v, want ErrInvalidArgument", err)
	}
	h := &recordingHandler{}
	if _, err := NewDispatcher(h, nil, nil, DispatcherOptions{BlockSize: 4}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("tiny block error = %v, want ErrInvalidArgument", err)
	}
}

// TestDispatcherOrder tests that one queue delivers strictly in FIFO order.
func TestDispatcherOrder(t *testing.T) {
	h := &recordingHandler{}
	d := newTestDispatcher(t, h, nil, nil)

	for i := 0; i < 8; i++ {
		if err := d.Enqueue(QUEUE_HTTP, &RawMessage{ID: MSG_RS_BASE + 1, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	closeDispatcher(t, d)

	got := h.messages()
	if len(got) != 8 {
		t.Fatalf("handled %d messages, want 8", len(got))
	}
	for i, msg := range got {
		raw, ok := msg.(*RawMessage)
		if !ok {
			t.Fatalf("message %d is %T, want *RawMessage", i, msg)
		}
		if raw.Payload[0] != byte(i) {
			t.Errorf("message %d payload = %d, want %d", i, raw.Payload[0], i)
		}
	}
}

// TestDispatcherDecodesMessages tests that typed messages survive the block copy.
func TestDispatcherDecodesMessages(t *testing.T) {
	h := &recordingHandler{}
	metrics := NewInMemoryMetrics()
	d, err := NewDispatcher(h, nil, nil, DispatcherOptions{Metrics: metrics})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	want := GetAlmanac{URL: "almanac.example", ResetBlacklist: true, ECGI: 1234, DLEARFCN: 5230, Radius: 100, NumCells: 50}
	msg := want
	if err := d.Enqueue(QUEUE_HTTP, &msg); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	msg.ECGI = 9
	closeDispatcher(t, d)

	got := h.messages()
	if len(got) != 1 {
		t.Fatalf("handled %d messages, want 1", len(got))
	}
	ga, ok := got[0].(*GetAlmanac)
	if !ok {
		t.Fatalf("message is %T, want *GetAlmanac", got[0])
	}
	if *ga != want {
		t.Errorf("decoded %+v, want %+v", *ga, want)
	}
	if metrics.Enqueued(QUEUE_HTTP) != 1 {
		t.Errorf("Enqueued(http) = %d, want 1", metrics.Enqueued(QUEUE_HTTP))
	}
}

// TestDispatcherEnqueueErrors tests rejected enqueues.
func TestDispatcherEnqueueErrors(t *testing.T) {
	d := newTestDispatcher(t, &recordingHandler{}, nil, nil)
	defer closeDispatcher(t, d)

	tests := []struct {
		name    string
		queue   QueueID
		msg     Message
		wantErr error
	}{
		{"nil message", QUEUE_HTTP, nil, ErrInvalidArgument},
		{"unknown queue", QueueID(5), &GetConfig{}, ErrUnknownQueue},
		{"negative queue", QueueID(-1), &GetConfig{}, ErrUnknownQueue},
		{"oversize", QUEUE_RS, &RawMessage{ID: MSG_RS_BASE, Payload: make([]byte, MESSAGE_BLOCK_SIZE)}, ErrMessageTooLarge},
		{"url too long", QUEUE_HTTP, &GetAlmanac{URL: "abcdefghijklmnopqrstuvwxyz0123456789", ECGI: 1}, ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Enqueue(tt.queue, tt.msg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Enqueue() error = %v, want %v", err, tt.wantErr)
			}
			if d.PoolInUse() != 0 {
				t.Errorf("PoolInUse() = %d, want 0 after a rejected enqueue", d.PoolInUse())
			}
		})
	}
}

// TestDispatcherPoolExhaustion tests that enqueue fails fast on a full pool.
func TestDispatcherPoolExhaustion(t *testing.T) {
	h := newGatedHandler()
	d := newTestDispatcher(t, h, nil, nil)

	for i := 0; i < MESSAGE_POOL_BLOCKS; i++ {
		if err := d.Enqueue(QUEUE_HTTP, &GetConfig{}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	<-h.started
	if err := d.Enqueue(QUEUE_HTTP, &GetConfig{}); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Enqueue() on full pool error = %v, want ErrPoolExhausted", err)
	}
	if d.PoolInUse() != MESSAGE_POOL_BLOCKS {
		t.Errorf("PoolInUse() = %d, want %d", d.PoolInUse(), MESSAGE_POOL_BLOCKS)
	}

	close(h.gate)
	closeDispatcher(t, d)
	if n := len(h.messages()); n != MESSAGE_POOL_BLOCKS {
		t.Errorf("handled %d messages, want %d", n, MESSAGE_POOL_BLOCKS)
	}
	if d.PoolInUse() != 0 {
		t.Errorf("PoolInUse() = %d after close, want 0", d.PoolInUse())
	}
}

// TestDispatcherEnqueueWithRetry tests waiting out an exhausted pool.
func TestDispatcherEnqueueWithRetry(t *testing.T) {
	h := newGatedHandler()
	d := newTestDispatcher(t, h, nil, nil)
	for i := 0; i < MESSAGE_POOL_BLOCKS; i++ {
		d.Enqueue(QUEUE_HTTP, &GetConfig{})
	}
	<-h.started

	err := d.EnqueueWithRetry(context.Background(), QUEUE_HTTP, &GetConfig{}, 2, time.Millisecond)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("EnqueueWithRetry() error = %v, want ErrPoolExhausted", err)
	}
	var maxErr *MaxRetriesExceededError
	if !errors.As(err, &maxErr) {
		t.Errorf("EnqueueWithRetry() error = %T, want *MaxRetriesExceededError", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		close(h.gate)
	}()
	if err := d.EnqueueWithRetry(context.Background(), QUEUE_HTTP, &GetConfig{}, 20, time.Millisecond); err != nil {
		t.Errorf("EnqueueWithRetry() after release error = %v", err)
	}
	closeDispatcher(t, d)
	if n := len(h.messages()); n != MESSAGE_POOL_BLOCKS+1 {
		t.Errorf("handled %d messages, want %d", n, MESSAGE_POOL_BLOCKS+1)
	}
}

// TestDispatcherQueuesIndependent tests that a busy queue does not stall the other.
func TestDispatcherQueuesIndependent(t *testing.T) {
	rs := newGatedHandler()
	http := &recordingHandler{}
	d := newTestDispatcher(t, http, rs, nil)

	d.Enqueue(QUEUE_RS, &RawMessage{ID: MSG_RS_BASE})
	<-rs.started
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(http.messages()) == 0 {
			time.Sleep(time.Millisecond)
		}
	}()
	d.Enqueue(QUEUE_HTTP, &TestAuth{})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("http queue stalled behind a busy rs handler")
	}
	close(rs.gate)
	closeDispatcher(t, d)
}

// TestDispatcherStop tests stop posting, withdrawal and delivery.
func TestDispatcherStop(t *testing.T) {
	rs := newGatedHandler()
	stops := make(chan uint32, 4)
	d := newTestDispatcher(t, &recordingHandler{}, rs, func(reason uint32) { stops <- reason })

	if d.CheckPendingStop() {
		t.Error("CheckPendingStop() = true with nothing queued")
	}

	// Keep the rs worker busy so the stop stays queued.
	d.Enqueue(QUEUE_RS, &RawMessage{ID: MSG_RS_BASE})
	<-rs.started

	if err := d.RequestStop(1); err != nil {
		t.Fatalf("RequestStop() error = %v", err)
	}
	if err := d.RequestStop(2); err != nil {
		t.Fatalf("second RequestStop() error = %v", err)
	}
	if !d.CheckPendingStop() {
		t.Error("CheckPendingStop() = false with a stop queued")
	}
	if d.CheckPendingStop() {
		t.Error("CheckPendingStop() = true after the stop was withdrawn")
	}

	d.RequestStop(3)
	d.RequestStop(4)
	close(rs.gate)

	select {
	case reason := <-stops:
		if reason != 3 {
			t.Errorf("stop reason = %d, want 3", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop handler not called")
	}
	closeDispatcher(t, d)
	if len(stops) != 0 {
		t.Errorf("stop handler called %d extra times", len(stops))
	}
}

// TestDispatcherStopIdleRS tests that a stop the rs worker already handled is
// still reported once to a polling transfer.
func TestDispatcherStopIdleRS(t *testing.T) {
	stops := make(chan uint32, 1)
	d := newTestDispatcher(t, &recordingHandler{}, nil, func(reason uint32) { stops <- reason })
	defer closeDispatcher(t, d)

	if err := d.RequestStop(6); err != nil {
		t.Fatalf("RequestStop() error = %v", err)
	}
	select {
	case reason := <-stops:
		if reason != 6 {
			t.Errorf("stop reason = %d, want 6", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop handler not called")
	}

	if !d.CheckPendingStop() {
		t.Error("CheckPendingStop() = false after the rs worker handled the stop")
	}
	if d.CheckPendingStop() {
		t.Error("CheckPendingStop() = true after the stop was consumed")
	}
}

// TestDispatcherStaleStopCleared tests that a handled stop does not cancel a
// transfer that starts afterwards.
func TestDispatcherStaleStopCleared(t *testing.T) {
	stops := make(chan uint32, 1)
	http := newGatedHandler()
	d := newTestDispatcher(t, http, nil, func(reason uint32) { stops <- reason })

	d.RequestStop(2)
	select {
	case <-stops:
	case <-time.After(5 * time.Second):
		t.Fatal("stop handler not called")
	}

	d.Enqueue(QUEUE_HTTP, &GetConfig{})
	<-http.started
	if d.CheckPendingStop() {
		t.Error("CheckPendingStop() = true for a stop handled before the transfer started")
	}
	close(http.gate)
	closeDispatcher(t, d)
}

// TestDispatcherStopWithFullPool tests that a stop can be posted when no blocks are free.
func TestDispatcherStopWithFullPool(t *testing.T) {
	rs := newGatedHandler()
	d := newTestDispatcher(t, &recordingHandler{}, rs, nil)
	for i := 0; i < MESSAGE_POOL_BLOCKS; i++ {
		d.Enqueue(QUEUE_RS, &RawMessage{ID: MSG_RS_BASE})
	}
	<-rs.started

	if err := d.RequestStop(7); err != nil {
		t.Errorf("RequestStop() with full pool error = %v", err)
	}
	if !d.CheckPendingStop() {
		t.Error("CheckPendingStop() = false")
	}
	close(rs.gate)
	closeDispatcher(t, d)
}

// TestDispatcherPanicFreesBlock tests that a panicking handler does not leak its block.
func TestDispatcherPanicFreesBlock(t *testing.T) {
	var calls int
	h := HandlerFunc(func(_ context.Context, msg Message) error {
		calls++
		if calls == 1 {
			panic("handler bug")
		}
		return nil
	})
	d := newTestDispatcher(t, h, nil, nil)
	d.Enqueue(QUEUE_HTTP, &GetConfig{})
	d.Enqueue(QUEUE_HTTP, &GetConfig{})
	closeDispatcher(t, d)

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
	if d.PoolInUse() != 0 {
		t.Errorf("PoolInUse() = %d, want 0", d.PoolInUse())
	}
}

// TestDispatcherClose tests that Close drains and then refuses work.
func TestDispatcherClose(t *testing.T) {
	h := &recordingHandler{}
	d := newTestDispatcher(t, h, nil, nil)
	for i := 0; i < 3; i++ {
		d.Enqueue(QUEUE_HTTP, &Rebind{})
	}
	closeDispatcher(t, d)

	if n := len(h.messages()); n != 3 {
		t.Errorf("handled %d messages before close, want 3", n)
	}
	if err := d.Enqueue(QUEUE_HTTP, &Rebind{}); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrDispatcherClosed", err)
	}
	if err := d.RequestStop(1); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("RequestStop() after Close error = %v, want ErrDispatcherClosed", err)
	}
	if err := d.Close(context.Background()); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("second Close() error = %v, want ErrDispatcherClosed", err)
	}
}

// TestDispatcherCloseTimeout tests that an expired drain cancels the handlers.
func TestDispatcherCloseTimeout(t *testing.T) {
	h := newGatedHandler()
	d := newTestDispatcher(t, h, nil, nil)
	d.Enqueue(QUEUE_HTTP, &GetConfig{})
	<-h.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want context.DeadlineExceeded", err)
	}
}
