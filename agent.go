package go_otdoa

import (
	"context"
	"fmt"
	"time"
)

// AlmanacRequest selects the area an almanac covers.
type AlmanacRequest struct {
	ECGI     uint32 // serving cell
	DLEARFCN uint32
	Radius   uint32 // kilometres around the serving cell
	NumCells uint32 // maximum number of cells in the almanac
}

// AgentOptions tune an Agent. Zero values select the defaults.
type AgentOptions struct {
	Dispatcher DispatcherOptions

	// EnqueueRetries retries a full message pool with exponential backoff
	// starting at EnqueueBackoff. Zero fails immediately with ErrPoolExhausted.
	EnqueueRetries int
	EnqueueBackoff time.Duration
}

// Agent is the request surface of the library. Every request is copied into
// the dispatcher and runs later on a queue worker; outcomes arrive through
// the engine callbacks.
type Agent struct {
	engine     *Engine
	dispatcher *Dispatcher
	opts       AgentOptions
}

// NewAgent starts the dispatcher with engine on the transfer queue and rs on
// the positioning queue. onStop is called when a requested stop is reached.
func NewAgent(engine *Engine, rs Handler, onStop StopHandler, opts AgentOptions) (*Agent, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidArgument)
	}
	if opts.Dispatcher.Metrics == nil {
		opts.Dispatcher.Metrics = engine.GetMetrics()
	}
	if opts.EnqueueBackoff <= 0 {
		opts.EnqueueBackoff = 10 * time.Millisecond
	}
	d, err := NewDispatcher(engine, rs, onStop, opts.Dispatcher)
	if err != nil {
		return nil, err
	}
	engine.SetStopChecker(d.CheckPendingStop)
	return &Agent{engine: engine, dispatcher: d, opts: opts}, nil
}

// Engine returns the transfer engine behind the agent.
func (a *Agent) Engine() *Engine {
	return a.engine
}

// Dispatcher returns the agent's dispatcher.
func (a *Agent) Dispatcher() *Dispatcher {
	return a.dispatcher
}

func (a *Agent) enqueue(queue QueueID, msg Message) error {
	if a.opts.EnqueueRetries > 0 {
		return a.dispatcher.EnqueueWithRetry(context.Background(), queue, msg, a.opts.EnqueueRetries, a.opts.EnqueueBackoff)
	}
	return a.dispatcher.Enqueue(queue, msg)
}

// DownloadAlmanac requests an almanac for req.ECGI from url, or from the
// configured download host when url is empty. resetBlacklist clears every
// blacklisted cell first.
func (a *Agent) DownloadAlmanac(url string, req AlmanacRequest, resetBlacklist bool) error {
	if req.ECGI == 0 {
		return ErrInvalidCellID
	}
	if len(url) > URL_MAX_LEN {
		return fmt.Errorf("%w: url longer than %d", ErrInvalidArgument, URL_MAX_LEN)
	}
	return a.enqueue(QUEUE_HTTP, &GetAlmanac{
		URL:            url,
		ResetBlacklist: resetBlacklist,
		ECGI:           req.ECGI,
		DLEARFCN:       req.DLEARFCN,
		Radius:         req.Radius,
		NumCells:       req.NumCells,
	})
}

// DownloadConfig requests the configuration file. No callback reports it.
func (a *Agent) DownloadConfig() error {
	return a.enqueue(QUEUE_HTTP, &GetConfig{})
}

// UploadResults requests an upload of results to url, or to the configured
// upload URL when url is empty. trueLat and trueLon are sent only together.
func (a *Agent) UploadResults(url string, results *Results, trueLat, trueLon, notes string) error {
	if results == nil {
		return fmt.Errorf("%w: nil results", ErrInvalidArgument)
	}
	if err := results.validate(); err != nil {
		return err
	}
	return a.enqueue(QUEUE_HTTP, &UploadResults{
		URL:     url,
		Results: results,
		Notes:   notes,
		TrueLat: trueLat,
		TrueLon: trueLon,
	})
}

// TestAuth requests the auth self-test.
func (a *Agent) TestAuth() error {
	return a.enqueue(QUEUE_HTTP, &TestAuth{})
}

// Rebind requests a rebind to the configured download host.
func (a *Agent) Rebind() error {
	return a.enqueue(QUEUE_HTTP, &Rebind{})
}

// SendRS posts msg to the positioning queue.
func (a *Agent) SendRS(msg Message) error {
	if msg == nil {
		return ErrInvalidArgument
	}
	return a.enqueue(QUEUE_RS, msg)
}

// RequestStop posts a stop to the positioning queue and makes any running
// transfer give up at its next receive poll.
func (a *Agent) RequestStop(reason uint32) error {
	return a.dispatcher.RequestStop(reason)
}

// Close drains both queues and releases the message pool.
func (a *Agent) Close(ctx context.Context) error {
	return a.dispatcher.Close(ctx)
}
