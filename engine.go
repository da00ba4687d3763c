package go_otdoa

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

// Collaborators are the pieces the engine drives but does not implement.
type Collaborators struct {
	Transport Transport
	Signer    Signer
	Crypto    Decryptor // nil when transfers are never encrypted
	Almanac   AlmanacSink
	Config    ConfigSink
}

// Engine runs the HTTP/1.1 transfers: almanac range downloads, the config
// download, results upload and the auth self-test. It is the handler of the
// dispatcher's transfer queue and never starts goroutines of its own, so all
// session state is touched from one goroutine at a time.
type Engine struct {
	cfg       *Config
	deps      Collaborators
	callbacks EngineCallbacks
	session   *Session

	metrics        MetricsCollector
	circuitBreaker *CircuitBreaker
	limiter        *rate.Limiter
	started        time.Time
}

// NewEngine validates cfg and wires the collaborators. A nil cfg selects
// DefaultConfig.
func NewEngine(cfg *Config, deps Collaborators, callbacks EngineCallbacks) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	missing := lo.Compact([]string{
		lo.Ternary(deps.Transport == nil, "transport", ""),
		lo.Ternary(deps.Signer == nil, "signer", ""),
		lo.Ternary(deps.Almanac == nil, "almanac sink", ""),
		lo.Ternary(deps.Config == nil, "config sink", ""),
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %v", ErrInvalidArgument, missing)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	e := &Engine{
		cfg:            cfg,
		deps:           deps,
		callbacks:      callbacks,
		metrics:        noopMetrics{},
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second),
		limiter:        rate.NewLimiter(limit, 1),
		started:        time.Now(),
	}
	e.session = newSession(deps.Transport, cfg, e.metrics)
	return e, nil
}

// SetMetrics enables metrics collection. Call it before the engine handles
// any message; nil disables collection.
func (e *Engine) SetMetrics(metrics MetricsCollector) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	e.metrics = metrics
	e.session.metrics = metrics
	metrics.SetConnectionState("disconnected")
}

// GetMetrics returns the current metrics collector.
func (e *Engine) GetMetrics() MetricsCollector {
	return e.metrics
}

// GetCircuitBreakerState reports the state of the breaker guarding Connect.
func (e *Engine) GetCircuitBreakerState() CircuitState {
	return e.circuitBreaker.State()
}

// ResetCircuitBreaker closes the breaker after connectivity is restored.
func (e *Engine) ResetCircuitBreaker() {
	e.circuitBreaker.Reset()
}

// SetStopChecker installs the function the receive loop polls to abandon a
// transfer. The agent wires it to Dispatcher.CheckPendingStop.
func (e *Engine) SetStopChecker(check func() bool) {
	e.session.stopCheck = check
}

func (e *Engine) SetDisableTLS(disable bool)        { e.session.tlsDisabled.Store(disable) }
func (e *Engine) SetSkipConfigDownload(skip bool)   { e.session.skipConfigDownload.Store(skip) }
func (e *Engine) SetDisableEncryption(disable bool) { e.session.encryptionDisabled.Store(disable) }
func (e *Engine) TLSDisabled() bool                 { return e.session.tlsDisabled.Load() }
func (e *Engine) EncryptionDisabled() bool          { return e.session.encryptionDisabled.Load() }
func (e *Engine) ConfigDownloadSkipped() bool       { return e.session.skipConfigDownload.Load() }

// OverrideAuthResponse makes every auth exchange report status instead of
// the classified response. StatusOK turns the override off. Test use only.
func (e *Engine) OverrideAuthResponse(status ResponseStatus) {
	if status != StatusOK {
		Warning("Auth responses will be overridden with %s", status)
	}
	e.session.overrideAuthStatus.Store(int32(status))
}

// PrsID returns the result id the server assigned to the last upload.
func (e *Engine) PrsID() int64 {
	return e.session.prsID.Load()
}

// uptime is the number of seconds since the engine was created.
func (e *Engine) uptime() int {
	return int(time.Since(e.started).Seconds())
}

// HandleMessage runs one transfer-queue message to completion.
func (e *Engine) HandleMessage(ctx context.Context, msg Message) error {
	Debug("Engine handling %s", getMessageTypeName(msg.Kind()))
	switch m := msg.(type) {
	case *GetAlmanac:
		return e.handleGetAlmanac(ctx, m)
	case *GetConfig:
		err := e.DownloadConfig(ctx)
		if err != nil {
			Warning("Config download failed with %s: %v", StatusOf(err), err)
		} else {
			Info("Config download result: %s", StatusOK)
		}
		e.callbacks.configComplete(DownloadStatusFor(StatusOf(err)))
		return err
	case *UploadResults:
		err := e.UploadResults(ctx, m)
		Info("Position estimate upload %s", lo.Ternary(err == nil, "SUCCESS", "FAILURE"))
		e.callbacks.uploadComplete(lo.Ternary(err == nil, DownloadSuccess, DownloadFailNetworkConn))
		return err
	case *TestAuth:
		return e.TestAuth(ctx)
	case *Rebind:
		return e.rebind(e.cfg.DownloadHost)
	default:
		Warning("Unexpected %s on the transfer queue", getMessageTypeName(msg.Kind()))
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, getMessageTypeName(msg.Kind()))
	}
}

func (e *Engine) handleGetAlmanac(ctx context.Context, m *GetAlmanac) error {
	s := e.session
	if m.ResetBlacklist {
		Debug("Resetting blacklist")
		s.blacklist.Reset()
	}

	if s.skipConfigDownload.Load() {
		Warning("Skipping config download")
	} else {
		n := s.almanacRequests
		s.almanacRequests++
		if n%e.cfg.ConfigInterval == 0 {
			if err := e.DownloadConfig(ctx); err != nil {
				status := DownloadStatusFor(StatusOf(err))
				Warning("Failed to get config file, download status %s: %v", status, err)
				e.callbacks.downloadComplete(status)
				return err
			}
		}
	}

	err := e.DownloadAlmanac(ctx, m)
	status := DownloadStatusFor(StatusOf(err))
	Info("Almanac download status %s", status)
	e.callbacks.downloadComplete(status)
	return err
}

// rebind drops the current binding and binds host on the port matching the
// current TLS mode.
func (e *Engine) rebind(host string) error {
	s := e.session
	port := lo.Ternary(s.tlsDisabled.Load(), e.cfg.HTTPPort, e.cfg.HTTPSPort)
	if err := s.transport.Unbind(); err != nil {
		Debug("Unbind: %v", err)
	}
	if err := s.transport.Bind(host, port); err != nil {
		Warning("Failed to bind %s:%d: %v", host, port, err)
		e.metrics.IncrementError("bind")
		return NewTransferError(StatusNetworkError, "bind", err)
	}
	Debug("Bound %s:%d", host, port)
	return nil
}

func (e *Engine) connect(ctx context.Context, host string) error {
	useTLS := !e.session.tlsDisabled.Load()
	err := e.circuitBreaker.Execute(func() error {
		return e.session.transport.Connect(ctx, host, useTLS)
	})
	if err != nil {
		Error("Failed to connect to %s: %v", host, err)
		e.metrics.IncrementError("connect")
		return err
	}
	e.metrics.SetConnectionState("connected")
	return nil
}

func (e *Engine) disconnect() {
	if err := e.session.transport.Disconnect(); err != nil {
		Debug("Disconnect: %v", err)
	}
	e.metrics.SetConnectionState("disconnected")
}

// sendRequest formats req into the session buffer and sends it.
func (e *Engine) sendRequest(ctx context.Context, kind, req string) error {
	s := e.session
	if len(req) >= s.bufferLen() {
		Error("%s request overflowed the %d byte buffer", kind, s.bufferLen())
		return fmt.Errorf("%w: %s request is %d bytes", ErrRequestOverflow, kind, len(req))
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	clear(s.buf[:s.bufferLen()])
	n := copy(s.buf, req)
	Debug("%s request: %s", kind, req)
	if err := s.send(s.buf[:n]); err != nil {
		return err
	}
	e.metrics.IncrementRequestSent(kind)
	return nil
}

// receiveResponse reads a response header. A server that closes without
// sending anything is a message error.
func (e *Engine) receiveResponse(ctx context.Context, op string) error {
	n, err := e.session.receiveHeader(ctx)
	if err != nil {
		Error("Failed to receive %s response: %v", op, err)
		return NewTransferError(lo.Ternary(StatusOf(err) == StatusCancelled, StatusCancelled, StatusNetworkError), op, err)
	}
	if n == 0 {
		Error("Received 0 bytes for %s response", op)
		return NewTransferError(StatusMessageError, op, ErrServerClosed)
	}
	return nil
}

func (e *Engine) token(op string) (string, error) {
	token, err := e.deps.Signer.GenerateToken()
	if err != nil {
		Error("Failed to generate token for %s: %v", op, err)
		return "", NewTransferError(StatusError, op, err)
	}
	return token, nil
}
