package go_otdoa

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockTransport plays back one scripted response per request sent.
type mockTransport struct {
	mu sync.Mutex

	responses   []string // popped by each Send that completes a request
	chunk       int      // max bytes returned per Recv, 0 means unlimited
	blockFirst  int      // ErrWouldBlock results before each response
	alwaysBlock bool
	bindErr     error
	connectErr  error

	pending     []byte
	blocks      int
	binds       []string
	connects    []bool
	requests    []string
	unbinds     int
	disconnects int
	blocking    bool
}

func newMockTransport(responses ...string) *mockTransport {
	return &mockTransport{responses: responses, blocking: true}
}

func (m *mockTransport) Bind(host string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindErr != nil {
		return m.bindErr
	}
	m.binds = append(m.binds, fmt.Sprintf("%s:%d", host, port))
	return nil
}

func (m *mockTransport) Unbind() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbinds++
	return nil
}

func (m *mockTransport) Connect(_ context.Context, _ string, useTLS bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connects = append(m.connects, useTLS)
	return nil
}

func (m *mockTransport) Send(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, string(p))
	m.pending = nil
	if len(m.responses) > 0 {
		m.pending = []byte(m.responses[0])
		m.responses = m.responses[1:]
	}
	m.blocks = m.blockFirst
	return len(p), nil
}

func (m *mockTransport) Recv(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alwaysBlock {
		return 0, ErrWouldBlock
	}
	if m.blocks > 0 {
		m.blocks--
		return 0, ErrWouldBlock
	}
	if len(m.pending) == 0 {
		return 0, io.EOF
	}
	data := m.pending
	if m.chunk > 0 && len(data) > m.chunk {
		data = data[:m.chunk]
	}
	n := copy(p, data)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *mockTransport) SetBlocking(blocking bool) error {
	m.mu.Lock()
	m.blocking = blocking
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Disconnect() error {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
	return nil
}

// requestsWithPrefix returns the sent requests starting with prefix.
func (m *mockTransport) requestsWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.requests {
		if strings.HasPrefix(r, prefix) {
			out = append(out, r)
		}
	}
	return out
}

type mockSigner struct {
	token string
	err   error
	calls int
}

func (m *mockSigner) GenerateToken() (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.token, nil
}

type mockDecryptor struct {
	keys   [][]byte
	aborts int
	err    error
}

func (m *mockDecryptor) SetKey(key []byte) error {
	if m.err != nil {
		return m.err
	}
	m.keys = append(m.keys, append([]byte(nil), key...))
	return nil
}

func (m *mockDecryptor) Abort() {
	m.aborts++
}

// memAlmanacSink keeps the almanac in memory and records every call.
type memAlmanacSink struct {
	starts    []SinkOptions
	current   *bytes.Buffer
	committed []byte
	finishes  int
	closes    int
	removes   []string
	writeErr  error
}

func (m *memAlmanacSink) Start(_ context.Context, _ string, opts SinkOptions) error {
	m.starts = append(m.starts, opts)
	m.current = &bytes.Buffer{}
	return nil
}

func (m *memAlmanacSink) Write(p []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	if m.current == nil {
		return ErrSinkNotStarted
	}
	m.current.Write(p)
	return nil
}

func (m *memAlmanacSink) Finish() error {
	if m.current == nil {
		return ErrSinkNotStarted
	}
	m.committed = append([]byte(nil), m.current.Bytes()...)
	m.current = nil
	m.finishes++
	return nil
}

func (m *memAlmanacSink) Close() error {
	m.closes++
	m.current = nil
	return nil
}

func (m *memAlmanacSink) Remove(_ context.Context, path string) error {
	m.removes = append(m.removes, path)
	return nil
}

type memConfigSink struct {
	files map[string][]byte
	err   error
}

func (m *memConfigSink) WriteFile(_ context.Context, path string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	if m.files == nil {
		m.files = make(map[string][]byte)
	}
	m.files[path] = append([]byte(nil), data...)
	return nil
}

// recordingCallbacks captures callback statuses.
type recordingCallbacks struct {
	mu        sync.Mutex
	downloads []DownloadStatus
	uploads   []DownloadStatus
	configs   []DownloadStatus
}

func (r *recordingCallbacks) callbacks() EngineCallbacks {
	return EngineCallbacks{
		OnDownloadComplete: func(s DownloadStatus) {
			r.mu.Lock()
			r.downloads = append(r.downloads, s)
			r.mu.Unlock()
		},
		OnUploadComplete: func(s DownloadStatus) {
			r.mu.Lock()
			r.uploads = append(r.uploads, s)
			r.mu.Unlock()
		},
		OnConfigComplete: func(s DownloadStatus) {
			r.mu.Lock()
			r.configs = append(r.configs, s)
			r.mu.Unlock()
		},
	}
}

// testFixture bundles an engine with its mock collaborators.
type testFixture struct {
	engine    *Engine
	transport *mockTransport
	signer    *mockSigner
	crypto    *mockDecryptor
	almanac   *memAlmanacSink
	config    *memConfigSink
	calls     *recordingCallbacks
	metrics   *InMemoryMetrics
}

// testConfig is a plaintext config with fast receive polling and no
// periodic config download.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.DisableEncryption = true
	cfg.SkipConfigDownload = true
	cfg.Compress = false
	cfg.RecvRetryInterval = time.Millisecond
	cfg.RecvRetryLimit = 20
	cfg.MaxAttempts = 10
	return cfg
}

func newTestFixture(t *testing.T, cfg *Config, responses ...string) *testFixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	f := &testFixture{
		transport: newMockTransport(responses...),
		signer:    &mockSigner{token: "jwt"},
		crypto:    &mockDecryptor{},
		almanac:   &memAlmanacSink{},
		config:    &memConfigSink{},
		calls:     &recordingCallbacks{},
		metrics:   NewInMemoryMetrics(),
	}
	engine, err := NewEngine(cfg, Collaborators{
		Transport: f.transport,
		Signer:    f.signer,
		Crypto:    f.crypto,
		Almanac:   f.almanac,
		Config:    f.config,
	}, f.calls.callbacks())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	engine.SetMetrics(f.metrics)
	f.engine = engine
	return f
}

// httpResponse builds a response with the given status line, extra header
// lines, and body. Content-Length is added when body is non-empty.
func httpResponse(status string, body string, headers ...string) string {
	var b strings.Builder
	b.WriteString("HTTP/1.1 " + status + "\r\n")
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	if body != "" {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

func authOK(token string, headers ...string) string {
	return httpResponse("200 OK", "", append([]string{"ubsa-token: " + token}, headers...)...)
}

func partialResponse(start, end, total int, body string) string {
	return httpResponse("206 Partial Content", body, fmt.Sprintf("Content-Range: bytes %d-%d/%d", start, end, total))
}

func containsSubstring(s, substr string) bool {
	return strings.Contains(s, substr)
}
