package go_otdoa

import (
	"context"
	"fmt"
	"time"
)

const configRequestFormat = "GET /v1/config?ue_firmware_version=%s HTTP/1.1\r\n" +
	"Host: %s\r\n" +
	"User-agent: " + USER_AGENT + "\r\n" +
	"Accept: */*\r\n" +
	"Connection: keep-alive\r\n" +
	"authorization: Bearer %s\r\n" +
	"\r\n"

const testAuthRequestFormat = "GET /v1/ubsa.php?ecgi=%d&encrypt=1&compress_window=%d&dlearfcn=%d&radius=%d HTTP/1.1\r\n" +
	"Host: %s:443\r\n" +
	"accept: */*\r\n" +
	"authorization: Bearer %s\r\n" +
	"\r\n"

// DownloadConfig fetches the configuration file over TLS, whatever the
// current TLS setting, and stores it through the config sink.
func (e *Engine) DownloadConfig(ctx context.Context) error {
	start := time.Now()
	defer func() { e.metrics.RecordLatency("config", time.Since(start)) }()

	s := e.session
	saved := s.tlsDisabled.Swap(false)
	defer s.tlsDisabled.Store(saved)

	if err := e.rebind(e.cfg.DownloadHost); err != nil {
		Warning("Failed to bind socket for config download")
		return err
	}
	return e.fetchConfig(ctx)
}

func (e *Engine) fetchConfig(ctx context.Context) (err error) {
	s := e.session
	host := e.cfg.DownloadHost
	s.acquireBuffer()
	s.resetRange()

	connected := false
	defer func() {
		if connected {
			e.disconnect()
		}
		Info("Received %d bytes. Config request complete with result %s", s.rangeStart, StatusOf(err))
		s.releaseBuffer()
	}()

	if cerr := e.connect(ctx, host); cerr != nil {
		return NewTransferError(StatusNetworkError, "config", cerr)
	}
	connected = true

	token, err := e.token("config")
	if err != nil {
		return err
	}
	if err := e.sendRequest(ctx, "config", fmt.Sprintf(configRequestFormat, e.cfg.FirmwareVersion, host, token)); err != nil {
		return NewTransferError(StatusOf(err), "config", err)
	}
	if err := e.receiveResponse(ctx, "config"); err != nil {
		return err
	}

	r, err := ClassifyConfig(s.buf[:s.offset])
	e.metrics.IncrementResponse(r.Status)
	if r.Status != StatusOK {
		Error("Config response %s: %v", r.Status, err)
		return NewTransferError(r.Status, "config", err)
	}
	Debug("Received config response header")

	s.contentLength = r.ContentLength
	if err := s.receiveRemaining(ctx); err != nil {
		return NewTransferError(StatusMessageError, "config", err)
	}
	if err := e.deps.Config.WriteFile(ctx, e.cfg.ConfigPath, s.body()); err != nil {
		Error("Failed to store config: %v", err)
		return NewTransferError(StatusMessageError, "config", err)
	}
	s.rangeStart = s.contentLength
	return nil
}

// TestAuth sends a fixed almanac auth request to check that the server
// accepts the device's tokens. Only a 200 passes.
func (e *Engine) TestAuth(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { e.metrics.RecordLatency("test_auth", time.Since(start)) }()

	s := e.session
	host := e.cfg.DownloadHost
	if err := e.rebind(host); err != nil {
		Error("Failed to rebind in auth test")
		return err
	}

	token, err := e.token("test_auth")
	if err != nil {
		return err
	}
	Info("Generated JWT token: %s", token)

	s.acquireBuffer()
	defer s.releaseBuffer()

	if err := e.connect(ctx, host); err != nil {
		return NewTransferError(StatusNetworkError, "test_auth", err)
	}
	defer e.disconnect()

	req := fmt.Sprintf(testAuthRequestFormat, TEST_AUTH_ECGI, COMPRESS_WINDOW_BITS, DEFAULT_UBSA_DLEARFCN, DEFAULT_UBSA_RADIUS, host, token)
	if err := e.sendRequest(ctx, "test_auth", req); err != nil {
		return NewTransferError(StatusOf(err), "test_auth", err)
	}
	if err := e.receiveResponse(ctx, "test_auth"); err != nil {
		return err
	}

	h, err := ParseResponseHeader(s.buf[:s.offset])
	if err != nil {
		return NewTransferError(StatusError, "test_auth", err)
	}
	if h.Code != 200 {
		Error("Got unexpected response from server: %d", h.Code)
		return NewTransferError(StatusError, "test_auth", fmt.Errorf("%w: %d", ErrUnrecognizedStatus, h.Code))
	}
	Info("JWT test success")
	return nil
}
