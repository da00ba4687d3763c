package go_otdoa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
)

const authRequestFormat = "GET /v1/ubsa.php?ecgi=%d&encrypt=%d&dlearfcn=%d&radius=%d&num_cells=%d&compress_window=%d HTTP/1.1\r\n" +
	"Host: %s:443\r\n" +
	"User-agent: " + USER_AGENT + "\r\n" +
	"Accept: */*\r\n" +
	"Connection: keep-alive\r\n" +
	"authorization: Bearer %s\r\n" +
	"\r\n"

const rangeRequestFormat = "GET /v1/ubsa.php?token=%s HTTP/1.1\r\n" +
	"Host: %s\r\n" +
	"User-agent: " + USER_AGENT + "\r\n" +
	"Accept: */*\r\n" +
	"Range: bytes=%d-%d\r\n" +
	"authorization: Bearer %s\r\n" +
	"\r\n"

func formatAuthRequest(s *Session, host, token string) string {
	return fmt.Sprintf(authRequestFormat,
		s.ecgi, lo.Ternary(s.encryptionDisabled.Load(), 0, 1),
		s.dlearfcn, s.radius, s.numCells, COMPRESS_WINDOW_BITS,
		host, token)
}

// nextRange returns the inclusive byte range of the next request.
func nextRange(s *Session) (start, end int) {
	chunk := lo.Ternary(s.tlsDisabled.Load(), HTTP_RANGE_REQUEST_SIZE, HTTPS_RANGE_REQUEST_SIZE) - RANGE_REQUEST_HEADROOM
	if s.rangeStart+chunk >= s.rangeMax {
		chunk = s.rangeMax - (s.rangeStart + 1)
	}
	return s.rangeStart, s.rangeStart + chunk
}

func formatRangeRequest(s *Session, host, token string) string {
	start, end := nextRange(s)
	return fmt.Sprintf(rangeRequestFormat, s.ubsaToken, host, start, end, token)
}

// setRequest copies the download parameters and restarts the range at 0.
func (s *Session) setRequest(m *GetAlmanac) {
	s.ecgi = m.ECGI
	s.dlearfcn = m.DLEARFCN
	s.radius = m.Radius
	s.numCells = m.NumCells
	s.rangeStart = 0
	s.rangeSegmentEnd = 0
}

// DownloadAlmanac downloads the uBSA for the cell in m and stores it through
// the almanac sink. Recoverable server answers are retried up to
// Config.MaxAttempts times, or without bound when it is zero; 400 and 422
// blacklist the cell.
func (e *Engine) DownloadAlmanac(ctx context.Context, m *GetAlmanac) error {
	start := time.Now()
	defer func() { e.metrics.RecordLatency("almanac", time.Since(start)) }()

	s := e.session
	s.blacklist.Tick()
	if age, err := s.blacklist.Check(m.ECGI); err != nil {
		Error("Failure checking ecgi blacklist: %v", err)
	} else if age > 0 {
		Error("ECGI %d is blacklisted, age = %d", m.ECGI, age)
		return NewTransferError(StatusError, "blacklist", fmt.Errorf("%w: ecgi %d", ErrCellBlacklisted, m.ECGI))
	}

	host := lo.Ternary(m.URL != "", m.URL, e.cfg.DownloadHost)
	if err := e.rebind(host); err != nil {
		Warning("Failed to bind socket for uBSA download")
		return err
	}

	for attempt := 1; ; attempt++ {
		err := e.downloadAttempt(ctx, host, m)
		status := StatusOf(err)
		action := retryActionFor(status)
		Debug("Almanac attempt %d: %s, %s", attempt, status, action)

		switch action {
		case actionSucceed:
			return nil
		case actionRetry:
			Warning("Recoverable %s, retrying", status)
		case actionRetryAfterDelay:
			delay := time.Duration(s.recommendedDelay) * time.Millisecond
			s.recommendedDelay = 0
			Warning("Almanac not ready, retrying in %v", delay)
			if serr := sleepContext(ctx, delay); serr != nil {
				return NewTransferError(StatusCancelled, "almanac", serr)
			}
			s.skipAuth.Store(true)
		case actionBlacklist:
			Error("Adding ecgi %d to blacklist", m.ECGI)
			if berr := s.blacklist.Add(m.ECGI); berr != nil {
				Error("Failed to add ecgi %d to blacklist: %v", m.ECGI, berr)
			}
			return err
		default:
			if _, known := retryPolicy[status]; !known {
				return NewTransferError(StatusError, "almanac", err)
			}
			return err
		}

		if e.cfg.MaxAttempts > 0 && attempt >= e.cfg.MaxAttempts {
			Error("Giving up after %d attempts", attempt)
			s.skipAuth.Store(false)
			return err
		}
	}
}

// downloadAttempt is one connect, authenticate and range-loop pass. Cleanup
// runs once on every exit.
func (e *Engine) downloadAttempt(ctx context.Context, host string, m *GetAlmanac) (err error) {
	s := e.session
	s.downloadComplete = false
	s.rangeMax = HTTPS_RANGE_MAX_DEFAULT
	s.acquireBuffer()
	s.setRequest(m)

	connected := false
	defer func() {
		if connected {
			e.disconnect()
		}
		s.releaseBuffer()
		s.skipAuth.Store(false)
		if err != nil {
			e.abortDownload(ctx, StatusOf(err))
		}
	}()

	if cerr := e.connect(ctx, host); cerr != nil {
		return NewTransferError(StatusRegistrationError, "connect", cerr)
	}
	connected = true

	if s.skipAuth.Load() {
		Debug("Skipping auth, reusing token")
	} else if err := e.authenticate(ctx, host); err != nil {
		return err
	}

	for s.rangeStart < s.rangeMax {
		if err := e.requestRange(ctx, host); err != nil {
			return err
		}
	}
	Info("uBSA download complete")
	return nil
}

// abortDownload discards a failed attempt's partial file and key. A
// not-ready answer keeps the key because the retry skips authentication.
func (e *Engine) abortDownload(ctx context.Context, status ResponseStatus) {
	if e.deps.Crypto != nil && retryActionFor(status) != actionRetryAfterDelay {
		e.deps.Crypto.Abort()
	}
	if err := e.deps.Almanac.Close(); err != nil {
		Warning("Closing almanac sink: %v", err)
	}
	if err := e.deps.Almanac.Remove(context.WithoutCancel(ctx), e.cfg.AlmanacPath); err != nil {
		Warning("Removing %s: %v", e.cfg.AlmanacPath, err)
	}
}

func (e *Engine) authenticate(ctx context.Context, host string) error {
	s := e.session
	token, err := e.token("auth")
	if err != nil {
		return err
	}
	if err := e.sendRequest(ctx, "auth", formatAuthRequest(s, host, token)); err != nil {
		return NewTransferError(StatusOf(err), "auth", err)
	}
	if err := e.receiveResponse(ctx, "auth"); err != nil {
		return err
	}

	if override := ResponseStatus(s.overrideAuthStatus.Load()); override != StatusOK {
		Warning("Overriding auth response to %s", override)
		return NewTransferError(override, "auth", nil)
	}

	encrypted := !s.encryptionDisabled.Load()
	r, err := ClassifyAuth(s.buf[:s.offset], encrypted)
	e.metrics.IncrementResponse(r.Status)
	if r.Status != StatusOK {
		Error("Auth response %s: %v", r.Status, err)
		return NewTransferError(r.Status, "auth", err)
	}

	s.pubkey, s.iv = nil, nil
	if encrypted {
		if e.deps.Crypto == nil {
			return NewTransferError(StatusError, "auth", ErrNoDecryptor)
		}
		if err := e.deps.Crypto.SetKey(r.PubKey); err != nil {
			Error("Failed to set transfer key: %v", err)
			return NewTransferError(StatusError, "auth", err)
		}
		s.pubkey, s.iv = r.PubKey, r.IV
	}
	s.ubsaToken = r.Token
	s.recommendedDelay = r.RecommendedDelay
	Debug("Authenticated, token %q, recommended delay %dms", r.Token, r.RecommendedDelay)
	return nil
}

// requestRange fetches and stores one range of the almanac.
func (e *Engine) requestRange(ctx context.Context, host string) error {
	s := e.session
	token, err := e.token("range")
	if err != nil {
		return err
	}
	req := formatRangeRequest(s, host, token)

	if s.recommendedDelay > 0 {
		Debug("Delaying %dms", s.recommendedDelay)
		if err := sleepContext(ctx, time.Duration(s.recommendedDelay)*time.Millisecond); err != nil {
			return NewTransferError(StatusCancelled, "range", err)
		}
	}
	s.recommendedDelay = 0

	if err := e.sendRequest(ctx, "range", req); err != nil {
		return NewTransferError(StatusOf(err), "range", err)
	}
	if err := e.receiveResponse(ctx, "range"); err != nil {
		return err
	}

	r, err := ClassifyRange(s.buf[:s.offset])
	e.metrics.IncrementResponse(r.Status)
	switch r.Status {
	case StatusOK, StatusPartialContent:
	case StatusNotReady:
		s.recommendedDelay = r.RecommendedDelay
		return NewTransferError(r.Status, "range", nil)
	default:
		if IsFatal(err) {
			Error("Abandoning range download: %v", err)
		} else {
			Error("Range response %s: %v", r.Status, err)
		}
		return NewTransferError(r.Status, "range", err)
	}

	s.contentLength = r.ContentLength
	s.applyRange(r)

	if err := s.receiveRemaining(ctx); err != nil {
		Error("Failed to receive range content: %v", err)
		if errors.Is(err, ErrCancelled) {
			return NewTransferError(StatusCancelled, "range", err)
		}
		return NewTransferError(StatusError, "range", err)
	}
	if err := e.processData(ctx); err != nil {
		return NewTransferError(StatusError, "range", err)
	}
	return nil
}

// applyRange updates the range accounting from a 200 or 206 response.
func (s *Session) applyRange(r *RangeResponse) {
	lastSegmentEnd := s.rangeSegmentEnd

	if r.Status == StatusPartialContent {
		s.rangeStart, s.rangeSegmentEnd, s.rangeMax = r.Start, r.End, r.Total
		if s.rangeSegmentEnd > s.rangeMax-1 {
			s.rangeSegmentEnd = s.rangeMax - 1
		}
		if s.contentLength >= s.rangeMax {
			s.contentLength = s.rangeMax
			s.downloadComplete = true
		}
	} else if s.rangeStart == 0 {
		// the whole file in one response
		s.rangeSegmentEnd = s.contentLength - 1
		s.rangeMax = s.contentLength
		s.downloadComplete = true
	} else {
		// a final 200 carries no Content-Range; continue from the last segment
		if lastSegmentEnd != 0 {
			s.rangeStart = lastSegmentEnd + 1
		}
		s.rangeSegmentEnd += s.contentLength
		s.downloadComplete = true
	}
	Debug("range start: %d range end: %d content length: %d range max: %d",
		s.rangeStart, s.rangeSegmentEnd, s.contentLength, s.rangeMax)
}

// advanceRange moves the next request's start past the stored segment.
func (s *Session) advanceRange() {
	s.rangeStart += s.rangeSegmentEnd - s.rangeStart + 1
}

// processData hands the buffered body to the almanac sink and advances the range.
func (e *Engine) processData(ctx context.Context) error {
	s := e.session
	if s.rangeStart == 0 {
		opts := SinkOptions{
			EncryptAtRest: e.cfg.EncryptAtRest && s.encryptionDisabled.Load(),
			Compress:      e.cfg.Compress,
			Window:        1 << COMPRESS_WINDOW_BITS,
		}
		if !s.encryptionDisabled.Load() {
			opts.IV = s.iv
		}
		if err := e.deps.Almanac.Start(ctx, e.cfg.AlmanacPath, opts); err != nil {
			Error("Almanac sink start failed: %v", err)
			return err
		}
	}

	Debug("Writing %d bytes to uBSA file", s.contentLength)
	if err := e.deps.Almanac.Write(s.body()); err != nil {
		Error("Failed to write to uBSA: %v", err)
		return err
	}

	s.advanceRange()
	s.offset = 0
	Debug("rangeStart: %d, rangeSegmentEnd: %d", s.rangeStart, s.rangeSegmentEnd)

	if s.downloadComplete || s.rangeStart >= s.rangeMax {
		if err := e.deps.Almanac.Finish(); err != nil {
			Error("Failed to finish uBSA file: %v", err)
			return err
		}
	}
	return nil
}
