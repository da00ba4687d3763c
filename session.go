package go_otdoa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

var headerTerminator = []byte("\r\n\r\n")

// Session is the state of the one HTTP exchange the engine runs at a time.
// It is owned by the Engine and touched only by the transport-queue worker;
// the flag fields are atomics so setters may be called from anywhere.
type Session struct {
	transport Transport
	metrics   MetricsCollector

	buf           []byte
	offset        int
	headerLength  int
	contentLength int

	rangeStart       int
	rangeSegmentEnd  int
	rangeMax         int
	downloadComplete bool

	pubkey           []byte
	iv               []byte
	ubsaToken        string
	recommendedDelay uint32 // milliseconds

	ecgi     uint32
	dlearfcn uint32
	radius   uint32
	numCells uint32

	almanacRequests int
	prsID           atomic.Int64

	tlsDisabled        atomic.Bool
	skipConfigDownload atomic.Bool
	skipAuth           atomic.Bool
	encryptionDisabled atomic.Bool
	overrideAuthStatus atomic.Int32

	blacklist *Blacklist

	retryInterval time.Duration
	retryLimit    int
	stopCheck     func() bool
}

func newSession(transport Transport, cfg *Config, metrics MetricsCollector) *Session {
	s := &Session{
		transport:     transport,
		metrics:       metrics,
		rangeMax:      HTTPS_RANGE_MAX_DEFAULT,
		blacklist:     NewBlacklist(cfg.BlacklistTimeout),
		retryInterval: cfg.RecvRetryInterval,
		retryLimit:    cfg.RecvRetryLimit,
	}
	s.tlsDisabled.Store(cfg.DisableTLS)
	s.skipConfigDownload.Store(cfg.SkipConfigDownload)
	s.encryptionDisabled.Store(cfg.DisableEncryption)
	return s
}

// bufferLen is the usable buffer length: TLS sessions are limited by the
// modem's record buffer. It never exceeds the buffer currently held.
func (s *Session) bufferLen() int {
	n := HTTPS_BUF_SIZE
	if s.tlsDisabled.Load() {
		n = HTTP_BUF_SIZE
	}
	if s.buf != nil && len(s.buf) < n {
		return len(s.buf)
	}
	return n
}

// acquireBuffer takes the session buffer from the pool. A buffer still held
// from an earlier exchange is reported and returned first.
func (s *Session) acquireBuffer() {
	if s.buf != nil {
		Warning("Session buffer double allocate, releasing previous buffer")
		s.metrics.IncrementError("double_allocate")
		s.releaseBuffer()
	}
	s.buf = globalBufferPool.GetBuffer(s.bufferLen())
	s.offset = 0
	s.headerLength = 0
}

func (s *Session) releaseBuffer() {
	if s.buf == nil {
		return
	}
	globalBufferPool.PutBuffer(s.buf)
	s.buf = nil
	s.offset = 0
	s.headerLength = 0
}

// resetRange prepares for a new download of a file of unknown size.
func (s *Session) resetRange() {
	s.rangeStart = 0
	s.rangeSegmentEnd = 0
	s.rangeMax = HTTPS_RANGE_MAX_DEFAULT
	s.contentLength = 0
	s.downloadComplete = false
}

func (s *Session) pendingStop() bool {
	return s.stopCheck != nil && s.stopCheck()
}

// body returns the contentLength body bytes that follow the header.
func (s *Session) body() []byte {
	start := s.headerLength + len(headerTerminator)
	return s.buf[start : start+s.contentLength]
}

// bodyReceived is how many body bytes are already in the buffer.
func (s *Session) bodyReceived() int {
	return s.offset - (s.headerLength + len(headerTerminator))
}

// headerLengthOf returns the offset of the blank line ending the header, or 0.
func headerLengthOf(buf []byte) int {
	if idx := bytes.Index(buf, headerTerminator); idx > 0 {
		return idx
	}
	return 0
}

// send writes the whole request. Partial writes are retried.
func (s *Session) send(req []byte) error {
	for sent := 0; sent < len(req); {
		n, err := s.transport.Send(req[sent:])
		if err != nil {
			s.metrics.IncrementError("send")
			return fmt.Errorf("otdoa: send failed after %d of %d bytes: %w", sent, len(req), err)
		}
		if n == 0 {
			return fmt.Errorf("otdoa: send made no progress after %d of %d bytes", sent, len(req))
		}
		sent += n
	}
	s.metrics.AddBytesSent(uint64(len(req)))
	return nil
}

// recvOnce reads into the buffer at offset, polling while the socket would
// block. It returns 0 when the server closed the connection.
func (s *Session) recvOnce(ctx context.Context, tries *int) (int, error) {
	limit := s.bufferLen() - 1
	for {
		avail := limit - s.offset
		if avail < 2 {
			return 0, ErrBufferFull
		}
		n, err := s.transport.Recv(s.buf[s.offset : s.offset+avail])
		switch {
		case err == nil:
			if n > 0 {
				s.offset += n
				s.metrics.AddBytesReceived(uint64(n))
			}
			return n, nil
		case errors.Is(err, io.EOF):
			return 0, nil
		case errors.Is(err, ErrWouldBlock):
			if s.pendingStop() {
				Info("Receive cancelled by pending stop")
				return 0, ErrCancelled
			}
			*tries++
			if *tries > s.retryLimit {
				s.metrics.IncrementError("recv_timeout")
				return 0, ErrRetryLimit
			}
			if err := sleepContext(ctx, s.retryInterval); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrCancelled, err)
			}
		default:
			s.metrics.IncrementError("recv")
			return 0, fmt.Errorf("otdoa: recv failed: %w", err)
		}
	}
}

// receiveHeader reads until the response header is complete. It returns the
// number of bytes read by the final read, 0 if the server closed first.
func (s *Session) receiveHeader(ctx context.Context) (int, error) {
	if s.buf == nil {
		return 0, ErrNoBuffer
	}
	if err := s.transport.SetBlocking(false); err != nil {
		Warning("Failed to set socket non-blocking: %v", err)
	}
	s.offset = 0
	s.headerLength = 0
	clear(s.buf[:s.bufferLen()])

	tries := 0
	n := 0
	for s.offset < s.bufferLen()-1 {
		read, err := s.recvOnce(ctx, &tries)
		if err != nil {
			return 0, err
		}
		if read == 0 {
			return 0, nil
		}
		n = read
		if s.headerLength = headerLengthOf(s.buf[:s.offset]); s.headerLength > 0 {
			break
		}
	}
	Debug("Received %d header bytes (header length %d)", s.offset, s.headerLength)
	return n, nil
}

// receiveContent reads until contentLength body bytes are buffered.
func (s *Session) receiveContent(ctx context.Context) (int, error) {
	if s.buf == nil {
		return 0, ErrNoBuffer
	}
	need := s.headerLength + len(headerTerminator) + s.contentLength
	if need > s.bufferLen()-1 {
		return 0, fmt.Errorf("%w: response needs %d bytes, buffer holds %d", ErrBufferFull, need, s.bufferLen()-1)
	}

	tries := 0
	total := 0
	for s.bodyReceived() < s.contentLength {
		read, err := s.recvOnce(ctx, &tries)
		if err != nil {
			return total, err
		}
		if read == 0 {
			return total, fmt.Errorf("%w after %d of %d body bytes", ErrServerClosed, s.bodyReceived(), s.contentLength)
		}
		total += read
	}
	return total, nil
}

// receiveRemaining fetches the rest of the body when the header read did not
// already bring all of it.
func (s *Session) receiveRemaining(ctx context.Context) error {
	if s.contentLength-s.bodyReceived() <= 0 {
		return nil
	}
	_, err := s.receiveContent(ctx)
	return err
}
