package go_otdoa

import (
	"bufio"
	"compress/zlib"
	"context"
	"crypto/cipher"
	"fmt"
	"io"
	"sync"

	"github.com/samber/oops"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// SinkOptions describe how a downloaded almanac is stored.
type SinkOptions struct {
	EncryptAtRest bool
	Compress      bool   // the payload is a zlib stream to inflate before storage
	Window        int    // largest window, in bytes, the stream may declare
	IV            []byte // transfer IV; nil when the payload is plaintext
}

// AlmanacSink receives almanac bytes in download order.
type AlmanacSink interface {
	Start(ctx context.Context, path string, opts SinkOptions) error
	Write(p []byte) error
	// Finish flushes and commits the file.
	Finish() error
	// Close abandons an unfinished file. It is a no-op when nothing is open.
	Close() error
	Remove(ctx context.Context, path string) error
}

// ConfigSink stores the downloaded configuration file.
type ConfigSink interface {
	WriteFile(ctx context.Context, path string, data []byte) error
}

// OpenStorage opens the bucket that backs the default sinks, for example
// file:///var/lib/otdoa or mem://.
func OpenStorage(ctx context.Context, url string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, oops.In("sink").With("url", url).Wrapf(err, "open storage")
	}
	return bucket, nil
}

// BlobAlmanacSink writes the almanac to a blob bucket. Bytes pass through
// transfer decryption, then inflation, then at-rest sealing, each stage only
// when the options ask for it.
type BlobAlmanacSink struct {
	bucket    *blob.Bucket
	decryptor StreamDecryptor
	atRest    *ChaCha20Poly1305Cipher

	mu      sync.Mutex
	path    string
	cancel  context.CancelFunc
	blobW   *blob.Writer
	closers []io.Closer // inner stages, innermost first
	w       io.Writer
	stream  cipher.Stream
	scratch []byte
	written int64
}

// NewBlobAlmanacSink creates a sink. decryptor may be nil when transfers are
// never encrypted, and atRest may be nil when at-rest encryption is off.
func NewBlobAlmanacSink(bucket *blob.Bucket, decryptor StreamDecryptor, atRest *ChaCha20Poly1305Cipher) *BlobAlmanacSink {
	return &BlobAlmanacSink{bucket: bucket, decryptor: decryptor, atRest: atRest}
}

func (s *BlobAlmanacSink) Start(ctx context.Context, path string, opts SinkOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blobW != nil {
		Warning("Almanac sink restarted while %s was open", s.path)
		s.abortLocked()
	}

	var stream cipher.Stream
	if opts.IV != nil {
		if s.decryptor == nil {
			return ErrNoDecryptor
		}
		var err error
		if stream, err = s.decryptor.NewStream(opts.IV); err != nil {
			return oops.In("sink").With("path", path).Wrapf(err, "transfer decryption")
		}
	}
	if opts.EncryptAtRest && s.atRest == nil {
		return oops.In("sink").With("path", path).Wrapf(ErrInvalidArgument, "no at-rest key")
	}
	if opts.Compress && opts.Window <= 0 {
		return oops.In("sink").With("path", path).Wrapf(ErrInvalidArgument, "compressed almanac without a window")
	}

	wctx, cancel := context.WithCancel(ctx)
	bw, err := s.bucket.NewWriter(wctx, path, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		cancel()
		return oops.In("sink").With("path", path).Wrapf(err, "open writer")
	}

	var (
		w       io.Writer = bw
		closers []io.Closer
	)
	if opts.EncryptAtRest {
		sealer := newSealWriter(s.atRest, w)
		closers = append(closers, sealer)
		w = sealer
	}
	if opts.Compress {
		iw := newInflateWriter(w, opts.Window)
		closers = append(closers, iw)
		w = iw
	}

	s.path = path
	s.cancel = cancel
	s.blobW = bw
	s.closers = closers
	s.w = w
	s.stream = stream
	s.written = 0
	Debug("Almanac sink started: %s (decrypt=%v compress=%v window=%d at-rest=%v)",
		path, stream != nil, opts.Compress, opts.Window, opts.EncryptAtRest)
	return nil
}

func (s *BlobAlmanacSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobW == nil {
		return ErrSinkNotStarted
	}
	data := p
	if s.stream != nil {
		if cap(s.scratch) < len(p) {
			s.scratch = make([]byte, len(p))
		}
		data = s.scratch[:len(p)]
		s.stream.XORKeyStream(data, p)
	}
	if _, err := s.w.Write(data); err != nil {
		return oops.In("sink").With("path", s.path).With("offset", s.written).Wrapf(err, "write")
	}
	s.written += int64(len(p))
	return nil
}

func (s *BlobAlmanacSink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobW == nil {
		return ErrSinkNotStarted
	}
	// outermost stage first so each flushes into the next
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.abortLocked()
			return oops.In("sink").With("path", s.path).Wrapf(err, "flush")
		}
	}
	err := s.blobW.Close()
	path, written := s.path, s.written
	s.cancel()
	s.reset()
	if err != nil {
		return oops.In("sink").With("path", path).Wrapf(err, "commit")
	}
	Debug("Almanac sink committed %s (%d bytes)", path, written)
	return nil
}

func (s *BlobAlmanacSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobW != nil {
		s.abortLocked()
	}
	return nil
}

// abortLocked cancels the blob write so nothing is committed.
func (s *BlobAlmanacSink) abortLocked() {
	s.cancel()
	for _, c := range s.closers {
		if iw, ok := c.(*inflateWriter); ok {
			iw.abort()
		}
	}
	_ = s.blobW.Close()
	s.reset()
}

func (s *BlobAlmanacSink) reset() {
	s.path = ""
	s.cancel = nil
	s.blobW = nil
	s.closers = nil
	s.w = nil
	s.stream = nil
	s.written = 0
}

// Remove deletes path. A missing file is not an error.
func (s *BlobAlmanacSink) Remove(ctx context.Context, path string) error {
	err := s.bucket.Delete(ctx, path)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return oops.In("sink").With("path", path).Wrapf(err, "remove")
	}
	return nil
}

// inflateWriter inflates the zlib stream written to it into dst on a
// separate goroutine. The stream header may not declare a window larger than
// window bytes.
type inflateWriter struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error
}

func newInflateWriter(dst io.Writer, window int) *inflateWriter {
	pr, pw := io.Pipe()
	iw := &inflateWriter{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(iw.done)
		iw.err = inflate(dst, pr, window)
		pr.CloseWithError(iw.err)
	}()
	return iw
}

func inflate(dst io.Writer, src io.Reader, window int) error {
	br := bufio.NewReader(src)
	hdr, err := br.Peek(2)
	if err != nil {
		return fmt.Errorf("%w: zlib header: %v", ErrDecompress, err)
	}
	if declared := zlibWindow(hdr[0]); declared > window {
		return fmt.Errorf("%w: stream window %d exceeds %d", ErrDecompress, declared, window)
	}
	zr, err := zlib.NewReader(br)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	defer zr.Close()
	if _, err := io.Copy(dst, zr); err != nil {
		return fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	return nil
}

// zlibWindow decodes the window size from a zlib CMF byte.
func zlibWindow(cmf byte) int {
	return 1 << (int(cmf>>4) + 8)
}

func (w *inflateWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close ends the compressed stream and waits for the inflated bytes to reach dst.
func (w *inflateWriter) Close() error {
	w.pw.Close()
	<-w.done
	return w.err
}

func (w *inflateWriter) abort() {
	w.pw.CloseWithError(ErrCancelled)
	<-w.done
}

// BlobConfigSink writes the configuration file to a blob bucket.
type BlobConfigSink struct {
	bucket *blob.Bucket
}

func NewBlobConfigSink(bucket *blob.Bucket) *BlobConfigSink {
	return &BlobConfigSink{bucket: bucket}
}

func (s *BlobConfigSink) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, path, data, nil); err != nil {
		return oops.In("sink").With("path", path).With("size", len(data)).Wrapf(err, "write config")
	}
	return nil
}
