package go_otdoa

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// content-length is zero padded so the header length does not depend on the body.
const uploadHeaderFormat = "POST /uploadResults.php HTTP/1.1\r\n" +
	"Host: %s\r\n" +
	"user-agent: " + UPLOAD_AGENT + "\r\n" +
	"accept: */*\r\n" +
	"Connection: close\r\n" +
	"content-length: %04d\r\n" +
	"content-type: application/x-www-form-urlencoded\r\n" +
	"\r\n"

const uploadSuccessMarker = "Upload Successful"

// uploadSummaryFields are logged from the server's reply.
var uploadSummaryFields = []string{"id", "upload_date", "est_lat", "est_lon", "est_algo", "est_acc", "unique_cells"}

// uploadBody builds the form-encoded body. Field order is fixed by the server.
func (e *Engine) uploadBody(m *UploadResults) string {
	r := m.Results
	d := &r.Details

	var b strings.Builder
	fmt.Fprintf(&b, "imei=%s", e.cfg.IMEI)
	fmt.Fprintf(&b, "&pass=%s", e.cfg.UploadPassword)
	fmt.Fprintf(&b, "&version_id=%s", e.cfg.VersionID)
	fmt.Fprintf(&b, "&sc_ecgi=%d", d.ServingCellECGI)
	fmt.Fprintf(&b, "&dlearfcn=%d", d.DLEARFCN)
	fmt.Fprintf(&b, "&sc_rssi=%d", d.ServingRSSIdBm)
	fmt.Fprintf(&b, "&num_cells=%d", len(d.ECGIList))
	fmt.Fprintf(&b, "&est_lat=%3.6f", r.Latitude)
	fmt.Fprintf(&b, "&est_lon=%3.6f", r.Longitude)
	fmt.Fprintf(&b, "&num_prs=%d", d.SessionLength)
	fmt.Fprintf(&b, "&est_algo=%s", d.EstimateAlgorithm)
	fmt.Fprintf(&b, "&uptime=%d", e.uptime())
	fmt.Fprintf(&b, "&est_acc=%5.0f", float64(r.Accuracy))

	if m.Notes != "" {
		fmt.Fprintf(&b, "&notes=%s", m.Notes)
	}
	if len(d.ECGIList) > 0 {
		b.WriteString("&ecgi_list=")
		b.WriteString(strings.Join(lo.Map(d.ECGIList, func(ecgi uint32, _ int) string {
			return strconv.FormatUint(uint64(ecgi), 10)
		}), ","))
		b.WriteString("&detection_count=")
		b.WriteString(strings.Join(lo.Map(d.TOADetectCount, func(count uint16, _ int) string {
			return strconv.FormatUint(uint64(count), 10)
		}), ","))
	}
	if m.TrueLat != "" && m.TrueLon != "" {
		fmt.Fprintf(&b, "&true_lat=%s", m.TrueLat)
		fmt.Fprintf(&b, "&true_lon=%s", m.TrueLon)
	}
	return b.String()
}

// formatUpload returns the complete upload request.
func (e *Engine) formatUpload(host string, m *UploadResults) (string, error) {
	body := e.uploadBody(m)
	req := fmt.Sprintf(uploadHeaderFormat, host, len(body)) + body
	if len(req) > HTTPS_BUF_SIZE-1 {
		return "", fmt.Errorf("%w: upload is %d bytes, limit %d", ErrRequestOverflow, len(req), HTTPS_BUF_SIZE-1)
	}
	return req, nil
}

// UploadResults posts a position estimate and checks the server accepted it.
// The result id from the reply is available through PrsID.
func (e *Engine) UploadResults(ctx context.Context, m *UploadResults) error {
	start := time.Now()
	defer func() { e.metrics.RecordLatency("upload", time.Since(start)) }()

	if m.Results == nil {
		return NewTransferError(StatusError, "upload", fmt.Errorf("%w: nil results", ErrInvalidArgument))
	}
	s := e.session
	host := lo.Ternary(m.URL != "", m.URL, e.cfg.UploadURL)
	if err := e.rebind(host); err != nil {
		return err
	}

	req, err := e.formatUpload(host, m)
	if err != nil {
		Error("Overflow when preparing upload: %v", err)
		return NewTransferError(StatusError, "upload", err)
	}

	s.acquireBuffer()
	defer s.releaseBuffer()

	if err := e.connect(ctx, host); err != nil {
		return NewTransferError(StatusNetworkError, "upload", err)
	}
	defer e.disconnect()

	if err := e.sendRequest(ctx, "upload", req); err != nil {
		Error("Failed to send results upload request: %v", err)
		return NewTransferError(StatusOf(err), "upload", err)
	}
	if err := e.receiveResponse(ctx, "upload"); err != nil {
		return err
	}

	reply := s.buf[:s.offset]
	if id, ok := parseResultID(reply); ok {
		s.prsID.Store(id)
	}
	if s.headerLength > 0 {
		for _, key := range uploadSummaryFields {
			if v, ok := responseField(reply, key); ok {
				Info("[*]  %s: %s", key, v)
			}
		}
	}
	if !containsMarker(reply, uploadSuccessMarker) {
		Error("%s not found in server response", uploadSuccessMarker)
		return NewTransferError(StatusError, "upload", ErrUploadRejected)
	}
	return nil
}

// parseResultID reads the integer after "id = " in the upload reply.
func parseResultID(reply []byte) (int64, bool) {
	const marker = "id = "
	idx := bytes.Index(reply, []byte(marker))
	if idx < 0 {
		return 0, false
	}
	rest := reply[idx+len(marker):]
	if end := bytes.IndexAny(rest, "\r\n"); end >= 0 {
		rest = rest[:end]
	}
	n, ok := parseLeadingInt(string(rest))
	return int64(n), ok
}

// responseField returns the rest of the reply line that mentions key.
func responseField(reply []byte, key string) (string, bool) {
	idx := bytes.Index(reply, []byte(key))
	if idx < 0 {
		return "", false
	}
	line := reply[idx+len(key):]
	if end := bytes.IndexAny(line, "\r\n"); end >= 0 {
		line = line[:end]
	}
	return strings.TrimSpace(strings.TrimLeft(string(line), " =:")), true
}
