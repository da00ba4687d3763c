package go_otdoa

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Header keys the server sends. Matching is a literal substring search
// within one line, the same way the device firmware has always read them.
const (
	hdrStatusLine       = "HTTP/1.1 "
	hdrContentLength    = "Content-Length: "
	hdrContentRange     = "Content-Range: bytes"
	hdrPubkey           = "pubkey: "
	hdrIV               = "iv: "
	hdrToken            = "ubsa-token: "
	hdrRecommendedDelay = "recommended-delay: "
)

// responseCodes are checked in this order against the status line.
var responseCodes = []int{200, 202, 206, 400, 401, 404, 409, 410, 422, 429, 500}

// parseResponseCode finds the first known status code in a status-line value.
func parseResponseCode(s string) (int, error) {
	for _, code := range responseCodes {
		if strings.Contains(s, fmt.Sprint(code)) {
			return code, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnrecognizedStatus, s)
}

// ResponseHeader is a read-only view of a received header. Lines borrow
// nothing from the buffer after parsing, so the buffer may be reused.
type ResponseHeader struct {
	Code             int
	HeaderLength     int
	ContentLength    int
	HasContentLength bool
	lines            []string
}

// ParseResponseHeader splits the header of buf into lines and reads the
// status code and Content-Length. The buffer is not modified.
func ParseResponseHeader(buf []byte) (*ResponseHeader, error) {
	headerLength := headerLengthOf(buf)
	if headerLength == 0 {
		return nil, ErrHeaderDelimiter
	}
	h := &ResponseHeader{
		HeaderLength: headerLength,
		lines: lo.Compact(strings.FieldsFunc(string(buf[:headerLength]), func(r rune) bool {
			return r == '\r' || r == '\n'
		})),
	}
	if status, ok := h.Value(hdrStatusLine); ok {
		if code, err := parseResponseCode(status); err == nil {
			h.Code = code
		} else {
			Debug("%v", err)
		}
	}
	if v, ok := h.Value(hdrContentLength); ok {
		if n, ok := parseLeadingInt(v); ok && n >= 0 {
			h.ContentLength = n
			h.HasContentLength = true
		}
	}
	return h, nil
}

// Value returns the rest of the first line containing key.
func (h *ResponseHeader) Value(key string) (string, bool) {
	for _, line := range h.lines {
		if idx := strings.Index(line, key); idx >= 0 {
			return line[idx+len(key):], true
		}
	}
	return "", false
}

// recommendedDelay reads the optional recommended-delay header in milliseconds.
func (h *ResponseHeader) recommendedDelay() uint32 {
	v, ok := h.Value(hdrRecommendedDelay)
	if !ok {
		return 0
	}
	n, ok := parseLeadingInt(v)
	if !ok || n < 0 {
		Warning("Ignoring malformed recommended-delay %q", v)
		return 0
	}
	return uint32(n)
}

var authStatus = map[int]ResponseStatus{
	200: StatusOK,
	400: StatusBadRequest,
	401: StatusUnauthorized,
	404: StatusError,
	409: StatusConflict,
	422: StatusUnprocessableContent,
	429: StatusTooManyRequests,
	500: StatusInternalServerError,
}

var rangeStatus = map[int]ResponseStatus{
	200: StatusOK,
	202: StatusNotReady,
	206: StatusPartialContent,
	400: StatusBadRequest,
	401: StatusUnauthorized,
	410: StatusGone,
	429: StatusTooManyRequests,
	500: StatusInternalServerError,
}

var configStatus = map[int]ResponseStatus{
	200: StatusOK,
	400: StatusBadRequest,
	401: StatusUnauthorized,
	429: StatusTooManyRequests,
	500: StatusInternalServerError,
}

func statusFromTable(table map[int]ResponseStatus, code int) ResponseStatus {
	if s, ok := table[code]; ok {
		return s
	}
	return StatusError
}

// AuthResponse is the classified answer to the authentication request.
type AuthResponse struct {
	Status           ResponseStatus
	Token            string
	PubKey           []byte
	IV               []byte
	RecommendedDelay uint32
	Header           *ResponseHeader
}

// ClassifyAuth classifies an auth response. With encryption enabled a 200
// must also carry the server public key and IV. A non-nil error always
// comes with Status StatusError.
func ClassifyAuth(buf []byte, encryptionEnabled bool) (*AuthResponse, error) {
	h, err := ParseResponseHeader(buf)
	if err != nil {
		return &AuthResponse{Status: StatusError}, err
	}
	r := &AuthResponse{Status: statusFromTable(authStatus, h.Code), Header: h}
	if r.Status != StatusOK {
		return r, nil
	}

	fail := func(key string, err error) (*AuthResponse, error) {
		r.Status = StatusError
		return r, headerError(h.Code, key, err)
	}

	if encryptionEnabled {
		v, ok := h.Value(hdrPubkey)
		if !ok {
			return fail(hdrPubkey, ErrMissingHeader)
		}
		if len(v) != 2*PUBKEY_DER_LEN {
			return fail(hdrPubkey, fmt.Errorf("%w: length %d, want %d", ErrInvalidHeader, len(v), 2*PUBKEY_DER_LEN))
		}
		if r.PubKey, err = decodeHexKey(v[2*PUBKEY_DER_OFFSET:], PUBKEY_LEN); err != nil {
			return fail(hdrPubkey, err)
		}

		v, ok = h.Value(hdrIV)
		if !ok {
			return fail(hdrIV, ErrMissingHeader)
		}
		if len(v) != 2*IV_LEN {
			return fail(hdrIV, fmt.Errorf("%w: length %d, want %d", ErrInvalidHeader, len(v), 2*IV_LEN))
		}
		if r.IV, err = decodeHexKey(v, IV_LEN); err != nil {
			return fail(hdrIV, err)
		}
	}

	token, ok := h.Value(hdrToken)
	if !ok {
		return fail(hdrToken, ErrMissingHeader)
	}
	if len(token) > UBSA_TOKEN_MAX_LEN {
		return fail(hdrToken, fmt.Errorf("%w: token length %d exceeds %d", ErrInvalidHeader, len(token), UBSA_TOKEN_MAX_LEN))
	}
	r.Token = token
	r.RecommendedDelay = h.recommendedDelay()
	return r, nil
}

// RangeResponse is the classified answer to one range request.
type RangeResponse struct {
	Status           ResponseStatus
	ContentLength    int
	HasContentLength bool
	Start            int
	End              int
	Total            int
	RecommendedDelay uint32
	Header           *ResponseHeader
}

// ClassifyRange classifies a range response. A 206 must carry a complete
// Content-Range.
func ClassifyRange(buf []byte) (*RangeResponse, error) {
	h, err := ParseResponseHeader(buf)
	if err != nil {
		return &RangeResponse{Status: StatusError}, err
	}
	r := &RangeResponse{
		Status:           statusFromTable(rangeStatus, h.Code),
		ContentLength:    h.ContentLength,
		HasContentLength: h.HasContentLength,
		Header:           h,
	}
	switch r.Status {
	case StatusNotReady:
		r.RecommendedDelay = h.recommendedDelay()
		return r, nil
	case StatusPartialContent:
		v, ok := h.Value(hdrContentRange)
		if !ok {
			r.Status = StatusError
			return r, headerError(h.Code, hdrContentRange, ErrMissingHeader)
		}
		n, _ := fmt.Sscanf(v, "%d-%d/%d", &r.Start, &r.End, &r.Total)
		if n < 3 {
			r.Status = StatusError
			return r, headerError(h.Code, hdrContentRange, fmt.Errorf("%w: %q", ErrInvalidHeader, v))
		}
		if r.Start > r.End {
			r.Status = StatusError
			return r, headerError(h.Code, hdrContentRange, NewProtocolError(fmt.Sprintf("inverted range %d-%d", r.Start, r.End), h.Code, true))
		}
	}
	return r, nil
}

// ConfigResponse is the classified answer to the config request.
type ConfigResponse struct {
	Status        ResponseStatus
	ContentLength int
	Header        *ResponseHeader
}

// ClassifyConfig classifies a config response. A 200 without
// Content-Length is StatusBadConfig.
func ClassifyConfig(buf []byte) (*ConfigResponse, error) {
	h, err := ParseResponseHeader(buf)
	if err != nil {
		return &ConfigResponse{Status: StatusError}, err
	}
	r := &ConfigResponse{
		Status:        statusFromTable(configStatus, h.Code),
		ContentLength: h.ContentLength,
		Header:        h,
	}
	if r.Status == StatusOK && !h.HasContentLength {
		Warning("Config response has no Content-Length")
		r.Status = StatusBadConfig
		r.ContentLength = 0
	}
	return r, nil
}

// decodeHexKey decodes exactly n bytes from the first 2n hex digits of s.
func decodeHexKey(s string, n int) ([]byte, error) {
	if len(s) < 2*n {
		return nil, fmt.Errorf("%w: %d hex digits, want %d", ErrInvalidHeader, len(s), 2*n)
	}
	key, err := hex.DecodeString(s[:2*n])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return key, nil
}

// containsMarker reports whether the received bytes contain marker.
func containsMarker(buf []byte, marker string) bool {
	return bytes.Contains(buf, []byte(marker))
}
