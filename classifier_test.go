package go_otdoa

import (
	"bytes"
	"encoding/hex"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// TestParseResponseHeader tests status code and Content-Length parsing.
func TestParseResponseHeader(t *testing.T) {
	tests := []struct {
		name      string
		buf       string
		wantCode  int
		wantCL    int
		wantHasCL bool
		wantErr   error
	}{
		{"ok with length", "HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\nbody", 200, 42, true, nil},
		{"partial", "HTTP/1.1 206 Partial Content\r\nContent-Length: 5\r\n\r\n", 206, 5, true, nil},
		{"no length", "HTTP/1.1 401 Unauthorized\r\n\r\n", 401, 0, false, nil},
		{"malformed length", "HTTP/1.1 200 OK\r\nContent-Length: abc\r\n\r\n", 200, 0, false, nil},
		{"unknown code", "HTTP/1.1 418 I'm a teapot\r\n\r\n", 0, 0, false, nil},
		{"no terminator", "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n", 0, 0, false, ErrHeaderDelimiter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseResponseHeader([]byte(tt.buf))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseResponseHeader() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponseHeader() error = %v", err)
			}
			if h.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", h.Code, tt.wantCode)
			}
			if h.ContentLength != tt.wantCL || h.HasContentLength != tt.wantHasCL {
				t.Errorf("ContentLength = %d (%v), want %d (%v)", h.ContentLength, h.HasContentLength, tt.wantCL, tt.wantHasCL)
			}
		})
	}
}

// TestParseResponseHeaderLeavesBuffer tests that parsing does not modify the buffer.
func TestParseResponseHeaderLeavesBuffer(t *testing.T) {
	buf := []byte("HTTP/1.1 200 OK\r\nubsa-token: abc\r\n\r\n")
	orig := append([]byte(nil), buf...)
	if _, err := ParseResponseHeader(buf); err != nil {
		t.Fatalf("ParseResponseHeader() error = %v", err)
	}
	if !bytes.Equal(buf, orig) {
		t.Errorf("buffer modified: %q", buf)
	}
}

// TestClassifyTwice tests that classifying one buffer twice gives the same
// answer and leaves the bytes unchanged.
func TestClassifyTwice(t *testing.T) {
	pubkey, iv := encryptedAuthHeaders()
	auth := []byte(authOK("tok", "pubkey: "+pubkey, "iv: "+iv, "recommended-delay: 40"))
	rng := []byte(partialResponse(100, 199, 500, strings.Repeat("r", 100)))
	authOrig := append([]byte(nil), auth...)
	rngOrig := append([]byte(nil), rng...)

	a1, err1 := ClassifyAuth(auth, true)
	a2, err2 := ClassifyAuth(auth, true)
	if err1 != nil || err2 != nil {
		t.Fatalf("ClassifyAuth() errors = %v, %v", err1, err2)
	}
	if !reflect.DeepEqual(a1, a2) {
		t.Errorf("ClassifyAuth() = %+v then %+v", a1, a2)
	}
	if !bytes.Equal(auth, authOrig) {
		t.Errorf("auth buffer modified: %q", auth)
	}

	r1, err1 := ClassifyRange(rng)
	r2, err2 := ClassifyRange(rng)
	if err1 != nil || err2 != nil {
		t.Fatalf("ClassifyRange() errors = %v, %v", err1, err2)
	}
	if !reflect.DeepEqual(r1, r2) {
		t.Errorf("ClassifyRange() = %+v then %+v", r1, r2)
	}
	if r1.Start != 100 || r1.End != 199 || r1.Total != 500 {
		t.Errorf("range = %d-%d/%d, want 100-199/500", r1.Start, r1.End, r1.Total)
	}
	if !bytes.Equal(rng, rngOrig) {
		t.Errorf("range buffer modified: %q", rng)
	}
}

func encryptedAuthHeaders() (pubkey, iv string) {
	der := make([]byte, PUBKEY_DER_LEN)
	for i := range der {
		der[i] = byte(0x30 + i)
	}
	return hex.EncodeToString(der), strings.Repeat("0f", IV_LEN)
}

// TestClassifyAuth tests auth response classification.
func TestClassifyAuth(t *testing.T) {
	pubkey, iv := encryptedAuthHeaders()

	tests := []struct {
		name       string
		buf        string
		encrypted  bool
		wantStatus ResponseStatus
		wantToken  string
		wantDelay  uint32
		wantErr    error
	}{
		{
			name:       "plaintext ok",
			buf:        authOK("tok123", "recommended-delay: 250"),
			wantStatus: StatusOK,
			wantToken:  "tok123",
			wantDelay:  250,
		},
		{
			name:       "malformed delay ignored",
			buf:        authOK("tok", "recommended-delay: soon"),
			wantStatus: StatusOK,
			wantToken:  "tok",
		},
		{
			name:       "encrypted ok",
			buf:        authOK("tok", "pubkey: "+pubkey, "iv: "+iv),
			encrypted:  true,
			wantStatus: StatusOK,
			wantToken:  "tok",
		},
		{
			name:       "token too long",
			buf:        authOK(strings.Repeat("t", UBSA_TOKEN_MAX_LEN+1)),
			wantStatus: StatusError,
			wantErr:    ErrInvalidHeader,
		},
		{
			name:       "missing token",
			buf:        httpResponse("200 OK", ""),
			wantStatus: StatusError,
			wantErr:    ErrMissingHeader,
		},
		{
			name:       "missing pubkey",
			buf:        authOK("tok", "iv: "+iv),
			encrypted:  true,
			wantStatus: StatusError,
			wantErr:    ErrMissingHeader,
		},
		{
			name:       "short pubkey",
			buf:        authOK("tok", "pubkey: "+pubkey[:100], "iv: "+iv),
			encrypted:  true,
			wantStatus: StatusError,
			wantErr:    ErrInvalidHeader,
		},
		{
			name:       "pubkey not hex",
			buf:        authOK("tok", "pubkey: "+strings.Repeat("zz", PUBKEY_DER_LEN), "iv: "+iv),
			encrypted:  true,
			wantStatus: StatusError,
			wantErr:    ErrInvalidHeader,
		},
		{
			name:       "missing iv",
			buf:        authOK("tok", "pubkey: "+pubkey),
			encrypted:  true,
			wantStatus: StatusError,
			wantErr:    ErrMissingHeader,
		},
		{"bad request", httpResponse("400 Bad Request", ""), false, StatusBadRequest, "", 0, nil},
		{"unauthorized", httpResponse("401 Unauthorized", ""), false, StatusUnauthorized, "", 0, nil},
		{"not found", httpResponse("404 Not Found", ""), false, StatusError, "", 0, nil},
		{"conflict", httpResponse("409 Conflict", ""), false, StatusConflict, "", 0, nil},
		{"unprocessable", httpResponse("422 Unprocessable Entity", ""), false, StatusUnprocessableContent, "", 0, nil},
		{"too many", httpResponse("429 Too Many Requests", ""), false, StatusTooManyRequests, "", 0, nil},
		{"server error", httpResponse("500 Internal Server Error", ""), false, StatusInternalServerError, "", 0, nil},
		{"accepted is not an auth answer", httpResponse("202 Accepted", "", "recommended-delay: 500"), false, StatusError, "", 0, nil},
		{"partial is not an auth answer", httpResponse("206 Partial Content", ""), false, StatusError, "", 0, nil},
		{"no terminator", "HTTP/1.1 200 OK\r\n", false, StatusError, "", 0, ErrHeaderDelimiter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ClassifyAuth([]byte(tt.buf), tt.encrypted)
			if r.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", r.Status, tt.wantStatus)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error = %v", err)
			}
			if r.Token != tt.wantToken {
				t.Errorf("Token = %q, want %q", r.Token, tt.wantToken)
			}
			if r.RecommendedDelay != tt.wantDelay {
				t.Errorf("RecommendedDelay = %d, want %d", r.RecommendedDelay, tt.wantDelay)
			}
		})
	}
}

// TestClassifyAuthKeyMaterial tests that the key is taken from the DER offset.
func TestClassifyAuthKeyMaterial(t *testing.T) {
	pubkey, iv := encryptedAuthHeaders()
	r, err := ClassifyAuth([]byte(authOK("tok", "pubkey: "+pubkey, "iv: "+iv)), true)
	if err != nil {
		t.Fatalf("ClassifyAuth() error = %v", err)
	}
	der, _ := hex.DecodeString(pubkey)
	if !bytes.Equal(r.PubKey, der[PUBKEY_DER_OFFSET:]) {
		t.Errorf("PubKey = %x, want %x", r.PubKey, der[PUBKEY_DER_OFFSET:])
	}
	if len(r.PubKey) != PUBKEY_LEN || r.PubKey[0] != byte(0x30+PUBKEY_DER_OFFSET) {
		t.Errorf("PubKey length %d first byte %#x", len(r.PubKey), r.PubKey[0])
	}
	if !bytes.Equal(r.IV, bytes.Repeat([]byte{0x0f}, IV_LEN)) {
		t.Errorf("IV = %x", r.IV)
	}
}

// TestClassifyRange tests range response classification.
func TestClassifyRange(t *testing.T) {
	tests := []struct {
		name       string
		buf        string
		wantStatus ResponseStatus
		wantStart  int
		wantEnd    int
		wantTotal  int
		wantDelay  uint32
		wantErr    error
	}{
		{"partial", partialResponse(0, 1372, 50000, "x"), StatusPartialContent, 0, 1372, 50000, 0, nil},
		{"partial without range", httpResponse("206 Partial Content", "x"), StatusError, 0, 0, 0, 0, ErrMissingHeader},
		{"partial malformed range", httpResponse("206 Partial Content", "x", "Content-Range: bytes 0-"), StatusError, 0, 0, 0, 0, ErrInvalidHeader},
		{"whole file", httpResponse("200 OK", "abc"), StatusOK, 0, 0, 0, 0, nil},
		{"not ready", httpResponse("202 Accepted", "", "recommended-delay: 1500"), StatusNotReady, 0, 0, 0, 1500, nil},
		{"gone", httpResponse("410 Gone", ""), StatusGone, 0, 0, 0, 0, nil},
		{"bad request", httpResponse("400 Bad Request", ""), StatusBadRequest, 0, 0, 0, 0, nil},
		{"conflict is not a range answer", httpResponse("409 Conflict", ""), StatusError, 0, 0, 0, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ClassifyRange([]byte(tt.buf))
			if r.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", r.Status, tt.wantStatus)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error = %v", err)
			}
			if r.Start != tt.wantStart || r.End != tt.wantEnd || r.Total != tt.wantTotal {
				t.Errorf("range = %d-%d/%d, want %d-%d/%d", r.Start, r.End, r.Total, tt.wantStart, tt.wantEnd, tt.wantTotal)
			}
			if r.RecommendedDelay != tt.wantDelay {
				t.Errorf("RecommendedDelay = %d, want %d", r.RecommendedDelay, tt.wantDelay)
			}
		})
	}
}

// TestClassifyRangeInverted tests that a backwards Content-Range is a fatal protocol error.
func TestClassifyRangeInverted(t *testing.T) {
	r, err := ClassifyRange([]byte(partialResponse(900, 100, 5000, "x")))
	if r.Status != StatusError {
		t.Errorf("Status = %s, want %s", r.Status, StatusError)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if pe.Code != 206 || !IsFatal(err) {
		t.Errorf("ProtocolError = %+v, want fatal with code 206", pe)
	}
}

// TestClassifyConfig tests config response classification.
func TestClassifyConfig(t *testing.T) {
	tests := []struct {
		name       string
		buf        string
		wantStatus ResponseStatus
		wantCL     int
	}{
		{"ok", httpResponse("200 OK", "cfgdata"), StatusOK, 7},
		{"ok without length", httpResponse("200 OK", ""), StatusBadConfig, 0},
		{"unauthorized", httpResponse("401 Unauthorized", ""), StatusUnauthorized, 0},
		{"too many", httpResponse("429 Too Many Requests", ""), StatusTooManyRequests, 0},
		{"server error", httpResponse("500 Internal Server Error", ""), StatusInternalServerError, 0},
		{"gone", httpResponse("410 Gone", ""), StatusError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ClassifyConfig([]byte(tt.buf))
			if err != nil {
				t.Fatalf("ClassifyConfig() error = %v", err)
			}
			if r.Status != tt.wantStatus || r.ContentLength != tt.wantCL {
				t.Errorf("ClassifyConfig() = %s, %d, want %s, %d", r.Status, r.ContentLength, tt.wantStatus, tt.wantCL)
			}
		})
	}
}
