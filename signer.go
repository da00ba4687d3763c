package go_otdoa

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	cryptoed25519 "github.com/go-i2p/crypto/ed25519"
	"github.com/samber/oops"
	"go.step.sm/crypto/jose"
	"go.step.sm/crypto/keyutil"
	"go.step.sm/crypto/pemutil"
)

// JWT_MAX_LEN bounds a generated token; the modem's bearer buffer is 256
// bytes including the terminator.
const JWT_MAX_LEN = 255

const defaultTokenValidity = 5 * time.Minute

// Signer produces the short-lived bearer token sent with every request.
type Signer interface {
	GenerateToken() (string, error)
}

// JWTSigner signs compact JWTs with the device key. ECDSA P-256 keys sign
// ES256; Ed25519 keys sign EdDSA.
type JWTSigner struct {
	subject  string
	validity time.Duration
	now      func() time.Time

	mu     sync.Mutex
	signer jose.Signer
	public crypto.PublicKey
}

// NewJWTSigner wraps key, which must be an *ecdsa.PrivateKey on P-256 or an
// ed25519.PrivateKey. subject is usually the device IMEI.
func NewJWTSigner(key crypto.PrivateKey, subject string, validity time.Duration) (*JWTSigner, error) {
	var (
		alg    jose.SignatureAlgorithm
		public crypto.PublicKey
	)
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		alg, public = jose.ES256, k.Public()
	case ed25519.PrivateKey:
		alg, public = jose.EdDSA, k.Public()
	default:
		return nil, fmt.Errorf("%w: unsupported signing key %T", ErrInvalidArgument, key)
	}
	if validity <= 0 {
		validity = defaultTokenValidity
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, new(jose.SignerOptions).WithType("JWT"))
	if err != nil {
		return nil, oops.In("signer").With("alg", alg).Wrapf(err, "create signer")
	}
	return &JWTSigner{
		subject:  subject,
		validity: validity,
		now:      time.Now,
		signer:   signer,
		public:   public,
	}, nil
}

// NewES256Signer generates a fresh P-256 device key.
func NewES256Signer(subject string) (*JWTSigner, error) {
	key, err := keyutil.GenerateKey("EC", "P-256", 0)
	if err != nil {
		return nil, oops.In("signer").Wrapf(err, "generate P-256 key")
	}
	return NewJWTSigner(key, subject, 0)
}

// NewEd25519Signer generates a fresh Ed25519 device key.
func NewEd25519Signer(subject string) (*JWTSigner, error) {
	_, priv, err := cryptoed25519.GenerateEd25519KeyPair()
	if err != nil {
		return nil, oops.In("signer").Wrapf(err, "generate Ed25519 key")
	}
	return NewJWTSigner(ed25519.PrivateKey(*priv), subject, 0)
}

// LoadJWTSigner reads a PEM private key from path.
func LoadJWTSigner(path, subject string, validity time.Duration) (*JWTSigner, error) {
	key, err := pemutil.Read(path)
	if err != nil {
		return nil, oops.In("signer").With("path", path).Wrapf(err, "read key")
	}
	return NewJWTSigner(key, subject, validity)
}

// PublicKey returns the verification key to register with the server.
func (s *JWTSigner) PublicKey() crypto.PublicKey {
	return s.public
}

// GenerateToken signs a token valid from now for the configured validity.
func (s *JWTSigner) GenerateToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	claims := jose.Claims{
		Subject:  s.subject,
		IssuedAt: jose.NewNumericDate(now),
		Expiry:   jose.NewNumericDate(now.Add(s.validity)),
	}
	token, err := jose.Signed(s.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", oops.In("signer").Wrapf(err, "serialize token")
	}
	if len(token) > JWT_MAX_LEN {
		return "", fmt.Errorf("%w: token length %d exceeds %d", ErrInvalidArgument, len(token), JWT_MAX_LEN)
	}
	return token, nil
}
