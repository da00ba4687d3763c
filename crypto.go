package go_otdoa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/crypto/hkdf"
)

// ubsaKeyInfo binds derived keys to almanac decryption.
var ubsaKeyInfo = []byte("otdoa-ubsa")

// Decryptor receives the server public key for an encrypted transfer and
// drops any derived state when a transfer fails.
type Decryptor interface {
	SetKey(pubkey []byte) error
	Abort()
}

// StreamDecryptor is a Decryptor that can also decrypt the transfer itself.
// The almanac sink uses it when the server sent an IV.
type StreamDecryptor interface {
	Decryptor
	NewStream(iv []byte) (cipher.Stream, error)
}

// ECDHDecryptor derives an AES-128 key from a P-256 ECDH exchange between
// the device key and the server key, expanded with HKDF-SHA256. The payload
// is AES-CTR under the server's IV.
type ECDHDecryptor struct {
	mu      sync.Mutex
	private *ecdh.PrivateKey
	key     []byte
}

// NewECDHDecryptor uses an existing device key.
func NewECDHDecryptor(private *ecdh.PrivateKey) (*ECDHDecryptor, error) {
	if private == nil || private.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%w: need a P-256 ECDH key", ErrInvalidArgument)
	}
	return &ECDHDecryptor{private: private}, nil
}

// GenerateECDHDecryptor creates a decryptor with a fresh device key.
func GenerateECDHDecryptor() (*ECDHDecryptor, error) {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, oops.In("crypto").Wrapf(err, "generate device key")
	}
	return &ECDHDecryptor{private: private}, nil
}

// PublicKey returns the uncompressed device public key.
func (d *ECDHDecryptor) PublicKey() []byte {
	return d.private.PublicKey().Bytes()
}

func (d *ECDHDecryptor) SetKey(pubkey []byte) error {
	if len(pubkey) != PUBKEY_LEN {
		return fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidArgument, len(pubkey), PUBKEY_LEN)
	}
	peer, err := ecdh.P256().NewPublicKey(pubkey)
	if err != nil {
		return oops.In("crypto").Wrapf(err, "parse server key")
	}
	secret, err := d.private.ECDH(peer)
	if err != nil {
		return oops.In("crypto").Wrapf(err, "ecdh")
	}
	key, err := deriveTransferKey(secret)
	if err != nil {
		return err
	}

	d.mu.Lock()
	clear(d.key)
	d.key = key
	d.mu.Unlock()
	return nil
}

func (d *ECDHDecryptor) NewStream(iv []byte) (cipher.Stream, error) {
	if len(iv) != IV_LEN {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrInvalidArgument, len(iv), IV_LEN)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.key == nil {
		return nil, ErrNoDecryptor
	}
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

func (d *ECDHDecryptor) Abort() {
	d.mu.Lock()
	clear(d.key)
	d.key = nil
	d.mu.Unlock()
}

func deriveTransferKey(secret []byte) ([]byte, error) {
	key := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, ubsaKeyInfo), key); err != nil {
		return nil, oops.In("crypto").Wrapf(err, "derive key")
	}
	return key, nil
}
