package go_otdoa

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedRecordSize is the plaintext size of one at-rest record.
const sealedRecordSize = 4096

// ChaCha20Poly1305Cipher seals almanac data at rest.
type ChaCha20Poly1305Cipher struct {
	aead cipher.AEAD
	key  [chacha20poly1305.KeySize]byte
}

// NewChaCha20Poly1305Cipher creates a cipher with a random key.
func NewChaCha20Poly1305Cipher() (*ChaCha20Poly1305Cipher, error) {
	var key [chacha20poly1305.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ChaCha20-Poly1305 key: %w", err)
	}
	return NewChaCha20Poly1305CipherWithKey(key)
}

// NewChaCha20Poly1305CipherWithKey creates a cipher with the provided key.
func NewChaCha20Poly1305CipherWithKey(key [chacha20poly1305.KeySize]byte) (*ChaCha20Poly1305Cipher, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 AEAD: %w", err)
	}
	return &ChaCha20Poly1305Cipher{aead: aead, key: key}, nil
}

// Key returns the cipher key.
func (c *ChaCha20Poly1305Cipher) Key() [chacha20poly1305.KeySize]byte {
	return c.key
}

// Encrypt seals plaintext and prepends a random nonce.
func (c *ChaCha20Poly1305Cipher) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Decrypt opens data produced by Encrypt.
func (c *ChaCha20Poly1305Cipher) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// sealWriter splits a byte stream into records of sealedRecordSize and
// writes each as [length:uint32][nonce][ciphertext]. The record index is the
// associated data, so records cannot be reordered.
type sealWriter struct {
	c      *ChaCha20Poly1305Cipher
	w      io.Writer
	buf    []byte
	record uint64
}

func newSealWriter(c *ChaCha20Poly1305Cipher, w io.Writer) *sealWriter {
	return &sealWriter{c: c, w: w, buf: make([]byte, 0, sealedRecordSize)}
}

func (s *sealWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), sealedRecordSize-len(s.buf))
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(s.buf) == sealedRecordSize {
			if err := s.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (s *sealWriter) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	sealed, err := s.c.Encrypt(s.buf, recordAAD(s.record))
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(sealed); err != nil {
		return err
	}
	s.record++
	s.buf = s.buf[:0]
	return nil
}

// Close seals the final partial record. It does not close the underlying writer.
func (s *sealWriter) Close() error {
	return s.flush()
}

func recordAAD(index uint64) []byte {
	var aad [8]byte
	binary.BigEndian.PutUint64(aad[:], index)
	return aad[:]
}

// OpenSealed decrypts a complete stream written by the at-rest sealer.
func (c *ChaCha20Poly1305Cipher) OpenSealed(r io.Reader) ([]byte, error) {
	var out []byte
	var hdr [4]byte
	for record := uint64(0); ; record++ {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("record %d header: %w", record, err)
		}
		sealed := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(r, sealed); err != nil {
			return nil, fmt.Errorf("record %d body: %w", record, err)
		}
		plain, err := c.Decrypt(sealed, recordAAD(record))
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", record, err)
		}
		out = append(out, plain...)
	}
}
