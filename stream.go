package go_otdoa

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Stream serializes queue messages into and out of pool blocks.
// It wraps bytes.Buffer and adds big-endian integers, IEEE floats and
// length-prefixed strings.
type Stream struct {
	*bytes.Buffer
}

// NewStream creates a new Stream from a byte slice. Writes append after
// len(buf); pass buf[:0] to encode into existing storage.
func NewStream(buf []byte) *Stream {
	return &Stream{bytes.NewBuffer(buf)}
}

func (s *Stream) readN(n int) ([]byte, error) {
	bts := make([]byte, n)
	if _, err := io.ReadFull(s, bts); err != nil {
		return nil, err
	}
	return bts, nil
}

// ReadUint16 reads a big-endian uint16 from the stream.
func (s *Stream) ReadUint16() (uint16, error) {
	bts, err := s.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(bts), nil
}

// ReadUint32 reads a big-endian uint32 from the stream.
// Message kinds, lengths, cell ids and EARFCNs are all uint32 on the wire.
func (s *Stream) ReadUint32() (uint32, error) {
	bts, err := s.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(bts), nil
}

// ReadUint64 reads a big-endian uint64 from the stream.
func (s *Stream) ReadUint64() (uint64, error) {
	bts, err := s.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(bts), nil
}

// ReadFloat64 reads an IEEE-754 double.
func (s *Stream) ReadFloat64() (float64, error) {
	bits, err := s.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// ReadFloat32 reads an IEEE-754 single.
func (s *Stream) ReadFloat32() (float32, error) {
	bits, err := s.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// WriteUint16 writes a big-endian uint16 to the stream.
func (s *Stream) WriteUint16(i uint16) error {
	bts := make([]byte, 2)
	binary.BigEndian.PutUint16(bts, i)
	_, err := s.Write(bts)
	return err
}

// WriteUint32 writes a big-endian uint32 to the stream.
func (s *Stream) WriteUint32(i uint32) error {
	bts := make([]byte, 4)
	binary.BigEndian.PutUint32(bts, i)
	_, err := s.Write(bts)
	return err
}

// WriteUint64 writes a big-endian uint64 to the stream.
func (s *Stream) WriteUint64(i uint64) error {
	bts := make([]byte, 8)
	binary.BigEndian.PutUint64(bts, i)
	_, err := s.Write(bts)
	return err
}

// WriteFloat64 writes an IEEE-754 double.
func (s *Stream) WriteFloat64(f float64) error {
	return s.WriteUint64(math.Float64bits(f))
}

// WriteFloat32 writes an IEEE-754 single.
func (s *Stream) WriteFloat32(f float32) error {
	return s.WriteUint32(math.Float32bits(f))
}

// WriteLenPrefixedString writes a string prefixed by its length as a single byte.
// Format: [length:1 byte][string data]
// This limits strings to 255 bytes.
func (stream *Stream) WriteLenPrefixedString(s string) error {
	if len(s) > 255 {
		return fmt.Errorf("string too long: %d bytes (max 255)", len(s))
	}
	err := stream.WriteByte(uint8(len(s)))
	if err != nil {
		return err
	}
	_, err = stream.WriteString(s)
	return err
}

// ReadLenPrefixedString reads a string written by WriteLenPrefixedString.
func (stream *Stream) ReadLenPrefixedString() (string, error) {
	n, err := stream.ReadByte()
	if err != nil {
		return "", err
	}
	bts, err := stream.readN(int(n))
	if err != nil {
		return "", fmt.Errorf("failed to read string data: %w", err)
	}
	return string(bts), nil
}

// lenPrefixedSize is the encoded size of s.
func lenPrefixedSize(s string) int {
	return 1 + len(s)
}
