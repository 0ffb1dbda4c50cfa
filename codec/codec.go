// Package codec implements the little-endian wire encoding shared by every
// datagram and stream frame: fixed-width integers, raw byte arrays, and
// length-prefixed byte vectors / strings.
package codec

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is reported by every Unserializer getter when the remaining
// buffer is smaller than the value being read; no partial consumption is
// committed on failure.
var ErrTruncated = errors.New("codec: truncated")

// Serializer appends encoded values to an internal growing buffer.
type Serializer struct {
	buf []byte
}

// NewSerializer returns an empty Serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Bytes returns the accumulated buffer.
func (s *Serializer) Bytes() []byte {
	return s.buf
}

// Len reports the number of bytes written so far.
func (s *Serializer) Len() int {
	return len(s.buf)
}

// PutUint8 appends a single byte.
func (s *Serializer) PutUint8(v uint8) {
	s.buf = append(s.buf, v)
}

// PutUint16 appends a little-endian uint16.
func (s *Serializer) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

// PutUint32 appends a little-endian uint32.
func (s *Serializer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

// PutUint64 appends a little-endian uint64. It is also the wire width used
// for `usize` length prefixes, fixed at 8 bytes for determinism across
// platforms.
func (s *Serializer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

// PutBytes appends raw bytes with no length prefix; the caller must know the
// width at decode time (used for fixed-size fields like NodeId).
func (s *Serializer) PutBytes(raw []byte) {
	s.buf = append(s.buf, raw...)
}

// PutBytesLenPrefixed appends a usize length prefix followed by raw bytes.
func (s *Serializer) PutBytesLenPrefixed(raw []byte) {
	s.PutUint64(uint64(len(raw)))
	s.buf = append(s.buf, raw...)
}

// PutString appends a length-prefixed UTF-8 string.
func (s *Serializer) PutString(str string) {
	s.PutBytesLenPrefixed([]byte(str))
}

// Unserializer consumes values from a borrowed slice without mutating it.
type Unserializer struct {
	buf []byte
	pos int
}

// NewUnserializer wraps buf for reading.
func NewUnserializer(buf []byte) *Unserializer {
	return &Unserializer{buf: buf}
}

// Remaining reports how many bytes are left unconsumed.
func (u *Unserializer) Remaining() int {
	return len(u.buf) - u.pos
}

func (u *Unserializer) require(n int) error {
	if u.Remaining() < n {
		return ErrTruncated
	}
	return nil
}

// GetUint8 reads a single byte.
func (u *Unserializer) GetUint8() (uint8, error) {
	if err := u.require(1); err != nil {
		return 0, err
	}
	v := u.buf[u.pos]
	u.pos++
	return v, nil
}

// GetUint16 reads a little-endian uint16.
func (u *Unserializer) GetUint16() (uint16, error) {
	if err := u.require(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(u.buf[u.pos:])
	u.pos += 2
	return v, nil
}

// GetUint32 reads a little-endian uint32.
func (u *Unserializer) GetUint32() (uint32, error) {
	if err := u.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(u.buf[u.pos:])
	u.pos += 4
	return v, nil
}

// GetUint64 reads a little-endian uint64 (also the usize width).
func (u *Unserializer) GetUint64() (uint64, error) {
	if err := u.require(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(u.buf[u.pos:])
	u.pos += 8
	return v, nil
}

// GetBytes reads exactly n raw bytes.
func (u *Unserializer) GetBytes(n int) ([]byte, error) {
	if err := u.require(n); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, u.buf[u.pos:u.pos+n])
	u.pos += n
	return v, nil
}

// GetFixed32 reads exactly 32 raw bytes, the width of a NodeId.
func (u *Unserializer) GetFixed32() ([32]byte, error) {
	var out [32]byte
	b, err := u.GetBytes(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// GetBytesLenPrefixed reads a usize length prefix followed by that many raw
// bytes.
func (u *Unserializer) GetBytesLenPrefixed() ([]byte, error) {
	start := u.pos
	n, err := u.GetUint64()
	if err != nil {
		return nil, err
	}
	if n > uint64(u.Remaining()) {
		u.pos = start
		return nil, ErrTruncated
	}
	return u.GetBytes(int(n))
}

// GetString reads a length-prefixed UTF-8 string.
func (u *Unserializer) GetString() (string, error) {
	b, err := u.GetBytesLenPrefixed()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
