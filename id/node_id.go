// Package id implements the 256-bit unsigned identifier arithmetic shared by
// every routable object in the overlay: node identities and fragment keys
// are both plain NodeId values.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// Width is the number of bits in a NodeId.
const Width = 256

// limbs is the number of 32-bit words backing a NodeId.
const limbs = Width / 32

// NodeId is an unsigned 256-bit magnitude stored as eight 32-bit limbs in
// little-endian order (pn[0] is the least significant word), mirroring the
// arith_uint256 layout it is grounded on.
type NodeId struct {
	pn [limbs]uint32
}

// FragmentId addresses a stored fragment; it shares NodeId's representation
// and metric.
type FragmentId = NodeId

// ErrDivisionByZero is returned by Div/Mod when the divisor is zero.
var ErrDivisionByZero = errors.New("id: division by zero")

// Zero is the additive identity.
var Zero = NodeId{}

// FromBytes builds a NodeId from a 32-byte big-endian byte string, the wire
// representation used throughout the codec.
func FromBytes(b [32]byte) NodeId {
	var n NodeId
	for i := 0; i < limbs; i++ {
		off := 32 - 4*(i+1)
		n.pn[i] = uint32(b[off])<<24 | uint32(b[off+1])<<16 | uint32(b[off+2])<<8 | uint32(b[off+3])
	}
	return n
}

// Bytes renders the NodeId as a 32-byte big-endian byte string.
func (n NodeId) Bytes() [32]byte {
	var b [32]byte
	for i := 0; i < limbs; i++ {
		off := 32 - 4*(i+1)
		b[off] = byte(n.pn[i] >> 24)
		b[off+1] = byte(n.pn[i] >> 16)
		b[off+2] = byte(n.pn[i] >> 8)
		b[off+3] = byte(n.pn[i])
	}
	return b
}

// Random draws a uniformly random NodeId, used by the discovery loop to
// pick lookup targets.
func Random() (NodeId, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return NodeId{}, fmt.Errorf("id: random: %w", err)
	}
	return FromBytes(b), nil
}

// String renders the id as lowercase hex, most significant byte first.
func (n NodeId) String() string {
	b := n.Bytes()
	return hex.EncodeToString(b[:])
}

// FromHex parses the hex encoding produced by String, failing if the input
// is not exactly 32 bytes once decoded.
func FromHex(s string) (NodeId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return NodeId{}, fmt.Errorf("id: invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return NodeId{}, fmt.Errorf("id: expected 32 bytes, got %d", len(raw))
	}
	var b [32]byte
	copy(b[:], raw)
	return FromBytes(b), nil
}

// Equal reports structural equality.
func (n NodeId) Equal(o NodeId) bool {
	return n.pn == o.pn
}

// Xor computes the bitwise exclusive-or, the Kademlia distance metric.
func (n NodeId) Xor(o NodeId) NodeId {
	var r NodeId
	for i := 0; i < limbs; i++ {
		r.pn[i] = n.pn[i] ^ o.pn[i]
	}
	return r
}

// Cmp returns -1, 0 or 1 comparing n and o as unsigned magnitudes.
func (n NodeId) Cmp(o NodeId) int {
	for i := limbs - 1; i >= 0; i-- {
		if n.pn[i] != o.pn[i] {
			if n.pn[i] < o.pn[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// IsZero reports whether the value is zero.
func (n NodeId) IsZero() bool {
	return n.pn == [limbs]uint32{}
}

// CLZ counts leading zero bits, returning Width when the value is zero.
func (n NodeId) CLZ() int {
	for i := limbs - 1; i >= 0; i-- {
		if n.pn[i] != 0 {
			return (limbs-1-i)*32 + clz32(n.pn[i])
		}
	}
	return Width
}

func clz32(x uint32) int {
	n := 0
	for bit := uint32(1) << 31; bit != 0; bit >>= 1 {
		if x&bit != 0 {
			break
		}
		n++
	}
	return n
}

// BitLen returns the position of the highest set bit plus one, or 0 for the
// zero value.
func (n NodeId) BitLen() int {
	return Width - n.CLZ()
}

// Lsh shifts left by the given number of bits, discarding overflow.
func (n NodeId) Lsh(bits uint) NodeId {
	var r NodeId
	wordShift := int(bits / 32)
	bitShift := bits % 32
	for i := limbs - 1; i >= 0; i-- {
		srcIdx := i - wordShift
		if srcIdx < 0 {
			continue
		}
		v := n.pn[srcIdx] << bitShift
		if bitShift > 0 && srcIdx-1 >= 0 {
			v |= n.pn[srcIdx-1] >> (32 - bitShift)
		}
		r.pn[i] = v
	}
	return r
}

// Rsh shifts right by the given number of bits.
func (n NodeId) Rsh(bits uint) NodeId {
	var r NodeId
	wordShift := int(bits / 32)
	bitShift := bits % 32
	for i := 0; i < limbs; i++ {
		srcIdx := i + wordShift
		if srcIdx >= limbs {
			continue
		}
		v := n.pn[srcIdx] >> bitShift
		if bitShift > 0 && srcIdx+1 < limbs {
			v |= n.pn[srcIdx+1] << (32 - bitShift)
		}
		r.pn[i] = v
	}
	return r
}

// Add computes n+o modulo 2^256, used only by test utilities per the
// arithmetic contract; the DHT itself needs XOR, CLZ and equality only.
func (n NodeId) Add(o NodeId) NodeId {
	var r NodeId
	var carry uint64
	for i := 0; i < limbs; i++ {
		sum := uint64(n.pn[i]) + uint64(o.pn[i]) + carry
		r.pn[i] = uint32(sum)
		carry = sum >> 32
	}
	return r
}

// Sub computes n-o modulo 2^256.
func (n NodeId) Sub(o NodeId) NodeId {
	var r NodeId
	var borrow uint64
	for i := 0; i < limbs; i++ {
		diff := uint64(n.pn[i]) - uint64(o.pn[i]) - borrow
		r.pn[i] = uint32(diff)
		if uint64(n.pn[i]) < uint64(o.pn[i])+borrow {
			borrow = 1
		} else {
			borrow = 0
		}
	}
	return r
}

// Mul computes the low 256 bits of n*o.
func (n NodeId) Mul(o NodeId) NodeId {
	var wide [2 * limbs]uint64
	for i := 0; i < limbs; i++ {
		if n.pn[i] == 0 {
			continue
		}
		var carry uint64
		for j := 0; j < limbs; j++ {
			t := uint64(n.pn[i])*uint64(o.pn[j]) + wide[i+j] + carry
			wide[i+j] = t & 0xffffffff
			carry = t >> 32
		}
		k := i + limbs
		for carry != 0 {
			t := wide[k] + carry
			wide[k] = t & 0xffffffff
			carry = t >> 32
			k++
		}
	}
	var r NodeId
	for i := 0; i < limbs; i++ {
		r.pn[i] = uint32(wide[i])
	}
	return r
}

// Div performs unsigned long division, returning ErrDivisionByZero when o is
// zero. It is a schoolbook bit-shift divider; callers needing it are test
// utilities, not the DHT hot path.
func (n NodeId) Div(o NodeId) (NodeId, error) {
	q, _, err := n.divMod(o)
	return q, err
}

// Mod returns n modulo o.
func (n NodeId) Mod(o NodeId) (NodeId, error) {
	_, r, err := n.divMod(o)
	return r, err
}

func (n NodeId) divMod(o NodeId) (NodeId, NodeId, error) {
	if o.IsZero() {
		return NodeId{}, NodeId{}, ErrDivisionByZero
	}
	var quotient, remainder NodeId
	for bit := Width - 1; bit >= 0; bit-- {
		remainder = remainder.Lsh(1)
		if n.bitAt(bit) {
			remainder.pn[0] |= 1
		}
		if remainder.Cmp(o) >= 0 {
			remainder = remainder.Sub(o)
			quotient = quotient.setBit(bit)
		}
	}
	return quotient, remainder, nil
}

func (n NodeId) bitAt(bit int) bool {
	return n.pn[bit/32]&(1<<uint(bit%32)) != 0
}

func (n NodeId) setBit(bit int) NodeId {
	r := n
	r.pn[bit/32] |= 1 << uint(bit%32)
	return r
}

// GetCompact renders the value in the Bitcoin-style compact ("nBits")
// encoding: a one-byte exponent followed by a three-byte mantissa. Present
// per the design notes but not exercised anywhere in the DHT itself.
func (n NodeId) GetCompact() uint32 {
	size := (n.BitLen() + 7) / 8
	var compact uint32
	if size <= 3 {
		compact = n.low32() << uint(8*(3-size))
	} else {
		compact = n.Rsh(uint(8 * (size - 3))).low32()
	}
	if compact&0x00800000 != 0 {
		compact >>= 8
		size++
	}
	compact |= uint32(size) << 24
	return compact
}

// SetCompact parses the Bitcoin-style compact encoding produced by
// GetCompact.
func SetCompact(compact uint32) NodeId {
	size := compact >> 24
	word := compact & 0x007fffff
	var n NodeId
	if size <= 3 {
		word >>= uint(8 * (3 - size))
		n.pn[0] = word
	} else {
		n.pn[0] = word
		n = n.Lsh(uint(8 * (size - 3)))
	}
	return n
}

func (n NodeId) low32() uint32 {
	return n.pn[0]
}
