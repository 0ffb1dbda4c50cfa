package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLZZeroIsWidth(t *testing.T) {
	assert.Equal(t, Width, Zero.CLZ())
}

func TestCLZOneBit(t *testing.T) {
	var b [32]byte
	b[31] = 1
	n := FromBytes(b)
	assert.Equal(t, Width-1, n.CLZ())
	assert.Equal(t, 1, n.BitLen())
}

func TestXorSelfIsZero(t *testing.T) {
	a, err := Random()
	require.NoError(t, err)
	assert.True(t, a.Xor(a).IsZero())
}

func TestXorCommutesWithItself(t *testing.T) {
	a, err := Random()
	require.NoError(t, err)
	b, err := Random()
	require.NoError(t, err)
	assert.True(t, a.Xor(b).Equal(b.Xor(a)))
}

func TestBytesRoundTrip(t *testing.T) {
	a, err := Random()
	require.NoError(t, err)
	assert.True(t, FromBytes(a.Bytes()).Equal(a))
}

func TestDivisionByZero(t *testing.T) {
	a, err := Random()
	require.NoError(t, err)
	_, err = a.Div(Zero)
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestAddSubRoundTrip(t *testing.T) {
	a, err := Random()
	require.NoError(t, err)
	b, err := Random()
	require.NoError(t, err)
	sum := a.Add(b)
	assert.True(t, sum.Sub(b).Equal(a))
}

func TestMulDivRoundTrip(t *testing.T) {
	var ab [32]byte
	ab[31] = 7
	a := FromBytes(ab)
	var bb [32]byte
	bb[31] = 6
	b := FromBytes(bb)

	product := a.Mul(b)
	q, err := product.Div(b)
	require.NoError(t, err)
	assert.True(t, q.Equal(a))
}

func TestCompactRoundTrip(t *testing.T) {
	var raw [32]byte
	raw[16] = 0x12
	raw[17] = 0x34
	raw[18] = 0x56
	n := FromBytes(raw)

	compact := n.GetCompact()
	back := SetCompact(compact)
	assert.Equal(t, n.GetCompact(), back.GetCompact())
}

func TestCmpOrdering(t *testing.T) {
	var small, large [32]byte
	small[31] = 1
	large[31] = 2
	s := FromBytes(small)
	l := FromBytes(large)
	assert.Equal(t, -1, s.Cmp(l))
	assert.Equal(t, 1, l.Cmp(s))
	assert.Equal(t, 0, s.Cmp(s))
}
