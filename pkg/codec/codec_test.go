package codec

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]any{
		{nil},
		{true, false},
		{int64(0), int64(-1), int64(1), int64(-9223372036854775808)},
		{float64(0), float64(-0.5), float64(3.25), float64(-3.25)},
		{[]byte("hello"), []byte{0, 0, 1, 0}},
		{"", "a\x00b", "unicode café"},
		{time.Unix(0, 1234567890).UTC()},
		{"multi", int64(42), true, []byte{0, 1, 2}, nil},
	}
	for _, segs := range cases {
		enc, err := Encode(segs...)
		require.NoError(t, err)
		dec, err := Decode(enc)
		require.NoError(t, err)
		require.Len(t, dec, len(segs))
		for i, want := range segs {
			got := dec[i]
			if want == nil {
				require.Equal(t, Null{}, got)
				continue
			}
			require.Equal(t, want, got, "segment %d", i)
		}
	}
}

func TestTypeOrdering(t *testing.T) {
	// NULL < false < true < int < float < bytes < string < time
	segsInOrder := []any{
		nil, false, true, int64(0), float64(0), []byte{0}, "a", time.Unix(0, 0).UTC(),
	}
	var prev []byte
	for i, s := range segsInOrder {
		enc, err := Encode(s)
		require.NoError(t, err)
		if i > 0 {
			require.True(t, bytes.Compare(prev, enc) < 0, "segment %d should sort after %d", i, i-1)
		}
		prev = enc
	}
}

func TestIntOrderingPreserved(t *testing.T) {
	ints := []int64{-1 << 62, -1000, -1, 0, 1, 1000, 1 << 62}
	for i := 1; i < len(ints); i++ {
		a, err := Encode(ints[i-1])
		require.NoError(t, err)
		b, err := Encode(ints[i])
		require.NoError(t, err)
		require.True(t, bytes.Compare(a, b) < 0, "%d should encode less than %d", ints[i-1], ints[i])
	}
}

func TestFloatOrderingPreserved(t *testing.T) {
	floats := []float64{-1e10, -1.5, -0.001, 0, 0.001, 1.5, 1e10}
	for i := 1; i < len(floats); i++ {
		a, err := Encode(floats[i-1])
		require.NoError(t, err)
		b, err := Encode(floats[i])
		require.NoError(t, err)
		require.True(t, bytes.Compare(a, b) < 0, "%v should encode less than %v", floats[i-1], floats[i])
	}
}

func TestStringOrderingPreserved(t *testing.T) {
	strs := []string{"", "a", "aa", "ab", "b", "ba"}
	for i := 1; i < len(strs); i++ {
		a, err := Encode(strs[i-1])
		require.NoError(t, err)
		b, err := Encode(strs[i])
		require.NoError(t, err)
		require.True(t, bytes.Compare(a, b) < 0, "%q should encode less than %q", strs[i-1], strs[i])
	}
}

func TestBeforeAfterSentinelsBoundAnyKey(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := r.Intn(5) + 1
		segs := make([]any, n)
		for j := range segs {
			switch r.Intn(4) {
			case 0:
				segs[j] = int64(r.Int63() - (1 << 62))
			case 1:
				segs[j] = r.Float64()
			case 2:
				segs[j] = randString(r, 8)
			case 3:
				segs[j] = r.Intn(2) == 0
			}
		}
		enc, err := Encode(segs...)
		require.NoError(t, err)
		require.True(t, bytes.Compare(Before, enc) < 0)
		require.True(t, bytes.Compare(enc, After) < 0)
	}
}

func randString(r *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + r.Intn(26))
	}
	return string(b)
}

func TestMultiSegmentSortsSegmentBySegment(t *testing.T) {
	// ("a", 1) < ("a", 2) < ("ab") is not comparable across arity in
	// general, but within fixed arity the tuple order must be preserved.
	a, err := Encode("a", int64(1))
	require.NoError(t, err)
	b, err := Encode("a", int64(2))
	require.NoError(t, err)
	c, err := Encode("b", int64(0))
	require.NoError(t, err)
	require.True(t, bytes.Compare(a, b) < 0)
	require.True(t, bytes.Compare(b, c) < 0)
}

func TestDecodeRejectsUnterminatedSegment(t *testing.T) {
	_, err := Decode([]byte{typeString, 'a'})
	require.Error(t, err)
}
