package page

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertKeepsKeysAscendingAndEBCValid(t *testing.T) {
	p := New(TypeData, 8192)
	keys := []string{"apple", "apricot", "banana", "band", "bandana", "cherry", "cherub"}
	for _, k := range keys {
		ok := p.Insert([]byte(k), []byte("v-"+k))
		require.True(t, ok, "insert %q", k)
	}
	require.NoError(t, p.Validate())
	require.Equal(t, len(keys), p.KeyCount())
	got := p.FullKeys()
	for i, k := range keys {
		require.Equal(t, k, string(got[i]))
	}
}

func TestInsertOutOfOrderStillSorts(t *testing.T) {
	p := New(TypeData, 8192)
	order := []string{"mango", "apple", "zebra", "apricot", "kiwi"}
	for _, k := range order {
		require.True(t, p.Insert([]byte(k), []byte("v")))
	}
	require.NoError(t, p.Validate())
	keys := p.FullKeys()
	for i := 1; i < len(keys); i++ {
		require.True(t, string(keys[i-1]) < string(keys[i]))
	}
}

func TestInsertUpdateInPlace(t *testing.T) {
	p := New(TypeData, 8192)
	require.True(t, p.Insert([]byte("k1"), []byte("v1")))
	require.True(t, p.Insert([]byte("k1"), []byte("v2")))
	require.Equal(t, 1, p.KeyCount())
	idx, exact := p.Search([]byte("k1"))
	require.True(t, exact)
	require.Equal(t, "v2", string(p.Tails[idx].Payload))
}

func TestRemoveRecomputesSuccessorElision(t *testing.T) {
	p := New(TypeData, 8192)
	for _, k := range []string{"aardvark", "aardwolf", "aargh"} {
		require.True(t, p.Insert([]byte(k), []byte("v")))
	}
	idx, exact := p.Search([]byte("aardwolf"))
	require.True(t, exact)
	p.Remove(idx)
	require.NoError(t, p.Validate())
	keys := p.FullKeys()
	require.Equal(t, []string{"aardvark", "aargh"}, toStrings(keys))
}

func TestSplitPreservesAllKeysAndOrder(t *testing.T) {
	p := New(TypeData, 8192)
	var keys []string
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key-%03d", i)
		keys = append(keys, k)
		require.True(t, p.Insert([]byte(k), []byte("v")))
	}
	right, splitKey := p.Split()
	require.NoError(t, p.Validate())
	require.NoError(t, right.Validate())

	combined := append(toStrings(p.FullKeys()), toStrings(right.FullKeys())...)
	require.Equal(t, keys, combined)
	require.Equal(t, string(splitKey), string(right.FullKeys()[0]))
}

func TestFastIndexVerifyMatchesFreshComputation(t *testing.T) {
	p := New(TypeData, 8192)
	for _, k := range []string{"aa", "ab", "ac", "b", "ba", "bb", "c"} {
		require.True(t, p.Insert([]byte(k), []byte("v")))
	}
	fi := p.FastIndex()
	require.True(t, fi.Verify(p.Blocks))

	require.True(t, p.Insert([]byte("bc"), []byte("v")))
	require.False(t, fi.Verify(p.Blocks), "stale index must not verify after structural change")
	fresh := p.FastIndex()
	require.True(t, fresh.Verify(p.Blocks))
}

func TestSearchSkippingRunsAgreesWithBinarySearch(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	p := New(TypeData, 16384)
	seen := map[string]bool{}
	for len(seen) < 60 {
		k := fmt.Sprintf("k%05d", r.Intn(100000))
		if seen[k] {
			continue
		}
		seen[k] = true
		require.True(t, p.Insert([]byte(k), []byte("v")))
	}
	for k := range seen {
		wantIdx, wantExact := p.Search([]byte(k))
		gotIdx, gotExact := p.SearchSkippingRuns([]byte(k))
		require.Equal(t, wantExact, gotExact, k)
		require.Equal(t, wantIdx, gotIdx, k)
	}
	miss := []byte("not-present-zzz")
	wantIdx, wantExact := p.Search(miss)
	gotIdx, gotExact := p.SearchSkippingRuns(miss)
	require.Equal(t, wantExact, gotExact)
	require.Equal(t, wantIdx, gotIdx)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := New(TypeIndex, 4096)
	p.RightSibling = 42
	p.Timestamp = 100
	p.Generation = 3
	for _, k := range []string{"alpha", "alphabet", "beta", "gamma"} {
		require.True(t, p.Insert([]byte(k), []byte{0, 0, 0, 0, 0, 0, 0, 9}))
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	require.Len(t, buf, 4096)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, p.PageType, got.PageType)
	require.Equal(t, p.RightSibling, got.RightSibling)
	require.Equal(t, p.Timestamp, got.Timestamp)
	require.Equal(t, p.Generation, got.Generation)
	require.Equal(t, toStrings(p.FullKeys()), toStrings(got.FullKeys()))
	require.NoError(t, got.Validate())
}

func TestFastIndexPoolEvictsOldest(t *testing.T) {
	pool := NewFastIndexPool(2)
	pool.Put(1, &FastIndex{})
	pool.Put(2, &FastIndex{})
	pool.Put(3, &FastIndex{})
	_, ok1 := pool.Get(1)
	require.False(t, ok1)
	_, ok2 := pool.Get(2)
	require.True(t, ok2)
	_, ok3 := pool.Get(3)
	require.True(t, ok3)
	require.Equal(t, 2, pool.Len())
}

func toStrings(bs [][]byte) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return out
}
