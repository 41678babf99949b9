package history

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingUnderCapacity(t *testing.T) {
	r := New(16)
	r.Append([]byte("hello"))
	assert.Equal(t, []byte("hello"), r.Snapshot())
	assert.Equal(t, 5, r.Len())
}

func TestRingExactCapacity(t *testing.T) {
	r := New(8)
	r.Append([]byte("abcdefgh"))
	assert.Equal(t, []byte("abcdefgh"), r.Snapshot())
	assert.Equal(t, 8, r.Len())
}

func TestRingWrap(t *testing.T) {
	r := New(8)
	r.Append([]byte("abcdefgh"))
	r.Append([]byte("ij"))
	assert.Equal(t, []byte("cdefghij"), r.Snapshot())
	assert.Equal(t, 8, r.Len())
}

func TestRingOversizedAppend(t *testing.T) {
	r := New(4)
	r.Append([]byte("abcdefghijklmnop"))
	assert.Equal(t, []byte("mnop"), r.Snapshot())
}

func TestRingIncrementalWrites(t *testing.T) {
	r := New(8)
	for _, s := range []string{"ab", "cd", "ef", "gh", "ij"} {
		r.Append([]byte(s))
	}
	assert.Equal(t, []byte("cdefghij"), r.Snapshot())
}

func TestRingEmptySnapshot(t *testing.T) {
	r := New(16)
	got := r.Snapshot()
	assert.NotNil(t, got)
	assert.Len(t, got, 0)
}

func TestRingZeroLengthAppend(t *testing.T) {
	r := New(16)
	r.Append([]byte("abc"))
	r.Append(nil)
	r.Append([]byte{})
	assert.Equal(t, []byte("abc"), r.Snapshot())
	assert.Equal(t, uint64(3), r.TotalWritten())
}

func TestRingTotalWritten(t *testing.T) {
	r := New(4)
	r.Append([]byte("abcdef"))
	r.Append([]byte("gh"))
	assert.Equal(t, uint64(8), r.TotalWritten())
	assert.Equal(t, 4, r.Len())
}

func TestRingHonoursRequestedCapacity(t *testing.T) {
	// A capacity that is not a power of two still bounds size exactly.
	r := New(100)
	assert.Equal(t, 100, r.Capacity())

	r.Append(bytes.Repeat([]byte("x"), 250))
	assert.Equal(t, 100, r.Len())
	assert.Len(t, r.Snapshot(), 100)
}

func TestRingNonPowerOfTwoWraps(t *testing.T) {
	r := New(5)
	require.Equal(t, 5, r.Capacity())

	var all strings.Builder
	for _, c := range []string{"abcde", "fg", "hij", "kl", "mnop", "q"} {
		r.Append([]byte(c))
		all.WriteString(c)

		require.LessOrEqual(t, r.Len(), 5)
		snap := r.Snapshot()
		assert.True(t, strings.HasSuffix(all.String(), string(snap)),
			"snapshot %q is not a suffix of appended bytes", snap)
	}
	assert.Equal(t, []byte("mnopq"), r.Snapshot())
}

// The snapshot is always a suffix of everything ever appended, for any
// chunking pattern.
func TestRingSnapshotIsSuffix(t *testing.T) {
	r := New(32)
	var all strings.Builder
	chunks := []string{
		"a", "bcd", "efghijklmnopqrs", "t", "",
		strings.Repeat("u", 40), "vw", strings.Repeat("xyz", 11),
	}
	for _, c := range chunks {
		r.Append([]byte(c))
		all.WriteString(c)

		snap := r.Snapshot()
		require.LessOrEqual(t, len(snap), r.Capacity())
		assert.True(t, strings.HasSuffix(all.String(), string(snap)),
			"snapshot %q is not a suffix of appended bytes", snap)
	}
	assert.Equal(t, uint64(all.Len()), r.TotalWritten())
}

func TestRingAppendNotTorn(t *testing.T) {
	r := New(8)
	r.Append([]byte("12345"))
	r.Append([]byte("abcde"))
	// The first append is evicted as a contiguous prefix; the second
	// arrives whole.
	got := r.Snapshot()
	assert.True(t, bytes.HasSuffix(got, []byte("abcde")))
	assert.Equal(t, []byte("45abcde"), got[len(got)-7:])
}
