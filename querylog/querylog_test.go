package querylog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldestWhenFull(t *testing.T) {
	assert := require.New(t)

	r := New(3)
	for i := 0; i < 5; i++ {
		r.Append(Entry{Domain: string(rune('a' + i)), Timestamp: time.Now(), Status: Allowed})
	}

	assert.Equal(3, r.Len())
	recent := r.Recent(0)
	assert.Len(recent, 3)
	// newest first: e, d, c
	assert.Equal("e", recent[0].Domain)
	assert.Equal("d", recent[1].Domain)
	assert.Equal("c", recent[2].Domain)
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	assert := require.New(t)

	r := New(10)
	for i := 0; i < 10000; i++ {
		r.Append(Entry{Domain: "x"})
	}
	assert.LessOrEqual(r.Len(), 10)
}

func TestRecentLimit(t *testing.T) {
	assert := require.New(t)

	r := New(5)
	for i := 0; i < 5; i++ {
		r.Append(Entry{Domain: string(rune('a' + i))})
	}

	recent := r.Recent(2)
	assert.Len(recent, 2)
	assert.Equal("e", recent[0].Domain)
	assert.Equal("d", recent[1].Domain)
}

func TestDefaultCapacityUsedWhenNonPositive(t *testing.T) {
	assert := require.New(t)

	r := New(0)
	assert.Equal(DefaultCapacity, r.cap)
}
