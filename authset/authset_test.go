package authset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthorizeThenContains(t *testing.T) {
	assert := require.New(t)

	s := New(0)
	assert.False(s.Contains("192.168.1.50"))

	s.Authorize("192.168.1.50")
	assert.True(s.Contains("192.168.1.50"))
}

func TestAuthorizeTwiceIsIdempotent(t *testing.T) {
	assert := require.New(t)

	s := New(0)
	id1 := s.Authorize("192.168.1.50")
	id2 := s.Authorize("192.168.1.50")

	assert.True(s.Contains("192.168.1.50"))
	assert.NotEmpty(id1)
	assert.NotEmpty(id2)
}

func TestSessionExpiry(t *testing.T) {
	assert := require.New(t)

	s := New(10 * time.Millisecond)
	s.Authorize("192.168.1.60")
	assert.True(s.Contains("192.168.1.60"))

	time.Sleep(20 * time.Millisecond)
	assert.False(s.Contains("192.168.1.60"))
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	assert := require.New(t)

	s := New(0)
	s.Authorize("192.168.1.70")
	time.Sleep(10 * time.Millisecond)
	assert.True(s.Contains("192.168.1.70"))
}
