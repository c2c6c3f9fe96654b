package dnsrecord

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revdeluxe/CrabFlow-Canary/gwlog"
)

func TestStoreAddLookupUpdateRemove(t *testing.T) {
	assert := require.New(t)

	s := NewStore()
	s.Add(Record{Name: "Host.Example.com", Type: A, Value: "192.168.1.50", TTL: 300})

	rec, ok := s.Lookup("host.example.com", A)
	assert.True(ok)
	assert.Equal("192.168.1.50", rec.Value)

	s.Update("host.example.com", A, Record{Name: "host.example.com", Type: A, Value: "192.168.1.51", TTL: 300})
	rec, ok = s.Lookup("host.example.com", A)
	assert.True(ok)
	assert.Equal("192.168.1.51", rec.Value)

	s.Remove("host.example.com", A)
	_, ok = s.Lookup("host.example.com", A)
	assert.False(ok)
}

func TestBlacklistBlockIsIdempotent(t *testing.T) {
	assert := require.New(t)

	b := NewBlacklist(gwlog.New("test"))
	b.Block("ads.bad")
	b.Block("ads.bad")

	assert.Len(b.List(), 1)
	assert.True(b.Contains("ADS.BAD"))

	b.Unblock("ads.bad")
	assert.False(b.Contains("ads.bad"))
}

func TestBlacklistLoadFileIgnoresMissingFile(t *testing.T) {
	assert := require.New(t)

	b := NewBlacklist(gwlog.New("test"))
	err := b.LoadFile(filepath.Join(t.TempDir(), "does-not-exist.csv"))
	assert.NoError(err)
}

func TestBlacklistLoadFileParsesCSVAndComments(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "blacklist.csv")
	content := "ads.bad,suspicious\n# a comment\n\ntracker.evil,other\n"
	assert.NoError(os.WriteFile(path, []byte(content), 0644))

	b := NewBlacklist(gwlog.New("test"))
	assert.NoError(b.LoadFile(path))

	assert.True(b.Contains("ads.bad"))
	assert.True(b.Contains("tracker.evil"))
	assert.Len(b.List(), 2)
}
