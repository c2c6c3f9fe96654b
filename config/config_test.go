package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revdeluxe/CrabFlow-Canary/gwlog"
)

const (
	assertTimeout = 2 * time.Second
	assertTick    = 20 * time.Millisecond
)

func TestLoadSaveRoundTrip(t *testing.T) {
	assert := require.New(t)

	cfg := Default()
	cfg.DHCP.RangeStart = "10.0.0.10"
	cfg.CaptivePortal.Enabled = true

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	assert.NoError(Save(path, cfg))

	loaded, err := Load(path)
	assert.NoError(err)
	assert.Equal("10.0.0.10", loaded.DHCP.RangeStart)
	assert.True(loaded.CaptivePortal.Enabled)
}

func TestLoadMissingFileErrors(t *testing.T) {
	assert := require.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(err)
}

func TestStoreGetSet(t *testing.T) {
	assert := require.New(t)

	s := NewStore(Default())
	assert.Equal("192.168.1.1", s.Get().DHCP.Gateway)

	cfg2 := Default()
	cfg2.DHCP.Gateway = "10.0.0.1"
	s.Set(cfg2)
	assert.Equal("10.0.0.1", s.Get().DHCP.Gateway)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	assert.NoError(Save(path, Default()))

	store := NewStore(Default())
	w, err := NewWatcher(path, store, gwlog.New("test"))
	assert.NoError(err)
	defer w.Close()

	updated := Default()
	updated.DHCP.Gateway = "10.10.10.10"
	assert.NoError(Save(path, updated))

	assert.Eventually(func() bool {
		return store.Get().DHCP.Gateway == "10.10.10.10"
	}, assertTimeout, assertTick)
}

func TestWatcherKeepsLastGoodConfigOnParseError(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	assert.NoError(Save(path, Default()))

	store := NewStore(Default())
	w, err := NewWatcher(path, store, gwlog.New("test"))
	assert.NoError(err)
	defer w.Close()

	assert.NoError(os.WriteFile(path, []byte("not: [valid: yaml"), 0644))

	// Give the watcher a moment to observe and reject the bad write; the
	// store must still hold the last-good config throughout.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		assert.Equal("192.168.1.1", store.Get().DHCP.Gateway)
		time.Sleep(assertTick)
	}
}
