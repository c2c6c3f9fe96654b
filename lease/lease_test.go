package lease

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revdeluxe/CrabFlow-Canary/gwlog"
)

func testTable(t *testing.T) *Table {
	return New(Config{
		RangeStart: net.ParseIP("192.168.1.100"),
		RangeEnd:   net.ParseIP("192.168.1.102"),
		Gateway:    net.ParseIP("192.168.1.1"),
		Duration:   time.Hour,
	}, gwlog.New("test"))
}

func TestAllocateDynamicStaysWithinRange(t *testing.T) {
	assert := require.New(t)
	tbl := testTable(t)

	ip, ok := tbl.AllocateDynamic("aa:bb:cc:dd:ee:01", "host1")
	assert.True(ok)
	assert.Contains([]string{"192.168.1.100", "192.168.1.101", "192.168.1.102"}, ip)
}

func TestAllocateDynamicIsStableForSameMAC(t *testing.T) {
	assert := require.New(t)
	tbl := testTable(t)

	ip1, _ := tbl.AllocateDynamic("aa:bb:cc:dd:ee:01", "host1")
	ip2, _ := tbl.AllocateDynamic("aa:bb:cc:dd:ee:01", "host1")
	assert.Equal(ip1, ip2)
}

func TestAllocateDynamicExhaustsPool(t *testing.T) {
	assert := require.New(t)
	tbl := testTable(t)

	macs := []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03"}
	for _, m := range macs {
		_, ok := tbl.AllocateDynamic(m, "")
		assert.True(ok)
	}

	_, ok := tbl.AllocateDynamic("aa:bb:cc:dd:ee:04", "")
	assert.False(ok)
}

func TestAllocateRequestedHonorsExistingMAC(t *testing.T) {
	assert := require.New(t)
	tbl := testTable(t)

	ip, ok := tbl.AllocateRequested("aa:bb:cc:dd:ee:01", "host1", "192.168.1.101")
	assert.True(ok)
	assert.Equal("192.168.1.101", ip)

	_, ok = tbl.AllocateRequested("aa:bb:cc:dd:ee:02", "host2", "192.168.1.101")
	assert.False(ok)
}

func TestAllocateRequestedLeavesOwnStaticLeaseUntouched(t *testing.T) {
	assert := require.New(t)
	tbl := testTable(t)

	assert.NoError(tbl.AddStatic("192.168.1.100", "aa:bb:cc:dd:ee:01", "printer"))

	ip, ok := tbl.AllocateRequested("aa:bb:cc:dd:ee:01", "printer", "192.168.1.100")
	assert.True(ok)
	assert.Equal("192.168.1.100", ip)

	leases := tbl.List()
	assert.Len(leases, 1)
	assert.True(leases[0].Static)
	assert.Nil(leases[0].ExpiresAt)
}

func TestAddStaticThenRemoveThenAddStaticIsIdempotent(t *testing.T) {
	assert := require.New(t)
	tbl := testTable(t)

	assert.NoError(tbl.AddStatic("192.168.1.100", "aa:bb:cc:dd:ee:01", "printer"))
	assert.NoError(tbl.Remove("192.168.1.100"))
	assert.NoError(tbl.AddStatic("192.168.1.100", "aa:bb:cc:dd:ee:01", "printer"))

	leases := tbl.List()
	assert.Len(leases, 1)
	assert.True(leases[0].Static)
}

func TestAddStaticRejectsConflictingMAC(t *testing.T) {
	assert := require.New(t)
	tbl := testTable(t)

	assert.NoError(tbl.AddStatic("192.168.1.100", "aa:bb:cc:dd:ee:01", "printer"))
	err := tbl.AddStatic("192.168.1.100", "aa:bb:cc:dd:ee:02", "other")
	assert.ErrorIs(err, ErrHeldByOtherMAC)
}

func TestSweepRemovesOnlyExpiredDynamicLeases(t *testing.T) {
	assert := require.New(t)
	tbl := testTable(t)

	assert.NoError(tbl.AddStatic("192.168.1.100", "aa:bb:cc:dd:ee:01", "printer"))

	expired := time.Now().Add(-time.Minute)
	tbl.mu.Lock()
	tbl.byIP["192.168.1.101"] = &Lease{IP: "192.168.1.101", MAC: "aa:bb:cc:dd:ee:02", ExpiresAt: &expired}
	tbl.byMAC["aa:bb:cc:dd:ee:02"] = "192.168.1.101"
	tbl.mu.Unlock()

	removed := tbl.Sweep()
	assert.Equal(1, removed)

	leases := tbl.List()
	assert.Len(leases, 1)
	assert.Equal("192.168.1.100", leases[0].IP)
}

func TestRemoveNotFound(t *testing.T) {
	assert := require.New(t)
	tbl := testTable(t)

	err := tbl.Remove("10.0.0.1")
	assert.ErrorIs(err, ErrNotFound)
}
