package dhcpd

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revdeluxe/CrabFlow-Canary/config"
	"github.com/revdeluxe/CrabFlow-Canary/dhcpwire"
	"github.com/revdeluxe/CrabFlow-Canary/gwlog"
	"github.com/revdeluxe/CrabFlow-Canary/lease"
)

func testServer(t *testing.T) *Server {
	cfg := config.Default()
	cfg.DHCP.RangeStart = "192.168.1.100"
	cfg.DHCP.RangeEnd = "192.168.1.101"
	cfg.DHCP.Gateway = "192.168.1.1"

	leases := lease.New(lease.Config{
		RangeStart: net.ParseIP(cfg.DHCP.RangeStart),
		RangeEnd:   net.ParseIP(cfg.DHCP.RangeEnd),
		Gateway:    net.ParseIP(cfg.DHCP.Gateway),
	}, gwlog.New("test"))

	store := config.NewStore(cfg)
	return New(leases, store, gwlog.New("test"))
}

func discoverPacket(mac net.HardwareAddr, xid [4]byte) []byte {
	buf := make([]byte, 236+4)
	buf[0] = 1
	copy(buf[4:8], xid[:])
	copy(buf[28:34], mac)
	copy(buf[236:240], []byte{0x63, 0x82, 0x53, 0x63})
	opts := []byte{dhcpwire.OptMessageType, 1, dhcpwire.MsgDiscover, dhcpwire.OptEnd}
	return append(buf, opts...)
}

func TestBuildReplyOffersAddressInRange(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	reply, ok := s.buildReply(discoverPacket(mac, [4]byte{1, 1, 1, 1}))
	assert.True(ok)

	yiaddr := net.IP(reply[16:20]).String()
	assert.Contains([]string{"192.168.1.100", "192.168.1.101"}, yiaddr)
	assert.Equal(byte(2), reply[0]) // BOOTREPLY
}

func TestBuildReplyDropsWhenDHCPDisabled(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	cfg := *s.store.Get()
	cfg.DHCP.Enabled = false
	s.store.Set(&cfg)

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	_, ok := s.buildReply(discoverPacket(mac, [4]byte{1, 1, 1, 1}))
	assert.False(ok)
}

func TestBuildReplyDropsMalformedPacket(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	_, ok := s.buildReply(make([]byte, 10))
	assert.False(ok)
}

// findOption scans the TLV options area of an encoded reply for code,
// returning its value bytes.
func findOption(reply []byte, code byte) ([]byte, bool) {
	i := 240
	for i < len(reply) {
		c := reply[i]
		if c == dhcpwire.OptEnd {
			return nil, false
		}
		if c == 0 {
			i++
			continue
		}
		l := int(reply[i+1])
		val := reply[i+2 : i+2+l]
		if c == code {
			return val, true
		}
		i += 2 + l
	}
	return nil, false
}

func TestBuildReplyOffersConfiguredDNSServersWhenCaptivePortalOff(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	cfg := *s.store.Get()
	cfg.DHCP.CaptivePortal = false
	cfg.DHCP.DNSServers = []string{"192.168.1.1", "8.8.8.8"}
	s.store.Set(&cfg)

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	reply, ok := s.buildReply(discoverPacket(mac, [4]byte{1, 1, 1, 1}))
	assert.True(ok)

	dnsOpt, found := findOption(reply, dhcpwire.OptDNSServer)
	assert.True(found)
	assert.Equal(net.ParseIP("192.168.1.1").To4(), net.IP(dnsOpt[0:4]))
	assert.Equal(net.ParseIP("8.8.8.8").To4(), net.IP(dnsOpt[4:8]))
}

func TestBuildReplyOffersGatewayAsDNSWhenCaptivePortalOn(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	cfg := *s.store.Get()
	cfg.DHCP.CaptivePortal = true
	cfg.DHCP.DNSServers = []string{"192.168.1.1", "8.8.8.8"}
	s.store.Set(&cfg)

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	reply, ok := s.buildReply(discoverPacket(mac, [4]byte{1, 1, 1, 1}))
	assert.True(ok)

	dnsOpt, found := findOption(reply, dhcpwire.OptDNSServer)
	assert.True(found)
	assert.Equal(4, len(dnsOpt))
	assert.Equal(net.ParseIP("192.168.1.1").To4(), net.IP(dnsOpt)) // gateway, not the configured list
}
