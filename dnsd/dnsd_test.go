package dnsd

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revdeluxe/CrabFlow-Canary/authset"
	"github.com/revdeluxe/CrabFlow-Canary/config"
	"github.com/revdeluxe/CrabFlow-Canary/dnsrecord"
	"github.com/revdeluxe/CrabFlow-Canary/dnswire"
	"github.com/revdeluxe/CrabFlow-Canary/gwlog"
	"github.com/revdeluxe/CrabFlow-Canary/lease"
	"github.com/revdeluxe/CrabFlow-Canary/querylog"
)

func buildAQuery(name string) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint16(buf[4:6], 1)

	var labels []byte
	for _, l := range splitLabels(name) {
		labels = append(labels, byte(len(l)))
		labels = append(labels, l...)
	}
	labels = append(labels, 0)
	buf = append(buf, labels...)

	qtype := make([]byte, 2)
	binary.BigEndian.PutUint16(qtype, dnswire.TypeA)
	buf = append(buf, qtype...)
	qclass := make([]byte, 2)
	binary.BigEndian.PutUint16(qclass, 1)
	return append(buf, qclass...)
}

func splitLabels(name string) []string {
	var out []string
	cur := ""
	for _, r := range name {
		if r == '.' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	out = append(out, cur)
	return out
}

func testServer(t *testing.T) *Server {
	cfg := config.Default()
	cfg.DNS.AllowNonDHCPClients = true
	cfg.DNS.UpstreamServers = nil // force NXDOMAIN instead of a real network hop

	store := config.NewStore(cfg)
	leases := lease.New(lease.Config{
		RangeStart: net.ParseIP("192.168.1.100"),
		RangeEnd:   net.ParseIP("192.168.1.110"),
		Gateway:    net.ParseIP("192.168.1.1"),
	}, gwlog.New("test"))

	return New(leases, store, authset.New(0), dnsrecord.NewStore(),
		dnsrecord.NewBlacklist(gwlog.New("test")), querylog.New(100), gwlog.New("test"))
}

func TestBuildResponseLocalRecord(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	s.records.Add(dnsrecord.Record{Name: "printer.local", Type: dnsrecord.A, Value: "192.168.1.200", TTL: 300})

	resp, ok := s.buildResponse(buildAQuery("printer.local"), "192.168.1.50")
	assert.True(ok)
	assert.Equal(uint16(dnswire.FlagsSuccess), binary.BigEndian.Uint16(resp[2:4]))
}

func TestBuildResponseBlacklist(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	s.blacklist.Block("ads.bad")

	resp, ok := s.buildResponse(buildAQuery("ads.bad"), "192.168.1.50")
	assert.True(ok)
	assert.Equal(uint16(dnswire.FlagsSuccess), binary.BigEndian.Uint16(resp[2:4]))
	assert.Equal(uint16(1), binary.BigEndian.Uint16(resp[6:8])) // ancount
}

func TestBuildResponseNXDomainWhenNoUpstreamConfigured(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	resp, ok := s.buildResponse(buildAQuery("nonexistent.zz"), "192.168.1.50")
	assert.True(ok)
	assert.Equal(uint16(dnswire.FlagsNXDomain), binary.BigEndian.Uint16(resp[2:4]))
	assert.Equal(uint16(0), binary.BigEndian.Uint16(resp[6:8]))
}

func TestBuildResponseCaptiveHijack(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	cfg := *s.store.Get()
	cfg.CaptivePortal.Enabled = true
	cfg.DNS.UpstreamInterface = "192.168.1.1"
	s.store.Set(&cfg)

	resp, ok := s.buildResponse(buildAQuery("anything.com"), "192.168.1.50")
	assert.True(ok)

	ancount := binary.BigEndian.Uint16(resp[6:8])
	assert.Equal(uint16(1), ancount)
}

func TestBuildResponseAuthorizedClientSkipsHijack(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	cfg := *s.store.Get()
	cfg.CaptivePortal.Enabled = true
	cfg.DNS.UpstreamInterface = "192.168.1.1"
	s.store.Set(&cfg)

	s.auth.Authorize("192.168.1.50")

	resp, ok := s.buildResponse(buildAQuery("nonexistent.zz"), "192.168.1.50")
	assert.True(ok)
	// authorized + no local record + no upstream configured -> NXDOMAIN, not a hijack answer
	assert.Equal(uint16(dnswire.FlagsNXDomain), binary.BigEndian.Uint16(resp[2:4]))
}

func TestBuildResponseSourceFilterDropsUnleasedClient(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	cfg := *s.store.Get()
	cfg.DNS.AllowNonDHCPClients = false
	s.store.Set(&cfg)

	_, ok := s.buildResponse(buildAQuery("example.com"), "10.0.0.99")
	assert.False(ok)
}

func TestBuildResponsePreservesOriginalQuestionCasing(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	s.records.Add(dnsrecord.Record{Name: "printer.local", Type: dnsrecord.A, Value: "192.168.1.200", TTL: 300})

	query := buildAQuery("Printer.LOCAL")
	resp, ok := s.buildResponse(query, "192.168.1.50")
	assert.True(ok)

	// the question name in the reply must match the query bytes verbatim,
	// not the lowercased name used for the record-store lookup.
	wantQuestion := query[12 : len(query)-4] // strip header and QTYPE/QCLASS
	gotQuestion := resp[12 : 12+len(wantQuestion)]
	assert.Equal(wantQuestion, gotQuestion)
}

func TestPtrNameToIP(t *testing.T) {
	assert := require.New(t)

	assert.Equal("192.168.1.1", ptrNameToIP("1.1.168.192.in-addr.arpa"))
	assert.Equal("", ptrNameToIP("not-a-ptr-name"))
}
