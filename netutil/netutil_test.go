package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIPUint32RoundTrip(t *testing.T) {
	assert := require.New(t)

	ip := net.ParseIP("192.168.1.42")
	assert.Equal(ip.To4(), Uint32ToIPAddr(IPAddrToUint32(ip)).To4())
}

func TestCompareIPv4(t *testing.T) {
	assert := require.New(t)

	a := net.ParseIP("192.168.1.1")
	b := net.ParseIP("192.168.1.2")
	assert.Equal(-1, CompareIPv4(a, b))
	assert.Equal(1, CompareIPv4(b, a))
	assert.Equal(0, CompareIPv4(a, a))
}

func TestNextIPv4WrapsOctets(t *testing.T) {
	assert := require.New(t)

	assert.Equal("192.168.1.2", NextIPv4(net.ParseIP("192.168.1.1")).String())
	assert.Equal("192.168.2.0", NextIPv4(net.ParseIP("192.168.1.255")).String())
}

func TestNormalizeMAC(t *testing.T) {
	assert := require.New(t)

	assert.Equal("aa:bb:cc:dd:ee:ff", NormalizeMAC("AA:BB:CC:DD:EE:FF"))
}

func TestNormalizeDomain(t *testing.T) {
	assert := require.New(t)

	assert.Equal("example.com", NormalizeDomain("Example.COM."))
}

func TestIsDetectionMatch(t *testing.T) {
	assert := require.New(t)

	assert.True(IsDetectionMatch("captive.apple.com", "captive.apple.com"))
	assert.True(IsDetectionMatch("sub.msftconnecttest.com", "msftconnecttest.com"))
	assert.False(IsDetectionMatch("evilmsftconnecttest.com", "msftconnecttest.com"))
}

func TestResolveBindAddressParsesLiteralIP(t *testing.T) {
	assert := require.New(t)

	ip, err := ResolveBindAddress("192.168.1.1")
	assert.NoError(err)
	assert.Equal("192.168.1.1", ip.String())
}

func TestResolveBindAddressFallsBackToLoopbackInterface(t *testing.T) {
	assert := require.New(t)

	ip, err := ResolveBindAddress("lo")
	assert.NoError(err)
	assert.Equal("127.0.0.1", ip.String())
}

func TestResolveBindAddressRejectsUnknownInterface(t *testing.T) {
	assert := require.New(t)

	_, err := ResolveBindAddress("not-a-real-interface-xyz")
	assert.Error(err)
}
