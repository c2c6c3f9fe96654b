package dhcpwire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildDiscover(xid [4]byte, mac net.HardwareAddr, hostname string) []byte {
	buf := make([]byte, headerLen+len(magicCookie))
	buf[0] = 1 // BOOTREQUEST
	buf[1] = 1
	buf[2] = 6
	copy(buf[4:8], xid[:])
	copy(buf[28:34], mac)
	copy(buf[236:240], magicCookie[:])

	var opts []byte
	opts = appendOpt(opts, OptMessageType, []byte{MsgDiscover})
	opts = appendOpt(opts, OptHostname, []byte(hostname))
	opts = append(opts, OptEnd)
	return append(buf, opts...)
}

func TestDecodeDiscover(t *testing.T) {
	assert := require.New(t)

	mac := net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	xid := [4]byte{1, 2, 3, 4}
	raw := buildDiscover(xid, mac, "laptop")

	req, err := Decode(raw)
	assert.NoError(err)
	assert.Equal(xid, req.XID)
	assert.Equal(mac.String(), req.CHAddr.String())
	assert.Equal(byte(MsgDiscover), req.MsgType)
	assert.Equal("laptop", req.Hostname)
	assert.Nil(req.RequestedIP)
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	assert := require.New(t)

	_, err := Decode(make([]byte, 100))
	assert.ErrorIs(err, ErrMalformed)
}

func TestDecodeRejectsBadMagicCookie(t *testing.T) {
	assert := require.New(t)

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	raw := buildDiscover([4]byte{9, 9, 9, 9}, mac, "")
	raw[239] = 0x00 // corrupt the cookie

	_, err := Decode(raw)
	assert.ErrorIs(err, ErrMalformed)
}

func TestDecodeRejectsBootReply(t *testing.T) {
	assert := require.New(t)

	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	raw := buildDiscover([4]byte{9, 9, 9, 9}, mac, "")
	raw[0] = 2 // BOOTREPLY, not a valid request op

	_, err := Decode(raw)
	assert.ErrorIs(err, ErrMalformed)
}

func TestDecodeRequestedIP(t *testing.T) {
	assert := require.New(t)

	buf := make([]byte, headerLen+len(magicCookie))
	buf[0] = 1
	copy(buf[236:240], magicCookie[:])
	var opts []byte
	opts = appendOpt(opts, OptMessageType, []byte{MsgRequest})
	opts = appendOpt(opts, OptRequestedIP, net.ParseIP("192.168.1.50").To4())
	opts = append(opts, OptEnd)
	raw := append(buf, opts...)

	req, err := Decode(raw)
	assert.NoError(err)
	assert.Equal(byte(MsgRequest), req.MsgType)
	assert.Equal("192.168.1.50", req.RequestedIP.String())
}

func TestEncodeReplyIsAtLeast300BytesAndEchoesFields(t *testing.T) {
	assert := require.New(t)

	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	xid := [4]byte{7, 7, 7, 7}

	reply := Encode(Reply{
		XID:        xid,
		YIAddr:     net.ParseIP("192.168.1.105"),
		Gateway:    net.ParseIP("192.168.1.1"),
		CHAddr:     mac,
		MsgType:    MsgOffer,
		SubnetMask: net.ParseIP("255.255.255.0"),
		LeaseTime:  3600,
		DNSServers: []net.IP{net.ParseIP("192.168.1.1")},
	})

	assert.GreaterOrEqual(len(reply), 300)
	assert.Equal(byte(2), reply[0]) // BOOTREPLY
	assert.Equal(xid[:], reply[4:8])
	assert.Equal(net.ParseIP("192.168.1.105").To4(), net.IP(reply[16:20]))
	assert.Equal(mac, net.HardwareAddr(reply[28:34]))
	assert.Equal(magicCookie[:], reply[236:240])
}

func TestEncodeDecodeRoundTripPreservesCoreFields(t *testing.T) {
	assert := require.New(t)

	mac := net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	xid := [4]byte{0xAB, 0xCD, 0xEF, 0x01}

	reply := Encode(Reply{
		XID:        xid,
		YIAddr:     net.ParseIP("192.168.1.110"),
		Gateway:    net.ParseIP("192.168.1.1"),
		CHAddr:     mac,
		MsgType:    MsgACK,
		SubnetMask: net.ParseIP("255.255.255.0"),
		LeaseTime:  1800,
		DNSServers: []net.IP{net.ParseIP("8.8.8.8")},
	})

	opts, err := parseOptions(reply[240:])
	assert.NoError(err)
	assert.Equal([]byte{MsgACK}, opts[OptMessageType])
	assert.Equal(net.ParseIP("192.168.1.1").To4(), net.IP(opts[OptServerID]))
	assert.Equal(net.ParseIP("255.255.255.0").To4(), net.IP(opts[OptSubnetMask]))
	assert.Equal(net.ParseIP("192.168.1.1").To4(), net.IP(opts[OptRouter]))
	assert.Equal(net.ParseIP("8.8.8.8").To4(), net.IP(opts[OptDNSServer]))
	assert.Equal(xid[:], reply[4:8])
	assert.Equal(mac, net.HardwareAddr(reply[28:34]))
}
