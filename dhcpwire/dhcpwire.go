// Package dhcpwire implements the RFC 2131 BOOTP/DHCP wire subset
// described in spec.md section 4.3: decoding DISCOVER/REQUEST packets and
// encoding the fixed 300-byte OFFER/ACK reply.
package dhcpwire

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/krolaw/dhcp4"
)

// Message types consumed/produced, per spec.md section 4.3 and the
// GLOSSARY. Values come from github.com/krolaw/dhcp4's MessageType enum
// rather than being re-declared, so this package and any future use of
// dhcp4.Serve-style helpers agree on the wire values by construction.
const (
	MsgDiscover = byte(dhcp4.Discover)
	MsgOffer    = byte(dhcp4.Offer)
	MsgRequest  = byte(dhcp4.Request)
	MsgACK      = byte(dhcp4.ACK)
)

// Option codes consumed or emitted, taken from dhcp4.OptionCode.
const (
	OptSubnetMask  = byte(dhcp4.OptionSubnetMask)
	OptRouter      = byte(dhcp4.OptionRouter)
	OptDNSServer   = byte(dhcp4.OptionDomainNameServer)
	OptHostname    = byte(dhcp4.OptionHostName)
	OptRequestedIP = byte(dhcp4.OptionRequestedIPAddress)
	OptLeaseTime   = byte(dhcp4.OptionIPAddressLeaseTime)
	OptMessageType = byte(dhcp4.OptionDHCPMessageType)
	OptServerID    = byte(dhcp4.OptionServerIdentifier)
	OptPad         = 0
	OptEnd         = byte(dhcp4.OptionEnd)
)

var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

const (
	headerLen  = 236
	minPackLen = headerLen + len(magicCookie) // 240
	replyLen   = 300
)

// ErrMalformed is returned by Decode for any packet that fails the
// minimum-length, magic-cookie, or BOOTREQUEST checks; callers should
// drop the packet silently, per spec.md section 4.3/7.
var ErrMalformed = errors.New("dhcpwire: malformed packet")

// Request is a decoded DISCOVER/REQUEST packet.
type Request struct {
	XID         [4]byte
	CHAddr      net.HardwareAddr // 6-byte client MAC
	MsgType     byte             // 1=DISCOVER, 3=REQUEST
	Hostname    string
	RequestedIP net.IP // nil if option 50 absent
}

// Decode parses a raw DHCP packet, applying the boundary checks of
// spec.md section 8: packets shorter than 240 bytes, missing the magic
// cookie, or with op != 1 (BOOTREQUEST) are rejected with ErrMalformed.
func Decode(buf []byte) (*Request, error) {
	if len(buf) < minPackLen {
		return nil, ErrMalformed
	}
	if buf[0] != byte(dhcp4.BootRequest) {
		return nil, ErrMalformed
	}
	if buf[236] != magicCookie[0] || buf[237] != magicCookie[1] ||
		buf[238] != magicCookie[2] || buf[239] != magicCookie[3] {
		return nil, ErrMalformed
	}

	req := &Request{}
	copy(req.XID[:], buf[4:8])
	req.CHAddr = net.HardwareAddr(append([]byte(nil), buf[28:34]...))

	opts, err := parseOptions(buf[240:])
	if err != nil {
		return nil, err
	}

	mt, ok := opts[OptMessageType]
	if !ok || len(mt) != 1 {
		return nil, ErrMalformed
	}
	req.MsgType = mt[0]

	if hn, ok := opts[OptHostname]; ok {
		req.Hostname = string(hn)
	}
	if ip, ok := opts[OptRequestedIP]; ok && len(ip) == 4 {
		req.RequestedIP = net.IP(append([]byte(nil), ip...))
	}

	return req, nil
}

// parseOptions walks the TLV options area starting immediately after the
// magic cookie, stopping at the 255 terminator (or end of buffer).
func parseOptions(buf []byte) (map[byte][]byte, error) {
	opts := make(map[byte][]byte)

	i := 0
	for i < len(buf) {
		code := buf[i]
		if code == OptEnd {
			break
		}
		if code == OptPad {
			i++
			continue
		}
		if i+1 >= len(buf) {
			return nil, ErrMalformed
		}
		l := int(buf[i+1])
		if i+2+l > len(buf) {
			return nil, ErrMalformed
		}
		opts[code] = buf[i+2 : i+2+l]
		i += 2 + l
	}

	return opts, nil
}

// Reply describes the fields needed to encode an OFFER or ACK.
type Reply struct {
	XID        [4]byte
	YIAddr     net.IP // offered/assigned client address
	Gateway    net.IP // siaddr, option 3 (router), and option 54 (server id)
	CHAddr     net.HardwareAddr
	MsgType    byte // MsgOffer or MsgACK
	SubnetMask net.IP
	LeaseTime  uint32
	DNSServers []net.IP
}

// Encode produces the fixed-layout reply packet described in spec.md
// section 4.3: byte-identical header fields, then options 53, 54, 51, 1,
// 3, 6, terminated by 255 and padded to at least 300 bytes.
func Encode(r Reply) []byte {
	buf := make([]byte, headerLen+len(magicCookie))

	buf[0] = byte(dhcp4.BootReply)
	buf[1] = 1 // htype = ethernet
	buf[2] = 6 // hlen
	buf[3] = 0 // hops
	copy(buf[4:8], r.XID[:])
	// secs, flags, ciaddr left zero
	copy(buf[16:20], to4(r.YIAddr))
	copy(buf[20:24], to4(r.Gateway)) // siaddr
	// giaddr left zero
	copy(buf[28:34], []byte(r.CHAddr))
	copy(buf[236:240], magicCookie[:])

	var opts []byte
	opts = appendOpt(opts, OptMessageType, []byte{r.MsgType})
	opts = appendOpt(opts, OptServerID, to4(r.Gateway))
	opts = appendOpt(opts, OptLeaseTime, beUint32(r.LeaseTime))
	opts = appendOpt(opts, OptSubnetMask, to4(r.SubnetMask))
	opts = appendOpt(opts, OptRouter, to4(r.Gateway))

	dnsBytes := make([]byte, 0, 4*len(r.DNSServers))
	for _, ip := range r.DNSServers {
		dnsBytes = append(dnsBytes, to4(ip)...)
	}
	opts = appendOpt(opts, OptDNSServer, dnsBytes)
	opts = append(opts, OptEnd)

	buf = append(buf, opts...)
	if len(buf) < replyLen {
		pad := make([]byte, replyLen-len(buf))
		buf = append(buf, pad...)
	}
	return buf
}

func appendOpt(dst []byte, code byte, val []byte) []byte {
	dst = append(dst, code, byte(len(val)))
	return append(dst, val...)
}

func beUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func to4(ip net.IP) []byte {
	if ip == nil {
		return []byte{0, 0, 0, 0}
	}
	b := ip.To4()
	if b == nil {
		return []byte{0, 0, 0, 0}
	}
	return b
}
