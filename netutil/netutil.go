// Package netutil holds small IPv4/MAC conversion helpers shared by the
// DHCP and DNS subsystems.
package netutil

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// HWAddrToUint64 encodes a net.HardwareAddr as a uint64, for use as a map
// key or log field.
func HWAddrToUint64(a net.HardwareAddr) uint64 {
	b := make([]byte, 8)
	copy(b[2:], a)
	return binary.BigEndian.Uint64(b)
}

// IPAddrToUint32 encodes an IPv4 address as a big-endian uint32. It returns
// 0 if a is not a valid IPv4 address.
func IPAddrToUint32(a net.IP) uint32 {
	b := a.To4()
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Uint32ToIPAddr is the inverse of IPAddrToUint32.
func Uint32ToIPAddr(a uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, a)
	return ip
}

// CompareIPv4 orders two IPv4 addresses lexicographically on their octet
// tuples: -1 if a < b, 0 if equal, 1 if a > b.
func CompareIPv4(a, b net.IP) int {
	a4, b4 := a.To4(), b.To4()
	for i := 0; i < net.IPv4len; i++ {
		if a4[i] != b4[i] {
			if a4[i] < b4[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// NextIPv4 returns the address one greater than ip, wrapping each octet at
// 255 into the next octet, matching the scan order required when walking a
// DHCP range.
func NextIPv4(ip net.IP) net.IP {
	n := make(net.IP, net.IPv4len)
	copy(n, ip.To4())
	for i := net.IPv4len - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			break
		}
	}
	return n
}

// NormalizeMAC lowercases a MAC address string into canonical
// xx:xx:xx:xx:xx:xx form. If the input cannot be parsed it is returned
// lowercased but otherwise unchanged.
func NormalizeMAC(mac string) string {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return strings.ToLower(mac)
	}
	return hw.String()
}

// NormalizeDomain lowercases a domain name, converts any internationalized
// labels to their ASCII/punycode form, and ensures it is not
// FQDN-terminated with a trailing dot, matching the comparison form used
// throughout the record store and blacklist. Names that don't round-trip
// through IDNA (already-ASCII domains in practice) are returned lowercased
// and untouched rather than dropped.
func NormalizeDomain(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimSuffix(name, ".")
	if ascii, err := idna.ToASCII(name); err == nil {
		name = ascii
	}
	return name
}

// ResolveBindAddress parses s as a dotted IPv4 address; if that fails, it
// treats s as a network interface name and returns that interface's
// first IPv4 address.
func ResolveBindAddress(s string) (net.IP, error) {
	if ip := net.ParseIP(s); ip != nil {
		return ip, nil
	}

	iface, err := net.InterfaceByName(s)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", s)
}

// IsDetectionMatch reports whether name matches domain exactly or as a
// suffix on a label boundary (".domain"), case-insensitively. "foo.bar"
// matches domain "bar", and "x.bar" matches "bar", but "xbar" does not.
func IsDetectionMatch(name, domain string) bool {
	name = NormalizeDomain(name)
	domain = NormalizeDomain(domain)
	if name == domain {
		return true
	}
	return strings.HasSuffix(name, "."+domain)
}
