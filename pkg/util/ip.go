package util

import (
	"fmt"
	"net/netip"
)

// ParsePrefix parses "a.b.c.d/len" keeping the host bits (interface
// address notation). IPv4 only.
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR notation: %s", s)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("not an IPv4 prefix: %s", s)
	}
	return p, nil
}

// IsPointToPoint returns true if the mask length indicates a p2p link
func IsPointToPoint(bits int) bool {
	return bits == 30 || bits == 31
}

// IsHostAddress reports whether addr is usable as an interface address in
// subnet: /31 allows both addresses (RFC 3021), shorter prefixes exclude the
// network and broadcast addresses.
func IsHostAddress(addr netip.Addr, subnet netip.Prefix) bool {
	if !subnet.Contains(addr) {
		return false
	}
	if subnet.Bits() >= 31 {
		return true
	}
	return addr != subnet.Masked().Addr() && addr != BroadcastAddr(subnet)
}

// BroadcastAddr returns the last address of an IPv4 prefix
func BroadcastAddr(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	host := uint32(1)<<(32-p.Bits()) - 1
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= host
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// ComputeNeighborIP returns the peer address on a /30 or /31. The second
// result is false for other prefix lengths or for the network/broadcast
// address of a /30.
func ComputeNeighborIP(local netip.Prefix) (netip.Addr, bool) {
	if !local.Addr().Is4() {
		return netip.Addr{}, false
	}
	b := local.Addr().As4()
	switch local.Bits() {
	case 31:
		b[3] ^= 1
	case 30:
		switch b[3] & 0x03 {
		case 1:
			b[3]++
		case 2:
			b[3]--
		default:
			return netip.Addr{}, false
		}
	default:
		return netip.Addr{}, false
	}
	return netip.AddrFrom4(b), true
}

// DottedMask renders the prefix length as a dotted-quad netmask, the form
// IOS "ip address" expects.
func DottedMask(bits int) string {
	m := uint32(0xffffffff) << (32 - bits)
	if bits == 0 {
		m = 0
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(m>>24), byte(m>>16), byte(m>>8), byte(m))
}

// WildcardMask renders the inverse mask used by IOS OSPF network statements.
func WildcardMask(bits int) string {
	m := ^(uint32(0xffffffff) << (32 - bits))
	if bits == 0 {
		m = 0xffffffff
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(m>>24), byte(m>>16), byte(m>>8), byte(m))
}

const maxASN = 4294967295 // max uint32, 4-byte ASN range

// ValidateASN checks if an AS number is valid (1 to 4294967295).
func ValidateASN(asn int) error {
	if asn < 1 || asn > maxASN {
		return fmt.Errorf("AS number must be between 1 and %d, got %d", maxASN, asn)
	}
	return nil
}

// FormatRouteTarget generates an RT from ASN and value
func FormatRouteTarget(asn, value int) string {
	return fmt.Sprintf("%d:%d", asn, value)
}
