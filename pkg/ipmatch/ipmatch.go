package ipmatch

import (
	"net/netip"
	"strings"
)

// Allowed reports whether clientIP matches any entry of allowList.
// An empty list allows everything; malformed entries never match.
func Allowed(clientIP string, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(clientIP))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowList {
		if matches(addr, strings.TrimSpace(entry)) {
			return true
		}
	}
	return false
}

func matches(addr netip.Addr, entry string) bool {
	if entry == "" {
		return false
	}

	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return false
		}
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), unmappedBits(prefix))
		return prefix.Contains(addr)
	}

	literal, err := netip.ParseAddr(entry)
	if err != nil {
		return false
	}
	return literal.Unmap() == addr
}

// unmappedBits shifts the mask of a ::ffff:a.b.c.d/n prefix to its IPv4 length.
func unmappedBits(p netip.Prefix) int {
	if p.Addr().Is4In6() && p.Bits() >= 96 {
		return p.Bits() - 96
	}
	return p.Bits()
}

// ValidEntry reports whether s is a well-formed address or CIDR range.
func ValidEntry(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
