package netguard

import "net/netip"

// blockedPrefixes covers loopback, private, link-local, carrier-grade NAT,
// benchmark, multicast and reserved space for both families.
var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

// nat64Prefix embeds an IPv4 address in its low 32 bits.
var nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")

// deniedHosts are refused before any resolution takes place.
var deniedHosts = map[string]bool{
	"localhost":                true,
	"127.0.0.1":                true,
	"::1":                      true,
	"0.0.0.0":                  true,
	"metadata.google.internal": true,
	"169.254.169.254":          true,
}

var deniedSuffixes = []string{".local", ".localhost"}

// IsBlockedAddr reports whether addr falls in a range outbound traffic must
// never reach.
func IsBlockedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	if addr.Zone() != "" {
		addr = addr.WithZone("")
	}

	if nat64Prefix.Contains(addr) {
		b := addr.As16()
		return IsBlockedAddr(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
	}

	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}

	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified()
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}
