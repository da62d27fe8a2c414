// Package safeurl validates externally supplied image URLs before they
// are forwarded to the search provider (SSRF prevention). The policy is
// a blocklist, not an allowlist: images must be accepted from arbitrary
// public domains, so only known-dangerous destinations are excluded.
//
// Validation is syntactic; no DNS resolution happens here. A hostname
// that resolves to a private address after validation (DNS rebinding)
// must be blocked again by the network layer at fetch time; this
// package is defense-in-depth, not a complete guarantee.
package safeurl

import (
	"errors"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// MaxURLLen is the longest accepted image URL.
const MaxURLLen = 2048

var (
	ErrMalformed        = errors.New("safeurl: URL is malformed")
	ErrTooLong          = errors.New("safeurl: URL exceeds maximum length")
	ErrNotHTTPS         = errors.New("safeurl: scheme must be https")
	ErrCredentials      = errors.New("safeurl: URL must not embed credentials")
	ErrEmptyHost        = errors.New("safeurl: URL has no hostname")
	ErrBlockedHost      = errors.New("safeurl: hostname is local or internal")
	ErrPrivateAddress   = errors.New("safeurl: address is private or reserved")
	ErrMetadataEndpoint = errors.New("safeurl: cloud metadata endpoints are blocked")
)

// blockedSuffixes are hostname suffixes that always denote local or
// internal destinations.
var blockedSuffixes = []string{".local", ".internal", ".localdomain", ".localhost"}

// Validate checks that rawURL is a safe public HTTPS image URL and
// returns its canonical form. Percent-encoding is normalized (decoded
// repeatedly to collapse double-encoding, then re-encoded canonically)
// before parsing, to defeat encoding-based bypasses like
// "https://127.0.0.1" hidden behind %32%35 sequences.
func Validate(rawURL string) (string, error) {
	if len(rawURL) > MaxURLLen {
		return "", ErrTooLong
	}

	decoded := collapseEncoding(rawURL)

	u, err := url.Parse(decoded)
	if err != nil {
		return "", ErrMalformed
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", ErrNotHTTPS
	}
	if u.User != nil {
		return "", ErrCredentials
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", ErrEmptyHost
	}

	// Canonicalize internationalized hostnames to their ASCII form so
	// unicode lookalikes cannot slip past the string checks below.
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}

	if err := checkHostname(host); err != nil {
		return "", err
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if err := checkIP(ip); err != nil {
			return "", err
		}
	}

	u.Scheme = "https"
	lowerHost := strings.ToLower(u.Host)
	u.Host = strings.Replace(lowerHost, strings.ToLower(u.Hostname()), host, 1)
	canonical := u.String()
	if len(canonical) > MaxURLLen {
		return "", ErrTooLong
	}
	return canonical, nil
}

// collapseEncoding decodes percent-encoding until the string stops
// changing (bounded), so %2532 and %32 both end up as plain characters
// before the URL is parsed.
func collapseEncoding(s string) string {
	for range 3 {
		dec, err := url.PathUnescape(s)
		if err != nil || dec == s {
			break
		}
		s = dec
	}
	return s
}

func checkHostname(host string) error {
	if host == "localhost" {
		return ErrBlockedHost
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return ErrBlockedHost
		}
	}
	// Cloud metadata services live behind well-known hostnames as well
	// as link-local addresses.
	if host == "metadata.google.internal" ||
		strings.HasPrefix(host, "metadata") || strings.HasSuffix(host, "metadata") {
		return ErrMetadataEndpoint
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip4 := ip.To4(); ip4 != nil {
		return checkIPv4(ip4)
	}
	return checkIPv6(ip)
}

func checkIPv4(ip net.IP) error {
	// Metadata endpoints first: more specific than the link-local range.
	if ip.Equal(net.IPv4(169, 254, 169, 254)) || ip.Equal(net.IPv4(169, 254, 170, 2)) {
		return ErrMetadataEndpoint
	}
	for _, cidr := range privateIPv4 {
		if cidr.Contains(ip) {
			return ErrPrivateAddress
		}
	}
	// Multicast (224/4) and reserved (240/4) space, including broadcast.
	if ip[0] >= 224 {
		return ErrPrivateAddress
	}
	return nil
}

func checkIPv6(ip net.IP) error {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return ErrPrivateAddress
	}
	for _, cidr := range privateIPv6 {
		if cidr.Contains(ip) {
			return ErrPrivateAddress
		}
	}
	return nil
}

var (
	privateIPv4 = mustCIDRs(
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10", // CGNAT
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.168.0.0/16",
	)
	privateIPv6 = mustCIDRs(
		"fe80::/10",     // link-local
		"fc00::/7",      // unique-local
		"2001:db8::/32", // documentation
	)
)

func mustCIDRs(blocks ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, cidr, err := net.ParseCIDR(b)
		if err != nil {
			panic("safeurl: bad builtin CIDR " + b)
		}
		out = append(out, cidr)
	}
	return out
}
