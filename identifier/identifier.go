// Package identifier defines small value types for the host/IP identifiers
// the interception engine reasons about: target hosts, SAN entries, and
// excluded-host patterns. It generalizes boulder's identifier package
// (github.com/letsencrypt/boulder/identifier), which defines ACMEIdentifier
// for RFC 8555 DNS/IP identifiers with a Normalize helper; the same
// dns-vs-ip distinction and normalization shape apply here, without the
// ACME/proto dependency.
package identifier

import (
	"net"
	"slices"
	"strings"
)

// Type is a registered identifier kind, mirroring boulder's IdentifierType.
type Type string

const (
	// TypeDNS identifies a DNS hostname.
	TypeDNS = Type("dns")
	// TypeIP identifies an IP address literal.
	TypeIP = Type("ip")
)

// Identifier is a single host or IP identifier, used for certificate SAN
// entries and for matching against excluded-host patterns.
type Identifier struct {
	Type  Type
	Value string
}

// Identifiers is a named slice type so methods (Normalize) can be applied.
type Identifiers []Identifier

// New classifies host as a DNS name or an IP literal and returns the
// corresponding Identifier.
func New(host string) Identifier {
	if ip := net.ParseIP(host); ip != nil {
		return Identifier{Type: TypeIP, Value: ip.String()}
	}
	return Identifier{Type: TypeDNS, Value: host}
}

// Normalize returns the set of all unique identifiers in the input after
// lowercasing, sorted alphabetically by value with DNS identifiers
// preceding IP identifiers, mirroring boulder's identifier.Normalize.
func Normalize(idents Identifiers) Identifiers {
	out := make(Identifiers, len(idents))
	copy(out, idents)
	for i := range out {
		out[i].Value = strings.ToLower(out[i].Value)
	}
	slices.SortFunc(out, func(a, b Identifier) int {
		if a.Type != b.Type {
			if a.Type == TypeDNS {
				return -1
			}
			return 1
		}
		switch {
		case a.Value < b.Value:
			return -1
		case a.Value > b.Value:
			return 1
		default:
			return 0
		}
	})
	return slices.Compact(out)
}

// MatchesPattern reports whether host matches an excluded-host pattern.
// Patterns are either an exact hostname or a leading-wildcard form
// "*.example.com", which matches "example.com" and any subdomain of it, per
// the spec's excluded_hosts[] configuration field.
func MatchesPattern(pattern, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	pattern = strings.ToLower(pattern)

	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	base := pattern[2:]
	if host == base {
		return true
	}
	return strings.HasSuffix(host, "."+base)
}

// MatchesAny reports whether host matches any of patterns.
func MatchesAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if MatchesPattern(p, host) {
			return true
		}
	}
	return false
}
