// Package der implements the primitive ASN.1/DER encoders used by
// x509util to build the CA and leaf certificates: INTEGER, BIT STRING,
// OCTET STRING, OBJECT IDENTIFIER, UTCTime/GeneralizedTime, SEQUENCE, SET,
// and context-specific tags, per ITU-T X.690.
//
// Rather than hand-rolling tag/length/value bookkeeping, each encoder is a
// thin wrapper over golang.org/x/crypto/cryptobyte's Builder, the same
// low-level ASN.1 toolkit boulder's ca.go reaches for when it needs to walk
// DER by hand (tbsCertIsDeterministic uses cryptobyte.String and
// cryptobyte_asn1.SEQUENCE to pull the raw TBSCertificate bytes back out of
// freshly-signed DER). We build with it here for the same reason: it gets
// length-prefixing and long-form lengths right without reinventing them.
package der

import (
	"encoding/asn1"
	"errors"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Builder accumulates DER-encoded bytes. It is a renamed alias over
// cryptobyte.Builder so callers of this package never need to import
// cryptobyte directly.
type Builder = cryptobyte.Builder

// NewBuilder returns an empty Builder ready to accept DER content.
func NewBuilder() *Builder {
	return cryptobyte.NewBuilder(nil)
}

// Bytes returns the accumulated DER bytes, or an error if the builder
// encountered a value too large to encode.
func Bytes(b *Builder) ([]byte, error) {
	return b.Bytes()
}

// Sequence writes a DER SEQUENCE whose contents are produced by fn.
func Sequence(b *Builder, fn func(child *Builder)) {
	b.AddASN1(cbasn1.SEQUENCE, func(c *cryptobyte.Builder) {
		fn(c)
	})
}

// Set writes a DER SET whose contents are produced by fn. DER requires
// SET OF elements to be sorted by encoding, which callers must arrange
// themselves before calling fn (cryptobyte writes contents verbatim).
func Set(b *Builder, fn func(child *Builder)) {
	b.AddASN1(cbasn1.SET, func(c *cryptobyte.Builder) {
		fn(c)
	})
}

// ContextTag writes a context-specific tag. When explicit is true the tag
// is constructed (0xA0|tag, EXPLICIT) and fn writes the nested value's full
// TLV; when false the tag is primitive (0x80|tag, IMPLICIT) and fn writes
// only the value's content bytes.
func ContextTag(b *Builder, tag int, explicit bool, fn func(child *Builder)) {
	t := cbasn1.Tag(tag).ContextSpecific()
	if explicit {
		t = t.Constructed()
	}
	b.AddASN1(t, func(c *cryptobyte.Builder) {
		fn(c)
	})
}

// Integer writes a DER INTEGER from a *big.Int. Per X.690, a leading 0x00
// is implicitly added by the two's-complement encoding whenever the MSB of
// the magnitude is set; cryptobyte's AddASN1BigInt already does this.
func Integer(b *Builder, n *big.Int) {
	b.AddASN1BigInt(n)
}

// Int64 writes a DER INTEGER from an int64.
func Int64(b *Builder, n int64) {
	b.AddASN1Int64(n)
}

// BitString writes a DER BIT STRING with zero unused bits, the form used
// for both SubjectPublicKeyInfo and the final certificate signature.
func BitString(b *Builder, bytes []byte) {
	b.AddASN1BitString(bytes)
}

// OctetString writes a DER OCTET STRING.
func OctetString(b *Builder, bytes []byte) {
	b.AddASN1OctetString(bytes)
}

// ObjectIdentifier writes a DER OBJECT IDENTIFIER using base-40 encoding
// for the first two arcs and 7-bit-per-byte variable length encoding
// (continuation bit set on every non-terminal byte) for the rest.
func ObjectIdentifier(b *Builder, oid asn1.ObjectIdentifier) {
	b.AddASN1ObjectIdentifier(oid)
}

// UTCTime writes a DER UTCTime (YYMMDDHHMMSSZ, UTC).
func UTCTime(b *Builder, t time.Time) {
	b.AddASN1UTCTime(t.UTC())
}

// GeneralizedTime writes a DER GeneralizedTime.
func GeneralizedTime(b *Builder, t time.Time) {
	b.AddASN1GeneralizedTime(t.UTC())
}

// Time writes notAfter (or any date) using UTCTime for years before 2050
// and GeneralizedTime from 2050 onward, per the spec's open-question
// decision: boulder's own era (and RFC 5280) requires GeneralizedTime once
// UTCTime's two-digit year can no longer represent the date unambiguously.
func Time(b *Builder, t time.Time) {
	if t.UTC().Year() >= 2050 {
		GeneralizedTime(b, t)
	} else {
		UTCTime(b, t)
	}
}

// Null writes a DER NULL, used for AlgorithmIdentifier parameters.
func Null(b *Builder) {
	b.AddASN1NULL()
}

// Boolean writes a DER BOOLEAN.
func Boolean(b *Builder, v bool) {
	b.AddASN1Boolean(v)
}

// IA5String writes a DER IA5String (ASCII), used for SAN dNSName entries.
func IA5String(b *Builder, s string) {
	b.AddASN1(cbasn1.IA5String, func(c *cryptobyte.Builder) {
		c.AddBytes([]byte(s))
	})
}

// PrintableString writes a DER PrintableString, used for the Country RDN.
func PrintableString(b *Builder, s string) {
	b.AddASN1(cbasn1.PrintableString, func(c *cryptobyte.Builder) {
		c.AddBytes([]byte(s))
	})
}

// UTF8String writes a DER UTF8String, used for Organization/CommonName RDNs.
func UTF8String(b *Builder, s string) {
	b.AddASN1(cbasn1.UTF8String, func(c *cryptobyte.Builder) {
		c.AddBytes([]byte(s))
	})
}

// IPAddressBytes returns the 4-byte (IPv4) or 16-byte (IPv6) form of ip
// suitable for an OCTET STRING SAN entry, or an error if ip is neither.
func IPAddressBytes(ip net.IP) ([]byte, error) {
	if v4 := ip.To4(); v4 != nil {
		return v4, nil
	}
	if v6 := ip.To16(); v6 != nil {
		return v6, nil
	}
	return nil, errors.New("der: invalid IP address")
}

// ParseSequence reads one DER SEQUENCE's content out of der and returns
// the unconsumed tail, used to e.g. pull the raw TBSCertificate bytes back
// out of a freshly built certificate for determinism checks, the same way
// boulder's ca.go extracts RawTBSCertificate via cryptobyte.
func ParseSequence(der []byte) (content []byte, rest []byte, err error) {
	input := cryptobyte.String(der)
	var body cryptobyte.String
	if !input.ReadASN1(&body, cbasn1.SEQUENCE) {
		return nil, nil, errors.New("der: malformed sequence")
	}
	return []byte(body), []byte(input), nil
}
