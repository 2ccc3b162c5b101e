// Package x509util assembles TBSCertificates by hand and signs them with
// SHA-256/RSA PKCS#1 v1.5, producing DER-encoded X.509 v3 certificates. It
// is the shared builder used by both ca (self-signed root) and leaf minting
// — boulder's ca.go documents the same sharing ("a single signature routine
// takes (tbs_bytes, signing_key) -> signature_bytes") even though boulder
// itself delegates the ASN.1 work to crypto/x509; here the TBSCertificate
// walk is explicit, using the der package's primitive encoders.
package x509util

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/kestrelproxy/mitm/der"
)

var (
	oidSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidBasicConstr   = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtKeyUsage   = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidSubjAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidServerAuth    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	oidClientAuth    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	oidCountry       = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidOrganization  = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidCommonName    = asn1.ObjectIdentifier{2, 5, 4, 3}
)

// KeyUsageCA and KeyUsageLeaf are the bit patterns from the spec: CA uses
// keyCertSign+cRLSign (bits 5,6 => 0x06), leaves use digitalSignature+
// keyEncipherment (bits 0,2 => 0xA0).
const (
	KeyUsageCA   = byte(0x06)
	KeyUsageLeaf = byte(0xA0)
)

// Name is the RDN sequence the spec requires: C, O, CN in that order; C
// uses PrintableString, O/CN use UTF8String.
type Name struct {
	Country      string
	Organization string
	CommonName   string
}

// Template describes one certificate to build. Exactly one of the CA or
// leaf extension sets is emitted, selected by IsCA.
type Template struct {
	SerialNumber *big.Int
	Issuer       Name
	Subject      Name
	NotBefore    time.Time
	NotAfter     time.Time
	PublicKey    *rsa.PublicKey
	IsCA         bool
	DNSNames     []string
	IPAddresses  []net.IP
}

// Build assembles the TBSCertificate for tmpl, signs it with signingKey
// using SHA-256/RSA PKCS#1 v1.5, and returns the final DER-encoded
// Certificate: SEQUENCE { tbsCertificate, AlgorithmIdentifier, BIT STRING
// signature }.
func Build(tmpl Template, signingKey *rsa.PrivateKey) ([]byte, error) {
	tbs, err := buildTBS(tmpl)
	if err != nil {
		return nil, fmt.Errorf("x509util: building tbsCertificate: %w", err)
	}

	digest := sha256.Sum256(tbs)
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("x509util: signing tbsCertificate: %w", err)
	}

	b := der.NewBuilder()
	der.Sequence(b, func(c *der.Builder) {
		c.AddBytes(tbs)
		algorithmIdentifier(c, oidSHA256WithRSA)
		der.BitString(c, sig)
	})
	return der.Bytes(b)
}

// buildTBS assembles the TBSCertificate field sequence in the field order
// required by RFC 5280 and restated by the spec: version, serialNumber,
// signature, issuer, validity, subject, subjectPublicKeyInfo, extensions.
func buildTBS(tmpl Template) ([]byte, error) {
	if tmpl.SerialNumber == nil || tmpl.SerialNumber.Sign() <= 0 {
		return nil, errors.New("x509util: serial number must be positive")
	}
	if tmpl.NotAfter.Before(tmpl.NotBefore) {
		return nil, errors.New("x509util: notAfter before notBefore")
	}
	if tmpl.PublicKey == nil {
		return nil, errors.New("x509util: public key required")
	}

	var extErr error
	b := der.NewBuilder()
	der.Sequence(b, func(c *der.Builder) {
		// version [0] EXPLICIT INTEGER(2) -- v3
		der.ContextTag(c, 0, true, func(v *der.Builder) {
			der.Int64(v, 2)
		})
		der.Integer(c, tmpl.SerialNumber)
		algorithmIdentifier(c, oidSHA256WithRSA)
		name(c, tmpl.Issuer)
		der.Sequence(c, func(v *der.Builder) {
			der.Time(v, tmpl.NotBefore)
			der.Time(v, tmpl.NotAfter)
		})
		name(c, tmpl.Subject)
		subjectPublicKeyInfo(c, tmpl.PublicKey)
		der.ContextTag(c, 3, true, func(v *der.Builder) {
			der.Sequence(v, func(ext *der.Builder) {
				basicConstraintsExtension(ext, tmpl.IsCA)
				keyUsageExtension(ext, tmpl.IsCA)
				if !tmpl.IsCA {
					extKeyUsageExtension(ext)
					if len(tmpl.DNSNames) > 0 || len(tmpl.IPAddresses) > 0 {
						extErr = subjectAltNameExtension(ext, tmpl.DNSNames, tmpl.IPAddresses)
					}
				}
			})
		})
	})
	if extErr != nil {
		return nil, extErr
	}
	return der.Bytes(b)
}

func algorithmIdentifier(b *der.Builder, oid asn1.ObjectIdentifier) {
	der.Sequence(b, func(c *der.Builder) {
		der.ObjectIdentifier(c, oid)
		der.Null(c)
	})
}

// name emits the RDNSequence: SEQUENCE OF SET OF AttributeTypeAndValue, one
// RDN per populated field, in C, O, CN order.
func name(b *der.Builder, n Name) {
	der.Sequence(b, func(c *der.Builder) {
		if n.Country != "" {
			rdn(c, oidCountry, n.Country, true)
		}
		if n.Organization != "" {
			rdn(c, oidOrganization, n.Organization, false)
		}
		if n.CommonName != "" {
			rdn(c, oidCommonName, n.CommonName, false)
		}
	})
}

func rdn(b *der.Builder, oid asn1.ObjectIdentifier, value string, printable bool) {
	der.Set(b, func(c *der.Builder) {
		der.Sequence(c, func(atv *der.Builder) {
			der.ObjectIdentifier(atv, oid)
			if printable {
				der.PrintableString(atv, value)
			} else {
				der.UTF8String(atv, value)
			}
		})
	})
}

// subjectPublicKeyInfo emits SEQUENCE { algorithm, BIT STRING publicKey },
// where publicKey's content is the DER of RSAPublicKey { modulus, exponent }.
func subjectPublicKeyInfo(b *der.Builder, pub *rsa.PublicKey) {
	der.Sequence(b, func(c *der.Builder) {
		algorithmIdentifier(c, oidRSAEncryption)
		inner := der.NewBuilder()
		der.Sequence(inner, func(rb *der.Builder) {
			der.Integer(rb, pub.N)
			der.Int64(rb, int64(pub.E))
		})
		pubKeyDER, _ := der.Bytes(inner)
		der.BitString(c, pubKeyDER)
	})
}

func extensionEnvelope(b *der.Builder, oid asn1.ObjectIdentifier, critical bool, fn func(*der.Builder)) {
	der.Sequence(b, func(c *der.Builder) {
		der.ObjectIdentifier(c, oid)
		if critical {
			der.Boolean(c, true)
		}
		inner := der.NewBuilder()
		fn(inner)
		value, _ := der.Bytes(inner)
		der.OctetString(c, value)
	})
}

func basicConstraintsExtension(b *der.Builder, isCA bool) {
	extensionEnvelope(b, oidBasicConstr, true, func(c *der.Builder) {
		der.Sequence(c, func(v *der.Builder) {
			if isCA {
				der.Boolean(v, true)
			}
		})
	})
}

func keyUsageExtension(b *der.Builder, isCA bool) {
	extensionEnvelope(b, oidKeyUsage, true, func(c *der.Builder) {
		bits := KeyUsageLeaf
		if isCA {
			bits = KeyUsageCA
		}
		der.BitString(c, []byte{bits})
	})
}

func extKeyUsageExtension(b *der.Builder) {
	extensionEnvelope(b, oidExtKeyUsage, false, func(c *der.Builder) {
		der.Sequence(c, func(v *der.Builder) {
			der.ObjectIdentifier(v, oidServerAuth)
			der.ObjectIdentifier(v, oidClientAuth)
		})
	})
}

func subjectAltNameExtension(b *der.Builder, dnsNames []string, ips []net.IP) error {
	var encodeErr error
	extensionEnvelope(b, oidSubjAltName, false, func(c *der.Builder) {
		der.Sequence(c, func(v *der.Builder) {
			for _, name := range dnsNames {
				der.ContextTag(v, 2, false, func(n *der.Builder) {
					n.AddBytes([]byte(name))
				})
			}
			for _, ip := range ips {
				ipBytes, err := der.IPAddressBytes(ip)
				if err != nil {
					encodeErr = err
					return
				}
				der.ContextTag(v, 7, false, func(n *der.Builder) {
					n.AddBytes(ipBytes)
				})
			}
		})
	})
	return encodeErr
}

// IsIPName reports whether name parses as an IPv4 or IPv6 literal, the
// distinguishing test the spec requires between DNS and IP SAN entries.
func IsIPName(name string) (net.IP, bool) {
	ip := net.ParseIP(name)
	return ip, ip != nil
}

// RootSubject builds the Name for a self-signed root CA: CN "<product>
// Root CA", no O/C, per the spec's CA data model.
func RootSubject(product string) Name {
	return Name{CommonName: fmt.Sprintf("%s Root CA", product)}
}
