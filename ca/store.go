// Package ca owns the Certificate Authority key pair and certificate, and
// mints per-host leaf identities on demand. It follows boulder's ca.go
// conventions: a clock.Clock for testable timestamps, an otel tracer span
// around every signing operation, prometheus counters for signatures and
// errors, and blog.Logger audit events instead of bare log.Printf calls.
// Where boulder's certificateAuthorityImpl delegates ASN.1 construction to
// crypto/x509 and coordinates a multi-issuer gRPC-facing signing pipeline
// with precertificates and SCTs, this package has no RPC surface and no CT
// log submission (out of scope per spec.md's Non-goals); it signs directly
// with x509util's hand-rolled TBSCertificate builder.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/secretstore"
	"github.com/kestrelproxy/mitm/x509util"
)

const (
	privateKeyBlobName = "ca_private_key.der"
	certificateBlobName = "ca_certificate.der"

	// rootValidity is the CA's 10-year validity window, per the data model.
	rootValidity = 10 * 365 * 24 * time.Hour

	// rootKeyBits is the CA key size; the spec requires 2048-bit RSA
	// throughout (both CA and leaf).
	rootKeyBits = 2048
)

// CA is the in-memory representation of a loaded or freshly generated
// Certificate Authority: its private key and self-signed DER certificate.
type CA struct {
	Key  *rsa.PrivateKey
	DER  []byte
	Cert *x509.Certificate
}

// Fingerprint returns the SHA-256 fingerprint of the CA's DER certificate.
func (c *CA) Fingerprint() [32]byte {
	return sha256.Sum256(c.DER)
}

// PEM renders the CA certificate as a standard PEM block: a header line, 64
// columns of base64, and a footer line, matching the external interface
// the spec's certificate export requires.
func (c *CA) PEM() string {
	return encodePEMCertificate(c.DER)
}

func encodePEMCertificate(der []byte) string {
	b64 := base64.StdEncoding.EncodeToString(der)
	var sb strings.Builder
	sb.WriteString("-----BEGIN CERTIFICATE-----\n")
	for i := 0; i < len(b64); i += 64 {
		end := i + 64
		if end > len(b64) {
			end = len(b64)
		}
		sb.WriteString(b64[i:end])
		sb.WriteByte('\n')
	}
	sb.WriteString("-----END CERTIFICATE-----\n")
	return sb.String()
}

// Store owns the single active CA, single-writer on Generate/Delete,
// concurrent-reader on Current, matching the spec's shared-resource model
// ("CA store: single-writer (generate/delete) excludes all readers;
// readers proceed concurrently").
type Store struct {
	mu        sync.RWMutex
	current   *CA
	secrets   secretstore.SecretStore
	product   string
	clk       clock.Clock
	log       blog.Logger
	metrics   *caMetrics
	tracer    trace.Tracer
}

// NewStore constructs a Store backed by secrets. product names the CA
// ("<product> Root CA" is the required CN). If a CA is already persisted
// in secrets, it is loaded eagerly so Current never blocks on first use.
func NewStore(secrets secretstore.SecretStore, product string, clk clock.Clock, log blog.Logger, metrics *caMetrics) (*Store, error) {
	s := &Store{
		secrets: secrets,
		product: product,
		clk:     clk,
		log:     log,
		metrics: metrics,
		tracer:  otel.GetTracerProvider().Tracer("github.com/kestrelproxy/mitm/ca"),
	}
	loaded, err := s.load()
	if err != nil && !errors.Is(err, secretstore.ErrNotFound) {
		return nil, err
	}
	s.current = loaded
	return s, nil
}

// Current returns the active CA, or berrors.CaUnavailable if none is loaded
// or generated yet.
func (s *Store) Current() (*CA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, berrors.CaUnavailablef("no CA loaded")
	}
	return s.current, nil
}

func (s *Store) load() (*CA, error) {
	keyDER, err := s.secrets.Get(privateKeyBlobName)
	if err != nil {
		return nil, err
	}
	certDER, err := s.secrets.Get(certificateBlobName)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing stored CA key: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing stored CA certificate: %w", err)
	}
	return &CA{Key: key, DER: certDER, Cert: cert}, nil
}

// Generate creates a fresh 2048-bit RSA key and self-signed root
// certificate, persists both through the SecretStore, and installs it as
// the active CA, replacing any previous one. It excludes all readers for
// the duration, per the spec's single-writer requirement.
func (s *Store) Generate() (*CA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, span := s.tracer.Start(context.Background(), "generate CA")
	defer span.End()

	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		s.metrics.signErrorCount.WithLabelValues("root").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, berrors.CertIssueFailedf(err, "generating CA key")
	}

	notBefore := s.clk.Now()
	notAfter := notBefore.Add(rootValidity)
	subject := x509util.RootSubject(s.product)

	der, err := x509util.Build(x509util.Template{
		SerialNumber: big.NewInt(1),
		Issuer:       subject,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		PublicKey:    &key.PublicKey,
		IsCA:         true,
	}, key)
	if err != nil {
		s.metrics.signErrorCount.WithLabelValues("root").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, berrors.CertIssueFailedf(err, "signing CA certificate")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, berrors.CertIssueFailedf(err, "parsing freshly minted CA certificate")
	}

	keyDER := x509.MarshalPKCS1PrivateKey(key)
	if err := s.secrets.Put(privateKeyBlobName, keyDER); err != nil {
		return nil, berrors.PersistenceErrorf(err, "storing CA private key")
	}
	if err := s.secrets.Put(certificateBlobName, der); err != nil {
		return nil, berrors.PersistenceErrorf(err, "storing CA certificate")
	}

	ca := &CA{Key: key, DER: der, Cert: cert}
	s.current = ca

	s.metrics.signatureCount.WithLabelValues("root").Inc()
	s.metrics.certificates.WithLabelValues("root").Inc()
	fp := ca.Fingerprint()
	span.SetAttributes(attribute.String("fingerprint", fmt.Sprintf("%x", fp)))
	s.log.AuditObject("Generated CA", map[string]string{
		"subject":     subject.CommonName,
		"fingerprint": fmt.Sprintf("%x", fp),
		"notAfter":    notAfter.Format(time.RFC3339),
	})

	return ca, nil
}

// Delete atomically removes both the private key and certificate blobs
// from the SecretStore and clears the active CA.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.secrets.Delete(privateKeyBlobName); err != nil {
		return berrors.PersistenceErrorf(err, "deleting CA private key")
	}
	if err := s.secrets.Delete(certificateBlobName); err != nil {
		return berrors.PersistenceErrorf(err, "deleting CA certificate")
	}
	s.current = nil
	s.log.AuditErr("CA deleted")
	return nil
}
