package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/x509util"
)

// leafValidity is the 30-day validity window leaves are minted with.
const leafValidity = 30 * 24 * time.Hour

// DefaultCacheTTL is the default leaf-cache eviction hint (1 hour), shorter
// than leaf validity per the spec's open question: TTL is an eviction hint,
// not a correctness property, since a leaf already handed to a live TLS
// terminator is never invalidated mid-handshake.
const DefaultCacheTTL = time.Hour

// Identity is a minted leaf: its private key and DER certificate, signed
// by the Store's CA at the time of minting.
type Identity struct {
	Key       *rsa.PrivateKey
	DER       []byte
	Cert      *x509.Certificate
	CreatedAt time.Time
}

// LeafMinter mints per-host leaf certificates signed by a Store's CA,
// caching them by hostname with a TTL (default DefaultCacheTTL). Concurrent
// mint requests for the same hostname are coalesced with a singleflight
// group, matching the spec's concurrency model ("per-host single-flight to
// avoid duplicate minting for the same hostname").
type LeafMinter struct {
	store   *Store
	cache   *lru.LRU[string, *Identity]
	group   singleflight.Group
	log     blog.Logger
	metrics *caMetrics
	tracer  trace.Tracer

	// caFingerprint is the fingerprint of the CA the cached leaves were
	// signed by; when the store's CA changes, the mismatch is detected and
	// the cache is purged even if entries' TTL hasn't yet expired.
	caFingerprint [32]byte
}

// NewLeafMinter returns a LeafMinter backed by store, caching leaf
// identities for ttl (0 selects DefaultCacheTTL).
func NewLeafMinter(store *Store, ttl time.Duration, log blog.Logger, metrics *caMetrics) *LeafMinter {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &LeafMinter{
		store:   store,
		cache:   lru.NewLRU[string, *Identity](4096, nil, ttl),
		log:     log,
		metrics: metrics,
		tracer:  otel.GetTracerProvider().Tracer("github.com/kestrelproxy/mitm/ca"),
	}
}

// IdentityFor returns a cached or freshly minted leaf identity for host,
// per the contract `identity_for(host) -> (key, cert_der)`. host may be a
// DNS name or an IP literal; the resulting SAN is typed accordingly.
func (m *LeafMinter) IdentityFor(ctx context.Context, host string) (*Identity, error) {
	ca, err := m.store.Current()
	if err != nil {
		return nil, err
	}

	currentFP := ca.Fingerprint()
	if m.caFingerprint != currentFP {
		// The CA changed since the cache was built; invalidate wholesale
		// rather than trying to evict selectively.
		m.cache.Purge()
		m.caFingerprint = currentFP
	}

	if ident, ok := m.cache.Get(host); ok {
		m.metrics.cacheHits.Inc()
		return ident, nil
	}
	m.metrics.cacheMisses.Inc()

	v, err, _ := m.group.Do(host, func() (interface{}, error) {
		// Re-check the cache: another caller may have finished minting
		// while we were waiting to enter the singleflight group.
		if ident, ok := m.cache.Get(host); ok {
			return ident, nil
		}
		return m.mint(ctx, ca, host)
	})
	if err != nil {
		return nil, err
	}
	ident := v.(*Identity)
	m.cache.Add(host, ident)
	return ident, nil
}

func (m *LeafMinter) mint(ctx context.Context, ca *CA, host string) (*Identity, error) {
	_, span := m.tracer.Start(ctx, "mint leaf", trace.WithAttributes(attribute.String("host", host)))
	defer span.End()

	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		m.metrics.signErrorCount.WithLabelValues("leaf").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, berrors.CertIssueFailedf(err, "generating leaf key for %s", host)
	}

	serial, err := generateSerial()
	if err != nil {
		return nil, berrors.CertIssueFailedf(err, "generating leaf serial for %s", host)
	}

	now := m.store.clk.Now()
	notAfter := now.Add(leafValidity)

	tmpl := x509util.Template{
		SerialNumber: serial,
		Issuer:       x509util.RootSubject(m.store.product),
		Subject:      x509util.Name{CommonName: host},
		NotBefore:    now,
		NotAfter:     notAfter,
		PublicKey:    &key.PublicKey,
		IsCA:         false,
	}
	if ip, isIP := x509util.IsIPName(host); isIP {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509util.Build(tmpl, ca.Key)
	if err != nil {
		m.metrics.signErrorCount.WithLabelValues("leaf").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, berrors.CertIssueFailedf(err, "signing leaf for %s", host)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, berrors.CertIssueFailedf(err, "parsing freshly minted leaf for %s", host)
	}

	m.metrics.signatureCount.WithLabelValues("leaf").Inc()
	m.metrics.certificates.WithLabelValues("leaf").Inc()
	m.log.AuditObject("Minted leaf", map[string]string{
		"host":     host,
		"notAfter": notAfter.Format(time.RFC3339),
	})

	return &Identity{Key: key, DER: der, Cert: cert, CreatedAt: now}, nil
}

// generateSerial returns 16 random bytes with the MSB cleared so the
// resulting big.Int is always positive, per the leaf identity invariant.
func generateSerial() (*big.Int, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("ca: reading random serial: %w", err)
	}
	buf[0] &= 0x7f
	return new(big.Int).SetBytes(buf), nil
}
