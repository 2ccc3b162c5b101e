package ca

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/test"
)

func newTestMinter(t *testing.T) (*LeafMinter, *Store) {
	t.Helper()
	store, _, _ := newTestStore(t)
	_, err := store.Generate()
	test.AssertNotError(t, err, "generating CA")
	metrics := NewCAMetrics(prometheus.NewRegistry())
	return NewLeafMinter(store, time.Hour, blog.UseMock(), metrics), store
}

func TestIdentityFor_FailsWithoutCA(t *testing.T) {
	store, _, _ := newTestStore(t)
	metrics := NewCAMetrics(prometheus.NewRegistry())
	minter := NewLeafMinter(store, time.Hour, blog.UseMock(), metrics)

	_, err := minter.IdentityFor(context.Background(), "example.com")
	test.AssertTrue(t, berrors.Is(err, berrors.CaUnavailable), "expected CaUnavailable")
}

func TestIdentityFor_VerifiesAgainstCA(t *testing.T) {
	minter, store := newTestMinter(t)
	ca, err := store.Current()
	test.AssertNotError(t, err, "current CA")

	ident, err := minter.IdentityFor(context.Background(), "example.com")
	test.AssertNotError(t, err, "minting identity")

	test.AssertEquals(t, ident.Cert.Subject.CommonName, "example.com", "leaf CN")
	test.AssertDeepEquals(t, ident.Cert.DNSNames, []string{"example.com"}, "leaf SAN")
	test.AssertTrue(t, ident.Cert.SerialNumber.Sign() > 0, "serial positive")

	err = ident.Cert.CheckSignatureFrom(ca.Cert)
	test.AssertNotError(t, err, "leaf verifies against CA")
}

func TestIdentityFor_IPHost(t *testing.T) {
	minter, _ := newTestMinter(t)
	ident, err := minter.IdentityFor(context.Background(), "192.0.2.10")
	test.AssertNotError(t, err, "minting IP identity")
	test.AssertEquals(t, len(ident.Cert.IPAddresses), 1, "one IP SAN")
	test.AssertEquals(t, len(ident.Cert.DNSNames), 0, "no DNS SAN for IP host")
}

func TestIdentityFor_CachedByHostname(t *testing.T) {
	minter, _ := newTestMinter(t)
	first, err := minter.IdentityFor(context.Background(), "example.com")
	test.AssertNotError(t, err, "first mint")
	second, err := minter.IdentityFor(context.Background(), "example.com")
	test.AssertNotError(t, err, "second mint (cached)")
	test.AssertByteEquals(t, first.DER, second.DER, "cached identity reused")
}

func TestIdentityFor_SingleFlightCoalescesConcurrentMints(t *testing.T) {
	minter, _ := newTestMinter(t)
	const n = 16
	results := make([]*Identity, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ident, err := minter.IdentityFor(context.Background(), "concurrent.example")
			results[i] = ident
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		test.AssertNotError(t, errs[i], "concurrent mint")
		test.AssertByteEquals(t, results[i].DER, results[0].DER, "all callers got the same identity")
	}
}

func TestIdentityFor_DistinctSerialsAcrossHosts(t *testing.T) {
	minter, _ := newTestMinter(t)
	a, err := minter.IdentityFor(context.Background(), "a.example")
	test.AssertNotError(t, err, "mint a")
	b, err := minter.IdentityFor(context.Background(), "b.example")
	test.AssertNotError(t, err, "mint b")
	test.AssertTrue(t, a.Cert.SerialNumber.Cmp(b.Cert.SerialNumber) != 0, "distinct serials")
}
