package ca

import (
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/secretstore"
	"github.com/kestrelproxy/mitm/test"
)

func newTestStore(t *testing.T) (*Store, *secretstore.Memory, clock.FakeClock) {
	t.Helper()
	secrets := secretstore.NewMemory()
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	metrics := NewCAMetrics(prometheus.NewRegistry())
	store, err := NewStore(secrets, "TestProxy", clk, blog.UseMock(), metrics)
	test.AssertNotError(t, err, "constructing store with no persisted CA")
	return store, secrets, clk
}

func TestCurrent_NoCALoaded(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Current()
	test.AssertTrue(t, berrors.Is(err, berrors.CaUnavailable), "expected CaUnavailable")
}

func TestGenerate_PersistsAndBecomesCurrent(t *testing.T) {
	store, secrets, _ := newTestStore(t)

	generated, err := store.Generate()
	test.AssertNotError(t, err, "generating CA")

	current, err := store.Current()
	test.AssertNotError(t, err, "reading current CA after generate")
	test.AssertByteEquals(t, current.DER, generated.DER, "current matches generated")

	_, err = secrets.Get(privateKeyBlobName)
	test.AssertNotError(t, err, "private key persisted")
	_, err = secrets.Get(certificateBlobName)
	test.AssertNotError(t, err, "certificate persisted")

	test.AssertEquals(t, current.Cert.Subject.CommonName, "TestProxy Root CA", "root CN")
	test.AssertTrue(t, current.Cert.NotAfter.Sub(current.Cert.NotBefore) >= rootValidity-time.Hour, "~10y validity")
}

func TestNewStore_LoadsPersistedCA(t *testing.T) {
	store, secrets, clk := newTestStore(t)
	generated, err := store.Generate()
	test.AssertNotError(t, err, "generating CA")

	metrics := NewCAMetrics(prometheus.NewRegistry())
	reloaded, err := NewStore(secrets, "TestProxy", clk, blog.UseMock(), metrics)
	test.AssertNotError(t, err, "reloading store from secrets")

	current, err := reloaded.Current()
	test.AssertNotError(t, err, "current CA after reload")
	test.AssertByteEquals(t, current.DER, generated.DER, "reloaded CA matches generated")
}

func TestDelete_RemovesCA(t *testing.T) {
	store, secrets, _ := newTestStore(t)
	_, err := store.Generate()
	test.AssertNotError(t, err, "generating CA")

	err = store.Delete()
	test.AssertNotError(t, err, "deleting CA")

	_, err = store.Current()
	test.AssertTrue(t, berrors.Is(err, berrors.CaUnavailable), "CA unavailable after delete")

	_, err = secrets.Get(privateKeyBlobName)
	test.AssertTrue(t, err != nil, "private key blob removed")
}

func TestFingerprintAndPEM(t *testing.T) {
	store, _, _ := newTestStore(t)
	generated, err := store.Generate()
	test.AssertNotError(t, err, "generating CA")

	fp := generated.Fingerprint()
	test.AssertEquals(t, len(fp), 32, "fingerprint length")

	pemText := generated.PEM()
	test.AssertContains(t, pemText, "-----BEGIN CERTIFICATE-----", "pem header")
	test.AssertContains(t, pemText, "-----END CERTIFICATE-----", "pem footer")
}
