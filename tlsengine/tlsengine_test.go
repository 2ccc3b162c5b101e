package tlsengine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/ca"
	"github.com/kestrelproxy/mitm/secretstore"
	"github.com/kestrelproxy/mitm/test"
)

func newTestMinter(t *testing.T) *ca.LeafMinter {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	metrics := ca.NewCAMetrics(prometheus.NewRegistry())
	log := blog.UseMock()
	store, err := ca.NewStore(secretstore.NewMemory(), "TestProxy", clk, log, metrics)
	test.AssertNotError(t, err, "new store")
	_, err = store.Generate()
	test.AssertNotError(t, err, "generate CA")
	return ca.NewLeafMinter(store, ca.DefaultCacheTTL, log, metrics)
}

func TestAcceptAndConnect_EndToEnd(t *testing.T) {
	minter := newTestMinter(t)
	identity, err := minter.IdentityFor(context.Background(), "example.com")
	test.AssertNotError(t, err, "mint identity")

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverErr := make(chan error, 1)
	var serverTLS net.Conn
	go func() {
		eng := New()
		var err error
		serverTLS, err = eng.Accept(context.Background(), serverConn, identity)
		serverErr <- err
	}()

	eng := &Engine{InsecureSkipVerify: true}
	clientTLS, err := eng.Connect(context.Background(), clientConn, "example.com")
	test.AssertNotError(t, err, "client connect")
	test.AssertNotError(t, <-serverErr, "server accept")
	defer clientTLS.Close()
	defer serverTLS.Close()

	msg := []byte("hello over tls")
	done := make(chan struct{})
	go func() {
		buf := make([]byte, len(msg))
		n, _ := serverTLS.Read(buf)
		test.AssertEquals(t, string(buf[:n]), string(msg), "server received bytes")
		close(done)
	}()
	_, err = clientTLS.Write(msg)
	test.AssertNotError(t, err, "client write")
	<-done
}

func TestVerifyLeaf_SucceedsAgainstIssuingCA(t *testing.T) {
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	metrics := ca.NewCAMetrics(prometheus.NewRegistry())
	log := blog.UseMock()
	store, err := ca.NewStore(secretstore.NewMemory(), "TestProxy", clk, log, metrics)
	test.AssertNotError(t, err, "new store")
	rootCA, err := store.Generate()
	test.AssertNotError(t, err, "generate CA")

	minter := ca.NewLeafMinter(store, ca.DefaultCacheTTL, log, metrics)
	identity, err := minter.IdentityFor(context.Background(), "example.com")
	test.AssertNotError(t, err, "mint identity")

	test.AssertNotError(t, VerifyLeaf(identity.Cert, rootCA.Cert), "leaf verifies against issuing CA")
}
