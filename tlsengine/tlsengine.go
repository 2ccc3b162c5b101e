// Package tlsengine wraps crypto/tls behind the small capability surface
// the connection state machine drives: terminate TLS toward the client
// using a minted leaf identity, or originate TLS toward the true server.
// The spec treats TLS as an injected capability rather than a concrete
// library binding, the same way boulder treats signing as a capability
// (ca.go's Signer interface) rather than hard-wiring crypto/rsa calls
// throughout the CA.
package tlsengine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/ca"
)

// HandshakeTimeout is the default deadline applied to both Accept and
// Connect, per the spec's TLS handshake timeout (15s).
const HandshakeTimeout = 15 * time.Second

// Engine terminates and originates TLS connections.
type Engine struct {
	// InsecureSkipVerify disables upstream certificate verification; tests
	// set this when connecting to a server presenting a self-signed cert
	// that the test harness does not otherwise trust.
	InsecureSkipVerify bool
}

// New returns an Engine with default (verifying) settings.
func New() *Engine {
	return &Engine{}
}

// Accept terminates TLS on conn using identity's certificate and key,
// acting as the server side of the handshake. The returned net.Conn
// carries decrypted application data.
func (e *Engine) Accept(ctx context.Context, conn net.Conn, identity *ca.Identity) (net.Conn, error) {
	cert := tls.Certificate{
		Certificate: [][]byte{identity.DER},
		PrivateKey:  identity.Key,
		Leaf:        identity.Cert,
	}
	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{cert},
	})
	if err := handshakeWithDeadline(ctx, conn, tlsConn.HandshakeContext); err != nil {
		return nil, berrors.TlsHandshakeFailedf("client", err, "terminating TLS for %s", identity.Cert.Subject.CommonName)
	}
	return tlsConn, nil
}

// Connect originates TLS toward serverName over conn, acting as the
// client side of the handshake.
func (e *Engine) Connect(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: e.InsecureSkipVerify,
	}
	tlsConn := tls.Client(conn, cfg)
	if err := handshakeWithDeadline(ctx, conn, tlsConn.HandshakeContext); err != nil {
		return nil, berrors.TlsHandshakeFailedf("server", err, "connecting TLS to %s", serverName)
	}
	return tlsConn, nil
}

func handshakeWithDeadline(ctx context.Context, conn net.Conn, handshake func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{}) //nolint:errcheck
	}
	return handshake(ctx)
}

// VerifyLeaf checks that leaf was signed by root and is currently valid,
// used by tests asserting the minted-leaf invariant end to end.
func VerifyLeaf(leaf, root *x509.Certificate) error {
	pool := x509.NewCertPool()
	pool.AddCert(root)
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}
