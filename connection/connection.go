// Package connection implements the per-connection state machine: it
// classifies an accepted socket as plain HTTP, a CONNECT tunnel (opaque
// or TLS-intercepted), or unparsable, drives the exchange to completion,
// and hands finished exchanges to the traffic store. It is the engine's
// driver loop, the role boulder's ca.go plays for certificate issuance:
// every other package here (httpcodec, wscodec, ca, tlsengine,
// trafficstore) is a leaf this package wires together.
package connection

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/ca"
	"github.com/kestrelproxy/mitm/config"
	"github.com/kestrelproxy/mitm/httpcodec"
	"github.com/kestrelproxy/mitm/identifier"
	"github.com/kestrelproxy/mitm/tlsengine"
	"github.com/kestrelproxy/mitm/trafficstore"
)

// Mode is the connection's current state. Transitions are monotonic: a
// connection never returns to Classifying once it has left it, and every
// terminal path ends in Closed.
type Mode int

const (
	Classifying Mode = iota
	PlainHTTP
	AwaitUpstreamTunnel
	TLSTerminating
	InterceptedStream
	OpaqueTunnel
	Closed
)

func (m Mode) String() string {
	switch m {
	case Classifying:
		return "classifying"
	case PlainHTTP:
		return "plain_http"
	case AwaitUpstreamTunnel:
		return "await_upstream_tunnel"
	case TLSTerminating:
		return "tls_terminating"
	case InterceptedStream:
		return "intercepted_stream"
	case OpaqueTunnel:
		return "opaque_tunnel"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Timeouts from the spec's concurrency model. Every Handler uses these
// values; Handler has no per-instance override.
const (
	IdleClassifyTimeout     = 10 * time.Second
	ResponseHeaderTimeout   = 30 * time.Second
	OpaqueTunnelIdleTimeout = 120 * time.Second
	UpstreamConnectTimeout  = 10 * time.Second
)

const maxHeaderBytes = 64 * 1024
const relayChunkBytes = 64 * 1024

// Handler owns the dependencies every connection needs and spawns one
// state machine per accepted socket.
type Handler struct {
	Config  config.Config
	CAStore *ca.Store
	Minter  *ca.LeafMinter
	TLS     *tlsengine.Engine
	Store   *trafficstore.Store
	Log     blog.Logger
	Clk     clock.Clock
	Metrics *connMetrics

	// Dial opens a TCP connection to addr, defaulting to net.Dialer. Tests
	// override this to inject a scripted I/O mock per the spec's design
	// note that the state machine must be replayable deterministically.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (h *Handler) dial(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if h.Dial != nil {
		return h.Dial(ctx, network, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Handle drives conn through classification to completion. It always
// closes conn before returning.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	defer conn.Close()
	if h.Metrics != nil {
		h.Metrics.accepted.Inc()
	}

	mode := Classifying
	finalMode := h.run(ctx, id, conn, &mode)
	if h.Metrics != nil {
		h.Metrics.closed.WithLabelValues(finalMode.String()).Inc()
	}
}

func (h *Handler) run(ctx context.Context, id string, conn net.Conn, mode *Mode) Mode {
	br := bufio.NewReaderSize(conn, maxHeaderBytes+4096)

	_ = conn.SetReadDeadline(time.Now().Add(IdleClassifyTimeout))
	head, err := readHeadBlock(br, maxHeaderBytes)
	if err != nil {
		if berrors.Is(err, berrors.HeaderTooLarge) {
			h.recordError(ctx, id, "", err)
		}
		*mode = Closed
		return Closed
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, perr := httpcodec.ParseRequest(head)
	if perr != nil {
		if h.Config.HasUpstream() {
			h.opaqueForward(ctx, id, conn, head, br)
			*mode = Closed
			return Closed
		}
		h.recordError(ctx, id, "", perr)
		*mode = Closed
		return Closed
	}

	if req.Method == "CONNECT" {
		*mode = AwaitUpstreamTunnel
		return h.handleConnect(ctx, id, conn, req)
	}

	*mode = PlainHTTP
	return h.handlePlainHTTP(ctx, id, conn, br, req)
}

// readHeadBlock reads from br one byte at a time until it has consumed a
// full CRLF-CRLF-terminated header block or exceeded maxBytes.
func readHeadBlock(br *bufio.Reader, maxBytes int) ([]byte, error) {
	var buf []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return buf, err
		}
		buf = append(buf, b)
		if len(buf) > maxBytes {
			return nil, berrors.HeaderTooLargef("header block exceeded %d bytes", maxBytes)
		}
		if bytes.HasSuffix(buf, httpcodec.HeaderTerminator) {
			return buf, nil
		}
	}
}

// opaqueForward is used when the first bytes off the wire do not parse as
// HTTP and an upstream proxy is configured: the bytes already consumed
// plus everything remaining are relayed verbatim to the upstream, which
// presumably understands whatever protocol this is.
func (h *Handler) opaqueForward(ctx context.Context, id string, client net.Conn, head []byte, br *bufio.Reader) {
	upstream, err := h.dial(ctx, "tcp", h.Config.UpstreamAddr(), UpstreamConnectTimeout)
	if err != nil {
		h.recordError(ctx, id, "", berrors.UpstreamUnreachablef("dialing upstream for opaque forward: %s", err))
		return
	}
	defer upstream.Close()
	if _, err := upstream.Write(head); err != nil {
		h.recordError(ctx, id, "", berrors.UpstreamUnreachablef("forwarding head to upstream: %s", err))
		return
	}
	h.relayBidirectional(ctx, client, br, upstream)
}

// handleConnect implements the CONNECT branch of classification: it opens
// the target (directly or via an upstream proxy), answers the client with
// 200, then either terminates TLS with a minted leaf or relays opaquely.
func (h *Handler) handleConnect(ctx context.Context, id string, client net.Conn, req *httpcodec.Request) Mode {
	targetAddr := net.JoinHostPort(req.Host, req.Port)
	start := h.now()

	server, err := h.connectTarget(ctx, targetAddr, req.Host, req.Port)
	if err != nil {
		h.writeClientResponse(client, 502, "Bad Gateway")
		h.recordExchange(ctx, exchange{
			id: id, protocol: "https", host: req.Host, scheme: "https",
			start: start, duration: h.since(start), errMsg: err.Error(),
		})
		return Closed
	}
	defer server.Close()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return Closed
	}

	if h.shouldIntercept(req.Host) {
		return h.interceptTunnel(ctx, id, client, server, req.Host, start)
	}

	h.relayOpaque(ctx, id, client, server, req.Host, start)
	return Closed
}

// connectTarget opens a TCP connection to the CONNECT target, either
// directly or by issuing a literal CONNECT through the configured
// upstream proxy.
func (h *Handler) connectTarget(ctx context.Context, targetAddr, host, port string) (net.Conn, error) {
	if !h.Config.HasUpstream() {
		conn, err := h.dial(ctx, "tcp", targetAddr, UpstreamConnectTimeout)
		if err != nil {
			return nil, berrors.UpstreamUnreachablef("connecting to %s: %s", targetAddr, err)
		}
		return conn, nil
	}

	upstream, err := h.dial(ctx, "tcp", h.Config.UpstreamAddr(), UpstreamConnectTimeout)
	if err != nil {
		return nil, berrors.UpstreamUnreachablef("connecting to upstream proxy %s: %s", h.Config.UpstreamAddr(), err)
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr, targetAddr)
	_ = upstream.SetDeadline(time.Now().Add(UpstreamConnectTimeout))
	if _, err := upstream.Write([]byte(connectReq)); err != nil {
		upstream.Close()
		return nil, berrors.UpstreamUnreachablef("writing CONNECT to upstream: %s", err)
	}

	ubr := bufio.NewReaderSize(upstream, maxHeaderBytes)
	head, err := readHeadBlock(ubr, maxHeaderBytes)
	if err != nil {
		upstream.Close()
		return nil, berrors.UpstreamProtocolf("reading upstream CONNECT response: %s", err)
	}
	resp, err := httpcodec.ParseResponse(head)
	if err != nil {
		upstream.Close()
		return nil, berrors.UpstreamProtocolf("parsing upstream CONNECT response: %s", err)
	}
	_ = upstream.SetDeadline(time.Time{})
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upstream.Close()
		return nil, berrors.UpstreamProtocolf("upstream CONNECT to %s returned %d", targetAddr, resp.StatusCode)
	}
	return upstream, nil
}

// shouldIntercept decides whether TLS should be terminated for host:
// interception must be enabled, the host must not be excluded, and a CA
// must actually be loaded.
func (h *Handler) shouldIntercept(host string) bool {
	if !h.Config.InterceptEnabled() {
		return false
	}
	if identifier.MatchesAny(h.Config.ExcludedHosts, host) {
		return false
	}
	if h.CAStore == nil {
		return false
	}
	if _, err := h.CAStore.Current(); err != nil {
		return false
	}
	return true
}

// interceptTunnel terminates TLS on both legs and drives the plaintext
// HTTP/WebSocket exchange loop over them. If no leaf can be minted it
// falls back to an opaque relay rather than dropping the already-established
// tunnel; a failed TLS handshake on either leg records an exchange with the
// error and closes the connection.
func (h *Handler) interceptTunnel(ctx context.Context, id string, client, server net.Conn, host string, start time.Time) Mode {
	identity, err := h.Minter.IdentityFor(ctx, host)
	if err != nil {
		h.Log.Warningf("falling back to opaque tunnel for %s: %s", host, err)
		h.relayOpaque(ctx, id, client, server, host, start)
		return Closed
	}

	serverTLS, err := h.TLS.Connect(ctx, server, host)
	if err != nil {
		h.recordExchange(ctx, exchange{id: id, protocol: "https", host: host, scheme: "https", start: start, duration: h.since(start), errMsg: err.Error()})
		return Closed
	}
	defer serverTLS.Close()

	clientTLS, err := h.TLS.Accept(ctx, client, identity)
	if err != nil {
		h.recordExchange(ctx, exchange{id: id, protocol: "https", host: host, scheme: "https", start: start, duration: h.since(start), errMsg: err.Error()})
		return Closed
	}
	defer clientTLS.Close()

	h.interceptedExchangeLoop(ctx, id, clientTLS, serverTLS, host)
	return Closed
}

func (h *Handler) now() time.Time {
	if h.Clk != nil {
		return h.Clk.Now()
	}
	return time.Now()
}

func (h *Handler) since(start time.Time) time.Duration {
	return h.now().Sub(start)
}

func (h *Handler) writeClientResponse(conn net.Conn, status int, reason string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", status, reason)
	_, _ = conn.Write([]byte(resp))
}

func (h *Handler) recordError(ctx context.Context, id, host string, err error) {
	if h.Log != nil {
		h.Log.Warningf("connection %s: %s", id, err)
	}
	if h.Metrics != nil {
		var pe *berrors.ProxyError
		kind := "unknown"
		if asProxyError(err, &pe) {
			kind = pe.Kind.String()
		}
		h.Metrics.errors.WithLabelValues(kind).Inc()
	}
	h.recordExchange(ctx, exchange{id: id, host: host, start: h.now(), errMsg: err.Error()})
}

func asProxyError(err error, target **berrors.ProxyError) bool {
	pe, ok := err.(*berrors.ProxyError)
	if ok {
		*target = pe
	}
	return ok
}

// exchange is the internal representation finalized into a
// trafficstore.Record.
type exchange struct {
	id       string
	protocol string
	method   string
	url      string
	host     string
	path     string
	scheme   string
	status   int
	reqHdr      httpcodec.Header
	reqBody     []byte
	respHdr     httpcodec.Header
	respBody    []byte
	contentType string
	start       time.Time
	duration    time.Duration
	errMsg      string
}

func (h *Handler) recordExchange(ctx context.Context, e exchange) {
	if h.Store == nil {
		return
	}
	rec := trafficstore.Record{
		ID:                  e.id,
		Timestamp:           float64(e.start.UnixNano()) / 1e9,
		Protocol:            e.protocol,
		Method:              e.method,
		URL:                 e.url,
		Host:                e.host,
		Path:                e.path,
		Scheme:              e.scheme,
		StatusCode:          e.status,
		RequestHeaders:      e.reqHdr,
		RequestBody:         e.reqBody,
		ResponseHeaders:     e.respHdr,
		ResponseBody:        e.respBody,
		ResponseContentType: e.contentType,
		Duration:            e.duration.Seconds(),
		Error:               e.errMsg,
		ConnectionID:        e.id,
	}
	if err := h.Store.Insert(ctx, rec); err != nil && h.Log != nil {
		h.Log.Errf("traffic store insert failed for %s: %s", e.id, err)
	}
}

// relayOpaque copies bytes verbatim in both directions until either side
// closes, then records a single bodyless exchange for the tunnel.
func (h *Handler) relayOpaque(ctx context.Context, id string, client, server net.Conn, host string, start time.Time) {
	h.relayRaw(client, server)
	h.recordExchange(ctx, exchange{id: id, protocol: "https", host: host, scheme: "https", start: start, duration: h.since(start)})
}

// relayBidirectional relays client (already buffered by br) against
// upstream, used for the unparsable-bytes opaque-forward path.
func (h *Handler) relayBidirectional(ctx context.Context, client net.Conn, br *bufio.Reader, upstream net.Conn) {
	h.relayRaw(struct {
		io.Reader
		io.Writer
	}{br, client}, upstream)
}

// relayRaw runs both copy directions concurrently, each bounded to
// relayChunkBytes per cycle, and waits for both to finish. When one
// direction ends (EOF or error) it half-closes its destination's write side
// if the destination supports CloseWrite; the other direction keeps running
// until its own source ends.
func (h *Handler) relayRaw(a io.ReadWriter, b io.ReadWriter) {
	done := make(chan struct{}, 2)
	cp := func(dst io.Writer, src io.Reader) {
		buf := make([]byte, relayChunkBytes)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
				if h.Metrics != nil {
					h.Metrics.bytesRelayed.Add(float64(n))
				}
			}
			if err != nil {
				break
			}
		}
		if c, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
		done <- struct{}{}
	}
	go cp(b, a)
	go cp(a, b)
	<-done
	<-done
}

// interceptedExchangeLoop drives plaintext HTTP request/response pairs
// over clientTLS/serverTLS, switching to WebSocket frame relay on a
// successful upgrade.
func (h *Handler) interceptedExchangeLoop(ctx context.Context, id string, clientTLS, serverTLS net.Conn, host string) {
	cbr := bufio.NewReaderSize(clientTLS, maxHeaderBytes+4096)
	for {
		_ = clientTLS.SetReadDeadline(time.Now().Add(IdleClassifyTimeout))
		head, err := readHeadBlock(cbr, maxHeaderBytes)
		if err != nil {
			return
		}
		_ = clientTLS.SetReadDeadline(time.Time{})

		req, err := httpcodec.ParseRequest(head)
		if err != nil {
			h.recordError(ctx, id, host, err)
			return
		}
		req.Scheme = "https"

		upgrading := httpcodec.IsWebSocketUpgradeRequest(req.Header)
		wsKey, _ := req.Header.Get("Sec-WebSocket-Key")

		start := h.now()
		body, _, err := httpcodec.ReadBody(cbr, req.Header, req.Method, 0, req.Version, h.Config.MaxBodyBytes)
		if err != nil {
			h.recordError(ctx, id, host, err)
			return
		}
		req.Body = body

		if _, err := serverTLS.Write(httpcodec.SerializeRequest(req)); err != nil {
			h.recordExchange(ctx, exchange{id: id, protocol: "https", method: req.Method, host: host, path: req.Path, scheme: "https", start: start, duration: h.since(start), errMsg: err.Error()})
			return
		}

		sbr := bufio.NewReaderSize(serverTLS, maxHeaderBytes+4096)
		_ = serverTLS.SetReadDeadline(time.Now().Add(ResponseHeaderTimeout))
		rhead, err := readHeadBlock(sbr, maxHeaderBytes)
		if err != nil {
			h.recordExchange(ctx, exchange{id: id, protocol: "https", method: req.Method, host: host, path: req.Path, scheme: "https", start: start, duration: h.since(start), errMsg: err.Error()})
			return
		}
		_ = serverTLS.SetReadDeadline(time.Time{})

		resp, err := httpcodec.ParseResponse(rhead)
		if err != nil {
			h.recordError(ctx, id, host, err)
			return
		}
		respBody, truncated, err := httpcodec.ReadBody(sbr, resp.Header, req.Method, resp.StatusCode, resp.Version, h.Config.MaxBodyBytes)
		if err != nil {
			h.recordError(ctx, id, host, err)
			return
		}
		resp.Body = respBody

		if _, err := clientTLS.Write(httpcodec.SerializeResponse(resp)); err != nil {
			return
		}

		contentType, _ := resp.Header.Get("Content-Type")
		errMsg := ""
		if truncated {
			errMsg = berrors.BodyTooLargef("response body truncated").Error()
		}
		h.recordExchange(ctx, exchange{
			id: id, protocol: "https", method: req.Method, url: req.Scheme + "://" + host + req.Path,
			host: host, path: req.Path, scheme: "https", status: resp.StatusCode,
			reqHdr: req.Header, reqBody: req.Body, respHdr: resp.Header, respBody: resp.Body,
			contentType: contentType,
			start:       start, duration: h.since(start), errMsg: errMsg,
		})

		if upgrading && httpcodec.IsWebSocketUpgradeResponse(resp.StatusCode, resp.Header, wsKey) {
			h.relayWebSocket(ctx, id, clientTLS, cbr, serverTLS, sbr, host)
			return
		}

		if httpcodec.ConnectionClose(resp.Header, resp.Version) || httpcodec.ConnectionClose(req.Header, req.Version) {
			return
		}
	}
}

// relayWebSocket is implemented in websocket.go, kept separate to match
// the spec's framing of it as a distinct responsibility from the plain
// HTTP exchange loop.
