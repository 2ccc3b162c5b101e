package connection

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/config"
	"github.com/kestrelproxy/mitm/test"
	"github.com/kestrelproxy/mitm/trafficstore"
	"github.com/kestrelproxy/mitm/wscodec"
)

func newTestTrafficStore(t *testing.T) *trafficstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traffic.db")
	s, err := trafficstore.Open(path, 1000, blog.UseMock())
	test.AssertNotError(t, err, "opening traffic store")
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestHandler(t *testing.T, dial func(ctx context.Context, network, addr string) (net.Conn, error)) (*Handler, *trafficstore.Store) {
	t.Helper()
	store := newTestTrafficStore(t)
	return &Handler{
		Config:  config.Config{MaxBodyBytes: 1 << 20},
		Store:   store,
		Log:     blog.UseMock(),
		Clk:     clock.NewFake(),
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Dial:    dial,
	}, store
}

func TestPlainHTTPForward(t *testing.T) {
	client, clientPeer := net.Pipe()
	target, targetPeer := net.Pipe()

	h, store := newTestHandler(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		return target, nil
	})

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), client)
		close(done)
	}()

	go func() {
		br := bufio.NewReader(targetPeer)
		line, _ := br.ReadString('\n')
		test.AssertTrue(t, strings.HasPrefix(line, "GET /foo HTTP/1.1"), "origin-form request line")
		for {
			l, _ := br.ReadString('\n')
			if l == "\r\n" {
				break
			}
		}
		_, _ = targetPeer.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 3\r\nConnection: close\r\n\r\nbar"))
		targetPeer.Close()
	}()

	_, err := clientPeer.Write([]byte("GET http://example.com/foo HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	test.AssertNotError(t, err, "writing request")

	cbr := bufio.NewReader(clientPeer)
	statusLine, err := cbr.ReadString('\n')
	test.AssertNotError(t, err, "reading status line")
	test.AssertTrue(t, strings.HasPrefix(statusLine, "HTTP/1.1 200"), "got 200 response")

	<-done

	records, err := store.List(context.Background(), trafficstore.Filter{}, "", 0)
	test.AssertNotError(t, err, "list records")
	test.AssertEquals(t, len(records), 1, "one record inserted")
	test.AssertEquals(t, records[0].Host, "example.com", "recorded host")
	test.AssertEquals(t, records[0].StatusCode, 200, "recorded status")
	test.AssertEquals(t, string(records[0].ResponseBody), "bar", "recorded response body")
}

func TestConnectOpaqueTunnel(t *testing.T) {
	client, clientPeer := net.Pipe()
	target, targetPeer := net.Pipe()

	h, store := newTestHandler(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		return target, nil
	})

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), client)
		close(done)
	}()

	relayDone := make(chan struct{})
	go func() {
		buf := make([]byte, 5)
		n, _ := targetPeer.Read(buf)
		test.AssertEquals(t, string(buf[:n]), "hello", "bytes relayed to target")
		_, _ = targetPeer.Write([]byte("world"))
		close(relayDone)
	}()

	_, err := clientPeer.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	test.AssertNotError(t, err, "writing CONNECT")

	cbr := bufio.NewReader(clientPeer)
	statusLine, err := cbr.ReadString('\n')
	test.AssertNotError(t, err, "reading CONNECT response")
	test.AssertTrue(t, strings.HasPrefix(statusLine, "HTTP/1.1 200"), "200 Connection Established")
	for {
		l, _ := cbr.ReadString('\n')
		if l == "\r\n" {
			break
		}
	}

	_, err = clientPeer.Write([]byte("hello"))
	test.AssertNotError(t, err, "writing tunnel bytes")
	<-relayDone

	reply := make([]byte, 5)
	n, err := cbr.Read(reply)
	test.AssertNotError(t, err, "reading tunnel reply")
	test.AssertEquals(t, string(reply[:n]), "world", "bytes relayed back to client")

	targetPeer.Close()
	clientPeer.Close()
	<-done

	records, err := store.List(context.Background(), trafficstore.Filter{}, "", 0)
	test.AssertNotError(t, err, "list records")
	test.AssertEquals(t, len(records), 1, "one tunnel record inserted")
	test.AssertEquals(t, records[0].Protocol, "https", "tunnel protocol recorded")
}

func TestConnectUpstreamRejection(t *testing.T) {
	client, clientPeer := net.Pipe()
	upstream, upstreamPeer := net.Pipe()

	h, store := newTestHandler(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		return upstream, nil
	})
	h.Config.UpstreamProxyHost = "10.0.0.2"
	h.Config.UpstreamProxyPort = 8080

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), client)
		close(done)
	}()

	go func() {
		br := bufio.NewReader(upstreamPeer)
		line, _ := br.ReadString('\n')
		test.AssertTrue(t, strings.HasPrefix(line, "CONNECT example.com:443"), "literal CONNECT forwarded to upstream")
		for {
			l, _ := br.ReadString('\n')
			if l == "\r\n" {
				break
			}
		}
		_, _ = upstreamPeer.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
	}()

	_, err := clientPeer.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	test.AssertNotError(t, err, "writing CONNECT")

	cbr := bufio.NewReader(clientPeer)
	statusLine, err := cbr.ReadString('\n')
	test.AssertNotError(t, err, "reading response")
	test.AssertTrue(t, strings.HasPrefix(statusLine, "HTTP/1.1 502"), "502 Bad Gateway on upstream rejection")

	<-done

	records, err := store.List(context.Background(), trafficstore.Filter{}, "", 0)
	test.AssertNotError(t, err, "list records")
	test.AssertEquals(t, len(records), 1, "one error record inserted")
	test.AssertTrue(t, records[0].Error != "", "error recorded")
}

func TestModeString(t *testing.T) {
	test.AssertEquals(t, Classifying.String(), "classifying", "classifying")
	test.AssertEquals(t, PlainHTTP.String(), "plain_http", "plain_http")
	test.AssertEquals(t, Closed.String(), "closed", "closed")
}

func TestCheckMaskDirection(t *testing.T) {
	test.AssertNotError(t, checkMaskDirection(clientToServer, true), "masked client frame is valid")
	test.AssertNotError(t, checkMaskDirection(serverToClient, false), "unmasked server frame is valid")
	test.AssertError(t, checkMaskDirection(clientToServer, false), "unmasked client frame violates RFC 6455 5.1")
	test.AssertError(t, checkMaskDirection(serverToClient, true), "masked server frame violates RFC 6455 5.1")
}

func TestForwardFrame_MasksOnlyTowardServer(t *testing.T) {
	h := &Handler{Log: blog.UseMock()}
	frame := &wscodec.Frame{Fin: true, Opcode: wscodec.OpText, Payload: []byte("hi")}

	a, b := net.Pipe()
	go h.forwardFrame(a, clientToServer, frame)
	buf := make([]byte, 64)
	n, err := b.Read(buf)
	test.AssertNotError(t, err, "reading forwarded frame")
	test.AssertTrue(t, n >= 2 && buf[1]&0x80 != 0, "frame toward server must have the mask bit set")
	a.Close()
	b.Close()

	a, b = net.Pipe()
	go h.forwardFrame(a, serverToClient, frame)
	n, err = b.Read(buf)
	test.AssertNotError(t, err, "reading forwarded frame")
	test.AssertTrue(t, n >= 2 && buf[1]&0x80 == 0, "frame toward client must not have the mask bit set")
	a.Close()
	b.Close()
}
