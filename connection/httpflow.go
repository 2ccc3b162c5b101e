package connection

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/httpcodec"
)

// handlePlainHTTP drives the non-CONNECT proxy path: forward each request
// to its target (or the upstream proxy), relay the response back, record
// the exchange, and either reuse the client socket for a pipelined next
// request (keep-alive) or close.
func (h *Handler) handlePlainHTTP(ctx context.Context, id string, client net.Conn, cbr *bufio.Reader, first *httpcodec.Request) Mode {
	req := first
	for {
		mode := h.doOneExchange(ctx, id, client, cbr, req)
		if mode == Closed {
			return Closed
		}

		_ = client.SetReadDeadline(time.Now().Add(IdleClassifyTimeout))
		head, err := readHeadBlock(cbr, maxHeaderBytes)
		if err != nil {
			return Closed
		}
		_ = client.SetReadDeadline(time.Time{})

		req, err = httpcodec.ParseRequest(head)
		if err != nil {
			h.recordError(ctx, id, "", err)
			return Closed
		}
		if req.Method == "CONNECT" {
			return h.handleConnect(ctx, id, client, req)
		}
	}
}

// doOneExchange forwards req, relays its response to client, and records
// the finished exchange. It returns Closed when the connection must not
// be reused for a further request.
func (h *Handler) doOneExchange(ctx context.Context, id string, client net.Conn, cbr *bufio.Reader, req *httpcodec.Request) Mode {
	start := h.now()
	req.Scheme = "http"

	body, truncated, err := httpcodec.ReadBody(cbr, req.Header, req.Method, 0, req.Version, h.Config.MaxBodyBytes)
	if err != nil {
		h.recordExchange(ctx, exchange{id: id, method: req.Method, host: req.Host, path: req.Path, scheme: "http", start: start, duration: h.since(start), errMsg: err.Error()})
		return Closed
	}
	req.Body = body
	if truncated {
		h.Log.Warningf("request body truncated for %s%s", req.Host, req.Path)
	}

	targetAddr := net.JoinHostPort(req.Host, req.Port)
	var dialAddr string
	outgoing := req
	if h.Config.HasUpstream() {
		dialAddr = h.Config.UpstreamAddr()
	} else {
		dialAddr = targetAddr
		httpcodec.RewriteForOrigin(outgoing)
	}

	server, err := h.dial(ctx, "tcp", dialAddr, UpstreamConnectTimeout)
	if err != nil {
		h.writeClientResponse(client, 502, "Bad Gateway")
		h.recordExchange(ctx, exchange{id: id, method: req.Method, host: req.Host, path: req.Path, scheme: "http", start: start, duration: h.since(start), errMsg: berrors.UpstreamUnreachablef("connecting to %s: %s", dialAddr, err).Error()})
		return Closed
	}
	defer server.Close()

	if _, err := server.Write(httpcodec.SerializeRequest(outgoing)); err != nil {
		h.recordExchange(ctx, exchange{id: id, method: req.Method, host: req.Host, path: req.Path, scheme: "http", start: start, duration: h.since(start), errMsg: err.Error()})
		return Closed
	}

	sbr := bufio.NewReaderSize(server, maxHeaderBytes+4096)
	_ = server.SetReadDeadline(time.Now().Add(ResponseHeaderTimeout))
	rhead, err := readHeadBlock(sbr, maxHeaderBytes)
	if err != nil {
		h.recordExchange(ctx, exchange{id: id, method: req.Method, host: req.Host, path: req.Path, scheme: "http", start: start, duration: h.since(start), errMsg: berrors.UpstreamUnreachablef("reading response: %s", err).Error()})
		return Closed
	}
	_ = server.SetReadDeadline(time.Time{})

	resp, err := httpcodec.ParseResponse(rhead)
	if err != nil {
		h.recordExchange(ctx, exchange{id: id, method: req.Method, host: req.Host, path: req.Path, scheme: "http", start: start, duration: h.since(start), errMsg: err.Error()})
		return Closed
	}

	respBody, respTruncated, err := httpcodec.ReadBody(sbr, resp.Header, req.Method, resp.StatusCode, resp.Version, h.Config.MaxBodyBytes)
	if err != nil {
		h.recordExchange(ctx, exchange{id: id, method: req.Method, host: req.Host, path: req.Path, scheme: "http", start: start, duration: h.since(start), errMsg: err.Error()})
		return Closed
	}
	resp.Body = respBody

	if _, err := client.Write(httpcodec.SerializeResponse(resp)); err != nil {
		return Closed
	}

	contentType, _ := resp.Header.Get("Content-Type")
	errMsg := ""
	if respTruncated {
		errMsg = berrors.BodyTooLargef("response body truncated").Error()
	}
	h.recordExchange(ctx, exchange{
		id: id, protocol: "http", method: req.Method, url: "http://" + req.Host + req.Path,
		host: req.Host, path: req.Path, scheme: "http", status: resp.StatusCode,
		reqHdr: req.Header, reqBody: req.Body, respHdr: resp.Header, respBody: resp.Body,
		contentType: contentType,
		start:       start, duration: h.since(start), errMsg: errMsg,
	})

	if httpcodec.ConnectionClose(resp.Header, resp.Version) || httpcodec.ConnectionClose(req.Header, req.Version) {
		return Closed
	}
	return PlainHTTP
}

