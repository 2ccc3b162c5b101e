// Package httpcodec implements the HTTP/1.1 wire codec the connection
// state machine drives: request/response line and header parsing, body
// framing (Content-Length, chunked, close-delimited), WebSocket upgrade
// detection, and request rewriting for direct (non-proxy) forwarding.
//
// This is a from-scratch RFC 7230 codec, not a wrapper around net/http's
// parser: the spec calls out header parsing, body delimitation, and
// request-target rewriting as first-class components the engine owns, the
// same way it owns the WebSocket codec rather than delegating to a library.
package httpcodec

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/kestrelproxy/mitm/berrors"
)

// websocketGUID is the fixed RFC 6455 magic string appended to a client's
// Sec-WebSocket-Key before hashing to derive Sec-WebSocket-Accept.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value a conforming server
// must return for the given client Sec-WebSocket-Key.
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// MaxHeaderBytes is the cap on header block size the spec requires (64 KiB).
const MaxHeaderBytes = 64 * 1024

// HeaderTerminator is the byte sequence that ends an HTTP/1.1 header block.
var HeaderTerminator = []byte("\r\n\r\n")

// Request is a parsed HTTP/1.1 request line plus headers. Body is filled
// in separately by ReadBody once the caller has located body framing.
type Request struct {
	Method  string
	Target  string // the raw request-target as it appeared on the wire
	Version string
	Header  Header
	Body    []byte

	// Scheme/Host/Port/Path are the decomposed, effective values derived
	// from the target and Host header by decomposeRequestTarget.
	Scheme string
	Host   string
	Port   string
	Path   string // path+query, origin-form
}

// Response is a parsed HTTP/1.1 status line plus headers.
type Response struct {
	Version    string
	StatusCode int
	Reason     string
	Header     Header
	Body       []byte
	Truncated  bool
}

// IndexHeaderEnd returns the offset of the first byte after the header
// terminator CRLF CRLF in buf, or -1 if not yet present. Callers should
// treat more than MaxHeaderBytes of unterminated buffer as
// berrors.HeaderTooLarge.
func IndexHeaderEnd(buf []byte) int {
	idx := bytes.Index(buf, HeaderTerminator)
	if idx < 0 {
		return -1
	}
	return idx + len(HeaderTerminator)
}

// ParseRequest parses head (everything up to and including the header
// terminator) into a Request. It does not read the body.
func ParseRequest(head []byte) (*Request, error) {
	lines, err := splitHeadLines(head)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, berrors.MalformedRequestf("empty request")
	}

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 {
		return nil, berrors.MalformedRequestf("malformed request line %q", lines[0])
	}
	req := &Request{
		Method:  parts[0],
		Target:  parts[1],
		Version: parts[2],
	}
	req.Header, err = parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}
	if err := decomposeRequestTarget(req); err != nil {
		return nil, err
	}
	return req, nil
}

// ParseResponse parses head into a Response. It does not read the body.
func ParseResponse(head []byte) (*Response, error) {
	lines, err := splitHeadLines(head)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, berrors.MalformedResponsef("empty response")
	}

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 {
		return nil, berrors.MalformedResponsef("malformed status line %q", lines[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, berrors.MalformedResponsef("non-numeric status code %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	resp := &Response{
		Version:    parts[0],
		StatusCode: code,
		Reason:     reason,
	}
	resp.Header, err = parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func splitHeadLines(head []byte) ([]string, error) {
	trimmed := bytes.TrimSuffix(head, HeaderTerminator)
	if len(trimmed) == 0 {
		return nil, nil
	}
	rawLines := strings.Split(string(trimmed), "\r\n")
	return rawLines, nil
}

// parseHeaderLines parses "name: value" lines, trimming leading/trailing
// linear whitespace from values per RFC 7230 3.2, preserving name case.
func parseHeaderLines(lines []string) (Header, error) {
	var h Header
	for _, line := range lines {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, berrors.MalformedRequestf("malformed header line %q", line)
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		h.Add(name, value)
	}
	return h, nil
}

// decomposeRequestTarget fills in Scheme/Host/Port/Path from req.Target,
// handling absolute-form (scheme://host[:port]/path), authority-form
// (CONNECT host:port), and origin-form (/path, using the Host header).
func decomposeRequestTarget(req *Request) error {
	defaultPort := "80"
	if req.Method == "CONNECT" {
		defaultPort = "443"
	}

	target := req.Target
	if req.Method == "CONNECT" {
		host, port, err := splitHostPort(target, defaultPort)
		if err != nil {
			return berrors.MalformedRequestf("malformed CONNECT authority %q: %s", target, err)
		}
		req.Host, req.Port = host, port
		return nil
	}

	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return berrors.MalformedRequestf("malformed absolute-form target %q: %s", target, err)
		}
		req.Scheme = u.Scheme
		host, port, err := splitHostPort(u.Host, defaultSchemePort(u.Scheme, defaultPort))
		if err != nil {
			return berrors.MalformedRequestf("malformed authority in target %q: %s", target, err)
		}
		req.Host, req.Port = host, port
		req.Path = u.RequestURI()
		return nil
	}

	// origin-form: derive host from the Host header.
	req.Path = target
	hostHeader, ok := req.Header.Get("Host")
	if !ok || hostHeader == "" {
		return berrors.MalformedRequestf("origin-form request missing Host header")
	}
	host, port, err := splitHostPort(hostHeader, defaultPort)
	if err != nil {
		return berrors.MalformedRequestf("malformed Host header %q: %s", hostHeader, err)
	}
	req.Host, req.Port = host, port
	return nil
}

func defaultSchemePort(scheme, fallback string) string {
	switch scheme {
	case "https", "wss":
		return "443"
	case "http", "ws":
		return "80"
	default:
		return fallback
	}
}

// splitHostPort splits "host:port" or a bare "host", applying
// defaultPort when no port is present. IPv6 literals in bracket form
// ("[::1]:443") are supported.
func splitHostPort(hostport, defaultPort string) (host, port string, err error) {
	if hostport == "" {
		return "", "", fmt.Errorf("empty host")
	}
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IPv6 literal %q", hostport)
		}
		host = hostport[1:end]
		rest := hostport[end+1:]
		if strings.HasPrefix(rest, ":") {
			return host, rest[1:], nil
		}
		return host, defaultPort, nil
	}
	if idx := strings.LastIndexByte(hostport, ':'); idx >= 0 && !strings.Contains(hostport[idx+1:], ":") {
		return hostport[:idx], hostport[idx+1:], nil
	}
	return hostport, defaultPort, nil
}

// RewriteForOrigin mutates req in place so it can be forwarded directly to
// the true server rather than through an upstream proxy: an absolute-form
// target becomes origin-form "/path[?query]", and the Host header is
// preserved (added if the original request was in absolute-form without
// one).
func RewriteForOrigin(req *Request) {
	if !req.Header.Has("Host") {
		hostHeader := req.Host
		if req.Port != "" && req.Port != defaultSchemePort(req.Scheme, "80") {
			hostHeader = req.Host + ":" + req.Port
		}
		req.Header.Set("Host", hostHeader)
	}
	req.Target = req.Path
	if req.Target == "" {
		req.Target = "/"
	}
}

// NeedsBody reports whether a message with the given method/status should
// have a body parsed at all (rule 1 in the spec's body framing list).
func NeedsBody(method string, statusCode int) bool {
	if method == "HEAD" {
		return false
	}
	if statusCode == 0 {
		return true // requests have no status code; rule only applies to responses
	}
	if statusCode == 204 || statusCode == 304 {
		return false
	}
	if statusCode >= 100 && statusCode < 200 {
		return false
	}
	return true
}

// IsChunked reports whether h declares chunked Transfer-Encoding.
func IsChunked(h Header) bool {
	return h.HasToken("Transfer-Encoding", "chunked")
}

// ContentLength returns the declared Content-Length, if present and valid.
func ContentLength(h Header) (int64, bool, error) {
	v, ok := h.Get("Content-Length")
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false, berrors.MalformedResponsef("invalid Content-Length %q", v)
	}
	return n, true, nil
}

// ConnectionClose reports whether the message should be considered
// close-delimited: an explicit "Connection: close", or HTTP/1.0 without an
// explicit keep-alive.
func ConnectionClose(h Header, version string) bool {
	if h.HasToken("Connection", "close") {
		return true
	}
	if version == "HTTP/1.0" {
		return !h.HasToken("Connection", "keep-alive")
	}
	return false
}

// ReadBody reads a message body from r according to the five framing
// rules in the spec: no body for 1xx/204/304/HEAD, chunked if declared,
// exact Content-Length if declared, EOF-delimited if a response (statusCode
// non-zero) is close-signalled, otherwise no body. A request without
// chunked or Content-Length framing has no body. maxBody caps how much is captured; bodies larger than
// maxBody are read to completion (so framing/keep-alive stays correct) but
// reported as Truncated, matching BodyTooLarge semantics.
func ReadBody(r *bufio.Reader, h Header, method string, statusCode int, version string, maxBody int64) (body []byte, truncated bool, err error) {
	if !NeedsBody(method, statusCode) {
		return nil, false, nil
	}
	if IsChunked(h) {
		return readChunkedBody(r, maxBody)
	}
	if n, ok, err := ContentLength(h); ok {
		if err != nil {
			return nil, false, err
		}
		return readExactly(r, n, maxBody)
	}
	if statusCode != 0 && ConnectionClose(h, version) {
		return readUntilEOF(r, maxBody)
	}
	return nil, false, nil
}

func readExactly(r *bufio.Reader, n int64, maxBody int64) ([]byte, bool, error) {
	capN := n
	truncated := false
	if capN > maxBody {
		capN = maxBody
		truncated = true
	}
	buf := make([]byte, capN)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, berrors.MalformedResponsef("short read on %d-byte body: %s", n, err)
	}
	if truncated {
		if _, err := io.CopyN(io.Discard, r, n-capN); err != nil {
			return nil, false, berrors.MalformedResponsef("short read discarding remainder of body: %s", err)
		}
	}
	return buf, truncated, nil
}

func readUntilEOF(r *bufio.Reader, maxBody int64) ([]byte, bool, error) {
	var buf bytes.Buffer
	truncated := false
	lr := io.LimitReader(r, maxBody)
	if _, err := io.Copy(&buf, lr); err != nil {
		return nil, false, berrors.MalformedResponsef("reading close-delimited body: %s", err)
	}
	// Determine whether more bytes remain beyond the cap.
	if _, err := r.Peek(1); err == nil {
		truncated = true
		_, _ = io.Copy(io.Discard, r)
	}
	return buf.Bytes(), truncated, nil
}

func readChunkedBody(r *bufio.Reader, maxBody int64) ([]byte, bool, error) {
	var out bytes.Buffer
	truncated := false
	for {
		sizeLine, err := readLine(r)
		if err != nil {
			return nil, false, berrors.MalformedResponsef("reading chunk size: %s", err)
		}
		sizeLine = strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil || size < 0 {
			return nil, false, berrors.MalformedResponsef("invalid chunk size %q", sizeLine)
		}
		if size == 0 {
			// Consume (and discard) any trailer headers up to the blank line.
			for {
				line, err := readLine(r)
				if err != nil {
					return nil, false, berrors.MalformedResponsef("reading chunk trailer: %s", err)
				}
				if line == "" {
					break
				}
			}
			break
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, false, berrors.MalformedResponsef("short read on chunk body: %s", err)
		}
		if trailer, err := readLine(r); err != nil || trailer != "" {
			return nil, false, berrors.MalformedResponsef("malformed chunk terminator")
		}
		if int64(out.Len())+size > maxBody {
			remaining := maxBody - int64(out.Len())
			if remaining > 0 {
				out.Write(chunk[:remaining])
			}
			truncated = true
		} else {
			out.Write(chunk)
		}
	}
	return out.Bytes(), truncated, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// IsWebSocketUpgradeRequest reports whether a request's headers request a
// WebSocket upgrade: Upgrade: websocket and Connection containing upgrade.
func IsWebSocketUpgradeRequest(h Header) bool {
	upgrade, ok := h.Get("Upgrade")
	if !ok || !strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		return false
	}
	return h.HasToken("Connection", "upgrade")
}

// IsWebSocketUpgradeResponse reports whether a response confirms a
// WebSocket upgrade given the client's Sec-WebSocket-Key.
func IsWebSocketUpgradeResponse(statusCode int, h Header, clientKey string) bool {
	if statusCode != 101 {
		return false
	}
	upgrade, ok := h.Get("Upgrade")
	if !ok || !strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		return false
	}
	if !h.HasToken("Connection", "upgrade") {
		return false
	}
	accept, ok := h.Get("Sec-WebSocket-Accept")
	if !ok {
		return false
	}
	return accept == AcceptKey(clientKey)
}

// SerializeRequest renders req back onto the wire.
func SerializeRequest(req *Request) []byte {
	var sb strings.Builder
	sb.WriteString(req.Method)
	sb.WriteByte(' ')
	sb.WriteString(req.Target)
	sb.WriteByte(' ')
	sb.WriteString(req.Version)
	sb.WriteString("\r\n")
	req.Header.Render(&sb)
	sb.WriteString("\r\n")
	out := []byte(sb.String())
	return append(out, req.Body...)
}

// SerializeResponse renders resp back onto the wire.
func SerializeResponse(resp *Response) []byte {
	var sb strings.Builder
	sb.WriteString(resp.Version)
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(resp.StatusCode))
	sb.WriteByte(' ')
	sb.WriteString(resp.Reason)
	sb.WriteString("\r\n")
	resp.Header.Render(&sb)
	sb.WriteString("\r\n")
	out := []byte(sb.String())
	return append(out, resp.Body...)
}
