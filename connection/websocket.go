package connection

import (
	"bufio"
	"context"
	"crypto/rand"
	"net"
	"time"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/wscodec"
)

// wsDirection labels which peer originated a frame, mirroring the spec's
// WS frame record direction enum.
type wsDirection string

const (
	clientToServer wsDirection = "client_to_server"
	serverToClient wsDirection = "server_to_client"
)

// relayWebSocket takes over a connection that has just completed an
// HTTP/1.1 Upgrade handshake and relays RFC 6455 frames in both
// directions, re-masking/unmasking as required by each leg's role
// (clients must mask, servers must not). Fragmented messages are fed to a
// reassembler only to catch protocol violations; frames are logged and
// forwarded immediately, one by one, so latency is unaffected.
func (h *Handler) relayWebSocket(ctx context.Context, id string, client net.Conn, cbr *bufio.Reader, server net.Conn, sbr *bufio.Reader, host string) {
	done := make(chan struct{}, 2)
	go h.pumpFrames(client, cbr, server, clientToServer, done)
	go h.pumpFrames(server, sbr, client, serverToClient, done)
	<-done
	<-done
}

// checkMaskDirection enforces RFC 6455 5.1: frames originating from a
// client must be masked, frames originating from a server must not be.
func checkMaskDirection(dir wsDirection, masked bool) error {
	switch dir {
	case clientToServer:
		if !masked {
			return berrors.ProtocolViolationf("client frame arrived unmasked")
		}
	case serverToClient:
		if masked {
			return berrors.ProtocolViolationf("server frame arrived masked")
		}
	}
	return nil
}

// pumpFrames reads frames from src and forwards each one to dst,
// re-masking according to dst's role: frames written toward a server
// must be masked with a fresh random key, frames written toward a client
// must be unmasked. Every parsed frame is audit-logged, one record per
// frame, independent of reassembly state. A Reassembler validates
// fragmentation/continuation rules without altering the frame-by-frame
// forwarding: relaying happens immediately per frame, reassembly is only
// used to catch protocol violations.
func (h *Handler) pumpFrames(src net.Conn, srcBr *bufio.Reader, dst net.Conn, dir wsDirection, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	var reassembler wscodec.Reassembler
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, relayChunkBytes)

	for {
		_ = src.SetReadDeadline(time.Now().Add(OpaqueTunnelIdleTimeout))
		n, err := srcBr.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return
		}

		for {
			f, consumed, perr := wscodec.ParseFrame(buf)
			if perr == wscodec.Incomplete {
				break
			}
			if perr != nil {
				return
			}
			buf = buf[consumed:]

			if err := checkMaskDirection(dir, f.Masked); err != nil {
				if h.Log != nil {
					h.Log.AuditErrf("ws %s: %s", dir, err)
				}
				return
			}

			if h.Log != nil {
				h.Log.AuditObject("ws frame", map[string]interface{}{
					"direction": dir,
					"opcode":    f.Opcode,
					"fin":       f.Fin,
					"bytes":     len(f.Payload),
				})
			}

			if _, _, _, _, rerr := reassembler.Feed(f); rerr != nil {
				if h.Log != nil {
					h.Log.AuditErrf("ws %s: %s", dir, rerr)
				}
				return
			}

			if !h.forwardFrame(dst, dir, f) {
				return
			}
			if f.Opcode == wscodec.OpClose {
				return
			}
		}
	}
}

// forwardFrame re-encodes f for the direction it is headed (masked
// toward a server, unmasked toward a client) and writes it to dst.
func (h *Handler) forwardFrame(dst net.Conn, dir wsDirection, f *wscodec.Frame) bool {
	mask := dir == clientToServer // relaying onward to the server requires masking
	var key [4]byte
	if mask {
		_, _ = rand.Read(key[:])
	}
	out := wscodec.BuildFrame(f.Fin, f.Opcode, f.Payload, mask, key)
	_, err := dst.Write(out)
	return err == nil
}
