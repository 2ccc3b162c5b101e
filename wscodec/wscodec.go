// Package wscodec implements the RFC 6455 WebSocket framing layer the
// connection state machine switches to after a successful HTTP Upgrade.
// It parses and builds frames, unmasks/masks payloads, and reassembles
// fragmented messages, the same way httpcodec owns HTTP/1.1 framing.
package wscodec

import (
	"encoding/binary"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/httpcodec"
)

// AcceptKey computes the Sec-WebSocket-Accept value for a client's
// Sec-WebSocket-Key, delegating to httpcodec's implementation so the
// digest used to validate a handshake and the digest used to build a
// handshake response never drift apart.
func AcceptKey(clientKey string) string {
	return httpcodec.AcceptKey(clientKey)
}

// Opcode identifies a WebSocket frame's payload interpretation.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether op is a control opcode (close/ping/pong),
// which per RFC 6455 5.4 must never be fragmented and is limited to a
// 125-byte payload.
func (op Opcode) IsControl() bool {
	return op >= OpClose
}

// Frame is one parsed WebSocket frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// maxControlPayload is the RFC 6455 5.5 limit on control frame payloads.
const maxControlPayload = 125

// Incomplete is returned by ParseFrame when buf does not yet contain a
// full frame; callers should read more bytes and retry.
var Incomplete = berrors.MalformedRequestf("incomplete websocket frame")

// ParseFrame parses one frame from the front of buf, returning the frame,
// the number of bytes it consumed, and any error. It returns Incomplete
// (via errors.Is-compatible equality) when buf holds less than one frame.
func ParseFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, Incomplete
	}
	b0, b1 := buf[0], buf[1]

	f := &Frame{
		Fin:    b0&0x80 != 0,
		Opcode: Opcode(b0 & 0x0f),
		Masked: b1&0x80 != 0,
	}
	if b0&0x70 != 0 {
		return nil, 0, berrors.ProtocolViolationf("reserved bits set in frame header")
	}

	payloadLen := int64(b1 & 0x7f)
	offset := 2

	switch payloadLen {
	case 126:
		if len(buf) < offset+2 {
			return nil, 0, Incomplete
		}
		payloadLen = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return nil, 0, Incomplete
		}
		payloadLen = int64(binary.BigEndian.Uint64(buf[offset:]))
		offset += 8
	}

	if f.Opcode.IsControl() && (payloadLen > maxControlPayload || !f.Fin) {
		return nil, 0, berrors.ProtocolViolationf("control frame fragmented or oversized")
	}

	if f.Masked {
		if len(buf) < offset+4 {
			return nil, 0, Incomplete
		}
		copy(f.MaskKey[:], buf[offset:offset+4])
		offset += 4
	}

	if len(buf) < offset+int(payloadLen) {
		return nil, 0, Incomplete
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[offset:offset+int(payloadLen)])
	if f.Masked {
		Mask(payload, f.MaskKey)
	}
	f.Payload = payload
	offset += int(payloadLen)

	return f, offset, nil
}

// Mask applies the RFC 6455 5.3 masking algorithm to data in place: it is
// its own inverse, so the same call both masks and unmasks.
func Mask(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}

// BuildFrame serializes a single frame. When mask is true, a masking key
// must be supplied in maskKey and the payload is masked in the output;
// servers never mask their frames, clients always do, per RFC 6455 5.1.
func BuildFrame(fin bool, op Opcode, payload []byte, mask bool, maskKey [4]byte) []byte {
	var out []byte

	b0 := byte(op)
	if fin {
		b0 |= 0x80
	}
	out = append(out, b0)

	n := len(payload)
	switch {
	case n <= 125:
		b1 := byte(n)
		if mask {
			b1 |= 0x80
		}
		out = append(out, b1)
	case n <= 0xffff:
		b1 := byte(126)
		if mask {
			b1 |= 0x80
		}
		out = append(out, b1)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		out = append(out, lenBuf[:]...)
	default:
		b1 := byte(127)
		if mask {
			b1 |= 0x80
		}
		out = append(out, b1)
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(n))
		out = append(out, lenBuf[:]...)
	}

	if mask {
		out = append(out, maskKey[:]...)
		masked := make([]byte, n)
		copy(masked, payload)
		Mask(masked, maskKey)
		out = append(out, masked...)
	} else {
		out = append(out, payload...)
	}
	return out
}

// Reassembler accumulates a fragmented data message (opcode Text or
// Binary followed by zero or more Continuation frames) into a single
// payload. Control frames interleaved between fragments are returned to
// the caller unchanged and do not disturb reassembly state, per RFC 6455
// 5.4.
type Reassembler struct {
	active  bool
	opcode  Opcode
	payload []byte
}

// Feed processes one parsed frame. If f is a control frame, ctrl is
// non-nil and payload/op/complete are zero. If f completes (or is) a
// data message, complete is true and op/payload hold the full message.
// If f is a non-final fragment, complete is false and the frame is
// absorbed into reassembly state.
func (r *Reassembler) Feed(f *Frame) (op Opcode, payload []byte, complete bool, ctrl *Frame, err error) {
	if f.Opcode.IsControl() {
		return 0, nil, false, f, nil
	}

	switch f.Opcode {
	case OpText, OpBinary:
		if r.active {
			return 0, nil, false, nil, berrors.ProtocolViolationf("new data frame while continuation pending")
		}
		if f.Fin {
			return f.Opcode, f.Payload, true, nil, nil
		}
		r.active = true
		r.opcode = f.Opcode
		r.payload = append([]byte(nil), f.Payload...)
		return 0, nil, false, nil, nil
	case OpContinuation:
		if !r.active {
			return 0, nil, false, nil, berrors.ProtocolViolationf("continuation frame with no pending message")
		}
		r.payload = append(r.payload, f.Payload...)
		if f.Fin {
			op, payload = r.opcode, r.payload
			r.active = false
			r.opcode = 0
			r.payload = nil
			return op, payload, true, nil, nil
		}
		return 0, nil, false, nil, nil
	default:
		return 0, nil, false, nil, berrors.ProtocolViolationf("unknown opcode %d", f.Opcode)
	}
}
