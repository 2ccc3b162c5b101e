package wscodec

import (
	"testing"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/test"
)

func TestBuildAndParseFrame_Unmasked(t *testing.T) {
	raw := BuildFrame(true, OpText, []byte("hello"), false, [4]byte{})
	f, n, err := ParseFrame(raw)
	test.AssertNotError(t, err, "parse")
	test.AssertEquals(t, n, len(raw), "consumed all bytes")
	test.AssertTrue(t, f.Fin, "fin set")
	test.AssertEquals(t, f.Opcode, OpText, "opcode")
	test.AssertEquals(t, string(f.Payload), "hello", "payload")
}

func TestBuildAndParseFrame_Masked(t *testing.T) {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	raw := BuildFrame(true, OpBinary, []byte("masked payload"), true, key)
	f, _, err := ParseFrame(raw)
	test.AssertNotError(t, err, "parse")
	test.AssertTrue(t, f.Masked, "masked flag set")
	test.AssertEquals(t, string(f.Payload), "masked payload", "unmasked payload recovered")
}

func TestMaskIsInvolution(t *testing.T) {
	key := [4]byte{0xde, 0xad, 0xbe, 0xef}
	data := []byte("the quick brown fox jumps over the lazy dog")
	orig := append([]byte(nil), data...)
	Mask(data, key)
	test.AssertTrue(t, string(data) != string(orig), "masking changes the bytes")
	Mask(data, key)
	test.AssertEquals(t, string(data), string(orig), "masking twice recovers the original")
}

func TestParseFrame_IncompleteHeader(t *testing.T) {
	_, _, err := ParseFrame([]byte{0x81})
	test.AssertTrue(t, err == Incomplete, "single byte is incomplete")
}

func TestParseFrame_IncompletePayload(t *testing.T) {
	raw := BuildFrame(true, OpText, []byte("hello world"), false, [4]byte{})
	_, _, err := ParseFrame(raw[:len(raw)-3])
	test.AssertTrue(t, err == Incomplete, "truncated payload is incomplete")
}

func TestParseFrame_ExtendedLength16(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	raw := BuildFrame(true, OpBinary, payload, false, [4]byte{})
	f, n, err := ParseFrame(raw)
	test.AssertNotError(t, err, "parse")
	test.AssertEquals(t, n, len(raw), "consumed all bytes")
	test.AssertEquals(t, len(f.Payload), 300, "payload length")
}

func TestParseFrame_RejectsFragmentedControlFrame(t *testing.T) {
	raw := BuildFrame(false, OpPing, []byte("ping"), false, [4]byte{})
	_, _, err := ParseFrame(raw)
	test.AssertTrue(t, berrors.Is(err, berrors.ProtocolViolation), "expected ProtocolViolation")
}

func TestParseFrame_RejectsOversizedControlFrame(t *testing.T) {
	raw := BuildFrame(true, OpPing, make([]byte, 200), false, [4]byte{})
	_, _, err := ParseFrame(raw)
	test.AssertTrue(t, berrors.Is(err, berrors.ProtocolViolation), "expected ProtocolViolation")
}

func TestReassembler_SingleFrameMessage(t *testing.T) {
	var r Reassembler
	f := &Frame{Fin: true, Opcode: OpText, Payload: []byte("hi")}
	op, payload, complete, ctrl, err := r.Feed(f)
	test.AssertNotError(t, err, "feed")
	test.AssertTrue(t, complete, "single-frame message completes immediately")
	test.AssertTrue(t, ctrl == nil, "no control frame")
	test.AssertEquals(t, op, OpText, "opcode")
	test.AssertEquals(t, string(payload), "hi", "payload")
}

func TestReassembler_FragmentedMessage(t *testing.T) {
	var r Reassembler
	_, _, complete, _, err := r.Feed(&Frame{Fin: false, Opcode: OpText, Payload: []byte("hel")})
	test.AssertNotError(t, err, "feed first fragment")
	test.AssertTrue(t, !complete, "not complete after first fragment")

	_, _, complete, _, err = r.Feed(&Frame{Fin: false, Opcode: OpContinuation, Payload: []byte("lo ")})
	test.AssertNotError(t, err, "feed second fragment")
	test.AssertTrue(t, !complete, "not complete after second fragment")

	op, payload, complete, _, err := r.Feed(&Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("world")})
	test.AssertNotError(t, err, "feed final fragment")
	test.AssertTrue(t, complete, "complete after final fragment")
	test.AssertEquals(t, op, OpText, "original opcode preserved")
	test.AssertEquals(t, string(payload), "hello world", "reassembled payload")
}

func TestReassembler_ControlFramePassesThroughMidFragmentation(t *testing.T) {
	var r Reassembler
	_, _, _, _, err := r.Feed(&Frame{Fin: false, Opcode: OpText, Payload: []byte("frag")})
	test.AssertNotError(t, err, "feed fragment")

	_, _, complete, ctrl, err := r.Feed(&Frame{Fin: true, Opcode: OpPing, Payload: []byte("ping")})
	test.AssertNotError(t, err, "feed control frame mid-fragmentation")
	test.AssertTrue(t, !complete, "control frame never completes a data message")
	test.AssertTrue(t, ctrl != nil, "control frame returned to caller")
	test.AssertEquals(t, ctrl.Opcode, OpPing, "control opcode")

	_, payload, complete, _, err := r.Feed(&Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("ment")})
	test.AssertNotError(t, err, "feed final fragment after control frame")
	test.AssertTrue(t, complete, "reassembly resumes after control frame")
	test.AssertEquals(t, string(payload), "fragment", "reassembled payload unaffected by interleaved control frame")
}

func TestReassembler_RejectsUnexpectedContinuation(t *testing.T) {
	var r Reassembler
	_, _, _, _, err := r.Feed(&Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("x")})
	test.AssertTrue(t, berrors.Is(err, berrors.ProtocolViolation), "expected ProtocolViolation")
}

func TestAcceptKey_RFC6455Example(t *testing.T) {
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	test.AssertEquals(t, got, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", "RFC 6455 worked example")
}
