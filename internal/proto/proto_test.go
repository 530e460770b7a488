package proto

import (
	"bytes"
	"strings"
	"testing"
)

func TestSendTxRcnclRoundTrip(t *testing.T) {
	m := SendTxRcnclMsg{
		Initiator: true,
		Version:   1,
		Salt:      FormatSalt(0xFFFFFFFFFFFFFFFF),
	}
	data, err := EncodeSendTxRcnclMsg(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeSendTxRcnclMsg(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !got.Initiator || got.Responder || got.Version != 1 {
		t.Fatalf("round trip mangled flags: %+v", got)
	}
	salt, err := ParseSalt(got.Salt)
	if err != nil || salt != 0xFFFFFFFFFFFFFFFF {
		t.Fatalf("salt round trip = %d, %v", salt, err)
	}
	if got.Type != MsgTypeSendTxRcncl || got.ProtoVersion != ProtoVersion {
		t.Fatalf("encode did not default wire meta: %+v", got)
	}
}

func TestDecodeRejectsWrongTypeAndMeta(t *testing.T) {
	if _, err := DecodeSendTxRcnclMsg([]byte(`{"type":"sketch","salt":"1"}`)); err == nil {
		t.Fatalf("wrong type must be rejected")
	}
	if _, err := DecodeSendTxRcnclMsg([]byte(`{"type":"sendtxrcncl","proto_version":"9.9.9","salt":"1"}`)); err == nil {
		t.Fatalf("unknown proto_version must be rejected")
	}
	if _, err := DecodeSendTxRcnclMsg([]byte(`{"type":"sendtxrcncl","salt":"not-a-number"}`)); err == nil {
		t.Fatalf("malformed salt must be rejected")
	}
}

func TestSketchMsgRoundTrip(t *testing.T) {
	data, err := EncodeSketchMsg(SketchMsg{Skdata: "00112233aabbccdd", Extension: true})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeSketchMsg(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !got.Extension || len(got.SkdataBytes()) != 8 {
		t.Fatalf("round trip mangled sketch: %+v", got)
	}
	if _, err := DecodeSketchMsg([]byte(`{"type":"sketch","skdata":"zz"}`)); err == nil {
		t.Fatalf("non-hex skdata must be rejected")
	}
}

func TestReconcilDiffRoundTrip(t *testing.T) {
	data, err := EncodeReconcilDiffMsg(ReconcilDiffMsg{Success: true, AskShortIDs: []uint32{1, 0xFFFFFFFF}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeReconcilDiffMsg(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !got.Success || len(got.AskShortIDs) != 2 || got.AskShortIDs[1] != 0xFFFFFFFF {
		t.Fatalf("round trip mangled diff: %+v", got)
	}
}

func TestInvValidation(t *testing.T) {
	wtxid := strings.Repeat("ab", 32)
	data, err := EncodeInvMsg(InvMsg{Wtxids: []string{wtxid}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := DecodeInvMsg(data); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, err := DecodeInvMsg([]byte(`{"type":"inv","wtxids":[]}`)); err == nil {
		t.Fatalf("empty inv must be rejected")
	}
	if _, err := DecodeInvMsg([]byte(`{"type":"inv","wtxids":["abcd"]}`)); err == nil {
		t.Fatalf("short wtxid must be rejected")
	}
}

func TestTxIDCodec(t *testing.T) {
	id, err := DecodeTxID(strings.Repeat("0f", 32))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if EncodeTxID(id) != strings.Repeat("0f", 32) {
		t.Fatalf("wtxid codec not inverse")
	}
	if _, err := DecodeTxID("xyz"); err == nil {
		t.Fatalf("non-hex wtxid must be rejected")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"reqtxrcncl","set_size":3,"q":327}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame round trip mangled payload")
	}
}

func TestFrameCaps(t *testing.T) {
	// An oversized frame of a small-capped type must be rejected after
	// the sniff, without reading the body.
	big := []byte(`{"type":"sendtxrcncl","salt":"` + strings.Repeat("1", 100_000) + `"}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, big); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("oversized sendtxrcncl must be rejected")
	}

	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatalf("zero-length frame must be rejected")
	}
}

func TestSniffType(t *testing.T) {
	if got := SniffType([]byte(`{"type":"sketch","skdata":""}`)); got != "sketch" {
		t.Fatalf("SniffType = %q, want sketch", got)
	}
	if got := SniffType([]byte(`{"skdata":""}`)); got != "" {
		t.Fatalf("SniffType on untagged message = %q, want empty", got)
	}
}

func FuzzDecodeReconMessages(f *testing.F) {
	f.Add([]byte(`{"type":"sendtxrcncl","proto_version":"0.0.1","suite":"erlay-wire-v1","initiator":true,"version":1,"salt":"123"}`))
	f.Add([]byte(`{"type":"reconcildiff","success":true,"ask_shortids":[1,2,3]}`))
	f.Add([]byte(`{"type":"sketch","skdata":"00112233"}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeSendTxRcnclMsg(data)
		_, _ = DecodeReqTxRcnclMsg(data)
		_, _ = DecodeSketchMsg(data)
		_, _ = DecodeReconcilDiffMsg(data)
		_, _ = DecodeInvMsg(data)
		_, _ = DecodeTxMsg(data)
	})
}
