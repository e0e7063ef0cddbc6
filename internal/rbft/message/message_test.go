package message

import (
	"encoding/json"
	"testing"
)

func TestRequestEncodeDecodeRoundTrip(t *testing.T) {
	req := NewRequest("Alice", 1, json.RawMessage(`{"type":"T"}`))
	env, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	if env.Op != OpRequest {
		t.Fatalf("envelope op = %s, want %s", env.Op, OpRequest)
	}
	decoded, err := Decode(env)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := decoded.(*Request)
	if !ok {
		t.Fatalf("decoded to %T, want *Request", decoded)
	}
	if got.ClientId != "Alice" || got.ReqId != 1 {
		t.Fatalf("round trip lost identity: %+v", got)
	}
	if string(got.Operation) != `{"type":"T"}` {
		t.Fatalf("round trip lost operation: %s", got.Operation)
	}
}

func TestPrePrepareRoundTrip(t *testing.T) {
	pp := NewPrePrepare(1, 2, 3, "Alice", 4, "deadbeef", 99)
	env, err := Encode(pp)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(env)
	if err != nil {
		t.Fatal(err)
	}
	got := decoded.(*PrePrepare)
	if got.InstId != 1 || got.ViewNo != 2 || got.PpSeqNo != 3 || got.Digest != "deadbeef" || got.PpTime != 99 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeUnknownOp(t *testing.T) {
	_, err := Decode(Envelope{Op: "BOGUS", Payload: json.RawMessage(`{}`)})
	if err != ErrUnknownOp {
		t.Fatalf("err = %v, want ErrUnknownOp", err)
	}
}

func TestBatchCarriesNestedEnvelopes(t *testing.T) {
	inner1, _ := Encode(NewInstanceChange(5))
	inner2, _ := Encode(NewPrepare(0, 0, 1, "d", "Beta"))
	env, err := Encode(NewBatch([]Envelope{inner1, inner2}))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(env)
	if err != nil {
		t.Fatal(err)
	}
	batch := decoded.(*Batch)
	if len(batch.Messages) != 2 {
		t.Fatalf("batch carried %d messages, want 2", len(batch.Messages))
	}
	first, err := Decode(batch.Messages[0])
	if err != nil {
		t.Fatal(err)
	}
	if first.(*InstanceChange).ViewNo != 5 {
		t.Fatal("nested instance change lost its view")
	}
}

func TestSignBytesExcludesSignature(t *testing.T) {
	req := NewRequest("Alice", 1, json.RawMessage(`{}`))
	unsigned, err := req.SignBytes()
	if err != nil {
		t.Fatal(err)
	}
	req.Signature = []byte{1, 2, 3}
	signed, err := req.SignBytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(unsigned) != string(signed) {
		t.Fatal("SignBytes must not cover the signature field")
	}
}

func TestTransportAuthenticatedWhitelist(t *testing.T) {
	exempt := []Op{OpNomination, OpPrimary, OpReelection, OpBatch, OpPrePrepare, OpPrepare, OpCommit, OpInstanceChange}
	for _, op := range exempt {
		if !IsTransportAuthenticated(op) {
			t.Errorf("%s should be transport-authenticated", op)
		}
	}
	for _, op := range []Op{OpRequest, OpPropagate, OpReply} {
		if IsTransportAuthenticated(op) {
			t.Errorf("%s must not be transport-authenticated", op)
		}
	}
	if !IsClientOriginated(OpRequest) || IsClientOriginated(OpPropagate) {
		t.Error("IsClientOriginated misclassifies")
	}
}
