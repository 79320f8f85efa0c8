package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		V:              Version,
		Kind:           KindMessage,
		MsgID:          ToBase64([]byte("0123456789abcdef0123456789abcdef")),
		TS:             1706012345678,
		Exp:            1706617145678,
		SenderSignPK:   ToBase64(make([]byte, 32)),
		SenderBoxPK:    ToBase64(make([]byte, 32)),
		RecipientBoxPK: ToBase64(make([]byte, 32)),
		EphPK:          ToBase64(make([]byte, 32)),
		Nonce:          ToBase64(make([]byte, 24)),
		Ciphertext:     ToBase64([]byte("ciphertext")),
		Signature:      ToBase64(make([]byte, 64)),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	env := sampleEnvelope()
	data, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if *parsed != *env {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", parsed, env)
	}
}

func TestEnvelopeFieldNames(t *testing.T) {
	t.Parallel()
	data, err := sampleEnvelope().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{
		`"v":1`, `"kind":"dmesh-msg"`, `"msgId"`, `"ts"`, `"exp"`,
		`"senderSignPK"`, `"senderBoxPK"`, `"recipientBoxPK"`,
		`"ephPK"`, `"nonce"`, `"ciphertext"`, `"signature"`,
	} {
		if !strings.Contains(string(data), field) {
			t.Errorf("serialized envelope missing %s: %s", field, data)
		}
	}
}

func TestParseEnvelope_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", "{nope", ErrJSONParse},
		{"wrong kind", `{"v":1,"kind":"dmesh-id"}`, ErrInvalidFormat},
		{"wrong version", `{"v":2,"kind":"dmesh-msg"}`, ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseEnvelope() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEnvelope_OptionalFieldsOmitted(t *testing.T) {
	t.Parallel()
	// v1.0 envelopes carry neither msgId nor exp; both must be absent
	// from the wire form rather than zero-valued.
	env := sampleEnvelope()
	env.MsgID = ""
	env.Exp = 0
	data, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"msgId"`) || strings.Contains(string(data), `"exp"`) {
		t.Errorf("optional fields present in v1.0 form: %s", data)
	}
	if _, err := ParseEnvelope(data); err != nil {
		t.Errorf("v1.0 envelope rejected: %v", err)
	}
}

func TestParseChunk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		chunk   Chunk
		wantErr bool
	}{
		{"valid", Chunk{V: 1, Kind: KindChunk, MsgID: "id", Seq: 0, Total: 3, Data: "AA=="}, false},
		{"last seq", Chunk{V: 1, Kind: KindChunk, MsgID: "id", Seq: 2, Total: 3, Data: "AA=="}, false},
		{"seq out of range", Chunk{V: 1, Kind: KindChunk, MsgID: "id", Seq: 3, Total: 3}, true},
		{"negative seq", Chunk{V: 1, Kind: KindChunk, MsgID: "id", Seq: -1, Total: 3}, true},
		{"zero total", Chunk{V: 1, Kind: KindChunk, MsgID: "id", Seq: 0, Total: 0}, true},
		{"wrong kind", Chunk{V: 1, Kind: KindMessage, MsgID: "id", Seq: 0, Total: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(&tt.chunk)
			if err != nil {
				t.Fatal(err)
			}
			_, err = ParseChunk(data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseChunk() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDetectKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr error
	}{
		{"message", `{"v":1,"kind":"dmesh-msg"}`, KindMessage, nil},
		{"identity", `{"kind":"dmesh-id"}`, KindIdentity, nil},
		{"sync hello", `{"kind":"sync-hello"}`, KindSyncHello, nil},
		{"missing kind", `{"v":1}`, "", ErrInvalidFormat},
		{"garbage", `not json at all`, "", ErrJSONParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectKind([]byte(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DetectKind() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("DetectKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSignableBytes_BlanksSignature(t *testing.T) {
	t.Parallel()
	frame := &HelloFrame{
		V:          Version,
		Kind:       KindSyncHello,
		TS:         1,
		PeerFP:     "fp",
		PeerSignPK: "pk",
		Signature:  "sig-to-be-ignored",
	}
	unsigned := *frame
	unsigned.Signature = ""

	got, err := SignableBytes(frame)
	if err != nil {
		t.Fatal(err)
	}
	want, err := json.Marshal(&unsigned)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("SignableBytes = %s, want %s", got, want)
	}
	if frame.Signature != "sig-to-be-ignored" {
		t.Error("SignableBytes mutated its input")
	}
}

func TestSignableBytes_UnknownFrame(t *testing.T) {
	t.Parallel()
	if _, err := SignableBytes(struct{}{}); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("SignableBytes(struct{}{}) error = %v, want %v", err, ErrInvalidFormat)
	}
}

func TestPublicIdentityRoundTrip(t *testing.T) {
	t.Parallel()
	id := &PublicIdentity{
		V:      Version,
		Kind:   KindIdentity,
		Name:   "Alice",
		FP:     ToBase64(make([]byte, 16)),
		SignPK: ToBase64(make([]byte, 32)),
		BoxPK:  ToBase64(make([]byte, 32)),
	}
	data, err := id.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePublicIdentity(data)
	if err != nil {
		t.Fatal(err)
	}
	if *parsed != *id {
		t.Errorf("round trip mismatch: got %+v want %+v", parsed, id)
	}
	for _, field := range []string{`"name"`, `"fp"`, `"signPK"`, `"boxPK"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("serialized identity missing %s", field)
		}
	}
}

func TestFromBase64_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := FromBase64("!!!not-base64!!!"); !errors.Is(err, ErrBase64Decode) {
		t.Errorf("FromBase64 error = %v, want %v", err, ErrBase64Decode)
	}
}
