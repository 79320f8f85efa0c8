// Package wire defines the canonical JSON envelopes of the dmesh protocol
// and the byte-level helpers shared by the crypto core and the sync engine.
//
// All byte-valued fields travel as standard base64 with padding (RFC 4648 §4).
// Field names and shapes are fixed; reordering or renaming any of them is a
// breaking protocol change.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Protocol version carried by every wire object.
const Version = 1

// Wire object kinds.
const (
	KindMessage  = "dmesh-msg"
	KindChunk    = "dmesh-chunk"
	KindIdentity = "dmesh-id"

	KindSyncHello = "sync-hello"
	KindSyncInv   = "sync-inv"
	KindSyncGet   = "sync-get"
	KindSyncData  = "sync-data"
	KindSyncAck   = "sync-ack"
)

var (
	// ErrJSONParse is returned when a wire object fails to parse as JSON.
	ErrJSONParse = errors.New("json parse failed")

	// ErrBase64Decode is returned when a base64 field fails to decode.
	ErrBase64Decode = errors.New("base64 decode failed")

	// ErrInvalidFormat is returned when a wire object has the wrong
	// version, kind, or a missing required field.
	ErrInvalidFormat = errors.New("invalid message format")
)

// ToBase64 encodes bytes as standard padded base64.
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 decodes standard padded base64.
func FromBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBase64Decode, err)
	}
	return data, nil
}

// Envelope is the encrypted unit on the wire.
//
// MsgID and Exp are optional for v1.0 compatibility: messages without them
// are accepted, and when present they are validated (see the crypto core).
type Envelope struct {
	V              int    `json:"v"`
	Kind           string `json:"kind"`
	MsgID          string `json:"msgId,omitempty"`
	TS             int64  `json:"ts"`
	Exp            int64  `json:"exp,omitempty"`
	SenderSignPK   string `json:"senderSignPK"`
	SenderBoxPK    string `json:"senderBoxPK"`
	RecipientBoxPK string `json:"recipientBoxPK"`
	EphPK          string `json:"ephPK"`
	Nonce          string `json:"nonce"`
	Ciphertext     string `json:"ciphertext"`
	Signature      string `json:"signature"`
}

// Marshal serializes the envelope to its canonical JSON form.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope parses and shape-checks a dmesh-msg envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJSONParse, err)
	}
	if env.V != Version || env.Kind != KindMessage {
		return nil, fmt.Errorf("%w: v=%d kind=%q", ErrInvalidFormat, env.V, env.Kind)
	}
	return &env, nil
}

// Chunk carries one slice of a serialized envelope across a size-constrained
// transport. Chunks are not individually signed; the reassembled envelope's
// signature covers the content, and MsgID binds every chunk to one ciphertext.
type Chunk struct {
	V     int    `json:"v"`
	Kind  string `json:"kind"`
	MsgID string `json:"msgId"`
	Seq   int    `json:"seq"`
	Total int    `json:"total"`
	Data  string `json:"data"`
}

// Marshal serializes the chunk to its canonical JSON form.
func (c *Chunk) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// ParseChunk parses and shape-checks a dmesh-chunk object.
func ParseChunk(data []byte) (*Chunk, error) {
	var ch Chunk
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJSONParse, err)
	}
	if ch.V != Version || ch.Kind != KindChunk {
		return nil, fmt.Errorf("%w: v=%d kind=%q", ErrInvalidFormat, ch.V, ch.Kind)
	}
	if ch.Total <= 0 || ch.Seq < 0 || ch.Seq >= ch.Total {
		return nil, fmt.Errorf("%w: seq %d of %d", ErrInvalidFormat, ch.Seq, ch.Total)
	}
	return &ch, nil
}

// PublicIdentity is the shareable identity card of a party.
type PublicIdentity struct {
	V      int    `json:"v"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	FP     string `json:"fp"`
	SignPK string `json:"signPK"`
	BoxPK  string `json:"boxPK"`
}

// Marshal serializes the identity to its canonical JSON form.
func (p *PublicIdentity) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// ParsePublicIdentity parses and shape-checks a dmesh-id object.
func ParsePublicIdentity(data []byte) (*PublicIdentity, error) {
	var id PublicIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJSONParse, err)
	}
	if id.V != Version || id.Kind != KindIdentity {
		return nil, fmt.Errorf("%w: v=%d kind=%q", ErrInvalidFormat, id.V, id.Kind)
	}
	return &id, nil
}

// DetectKind reports the kind tag of an arbitrary wire object without fully
// parsing it. Returns ErrJSONParse for non-JSON input and ErrInvalidFormat
// when no kind tag is present.
func DetectKind(data []byte) (string, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", ErrJSONParse, err)
	}
	if probe.Kind == "" {
		return "", fmt.Errorf("%w: missing kind", ErrInvalidFormat)
	}
	return probe.Kind, nil
}

// Capabilities are advertised by each peer in a sync-hello frame and bound
// the resources the advertising peer is willing to commit to the session.
type Capabilities struct {
	MaxMsgSize      int      `json:"max_msg_size"`
	MaxInvCount     int      `json:"max_inv_count"`
	MaxChunks       int      `json:"max_chunks"`
	SupportedKinds  []string `json:"supported_kinds"`
	ProtocolVersion int      `json:"protocol_version"`
}

// HelloFrame opens a sync session and pins the peer's signing identity.
type HelloFrame struct {
	V            int          `json:"v"`
	Kind         string       `json:"kind"`
	TS           int64        `json:"ts"`
	PeerFP       string       `json:"peer_fp"`
	PeerSignPK   string       `json:"peer_sign_pk"`
	Capabilities Capabilities `json:"capabilities"`
	Signature    string       `json:"signature,omitempty"`
}

// InvItem is a single inventory offer.
type InvItem struct {
	MsgID    string `json:"msg_id"`
	Exp      int64  `json:"exp"`
	Size     int    `json:"size"`
	Priority int    `json:"priority"`
}

// InvFrame advertises the offering peer's deliverable inventory.
type InvFrame struct {
	V         int       `json:"v"`
	Kind      string    `json:"kind"`
	TS        int64     `json:"ts"`
	Items     []InvItem `json:"items"`
	Bloom     string    `json:"bloom,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// GetFrame requests a subset of the advertised inventory under a byte budget.
type GetFrame struct {
	V         int      `json:"v"`
	Kind      string   `json:"kind"`
	TS        int64    `json:"ts"`
	Want      []string `json:"want"`
	MaxBytes  int      `json:"max_bytes"`
	Signature string   `json:"signature,omitempty"`
}

// DataFrame carries requested envelopes, chunked where the peer's advertised
// max_msg_size requires it. Each element is a dmesh-msg or dmesh-chunk object.
type DataFrame struct {
	V         int               `json:"v"`
	Kind      string            `json:"kind"`
	TS        int64             `json:"ts"`
	Messages  []json.RawMessage `json:"messages"`
	Signature string            `json:"signature,omitempty"`
}

// AckFrame confirms receipt of the listed message ids.
type AckFrame struct {
	V         int      `json:"v"`
	Kind      string   `json:"kind"`
	TS        int64    `json:"ts"`
	Received  []string `json:"received"`
	Signature string   `json:"signature,omitempty"`
}

// SignableBytes returns the canonical JSON of a frame with its signature
// field blanked. Both peers marshal frames from the same struct shapes, so
// the byte form is stable between signer and verifier.
func SignableBytes(frame any) ([]byte, error) {
	switch f := frame.(type) {
	case *HelloFrame:
		cp := *f
		cp.Signature = ""
		return json.Marshal(&cp)
	case *InvFrame:
		cp := *f
		cp.Signature = ""
		return json.Marshal(&cp)
	case *GetFrame:
		cp := *f
		cp.Signature = ""
		return json.Marshal(&cp)
	case *DataFrame:
		cp := *f
		cp.Signature = ""
		return json.Marshal(&cp)
	case *AckFrame:
		cp := *f
		cp.Signature = ""
		return json.Marshal(&cp)
	default:
		return nil, fmt.Errorf("%w: unsignable frame %T", ErrInvalidFormat, frame)
	}
}
