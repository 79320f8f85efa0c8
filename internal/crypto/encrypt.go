package crypto

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/dmesh/dmesh-go/wire"
)

// EncryptOptions tune a single Encrypt call. The zero value encrypts a
// "text" payload stamped with the current wall clock and the default TTL.
type EncryptOptions struct {
	// TS is the message timestamp in Unix milliseconds. Zero means now.
	TS int64
	// TTLMillis is the validity window. Zero means DefaultTTLMillis.
	TTLMillis int64
	// PayloadType tags the plaintext payload. Empty means "text".
	PayloadType string
	// PayloadExtra carries additional payload fields (urgency, location,
	// people, ...) merged into the plaintext payload object.
	PayloadExtra map[string]any
}

// Encrypt seals content for the holder of recipientBoxPK and signs the
// result with the sender's long-term identity.
//
// The construction:
//  1. Fresh ephemeral X25519 key pair and 24-byte random nonce.
//  2. Plaintext payload {v, ts, type, content, ...extra} sealed with
//     NaCl box (X25519 + XSalsa20 + Poly1305) under (recipientBoxPK, ephSK).
//  3. msgId = first 32 bytes of SHA-512(ciphertext).
//  4. Detached Ed25519 signature over SignBytes.
//
// The ephemeral secret is zeroized before returning.
func Encrypt(content string, signKP *SignKeyPair, boxKP *BoxKeyPair, recipientBoxPK []byte, opts *EncryptOptions) (*wire.Envelope, error) {
	if opts == nil {
		opts = &EncryptOptions{}
	}
	if len([]byte(content)) > MaxContentBytes {
		return nil, fmt.Errorf("%w: %d bytes over %d limit", ErrContentTooLarge, len(content), MaxContentBytes)
	}
	if len(recipientBoxPK) != BoxPKLen {
		return nil, fmt.Errorf("%w: recipient box key is %d bytes, want %d", ErrInvalidKeyLength, len(recipientBoxPK), BoxPKLen)
	}

	ts := opts.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	ttl := opts.TTLMillis
	if ttl == 0 {
		ttl = DefaultTTLMillis
	}
	exp := ts + ttl

	payloadType := opts.PayloadType
	if payloadType == "" {
		payloadType = "text"
	}
	payload := map[string]any{
		"v":       wire.Version,
		"ts":      ts,
		"type":    payloadType,
		"content": content,
	}
	for k, v := range opts.PayloadExtra {
		payload[k] = v
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrJSONParse, err)
	}

	ephPub, ephSec, err := box.GenerateKey(reader())
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrKeyGenerationFailed, err)
	}
	defer Zeroize(ephSec[:])

	var nonce [NonceLen]byte
	if _, err := io.ReadFull(reader(), nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrKeyGenerationFailed, err)
	}

	var recipPK [BoxPKLen]byte
	copy(recipPK[:], recipientBoxPK)
	ciphertext := box.Seal(nil, plaintext, &nonce, &recipPK, ephSec)

	msgID := MessageID(ciphertext)

	sb, err := SignBytes(signKP.Public, boxKP.Public, recipientBoxPK, ephPub[:], nonce[:], ts, ciphertext)
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(signKP.Secret, sb)

	return &wire.Envelope{
		V:              wire.Version,
		Kind:           wire.KindMessage,
		MsgID:          wire.ToBase64(msgID),
		TS:             ts,
		Exp:            exp,
		SenderSignPK:   wire.ToBase64(signKP.Public),
		SenderBoxPK:    wire.ToBase64(boxKP.Public),
		RecipientBoxPK: wire.ToBase64(recipientBoxPK),
		EphPK:          wire.ToBase64(ephPub[:]),
		Nonce:          wire.ToBase64(nonce[:]),
		Ciphertext:     wire.ToBase64(ciphertext),
		Signature:      wire.ToBase64(signature),
	}, nil
}
