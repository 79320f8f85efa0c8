package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/dmesh/dmesh-go/wire"
)

// Mode selects the validity-window rule applied during decryption.
type Mode int

const (
	// ModeDelayTolerant (v1.1) accepts any envelope whose expiration has
	// not passed; envelopes without exp fall back to ts + DefaultTTLMillis.
	ModeDelayTolerant Mode = iota
	// ModeStrict (v1.0) requires the envelope timestamp to be within
	// MaxSkewMillis of the local clock.
	ModeStrict
)

// ReplayCheck is called after signature verification with the recomputed
// message id and the sender fingerprint. It returns true iff the pair was
// not yet seen, atomically marking it seen in the same step.
type ReplayCheck func(msgID, senderFP []byte) (bool, error)

// DecryptOptions tune a single Decrypt call. The zero value runs in
// delay-tolerant mode with no pinned sender keys and no replay protection.
type DecryptOptions struct {
	Mode Mode

	// ExpectedSenderSignPK / ExpectedSenderBoxPK pin the sender's keys.
	// When set, a mismatch against the envelope fields fails the decrypt.
	// When nil the caller is operating trust-on-first-use and must inspect
	// the observed keys on the result.
	ExpectedSenderSignPK []byte
	ExpectedSenderBoxPK  []byte

	// Replay, when non-nil, provides atomic replay protection.
	Replay ReplayCheck

	// Now is the local clock in Unix milliseconds. Zero means wall clock.
	Now int64
}

// Decrypted is the result of a successful decrypt: the plaintext content
// plus the observed sender identity for the caller's pinning decision.
type Decrypted struct {
	Content      string
	PayloadType  string
	Payload      map[string]any
	TS           int64
	MsgID        []byte
	SenderSignPK []byte
	SenderBoxPK  []byte
	SenderFP     []byte
}

// Decrypt verifies and opens an envelope addressed to boxKP.
//
// The checks run in a fixed order, returning on the first failure:
// format, field decode and lengths, validity window, message-id binding,
// recipient binding, sender key continuity, signature, replay, box open,
// payload parse. Recipient binding precedes the signature check so that
// envelopes destined elsewhere never cost a verification; the replay check
// follows the signature so forged replays cannot pollute the seen-set.
func Decrypt(env *wire.Envelope, boxKP *BoxKeyPair, opts *DecryptOptions) (*Decrypted, error) {
	if opts == nil {
		opts = &DecryptOptions{}
	}

	// 1. Format.
	if env == nil || env.V != wire.Version || env.Kind != wire.KindMessage {
		return nil, fmt.Errorf("%w: not a %s envelope", wire.ErrInvalidFormat, wire.KindMessage)
	}

	// 2. Decode and length-check every byte field.
	senderSignPK, err := decodeFixed(env.SenderSignPK, SignPKLen, "senderSignPK")
	if err != nil {
		return nil, err
	}
	senderBoxPK, err := decodeFixed(env.SenderBoxPK, BoxPKLen, "senderBoxPK")
	if err != nil {
		return nil, err
	}
	recipientBoxPK, err := decodeFixed(env.RecipientBoxPK, BoxPKLen, "recipientBoxPK")
	if err != nil {
		return nil, err
	}
	ephPK, err := decodeFixed(env.EphPK, BoxPKLen, "ephPK")
	if err != nil {
		return nil, err
	}
	nonce, err := decodeFixed(env.Nonce, NonceLen, "nonce")
	if err != nil {
		return nil, err
	}
	signature, err := decodeFixed(env.Signature, SignatureLen, "signature")
	if err != nil {
		return nil, err
	}
	ciphertext, err := wire.FromBase64(env.Ciphertext)
	if err != nil {
		return nil, err
	}
	if env.TS <= 0 || env.TS > wire.MaxSafeMillis {
		return nil, fmt.Errorf("%w: ts %d out of range", wire.ErrInvalidFormat, env.TS)
	}

	// 3. Validity window.
	now := opts.Now
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	if opts.Mode == ModeStrict {
		skew := now - env.TS
		if skew < 0 {
			skew = -skew
		}
		if skew > MaxSkewMillis {
			return nil, fmt.Errorf("%w: %d ms beyond tolerance", ErrTimestampSkew, skew)
		}
	} else {
		exp := env.Exp
		if exp == 0 {
			exp = env.TS + DefaultTTLMillis
		}
		if now > exp {
			return nil, fmt.Errorf("%w: expired at %d", ErrMessageExpired, exp)
		}
	}

	// 4. Message-id binding.
	msgID := MessageID(ciphertext)
	if env.MsgID != "" {
		declared, err := wire.FromBase64(env.MsgID)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(declared, msgID) {
			return nil, fmt.Errorf("%w: declared id does not match ciphertext", ErrMessageIDMismatch)
		}
	}

	// 5. Recipient binding.
	if !bytes.Equal(recipientBoxPK, boxKP.Public) {
		return nil, ErrRecipientMismatch
	}

	// 6. Sender identity continuity.
	senderFP, err := Fingerprint(senderSignPK)
	if err != nil {
		return nil, err
	}
	if opts.ExpectedSenderSignPK != nil && !bytes.Equal(opts.ExpectedSenderSignPK, senderSignPK) {
		return nil, fmt.Errorf("%w: signing key changed", ErrSenderKeyMismatch)
	}
	if opts.ExpectedSenderBoxPK != nil && !bytes.Equal(opts.ExpectedSenderBoxPK, senderBoxPK) {
		return nil, fmt.Errorf("%w: box key changed", ErrSenderKeyMismatch)
	}

	// 7. Signature over the reconstructed SignBytes.
	sb, err := SignBytes(senderSignPK, senderBoxPK, recipientBoxPK, ephPK, nonce, env.TS, ciphertext)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(ed25519.PublicKey(senderSignPK), sb, signature) {
		return nil, ErrSignatureInvalid
	}

	// 8. Replay.
	if opts.Replay != nil {
		allowed, err := opts.Replay(msgID, senderFP)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrReplayDetected
		}
	}

	// 9. Open the sealed box.
	var ephArr [BoxPKLen]byte
	var secArr [BoxSKLen]byte
	copy(ephArr[:], ephPK)
	copy(secArr[:], boxKP.Secret)
	var nonceArr [NonceLen]byte
	copy(nonceArr[:], nonce)
	plaintext, ok := box.Open(nil, ciphertext, &nonceArr, &ephArr, &secArr)
	Zeroize(secArr[:])
	if !ok {
		return nil, ErrDecryptionFailed
	}

	// 10. Payload parse.
	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", wire.ErrJSONParse, err)
	}
	content, _ := payload["content"].(string)
	payloadType, _ := payload["type"].(string)
	if payloadType == "" {
		payloadType = "text"
	}

	return &Decrypted{
		Content:      content,
		PayloadType:  payloadType,
		Payload:      payload,
		TS:           env.TS,
		MsgID:        msgID,
		SenderSignPK: senderSignPK,
		SenderBoxPK:  senderBoxPK,
		SenderFP:     senderFP,
	}, nil
}

// decodeFixed decodes a base64 field and enforces its fixed length.
func decodeFixed(s string, want int, field string) ([]byte, error) {
	data, err := wire.FromBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalidKeyLength, field, len(data), want)
	}
	return data, nil
}
