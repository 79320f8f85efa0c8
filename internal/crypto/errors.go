package crypto

import "errors"

var (
	// ErrKeyGenerationFailed is returned when the CSPRNG fails during
	// key-pair or nonce generation.
	ErrKeyGenerationFailed = errors.New("key generation failed")

	// ErrDecryptionFailed is returned when the sealed box does not open
	// under the recipient's key material.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrSignatureInvalid is returned when the envelope signature does not
	// verify over the reconstructed SignBytes.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrContentTooLarge is returned when content exceeds MaxContentBytes.
	ErrContentTooLarge = errors.New("content too large")

	// ErrTimestampSkew is returned in strict mode when the envelope
	// timestamp is further than MaxSkewMillis from the local clock.
	ErrTimestampSkew = errors.New("timestamp skew")

	// ErrMessageExpired is returned in delay-tolerant mode when the
	// envelope's validity window has passed.
	ErrMessageExpired = errors.New("message expired")

	// ErrRecipientMismatch is returned when an envelope is addressed to a
	// different box public key than the decrypting party's.
	ErrRecipientMismatch = errors.New("recipient mismatch")

	// ErrSenderKeyMismatch is returned when the envelope's sender keys
	// differ from the keys pinned for that sender.
	ErrSenderKeyMismatch = errors.New("sender key mismatch")

	// ErrInvalidKeyLength is returned when a decoded key, nonce, or
	// signature field has the wrong length.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrMessageIDMismatch is returned when a declared msgId does not
	// match the id recomputed from the ciphertext.
	ErrMessageIDMismatch = errors.New("message id mismatch")

	// ErrReplayDetected is returned when a (msg_id, sender_fp) pair has
	// already been accepted.
	ErrReplayDetected = errors.New("replay detected")
)
