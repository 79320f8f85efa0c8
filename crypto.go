package dmesh

import (
	"github.com/dmesh/dmesh-go/internal/crypto"
	"github.com/dmesh/dmesh-go/wire"
)

// Re-exported crypto types; the state machine itself lives in the
// internal crypto package.
type (
	// SignKeyPair is a long-term Ed25519 identity key pair.
	SignKeyPair = crypto.SignKeyPair
	// BoxKeyPair is a long-term X25519 encryption key pair.
	BoxKeyPair = crypto.BoxKeyPair
	// EncryptOptions tune one Encrypt call.
	EncryptOptions = crypto.EncryptOptions
	// DecryptOptions tune one Decrypt call.
	DecryptOptions = crypto.DecryptOptions
	// Decrypted is the result of a successful decrypt.
	Decrypted = crypto.Decrypted
	// ReplayCheck provides atomic replay protection to Decrypt.
	ReplayCheck = crypto.ReplayCheck
)

// Wire-format constants and limits.
const (
	// Domain is the domain-separation prefix of every signed message.
	Domain = crypto.Domain
	// MaxContentBytes is the largest accepted message content.
	MaxContentBytes = crypto.MaxContentBytes
	// DefaultTTLMillis is the default message validity window.
	DefaultTTLMillis = crypto.DefaultTTLMillis
	// MaxSkewMillis is the strict-mode clock tolerance.
	MaxSkewMillis = crypto.MaxSkewMillis
)

// GenerateSignKeyPair creates a new Ed25519 key pair from the CSPRNG.
func GenerateSignKeyPair() (*SignKeyPair, error) {
	kp, err := crypto.GenerateSignKeyPair()
	if err != nil {
		return nil, Classify(err)
	}
	return kp, nil
}

// GenerateBoxKeyPair creates a new X25519 key pair from the CSPRNG.
func GenerateBoxKeyPair() (*BoxKeyPair, error) {
	kp, err := crypto.GenerateBoxKeyPair()
	if err != nil {
		return nil, Classify(err)
	}
	return kp, nil
}

// Fingerprint derives the 16-byte party identifier of a signing key.
func Fingerprint(signPK []byte) ([]byte, error) {
	fp, err := crypto.Fingerprint(signPK)
	if err != nil {
		return nil, Classify(err)
	}
	return fp, nil
}

// MessageID derives the 32-byte message identifier of a ciphertext.
func MessageID(ciphertext []byte) []byte {
	return crypto.MessageID(ciphertext)
}

// SafetyNumber derives the symmetric 8-digit comparison string for two
// party fingerprints.
func SafetyNumber(fpA, fpB []byte) (string, error) {
	sn, err := crypto.SafetyNumber(fpA, fpB)
	if err != nil {
		return "", Classify(err)
	}
	return sn, nil
}

// Encrypt seals content for a recipient and signs the envelope with the
// sender's identity. See the package documentation for the construction.
func Encrypt(content string, signKP *SignKeyPair, boxKP *BoxKeyPair, recipientBoxPK []byte, opts *EncryptOptions) (*wire.Envelope, error) {
	env, err := crypto.Encrypt(content, signKP, boxKP, recipientBoxPK, opts)
	if err != nil {
		return nil, Classify(err)
	}
	return env, nil
}

// Decrypt verifies and opens an envelope, running the fixed-order check
// pipeline: format, decode, validity window, message-id binding,
// recipient binding, sender continuity, signature, replay, box open,
// payload parse.
func Decrypt(env *wire.Envelope, boxKP *BoxKeyPair, opts *DecryptOptions) (*Decrypted, error) {
	dec, err := crypto.Decrypt(env, boxKP, opts)
	if err != nil {
		return nil, Classify(err)
	}
	return dec, nil
}
