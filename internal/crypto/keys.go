package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/nacl/box"
)

// randReader is the random source used for key and nonce generation.
// It defaults to nil (which uses crypto/rand) but can be overridden for testing.
var randReader io.Reader

func reader() io.Reader {
	if randReader != nil {
		return randReader
	}
	return rand.Reader
}

// SignKeyPair is a long-term Ed25519 identity key pair. Identity continuity
// equals signing-key continuity.
type SignKeyPair struct {
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// BoxKeyPair is a long-term X25519 encryption key pair.
type BoxKeyPair struct {
	Public []byte
	Secret []byte
}

// GenerateSignKeyPair creates a new Ed25519 key pair from the CSPRNG.
func GenerateSignKeyPair() (*SignKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(reader())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &SignKeyPair{Public: pub, Secret: priv}, nil
}

// SignKeyPairFromSeed derives a deterministic Ed25519 key pair from a
// 32-byte seed. Used by test vectors.
func SignKeyPairFromSeed(seed []byte) (*SignKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKeyLength, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &SignKeyPair{Public: pub, Secret: priv}, nil
}

// SignKeyPairFromBytes reconstructs a signing key pair from raw key material.
func SignKeyPairFromBytes(public, secret []byte) (*SignKeyPair, error) {
	if len(public) != SignPKLen {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKeyLength, len(public), SignPKLen)
	}
	if len(secret) != SignSKLen {
		return nil, fmt.Errorf("%w: secret key is %d bytes, want %d", ErrInvalidKeyLength, len(secret), SignSKLen)
	}
	return &SignKeyPair{
		Public: ed25519.PublicKey(bytes.Clone(public)),
		Secret: ed25519.PrivateKey(bytes.Clone(secret)),
	}, nil
}

// GenerateBoxKeyPair creates a new X25519 key pair from the CSPRNG.
func GenerateBoxKeyPair() (*BoxKeyPair, error) {
	pub, priv, err := box.GenerateKey(reader())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &BoxKeyPair{Public: pub[:], Secret: priv[:]}, nil
}

// BoxKeyPairFromBytes reconstructs a box key pair from raw key material.
func BoxKeyPairFromBytes(public, secret []byte) (*BoxKeyPair, error) {
	if len(public) != BoxPKLen {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKeyLength, len(public), BoxPKLen)
	}
	if len(secret) != BoxSKLen {
		return nil, fmt.Errorf("%w: secret key is %d bytes, want %d", ErrInvalidKeyLength, len(secret), BoxSKLen)
	}
	return &BoxKeyPair{Public: bytes.Clone(public), Secret: bytes.Clone(secret)}, nil
}

// Fingerprint derives the 16-byte party identifier from a signing public
// key: the first FingerprintLen bytes of SHA-512(signPK).
func Fingerprint(signPK []byte) ([]byte, error) {
	if len(signPK) != SignPKLen {
		return nil, fmt.Errorf("%w: signing key is %d bytes, want %d", ErrInvalidKeyLength, len(signPK), SignPKLen)
	}
	sum := sha512.Sum512(signPK)
	return bytes.Clone(sum[:FingerprintLen]), nil
}

// MessageID derives the 32-byte message identifier from a ciphertext: the
// first MessageIDLen bytes of SHA-512(ciphertext). Deterministic in the
// ciphertext.
func MessageID(ciphertext []byte) []byte {
	sum := sha512.Sum512(ciphertext)
	return bytes.Clone(sum[:MessageIDLen])
}

// SafetyNumber derives the 8-digit comparison string two parties read to
// each other to verify their channel. Symmetric in its arguments:
// SafetyNumber(a, b) == SafetyNumber(b, a).
func SafetyNumber(fpA, fpB []byte) (string, error) {
	if len(fpA) != FingerprintLen || len(fpB) != FingerprintLen {
		return "", fmt.Errorf("%w: fingerprints are %d and %d bytes, want %d",
			ErrInvalidKeyLength, len(fpA), len(fpB), FingerprintLen)
	}
	lo, hi := fpA, fpB
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	xored := make([]byte, FingerprintLen)
	for i := range xored {
		xored[i] = lo[i] ^ hi[i]
	}
	n := binary.BigEndian.Uint32(xored[:4]) % 100_000_000
	return fmt.Sprintf("%04d-%04d", n/10_000, n%10_000), nil
}

// Zeroize overwrites sensitive key material in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
