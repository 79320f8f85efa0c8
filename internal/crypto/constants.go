package crypto

const (
	// Domain is the domain-separation prefix of every signed message.
	// Exactly 12 ASCII bytes; it is the first field of SignBytes.
	Domain = "DMESH_MSG_V1"

	// MaxContentBytes is the largest UTF-8 content accepted for encryption.
	MaxContentBytes = 150 * 1024

	// MaxSkewMillis is the clock-skew tolerance in strict (v1.0) mode.
	MaxSkewMillis = int64(10 * 60 * 1000)

	// DefaultTTLMillis is the validity window applied when a sender does
	// not choose one, and the fallback window for envelopes without exp.
	DefaultTTLMillis = int64(7 * 24 * 3600 * 1000)

	// SeenRetentionMillis is how long replay-protection entries are kept.
	SeenRetentionMillis = int64(30 * 24 * 3600 * 1000)

	// NonceLen is the XSalsa20-Poly1305 nonce length in bytes.
	NonceLen = 24
	// SignatureLen is the Ed25519 signature length in bytes.
	SignatureLen = 64
	// SignPKLen is the Ed25519 public key length in bytes.
	SignPKLen = 32
	// SignSKLen is the Ed25519 secret key length in bytes.
	SignSKLen = 64
	// BoxPKLen is the X25519 public key length in bytes.
	BoxPKLen = 32
	// BoxSKLen is the X25519 secret key length in bytes.
	BoxSKLen = 32

	// FingerprintLen is the truncated SHA-512 party identifier length.
	FingerprintLen = 16
	// MessageIDLen is the truncated SHA-512 message identifier length.
	MessageIDLen = 32

	// BoxOverhead is the Poly1305 tag appended by the sealed box.
	BoxOverhead = 16
)
