package dmesh

import (
	"errors"
	"fmt"

	"github.com/dmesh/dmesh-go/internal/chunker"
	"github.com/dmesh/dmesh-go/internal/crypto"
	"github.com/dmesh/dmesh-go/store"
	"github.com/dmesh/dmesh-go/transport"
	"github.com/dmesh/dmesh-go/wire"
)

// Category groups error codes; categories drive caller policy, codes
// drive tests.
type Category string

const (
	CategoryCrypto     Category = "crypto"
	CategoryValidation Category = "validation"
	CategoryFormat     Category = "format"
	CategorySecurity   Category = "security"
	CategoryStore      Category = "store"
	CategoryTransport  Category = "transport"
)

// Sentinel errors for errors.Is() checks. The internal packages return
// these same values, so a check holds no matter how deep the failure
// originated.
var (
	// ErrDecryptionFailed is returned when a sealed box does not open.
	ErrDecryptionFailed = crypto.ErrDecryptionFailed

	// ErrSignatureInvalid is returned when a signature does not verify.
	ErrSignatureInvalid = crypto.ErrSignatureInvalid

	// ErrKeyGenerationFailed is returned when the CSPRNG fails.
	ErrKeyGenerationFailed = crypto.ErrKeyGenerationFailed

	// ErrContentTooLarge is returned when content exceeds the size limit.
	ErrContentTooLarge = crypto.ErrContentTooLarge

	// ErrTimestampSkew is returned in strict mode on excessive clock skew.
	ErrTimestampSkew = crypto.ErrTimestampSkew

	// ErrMessageExpired is returned when a validity window has passed.
	ErrMessageExpired = crypto.ErrMessageExpired

	// ErrRecipientMismatch is returned when an envelope is addressed to a
	// different recipient.
	ErrRecipientMismatch = crypto.ErrRecipientMismatch

	// ErrSenderKeyMismatch is returned when a sender's keys changed
	// against the pinned contact.
	ErrSenderKeyMismatch = crypto.ErrSenderKeyMismatch

	// ErrInvalidKeyLength is returned when decoded key material has the
	// wrong length.
	ErrInvalidKeyLength = crypto.ErrInvalidKeyLength

	// ErrMessageIDMismatch is returned when a declared message id does
	// not match its ciphertext.
	ErrMessageIDMismatch = crypto.ErrMessageIDMismatch

	// ErrInvalidMessageFormat is returned on malformed wire objects.
	ErrInvalidMessageFormat = wire.ErrInvalidFormat

	// ErrBase64DecodeFailed is returned when a base64 field fails to decode.
	ErrBase64DecodeFailed = wire.ErrBase64Decode

	// ErrJSONParseFailed is returned when JSON parsing fails.
	ErrJSONParseFailed = wire.ErrJSONParse

	// ErrReplayDetected is returned when a message was already accepted.
	ErrReplayDetected = crypto.ErrReplayDetected

	// ErrUnknownSender is returned under the require-known-contact policy
	// when no contact is pinned for the sender.
	ErrUnknownSender = errors.New("unknown sender")

	// ErrStorage wraps store-engine failures.
	ErrStorage = store.ErrStorage

	// ErrTransport wraps carrier failures.
	ErrTransport = transport.ErrTransport

	// ErrIncompleteChunks is returned when a chunk set is missing members.
	ErrIncompleteChunks = chunker.ErrIncompleteChunks

	// ErrMissingSequence is returned on gaps in a chunk set.
	ErrMissingSequence = chunker.ErrMissingSequence

	// ErrNoIdentity is returned when the node has no keys yet.
	ErrNoIdentity = errors.New("no identity: create or load keys first")

	// ErrLegacyBackup is returned for legacy XOR-obfuscated key backups,
	// which are refused on read and never written.
	ErrLegacyBackup = errors.New("legacy xor key backup refused")
)

// codes maps sentinels to their stable code and category.
var codes = []struct {
	err      error
	code     string
	category Category
}{
	{ErrDecryptionFailed, "DecryptionFailed", CategoryCrypto},
	{ErrSignatureInvalid, "SignatureInvalid", CategoryCrypto},
	{ErrKeyGenerationFailed, "KeyGenerationFailed", CategoryCrypto},
	{ErrContentTooLarge, "ContentTooLarge", CategoryValidation},
	{ErrTimestampSkew, "TimestampSkew", CategoryValidation},
	{ErrMessageExpired, "MessageExpired", CategoryValidation},
	{ErrRecipientMismatch, "RecipientMismatch", CategoryValidation},
	{ErrSenderKeyMismatch, "SenderKeyMismatch", CategoryValidation},
	{ErrInvalidKeyLength, "InvalidKeyLength", CategoryValidation},
	{ErrMessageIDMismatch, "MessageIdMismatch", CategoryValidation},
	{ErrInvalidMessageFormat, "InvalidMessageFormat", CategoryFormat},
	{ErrBase64DecodeFailed, "Base64DecodeFailed", CategoryFormat},
	{ErrJSONParseFailed, "JsonParseFailed", CategoryFormat},
	{ErrIncompleteChunks, "IncompleteChunks", CategoryFormat},
	{ErrMissingSequence, "MissingSequence", CategoryFormat},
	{ErrReplayDetected, "ReplayDetected", CategorySecurity},
	{ErrUnknownSender, "UnknownSender", CategorySecurity},
	{ErrLegacyBackup, "LegacyBackup", CategorySecurity},
	{ErrStorage, "StorageError", CategoryStore},
	{ErrTransport, "TransportError", CategoryTransport},
}

// Error is the structured error surfaced to embedding applications: a
// stable code, a category, and the underlying technical detail.
type Error struct {
	Code     string
	Category Category
	Err      error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Category, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// DmeshError is the marker method identifying SDK errors.
func (e *Error) DmeshError() {}

// Classify wraps err in an *Error with its stable code and category.
// Errors matching no known sentinel fall under the generic "Internal" code.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return &Error{Code: c.code, Category: c.category, Err: err}
		}
	}
	return &Error{Code: "Internal", Category: CategoryStore, Err: err}
}

// CodeOf returns the stable code for an error, or "" when it carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}
