package dmesh

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		err          error
		wantCode     string
		wantCategory Category
	}{
		{"decryption", ErrDecryptionFailed, "DecryptionFailed", CategoryCrypto},
		{"signature", ErrSignatureInvalid, "SignatureInvalid", CategoryCrypto},
		{"too large", ErrContentTooLarge, "ContentTooLarge", CategoryValidation},
		{"skew", ErrTimestampSkew, "TimestampSkew", CategoryValidation},
		{"expired", ErrMessageExpired, "MessageExpired", CategoryValidation},
		{"recipient", ErrRecipientMismatch, "RecipientMismatch", CategoryValidation},
		{"sender keys", ErrSenderKeyMismatch, "SenderKeyMismatch", CategoryValidation},
		{"key length", ErrInvalidKeyLength, "InvalidKeyLength", CategoryValidation},
		{"msg id", ErrMessageIDMismatch, "MessageIdMismatch", CategoryValidation},
		{"format", ErrInvalidMessageFormat, "InvalidMessageFormat", CategoryFormat},
		{"base64", ErrBase64DecodeFailed, "Base64DecodeFailed", CategoryFormat},
		{"json", ErrJSONParseFailed, "JsonParseFailed", CategoryFormat},
		{"replay", ErrReplayDetected, "ReplayDetected", CategorySecurity},
		{"unknown sender", ErrUnknownSender, "UnknownSender", CategorySecurity},
		{"storage", ErrStorage, "StorageError", CategoryStore},
		{"transport", ErrTransport, "TransportError", CategoryTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(fmt.Errorf("context: %w", tt.err))

			var e *Error
			if !errors.As(classified, &e) {
				t.Fatalf("Classify did not produce *Error: %T", classified)
			}
			if e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}
			if e.Category != tt.wantCategory {
				t.Errorf("category = %q, want %q", e.Category, tt.wantCategory)
			}
			// The sentinel stays reachable through the wrapper.
			if !errors.Is(classified, tt.err) {
				t.Error("sentinel unreachable after Classify")
			}
			if CodeOf(classified) != tt.wantCode {
				t.Errorf("CodeOf = %q, want %q", CodeOf(classified), tt.wantCode)
			}
		})
	}
}

func TestClassify_Passthrough(t *testing.T) {
	t.Parallel()
	if Classify(nil) != nil {
		t.Error("Classify(nil) != nil")
	}

	once := Classify(ErrReplayDetected)
	twice := Classify(once)
	if once != twice {
		t.Error("double Classify re-wrapped the error")
	}
}

func TestClassify_UnknownError(t *testing.T) {
	t.Parallel()
	err := Classify(errors.New("something odd"))
	if CodeOf(err) != "Internal" {
		t.Errorf("CodeOf(unknown) = %q, want Internal", CodeOf(err))
	}
}

func TestCodeOf_BareSentinel(t *testing.T) {
	t.Parallel()
	if CodeOf(ErrMessageExpired) != "MessageExpired" {
		t.Errorf("CodeOf(bare sentinel) = %q", CodeOf(ErrMessageExpired))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain) != \"\"")
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()
	e := &Error{Code: "ReplayDetected", Category: CategorySecurity, Err: ErrReplayDetected}
	msg := e.Error()
	if msg != "ReplayDetected (security): replay detected" {
		t.Errorf("Error() = %q", msg)
	}
}
