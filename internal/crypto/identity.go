package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/dmesh/dmesh-go/wire"
)

// NewPublicIdentity builds the shareable dmesh-id card for a party.
func NewPublicIdentity(name string, signPK, boxPK []byte) (*wire.PublicIdentity, error) {
	fp, err := Fingerprint(signPK)
	if err != nil {
		return nil, err
	}
	if len(boxPK) != BoxPKLen {
		return nil, fmt.Errorf("%w: box key is %d bytes, want %d", ErrInvalidKeyLength, len(boxPK), BoxPKLen)
	}
	return &wire.PublicIdentity{
		V:      wire.Version,
		Kind:   wire.KindIdentity,
		Name:   name,
		FP:     wire.ToBase64(fp),
		SignPK: wire.ToBase64(signPK),
		BoxPK:  wire.ToBase64(boxPK),
	}, nil
}

// SignFrame signs a sync frame in place: it marshals the frame with the
// signature field blank and stores the detached Ed25519 signature.
func SignFrame(frame any, signKP *SignKeyPair) (string, error) {
	sb, err := wire.SignableBytes(frame)
	if err != nil {
		return "", err
	}
	return wire.ToBase64(ed25519.Sign(signKP.Secret, sb)), nil
}

// VerifyFrame checks a sync frame's signature against the claimed signing
// key. The signature string is verified over the frame with the signature
// field blank.
func VerifyFrame(frame any, signPK []byte, signature string) error {
	if len(signPK) != SignPKLen {
		return ErrInvalidKeyLength
	}
	sig, err := wire.FromBase64(signature)
	if err != nil {
		return err
	}
	if len(sig) != SignatureLen {
		return ErrInvalidKeyLength
	}
	sb, err := wire.SignableBytes(frame)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(signPK), sb, sig) {
		return ErrSignatureInvalid
	}
	return nil
}
