package dmesh

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dmesh/dmesh-go/internal/crypto"
	"github.com/dmesh/dmesh-go/store"
	"github.com/dmesh/dmesh-go/wire"
)

// Identity is a node's long-term key material plus its derived
// fingerprint. The signing key is the identity; the box key is the
// encryption key it vouches for.
type Identity struct {
	DisplayName string
	SignKP      *crypto.SignKeyPair
	BoxKP       *crypto.BoxKeyPair
	FP          []byte
}

// NewIdentity generates fresh long-term keys.
func NewIdentity(displayName string) (*Identity, error) {
	signKP, err := crypto.GenerateSignKeyPair()
	if err != nil {
		return nil, Classify(err)
	}
	boxKP, err := crypto.GenerateBoxKeyPair()
	if err != nil {
		return nil, Classify(err)
	}
	fp, err := crypto.Fingerprint(signKP.Public)
	if err != nil {
		return nil, Classify(err)
	}
	return &Identity{
		DisplayName: displayName,
		SignKP:      signKP,
		BoxKP:       boxKP,
		FP:          fp,
	}, nil
}

// identityFromKeys rebuilds an Identity from stored key material.
func identityFromKeys(keys *store.OwnKeys) (*Identity, error) {
	signKP, err := crypto.SignKeyPairFromBytes(keys.SignPK, keys.SignSK)
	if err != nil {
		return nil, Classify(err)
	}
	boxKP, err := crypto.BoxKeyPairFromBytes(keys.BoxPK, keys.BoxSK)
	if err != nil {
		return nil, Classify(err)
	}
	fp, err := crypto.Fingerprint(signKP.Public)
	if err != nil {
		return nil, Classify(err)
	}
	return &Identity{
		DisplayName: keys.DisplayName,
		SignKP:      signKP,
		BoxKP:       boxKP,
		FP:          fp,
	}, nil
}

// Fingerprint returns the identity's fingerprint in wire form.
func (id *Identity) Fingerprint() string {
	return wire.ToBase64(id.FP)
}

// Public returns the shareable dmesh-id card.
func (id *Identity) Public() (*wire.PublicIdentity, error) {
	card, err := crypto.NewPublicIdentity(id.DisplayName, id.SignKP.Public, id.BoxKP.Public)
	if err != nil {
		return nil, Classify(err)
	}
	return card, nil
}

// SafetyNumberWith derives the 8-digit comparison string against another
// party's fingerprint. Both sides compute the same string.
func (id *Identity) SafetyNumberWith(otherFP []byte) (string, error) {
	sn, err := crypto.SafetyNumber(id.FP, otherFP)
	if err != nil {
		return "", Classify(err)
	}
	return sn, nil
}

// keyBackup is the serialized form of an identity backup blob. Only the
// plain dmesh-keys form, with no scheme, is ever written; decoding is
// where the legacy xor refusal lives.
type keyBackup struct {
	V      int    `json:"v"`
	Kind   string `json:"kind"`
	Scheme string `json:"scheme,omitempty"`
	Name   string `json:"name"`
	SignPK string `json:"signPK"`
	SignSK string `json:"signSK"`
	BoxPK  string `json:"boxPK"`
	BoxSK  string `json:"boxSK"`
}

const (
	backupKind = "dmesh-keys"
	// legacyXORScheme marked the insecure single-byte-xor backups of
	// early builds. Refused on read, never written.
	legacyXORScheme = "xor-v0"
)

// ExportKeys serializes the identity's full key material as a plaintext
// blob. Callers who want an encrypted backup wrap this through an
// external KDF + secretbox layer; the core never implements its own
// password scheme.
func (id *Identity) ExportKeys() ([]byte, error) {
	return json.Marshal(&keyBackup{
		V:      wire.Version,
		Kind:   backupKind,
		Name:   id.DisplayName,
		SignPK: wire.ToBase64(id.SignKP.Public),
		SignSK: wire.ToBase64(id.SignKP.Secret),
		BoxPK:  wire.ToBase64(id.BoxKP.Public),
		BoxSK:  wire.ToBase64(id.BoxKP.Secret),
	})
}

// ImportKeys rebuilds an identity from an exported blob. Legacy
// xor-obfuscated backups are refused outright.
func ImportKeys(data []byte) (*Identity, error) {
	var backup keyBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, Classify(fmt.Errorf("%w: %v", wire.ErrJSONParse, err))
	}
	if backup.Scheme == legacyXORScheme {
		return nil, Classify(ErrLegacyBackup)
	}
	if backup.V != wire.Version || backup.Kind != backupKind {
		return nil, Classify(fmt.Errorf("%w: v=%d kind=%q", wire.ErrInvalidFormat, backup.V, backup.Kind))
	}

	signPK, err := wire.FromBase64(backup.SignPK)
	if err != nil {
		return nil, Classify(err)
	}
	signSK, err := wire.FromBase64(backup.SignSK)
	if err != nil {
		return nil, Classify(err)
	}
	boxPK, err := wire.FromBase64(backup.BoxPK)
	if err != nil {
		return nil, Classify(err)
	}
	boxSK, err := wire.FromBase64(backup.BoxSK)
	if err != nil {
		return nil, Classify(err)
	}

	signKP, err := crypto.SignKeyPairFromBytes(signPK, signSK)
	if err != nil {
		return nil, Classify(err)
	}
	boxKP, err := crypto.BoxKeyPairFromBytes(boxPK, boxSK)
	if err != nil {
		return nil, Classify(err)
	}
	fp, err := crypto.Fingerprint(signKP.Public)
	if err != nil {
		return nil, Classify(err)
	}
	return &Identity{
		DisplayName: backup.Name,
		SignKP:      signKP,
		BoxKP:       boxKP,
		FP:          fp,
	}, nil
}

// ContactFromIdentity converts a received dmesh-id card into an
// unverified contact, checking that the declared fingerprint matches the
// declared signing key.
func ContactFromIdentity(card *wire.PublicIdentity, now int64) (*store.Contact, error) {
	signPK, err := wire.FromBase64(card.SignPK)
	if err != nil {
		return nil, Classify(err)
	}
	boxPK, err := wire.FromBase64(card.BoxPK)
	if err != nil {
		return nil, Classify(err)
	}
	fp, err := crypto.Fingerprint(signPK)
	if err != nil {
		return nil, Classify(err)
	}
	declared, err := wire.FromBase64(card.FP)
	if err != nil {
		return nil, Classify(err)
	}
	if !bytes.Equal(fp, declared) {
		return nil, Classify(fmt.Errorf("%w: identity fingerprint does not match signing key", crypto.ErrSenderKeyMismatch))
	}
	if len(boxPK) != crypto.BoxPKLen {
		return nil, Classify(crypto.ErrInvalidKeyLength)
	}
	return &store.Contact{
		FP:           wire.ToBase64(fp),
		SignPK:       signPK,
		BoxPK:        boxPK,
		DisplayName:  card.Name,
		Verification: store.Unverified,
		AddedAt:      now,
		UpdatedAt:    now,
	}, nil
}
