package dmesh

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dmesh/dmesh-go/wire"
)

func TestIdentity_PublicCard(t *testing.T) {
	t.Parallel()
	id, err := NewIdentity("Alice")
	if err != nil {
		t.Fatal(err)
	}
	card, err := id.Public()
	if err != nil {
		t.Fatal(err)
	}
	if card.Kind != wire.KindIdentity || card.V != wire.Version {
		t.Errorf("card shape = v%d %q", card.V, card.Kind)
	}
	if card.Name != "Alice" {
		t.Errorf("card name = %q", card.Name)
	}
	if card.FP != id.Fingerprint() {
		t.Error("card fingerprint differs from identity")
	}

	// The card survives its wire round trip into a contact.
	data, err := card.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := wire.ParsePublicIdentity(data)
	if err != nil {
		t.Fatal(err)
	}
	contact, err := ContactFromIdentity(parsed, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if contact.FP != id.Fingerprint() {
		t.Error("contact fingerprint differs")
	}
	if !bytes.Equal(contact.SignPK, id.SignKP.Public) || !bytes.Equal(contact.BoxPK, id.BoxKP.Public) {
		t.Error("contact key material differs")
	}
}

func TestIdentity_ExportImportKeys(t *testing.T) {
	t.Parallel()
	id, err := NewIdentity("Alice")
	if err != nil {
		t.Fatal(err)
	}
	blob, err := id.ExportKeys()
	if err != nil {
		t.Fatal(err)
	}

	restored, err := ImportKeys(blob)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Fingerprint() != id.Fingerprint() {
		t.Error("imported identity differs")
	}
	if restored.DisplayName != "Alice" {
		t.Errorf("display name = %q", restored.DisplayName)
	}
	if !bytes.Equal(restored.SignKP.Secret, id.SignKP.Secret) {
		t.Error("signing secret not preserved")
	}
}

func TestImportKeys_RefusesLegacyXOR(t *testing.T) {
	t.Parallel()
	id, err := NewIdentity("Alice")
	if err != nil {
		t.Fatal(err)
	}
	blob, err := id.ExportKeys()
	if err != nil {
		t.Fatal(err)
	}
	var backup map[string]any
	if err := json.Unmarshal(blob, &backup); err != nil {
		t.Fatal(err)
	}
	backup["scheme"] = "xor-v0"
	legacy, err := json.Marshal(backup)
	if err != nil {
		t.Fatal(err)
	}

	_, err = ImportKeys(legacy)
	if !errors.Is(err, ErrLegacyBackup) {
		t.Errorf("legacy blob error = %v, want %v", err, ErrLegacyBackup)
	}
	if CodeOf(err) != "LegacyBackup" {
		t.Errorf("CodeOf = %q, want LegacyBackup", CodeOf(err))
	}
}

func TestImportKeys_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		blob string
		want error
	}{
		{"not json", "{nope", ErrJSONParseFailed},
		{"wrong kind", `{"v":1,"kind":"dmesh-msg"}`, ErrInvalidMessageFormat},
		{"bad base64", `{"v":1,"kind":"dmesh-keys","signPK":"!!!"}`, ErrBase64DecodeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ImportKeys([]byte(tt.blob))
			if !errors.Is(err, tt.want) {
				t.Errorf("ImportKeys error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExportKeys_NeverWritesLegacyScheme(t *testing.T) {
	t.Parallel()
	id, err := NewIdentity("Alice")
	if err != nil {
		t.Fatal(err)
	}
	blob, err := id.ExportKeys()
	if err != nil {
		t.Fatal(err)
	}
	var backup map[string]any
	if err := json.Unmarshal(blob, &backup); err != nil {
		t.Fatal(err)
	}
	if scheme, ok := backup["scheme"]; ok && scheme == "xor-v0" {
		t.Error("export produced a legacy scheme blob")
	}
}
