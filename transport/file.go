package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmesh/dmesh-go/wire"
)

// fileNamePrefixLen is how many base64 characters of the identifier make
// it into the suggested file name.
const fileNamePrefixLen = 8

// FileTransport carries wire objects as byte blobs. Bidirectional, no
// chunking; the blob is the envelope's canonical JSON.
type FileTransport struct{}

// NewFile creates the file adapter.
func NewFile() *FileTransport { return &FileTransport{} }

// Name implements Transport.
func (t *FileTransport) Name() string { return "file" }

// Capabilities implements Transport.
func (t *FileTransport) Capabilities() Capabilities {
	return Capabilities{
		SupportsChunking: false,
		Bidirectional:    true,
		Offline:          true,
	}
}

// Send returns the envelope blob as the single unit to be written to a
// file named by FileName.
func (t *FileTransport) Send(ctx context.Context, env *wire.Envelope) ([]string, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	return []string{string(data)}, nil
}

// SendIdentity returns an identity blob for a file named by IdentityFileName.
func (t *FileTransport) SendIdentity(ctx context.Context, id *wire.PublicIdentity) ([]string, error) {
	data, err := id.Marshal()
	if err != nil {
		return nil, err
	}
	return []string{string(data)}, nil
}

// FileName suggests the blob file name for an envelope:
// message-<msg_id_prefix>.dmesh.
func (t *FileTransport) FileName(env *wire.Envelope) string {
	return "message-" + namePrefix(env.MsgID) + ".dmesh"
}

// IdentityFileName suggests the blob file name for an identity card:
// identity-<fp_prefix>.dmesh.
func (t *FileTransport) IdentityFileName(id *wire.PublicIdentity) string {
	return "identity-" + namePrefix(id.FP) + ".dmesh"
}

// ReceiveBytes parses a file blob into wire objects. The blob may hold a
// dmesh-msg or a dmesh-id.
func (t *FileTransport) ReceiveBytes(data []byte) ([]Received, error) {
	item, err := parseUnit(t.Name(), data)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: blob holds no dmesh object", wire.ErrInvalidFormat)
	}
	return []Received{*item}, nil
}

// Receive implements Transport; the file adapter is fed via ReceiveBytes.
func (t *FileTransport) Receive(ctx context.Context) ([]Received, error) { return nil, nil }

// StartListening implements Transport.
func (t *FileTransport) StartListening(ctx context.Context) error { return nil }

// StopListening implements Transport.
func (t *FileTransport) StopListening() error { return nil }

// Available implements Transport.
func (t *FileTransport) Available() bool { return true }

// namePrefix derives a filesystem-safe identifier prefix from a base64
// wire identifier.
func namePrefix(id string) string {
	clean := strings.NewReplacer("+", "", "/", "", "=", "").Replace(id)
	if len(clean) > fileNamePrefixLen {
		clean = clean[:fileNamePrefixLen]
	}
	if clean == "" {
		clean = "unknown"
	}
	return clean
}
