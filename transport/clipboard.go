package transport

import (
	"context"
	"fmt"

	"github.com/dmesh/dmesh-go/wire"
)

// Clipboard is the host capability the clipboard adapter consumes. The
// embedding application supplies it; the core never touches the system
// clipboard directly.
type Clipboard interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
}

// ClipboardTransport moves one canonical JSON object at a time through the
// system clipboard. Unlimited payload, no chunking, bidirectional.
type ClipboardTransport struct {
	clip Clipboard
}

// NewClipboard creates the clipboard adapter around a host capability.
func NewClipboard(clip Clipboard) *ClipboardTransport {
	return &ClipboardTransport{clip: clip}
}

// Name implements Transport.
func (t *ClipboardTransport) Name() string { return "clipboard" }

// Capabilities implements Transport.
func (t *ClipboardTransport) Capabilities() Capabilities {
	return Capabilities{
		SupportsChunking: false,
		Bidirectional:    true,
		Realtime:         true,
		Offline:          true,
	}
}

// Send writes the envelope's canonical JSON to the clipboard and returns
// it as the single serialized unit.
func (t *ClipboardTransport) Send(ctx context.Context, env *wire.Envelope) ([]string, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if err := t.clip.WriteText(ctx, string(data)); err != nil {
		return nil, fmt.Errorf("%w: clipboard write: %v", ErrTransport, err)
	}
	return []string{string(data)}, nil
}

// SendIdentity writes an identity card to the clipboard.
func (t *ClipboardTransport) SendIdentity(ctx context.Context, id *wire.PublicIdentity) ([]string, error) {
	data, err := id.Marshal()
	if err != nil {
		return nil, err
	}
	if err := t.clip.WriteText(ctx, string(data)); err != nil {
		return nil, fmt.Errorf("%w: clipboard write: %v", ErrTransport, err)
	}
	return []string{string(data)}, nil
}

// Receive reads the clipboard and, if its text parses to a dmesh-msg or
// dmesh-id, returns it. Non-dmesh clipboard content yields nothing.
func (t *ClipboardTransport) Receive(ctx context.Context) ([]Received, error) {
	text, err := t.clip.ReadText(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: clipboard read: %v", ErrTransport, err)
	}
	if text == "" {
		return nil, nil
	}
	item, err := parseUnit(t.Name(), []byte(text))
	if err != nil || item == nil {
		// Arbitrary clipboard content is normal, not an error.
		return nil, nil
	}
	return []Received{*item}, nil
}

// StartListening implements Transport; the clipboard is poll-only.
func (t *ClipboardTransport) StartListening(ctx context.Context) error { return nil }

// StopListening implements Transport.
func (t *ClipboardTransport) StopListening() error { return nil }

// Available implements Transport.
func (t *ClipboardTransport) Available() bool { return t.clip != nil }
