// Package transport provides capability-polymorphic carriers for dmesh wire
// objects: a clipboard adapter, a QR adapter with chunked reception, and a
// file adapter, plus a Manager that owns the registry and fans incoming
// traffic out to subscribers.
//
// Adapters speak behavior, not host APIs: the clipboard adapter consumes an
// injected Clipboard capability, the QR adapter consumes scan results fed by
// an external scanner, and the file adapter works on byte blobs.
package transport

import (
	"context"
	"errors"

	"github.com/dmesh/dmesh-go/wire"
)

var (
	// ErrUnknownTransport is returned when a name is not registered.
	ErrUnknownTransport = errors.New("unknown transport")

	// ErrUnavailable is returned when an adapter's carrier is not usable.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrTransport wraps carrier-level I/O failures. Sessions treat these
	// as recoverable: the operation may be retried with no state change.
	ErrTransport = errors.New("transport error")
)

// Capabilities describe what a carrier can do; the sync engine and callers
// use them to pick transports and bound payload sizes.
type Capabilities struct {
	// MaxPayloadSize is the size in bytes above which a chunking carrier
	// splits an envelope; 0 means unbounded. A chunk frame carries
	// MaxPayloadSize-ChunkOverhead raw bytes as base64, so the frame
	// itself can be larger than MaxPayloadSize.
	MaxPayloadSize int
	// SupportsChunking reports whether oversized envelopes are split.
	SupportsChunking bool
	// Bidirectional reports whether the carrier both sends and receives.
	Bidirectional bool
	// Realtime reports whether delivery is immediate once connected.
	Realtime bool
	// Offline reports whether the carrier works without infrastructure.
	Offline bool
	// PeerDiscovery reports whether the carrier can find nearby peers.
	PeerDiscovery bool
}

// Received is one inbound wire object tagged with its originating carrier.
// Exactly one of Envelope and Identity is set.
type Received struct {
	Transport string
	Envelope  *wire.Envelope
	Identity  *wire.PublicIdentity
}

// Transport is the capability the core consumes. Send returns the
// serialized units the carrier must move; a chunking carrier may return
// more than one. Receive polls the carrier and may return nothing.
type Transport interface {
	Name() string
	Capabilities() Capabilities
	Send(ctx context.Context, env *wire.Envelope) ([]string, error)
	Receive(ctx context.Context) ([]Received, error)
	StartListening(ctx context.Context) error
	StopListening() error
	Available() bool
}

// IdentitySender is implemented by adapters that can carry identity cards
// in addition to messages.
type IdentitySender interface {
	SendIdentity(ctx context.Context, id *wire.PublicIdentity) ([]string, error)
}

// parseUnit classifies one serialized wire object into a Received item.
// Unknown kinds return (nil, nil); the caller skips them.
func parseUnit(transportName string, data []byte) (*Received, error) {
	kind, err := wire.DetectKind(data)
	if err != nil {
		return nil, err
	}
	switch kind {
	case wire.KindMessage:
		env, err := wire.ParseEnvelope(data)
		if err != nil {
			return nil, err
		}
		return &Received{Transport: transportName, Envelope: env}, nil
	case wire.KindIdentity:
		id, err := wire.ParsePublicIdentity(data)
		if err != nil {
			return nil, err
		}
		return &Received{Transport: transportName, Identity: id}, nil
	default:
		return nil, nil
	}
}
