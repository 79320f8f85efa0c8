package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/dmesh/dmesh-go/internal/chunker"
	"github.com/dmesh/dmesh-go/store"
	"github.com/dmesh/dmesh-go/wire"
)

// QRTransport carries envelopes as a sweep of QR frames. One-way per
// sweep: Send returns the JSON strings to render, and reception is
// event-driven through ProcessScanned, fed by an external scanner.
// Partial chunk sets live in the chunk store, so a sweep interrupted
// today can finish tomorrow.
type QRTransport struct {
	chunks store.ChunkStore
	now    func() int64
}

// NewQR creates the QR adapter on top of a chunk store.
func NewQR(chunks store.ChunkStore) *QRTransport {
	return &QRTransport{
		chunks: chunks,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Name implements Transport.
func (t *QRTransport) Name() string { return "qr" }

// Capabilities implements Transport.
func (t *QRTransport) Capabilities() Capabilities {
	return Capabilities{
		MaxPayloadSize:   chunker.MaxQRChunk,
		SupportsChunking: true,
		Offline:          true,
	}
}

// Send splits the envelope into QR-sized chunks and returns the JSON
// strings to render, in sequence order. Envelopes that fit one frame are
// returned whole.
func (t *QRTransport) Send(ctx context.Context, env *wire.Envelope) ([]string, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if len(data) <= chunker.MaxQRChunk {
		return []string{string(data)}, nil
	}
	chunks, err := chunker.Chunk(env, chunker.MaxQRChunk)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		raw, err := ch.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, string(raw))
	}
	return out, nil
}

// SendIdentity returns the identity card as a single QR frame.
func (t *QRTransport) SendIdentity(ctx context.Context, id *wire.PublicIdentity) ([]string, error) {
	data, err := id.Marshal()
	if err != nil {
		return nil, err
	}
	return []string{string(data)}, nil
}

// ProcessScanned consumes one scanned frame. Whole envelopes and identity
// cards return immediately; chunks accumulate in the chunk store until
// their set completes, at which point the reassembled envelope is
// returned. While a set is still collecting, both results are nil.
func (t *QRTransport) ProcessScanned(ctx context.Context, data string) (*Received, error) {
	kind, err := wire.DetectKind([]byte(data))
	if err != nil {
		return nil, err
	}

	if kind != wire.KindChunk {
		item, err := parseUnit(t.Name(), []byte(data))
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, fmt.Errorf("%w: unsupported kind %q", wire.ErrInvalidFormat, kind)
		}
		return item, nil
	}

	ch, err := wire.ParseChunk([]byte(data))
	if err != nil {
		return nil, err
	}
	complete, err := t.chunks.StoreChunk(ctx, &store.PartialChunk{
		MsgID:      ch.MsgID,
		Seq:        ch.Seq,
		Total:      ch.Total,
		Data:       ch.Data,
		ReceivedAt: t.now(),
	})
	if err != nil {
		return nil, err
	}
	if complete == nil {
		return nil, nil
	}

	set := make([]*wire.Chunk, 0, len(complete))
	for _, pc := range complete {
		set = append(set, &wire.Chunk{
			V:     wire.Version,
			Kind:  wire.KindChunk,
			MsgID: pc.MsgID,
			Seq:   pc.Seq,
			Total: pc.Total,
			Data:  pc.Data,
		})
	}
	env, err := chunker.Reassemble(set)
	if err != nil {
		return nil, err
	}
	return &Received{Transport: t.Name(), Envelope: env}, nil
}

// ChunkProgress reports the received and missing sequence numbers for a
// message still being collected.
func (t *QRTransport) ChunkProgress(ctx context.Context, msgID string) (have, missing []int, err error) {
	have, total, err := t.chunks.ChunkProgress(ctx, msgID)
	if err != nil {
		return nil, nil, err
	}
	got := make(map[int]bool, len(have))
	for _, seq := range have {
		got[seq] = true
	}
	for seq := 0; seq < total; seq++ {
		if !got[seq] {
			missing = append(missing, seq)
		}
	}
	return have, missing, nil
}

// RenderTerminal draws one frame as a QR code on a terminal writer.
func (t *QRTransport) RenderTerminal(w io.Writer, frame string) {
	qrterminal.GenerateWithConfig(frame, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
}

// Receive implements Transport; QR reception is push-based via
// ProcessScanned.
func (t *QRTransport) Receive(ctx context.Context) ([]Received, error) { return nil, nil }

// StartListening implements Transport.
func (t *QRTransport) StartListening(ctx context.Context) error { return nil }

// StopListening implements Transport.
func (t *QRTransport) StopListening() error { return nil }

// Available implements Transport.
func (t *QRTransport) Available() bool { return t.chunks != nil }
