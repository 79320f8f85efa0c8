// Package chunker splits serialized envelopes into transport-sized chunks
// and reassembles received chunk sets.
//
// Chunks are not individually signed. Integrity rests on the reassembled
// envelope's signature; the msg_id field binds every chunk to one ciphertext.
package chunker

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dmesh/dmesh-go/internal/crypto"
	"github.com/dmesh/dmesh-go/wire"
)

// Recommended chunk upper bounds per transport carrier.
const (
	MaxQRChunk   = 2048
	MaxSMSChunk  = 1200
	MaxLoRaChunk = 200
	MaxBLEChunk  = 512

	// ChunkOverhead accounts for the chunk envelope JSON around the data
	// payload. The usable data size per chunk is max_chunk_size minus this.
	ChunkOverhead = 150
)

var (
	// ErrChunkTooSmall is returned when max_chunk_size leaves no room for
	// data after the chunk envelope overhead.
	ErrChunkTooSmall = errors.New("chunk size too small")

	// ErrIncompleteChunks is returned when a chunk set is missing members.
	ErrIncompleteChunks = errors.New("incomplete chunk set")

	// ErrMissingSequence is returned when a chunk set has gaps or
	// duplicate sequence numbers.
	ErrMissingSequence = errors.New("missing chunk sequence")
)

// Chunk splits a serialized envelope into chunks carrying at most
// maxChunkSize-ChunkOverhead raw bytes of it each. The data field is
// base64, so a chunk's wire size exceeds that raw slice by a third plus
// the chunk JSON. Every chunk shares the envelope's message id and the
// total count.
func Chunk(env *wire.Envelope, maxChunkSize int) ([]*wire.Chunk, error) {
	dataSize := maxChunkSize - ChunkOverhead
	if dataSize <= 0 {
		return nil, fmt.Errorf("%w: %d bytes leaves no data room", ErrChunkTooSmall, maxChunkSize)
	}

	ciphertext, err := wire.FromBase64(env.Ciphertext)
	if err != nil {
		return nil, err
	}
	msgID := wire.ToBase64(crypto.MessageID(ciphertext))

	serialized, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	total := (len(serialized) + dataSize - 1) / dataSize
	chunks := make([]*wire.Chunk, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * dataSize
		end := start + dataSize
		if end > len(serialized) {
			end = len(serialized)
		}
		chunks = append(chunks, &wire.Chunk{
			V:     wire.Version,
			Kind:  wire.KindChunk,
			MsgID: msgID,
			Seq:   seq,
			Total: total,
			Data:  wire.ToBase64(serialized[start:end]),
		})
	}
	return chunks, nil
}

// Reassemble rebuilds an envelope from a complete chunk set. The set may
// arrive in any order; it must contain exactly total chunks with
// consecutive sequence numbers and a single shared message id.
func Reassemble(chunks []*wire.Chunk) (*wire.Envelope, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: empty set", ErrIncompleteChunks)
	}

	sorted := make([]*wire.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	total := sorted[0].Total
	msgID := sorted[0].MsgID
	if len(sorted) != total {
		return nil, fmt.Errorf("%w: have %d of %d", ErrIncompleteChunks, len(sorted), total)
	}

	var serialized []byte
	for i, ch := range sorted {
		if ch.MsgID != msgID {
			return nil, fmt.Errorf("%w: chunk %d belongs to another message", crypto.ErrMessageIDMismatch, ch.Seq)
		}
		if ch.Total != total {
			return nil, fmt.Errorf("%w: chunk %d declares total %d, want %d", ErrMissingSequence, ch.Seq, ch.Total, total)
		}
		if ch.Seq != i {
			return nil, fmt.Errorf("%w: want seq %d, have %d", ErrMissingSequence, i, ch.Seq)
		}
		data, err := wire.FromBase64(ch.Data)
		if err != nil {
			return nil, err
		}
		serialized = append(serialized, data...)
	}

	env, err := wire.ParseEnvelope(serialized)
	if err != nil {
		return nil, err
	}

	// The set's msg_id must bind to the carried ciphertext.
	ciphertext, err := wire.FromBase64(env.Ciphertext)
	if err != nil {
		return nil, err
	}
	if wire.ToBase64(crypto.MessageID(ciphertext)) != msgID {
		return nil, fmt.Errorf("%w: chunk set does not match carried ciphertext", crypto.ErrMessageIDMismatch)
	}
	return env, nil
}
