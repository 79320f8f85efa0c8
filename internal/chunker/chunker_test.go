package chunker

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/dmesh/dmesh-go/internal/crypto"
	"github.com/dmesh/dmesh-go/wire"
)

func testEnvelope(t *testing.T, contentSize int) *wire.Envelope {
	t.Helper()
	sign, err := crypto.GenerateSignKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	box, err := crypto.GenerateBoxKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	recipient, err := crypto.GenerateBoxKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	env, err := crypto.Encrypt(strings.Repeat("A", contentSize), sign, box, recipient.Public, &crypto.EncryptOptions{TS: 1706012345678})
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestChunkReassemble_RoundTrip(t *testing.T) {
	t.Parallel()
	env := testEnvelope(t, 5*1024)

	chunks, err := Chunk(env, MaxQRChunk)
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}

	serialized, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	dataSize := MaxQRChunk - ChunkOverhead
	wantTotal := (len(serialized) + dataSize - 1) / dataSize
	if len(chunks) != wantTotal {
		t.Errorf("chunk count = %d, want %d", len(chunks), wantTotal)
	}
	for _, ch := range chunks {
		if ch.Total != wantTotal {
			t.Errorf("chunk %d total = %d, want %d", ch.Seq, ch.Total, wantTotal)
		}
		if ch.MsgID != chunks[0].MsgID {
			t.Errorf("chunk %d carries a different msg id", ch.Seq)
		}
	}

	// Arrival order is whatever the carrier produced.
	shuffled := make([]*wire.Chunk, len(chunks))
	copy(shuffled, chunks)
	rand.New(rand.NewSource(42)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	got, err := Reassemble(shuffled)
	if err != nil {
		t.Fatalf("Reassemble() error = %v", err)
	}
	if *got != *env {
		t.Errorf("reassembled envelope differs:\n got %+v\nwant %+v", got, env)
	}
}

func TestChunkReassemble_Sizes(t *testing.T) {
	t.Parallel()
	sizes := []struct {
		name string
		max  int
	}{
		{"qr", MaxQRChunk},
		{"sms", MaxSMSChunk},
		{"lora", MaxLoRaChunk},
		{"ble", MaxBLEChunk},
	}
	for _, tt := range sizes {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := testEnvelope(t, 2048)
			chunks, err := Chunk(env, tt.max)
			if err != nil {
				t.Fatalf("Chunk(%d) error = %v", tt.max, err)
			}
			// Each chunk carries max-ChunkOverhead raw bytes, base64-encoded,
			// inside chunk JSON of at most ChunkOverhead bytes.
			bound := (tt.max-ChunkOverhead+2)/3*4 + ChunkOverhead
			for _, ch := range chunks {
				raw, err := ch.Marshal()
				if err != nil {
					t.Fatal(err)
				}
				if len(raw) > bound {
					t.Errorf("chunk %d wire size %d over bound %d", ch.Seq, len(raw), bound)
				}
			}
			got, err := Reassemble(chunks)
			if err != nil {
				t.Fatalf("Reassemble() error = %v", err)
			}
			if *got != *env {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestChunk_TooSmall(t *testing.T) {
	t.Parallel()
	env := testEnvelope(t, 64)
	if _, err := Chunk(env, ChunkOverhead); !errors.Is(err, ErrChunkTooSmall) {
		t.Errorf("Chunk(overhead) error = %v, want %v", err, ErrChunkTooSmall)
	}
	if _, err := Chunk(env, ChunkOverhead-10); !errors.Is(err, ErrChunkTooSmall) {
		t.Errorf("Chunk(small) error = %v, want %v", err, ErrChunkTooSmall)
	}
}

func TestReassemble_Failures(t *testing.T) {
	t.Parallel()
	env := testEnvelope(t, 4096)
	chunks, err := Chunk(env, MaxQRChunk)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 3 {
		t.Fatalf("need at least 3 chunks, have %d", len(chunks))
	}

	t.Run("empty set", func(t *testing.T) {
		if _, err := Reassemble(nil); !errors.Is(err, ErrIncompleteChunks) {
			t.Errorf("error = %v, want %v", err, ErrIncompleteChunks)
		}
	})

	t.Run("missing chunk", func(t *testing.T) {
		if _, err := Reassemble(chunks[:len(chunks)-1]); !errors.Is(err, ErrIncompleteChunks) {
			t.Errorf("error = %v, want %v", err, ErrIncompleteChunks)
		}
	})

	t.Run("duplicate seq", func(t *testing.T) {
		dup := make([]*wire.Chunk, len(chunks))
		copy(dup, chunks)
		dup[1] = dup[0]
		if _, err := Reassemble(dup); !errors.Is(err, ErrMissingSequence) {
			t.Errorf("error = %v, want %v", err, ErrMissingSequence)
		}
	})

	t.Run("foreign chunk mixed in", func(t *testing.T) {
		other := testEnvelope(t, 4096)
		otherChunks, err := Chunk(other, MaxQRChunk)
		if err != nil {
			t.Fatal(err)
		}
		mixed := make([]*wire.Chunk, len(chunks))
		copy(mixed, chunks)
		foreign := *otherChunks[1]
		foreign.Total = chunks[0].Total
		mixed[1] = &foreign
		if _, err := Reassemble(mixed); !errors.Is(err, crypto.ErrMessageIDMismatch) {
			t.Errorf("error = %v, want %v", err, crypto.ErrMessageIDMismatch)
		}
	})

	t.Run("msg id does not match carried ciphertext", func(t *testing.T) {
		relabeled := make([]*wire.Chunk, len(chunks))
		for i, ch := range chunks {
			cp := *ch
			cp.MsgID = wire.ToBase64(crypto.MessageID([]byte("someone else")))
			relabeled[i] = &cp
		}
		if _, err := Reassemble(relabeled); !errors.Is(err, crypto.ErrMessageIDMismatch) {
			t.Errorf("error = %v, want %v", err, crypto.ErrMessageIDMismatch)
		}
	})
}

func TestChunkReassemble_SingleChunk(t *testing.T) {
	t.Parallel()
	env := testEnvelope(t, 8)
	chunks, err := Chunk(env, 64*1024)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunk count = %d, want 1", len(chunks))
	}
	got, err := Reassemble(chunks)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *env {
		t.Error("single-chunk round trip mismatch")
	}
}
