// Package store defines the persistent collections of a dmesh node and the
// contracts an engine must honor: a multi-table key-value store with atomic
// single-table writes, an atomic check-and-insert on the seen table, and
// the secondary indices named on each collection.
//
// Two engines ship with the module: Memory (the reference engine, also the
// concurrency model's baseline) and Redis. Message ids and fingerprints are
// carried as the same padded base64 strings used on the wire, so engine keys
// match wire identifiers byte for byte.
package store

import (
	"context"
	"errors"

	"github.com/dmesh/dmesh-go/wire"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrNoKeys is returned when the keys table is empty.
	ErrNoKeys = errors.New("no stored keys")

	// ErrStorage wraps engine-level failures (connection loss, corrupt
	// records). Callers decide whether to retry; the store never does.
	ErrStorage = errors.New("storage error")
)

// Verification is the trust state of a contact.
type Verification string

const (
	Unverified  Verification = "unverified"
	Verified    Verification = "verified"
	Compromised Verification = "compromised"
)

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	StatusPending   OutboxStatus = "pending"
	StatusSent      OutboxStatus = "sent"
	StatusDelivered OutboxStatus = "delivered"
	StatusFailed    OutboxStatus = "failed"
)

// OwnKeys is the device's long-term key material. Persisting it is an
// explicit caller decision; no other operation writes secrets.
type OwnKeys struct {
	DisplayName string `json:"displayName"`
	SignPK      []byte `json:"signPK"`
	SignSK      []byte `json:"signSK"`
	BoxPK       []byte `json:"boxPK"`
	BoxSK       []byte `json:"boxSK"`
	CreatedAt   int64  `json:"createdAt"`
}

// Contact is a pinned peer identity. Primary key: FP. Secondary index:
// Verification. Once recorded, the key material for a fingerprint must not
// change silently; decryption surfaces any attempted change as an error.
type Contact struct {
	FP                string       `json:"fp"`
	SignPK            []byte       `json:"signPK"`
	BoxPK             []byte       `json:"boxPK"`
	DisplayName       string       `json:"displayName"`
	Verification      Verification `json:"verification"`
	AddedAt           int64        `json:"addedAt"`
	UpdatedAt         int64        `json:"updatedAt"`
	VerifiedAt        int64        `json:"verifiedAt,omitempty"`
	CompromisedAt     int64        `json:"compromisedAt,omitempty"`
	CompromisedReason string       `json:"compromisedReason,omitempty"`
}

// OutboxEntry is a message queued for forwarding. Primary key: MsgID.
// Indices: Status, RecipientFP.
//
// PayloadType and Priority exist because the payload is opaque once sealed:
// the author records them at encrypt time, and relayed entries inherit the
// priority advertised by the inventory item that delivered them.
type OutboxEntry struct {
	MsgID       string         `json:"msgId"`
	RecipientFP string         `json:"recipientFP"`
	Envelope    *wire.Envelope `json:"envelope"`
	CreatedAt   int64          `json:"createdAt"`
	Status      OutboxStatus   `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt int64          `json:"lastAttempt,omitempty"`
	PayloadType string         `json:"payloadType,omitempty"`
	Priority    int            `json:"priority"`
}

// InboxEntry is a received, decrypted message. Primary key: MsgID.
// Indices: SenderFP, PayloadType, Read.
type InboxEntry struct {
	MsgID       string         `json:"msgId"`
	SenderFP    string         `json:"senderFP"`
	Content     string         `json:"content"`
	PayloadType string         `json:"payloadType"`
	Payload     map[string]any `json:"payload,omitempty"`
	TS          int64          `json:"ts"`
	ReceivedAt  int64          `json:"receivedAt"`
	Read        bool           `json:"read"`
	Envelope    *wire.Envelope `json:"envelope"`
}

// SeenEntry is a replay-protection record keyed "msg_id:sender_fp".
type SeenEntry struct {
	MsgID    string `json:"msgId"`
	SenderFP string `json:"senderFP"`
	SeenAt   int64  `json:"seenAt"`
}

// ForwardedEntry records that a peer holds a message, keyed
// "peer_fp:msg_id". Used to suppress redundant offers during sync.
type ForwardedEntry struct {
	PeerFP      string `json:"peerFP"`
	MsgID       string `json:"msgId"`
	ForwardedAt int64  `json:"forwardedAt"`
}

// PartialChunk is one received chunk of a not-yet-complete message, keyed
// "msg_id:seq" and indexed on MsgID.
type PartialChunk struct {
	MsgID      string `json:"msgId"`
	Seq        int    `json:"seq"`
	Total      int    `json:"total"`
	Data       string `json:"data"`
	ReceivedAt int64  `json:"receivedAt"`
}

// Stats reports per-collection record counts.
type Stats struct {
	Contacts      int `json:"contacts"`
	Outbox        int `json:"outbox"`
	Inbox         int `json:"inbox"`
	Seen          int `json:"seen"`
	Forwarded     int `json:"forwarded"`
	PartialChunks int `json:"partialChunks"`
}

// KeysStore persists the device's own key material.
type KeysStore interface {
	PutOwnKeys(ctx context.Context, keys *OwnKeys) error
	GetOwnKeys(ctx context.Context) (*OwnKeys, error)
	DeleteOwnKeys(ctx context.Context) error
}

// ContactStore persists pinned peer identities.
type ContactStore interface {
	SaveContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, fp string) (*Contact, error)
	AllContacts(ctx context.Context) ([]*Contact, error)
	ContactsWhere(ctx context.Context, v Verification) ([]*Contact, error)
	VerifyContact(ctx context.Context, fp string, at int64) error
	MarkCompromised(ctx context.Context, fp, reason string, at int64) error
	DeleteContact(ctx context.Context, fp string) error
}

// OutboxStore persists the forwarding queue.
type OutboxStore interface {
	AddOutbox(ctx context.Context, e *OutboxEntry) error
	GetOutbox(ctx context.Context, msgID string) (*OutboxEntry, error)
	Pending(ctx context.Context) ([]*OutboxEntry, error)
	ForRecipient(ctx context.Context, fp string) ([]*OutboxEntry, error)
	UpdateStatus(ctx context.Context, msgID string, status OutboxStatus, attempted int64) error
	RemoveOutbox(ctx context.Context, msgID string) error
}

// InboxStore persists received messages.
type InboxStore interface {
	AddInbox(ctx context.Context, e *InboxEntry) error
	AllInbox(ctx context.Context) ([]*InboxEntry, error) // received_at descending
	Unread(ctx context.Context) ([]*InboxEntry, error)
	FromSender(ctx context.Context, fp string) ([]*InboxEntry, error)
	ByType(ctx context.Context, payloadType string) ([]*InboxEntry, error)
	MarkRead(ctx context.Context, msgID string) error
	DeleteInbox(ctx context.Context, msgID string) error
}

// SeenStore is the replay-protection table. CheckAndMark must be atomic:
// for a given (msgID, senderFP) pair, concurrent calls yield exactly one
// true. Has never mutates.
type SeenStore interface {
	CheckAndMark(ctx context.Context, msgID, senderFP string, at int64) (bool, error)
	Has(ctx context.Context, msgID, senderFP string) (bool, error)
	// HasMessage reports whether the message id was seen under any sender.
	// The sync engine filters inventory offers with it, where only the id
	// is known until the envelope arrives.
	HasMessage(ctx context.Context, msgID string) (bool, error)
	CleanupSeen(ctx context.Context, now, maxAgeMillis int64) (int, error)
}

// ForwardedStore tracks which peers already hold which messages.
type ForwardedStore interface {
	MarkForwarded(ctx context.Context, peerFP, msgID string, at int64) error
	WasForwarded(ctx context.Context, peerFP, msgID string) (bool, error)
	ForwardedTo(ctx context.Context, peerFP string) ([]string, error)
}

// ChunkStore buffers partial chunk sets. StoreChunk inserts the chunk and,
// when the set for its message id becomes complete, deletes the partial
// entries and returns the full set sorted by sequence — in one transaction.
// While incomplete it returns nil.
type ChunkStore interface {
	StoreChunk(ctx context.Context, c *PartialChunk) ([]*PartialChunk, error)
	ChunkProgress(ctx context.Context, msgID string) (have []int, total int, err error)
	CleanupChunks(ctx context.Context, now, maxAgeMillis int64) (int, error)
}

// Store aggregates every collection plus maintenance.
type Store interface {
	KeysStore
	ContactStore
	OutboxStore
	InboxStore
	SeenStore
	ForwardedStore
	ChunkStore

	// RunMaintenance sweeps expired seen entries and stale partial chunks.
	RunMaintenance(ctx context.Context, now int64) error
	// Stats returns per-collection counts.
	Stats(ctx context.Context) (*Stats, error)
	// Reset clears every collection including the keys table.
	Reset(ctx context.Context) error
}

// SeenKey builds the canonical seen-table key.
func SeenKey(msgID, senderFP string) string { return msgID + ":" + senderFP }

// ForwardedKey builds the canonical forwarded-table key.
func ForwardedKey(peerFP, msgID string) string { return peerFP + ":" + msgID }

// SeenRetentionMillis is how long replay-protection entries are kept
// before the maintenance sweep removes them.
const SeenRetentionMillis = int64(30 * 24 * 3600 * 1000)

// ChunkAgeLimitMillis is the age after which partial chunk sets are swept.
const ChunkAgeLimitMillis = int64(24 * 3600 * 1000)

// MaxPartialChunksPerMessage bounds the partial buffer per message id;
// on overflow the oldest chunk is dropped. Unsigned chunks are attacker
// controlled, so the buffer must not grow without bound.
const MaxPartialChunksPerMessage = 64
