package dmesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dmesh/dmesh-go/internal/crypto"
	"github.com/dmesh/dmesh-go/peersync"
	"github.com/dmesh/dmesh-go/store"
	"github.com/dmesh/dmesh-go/transport"
	"github.com/dmesh/dmesh-go/wire"
)

// Messenger ties the four surfaces together: the crypto core, the store,
// pluggable transports, and the sync engine. One Messenger is one node.
type Messenger struct {
	st      store.Store
	id      *Identity
	cfg     config
	limiter *peersync.RateLimiter
	log     *zap.Logger
}

// New creates a Messenger over a store. The node has no identity until
// CreateIdentity or LoadIdentity runs.
func New(st store.Store, opts ...Option) *Messenger {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Messenger{
		st:      st,
		cfg:     cfg,
		limiter: peersync.NewRateLimiter(cfg.sessionsPerMinute),
		log:     cfg.logger,
	}
}

// Store exposes the underlying collections for direct queries.
func (m *Messenger) Store() store.Store { return m.st }

// Identity returns the node identity, or nil before creation.
func (m *Messenger) Identity() *Identity { return m.id }

// CreateIdentity generates fresh long-term keys and persists them.
func (m *Messenger) CreateIdentity(ctx context.Context, displayName string) (*Identity, error) {
	id, err := NewIdentity(displayName)
	if err != nil {
		return nil, err
	}
	err = m.st.PutOwnKeys(ctx, &store.OwnKeys{
		DisplayName: displayName,
		SignPK:      id.SignKP.Public,
		SignSK:      id.SignKP.Secret,
		BoxPK:       id.BoxKP.Public,
		BoxSK:       id.BoxKP.Secret,
		CreatedAt:   m.cfg.now(),
	})
	if err != nil {
		return nil, Classify(err)
	}
	m.id = id
	m.log.Info("identity created", zap.String("fp", id.Fingerprint()))
	return id, nil
}

// LoadIdentity restores the persisted identity.
func (m *Messenger) LoadIdentity(ctx context.Context) (*Identity, error) {
	keys, err := m.st.GetOwnKeys(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoKeys) {
			return nil, Classify(ErrNoIdentity)
		}
		return nil, Classify(err)
	}
	id, err := identityFromKeys(keys)
	if err != nil {
		return nil, err
	}
	m.id = id
	return id, nil
}

// AddContact pins a received identity card as an unverified contact.
func (m *Messenger) AddContact(ctx context.Context, card *wire.PublicIdentity) (*store.Contact, error) {
	contact, err := ContactFromIdentity(card, m.cfg.now())
	if err != nil {
		return nil, err
	}
	if existing, err := m.st.GetContact(ctx, contact.FP); err == nil {
		// Pinned key material must never change silently.
		if !bytes.Equal(existing.SignPK, contact.SignPK) || !bytes.Equal(existing.BoxPK, contact.BoxPK) {
			return nil, Classify(fmt.Errorf("%w: contact %s", crypto.ErrSenderKeyMismatch, contact.FP))
		}
		existing.DisplayName = contact.DisplayName
		existing.UpdatedAt = m.cfg.now()
		if err := m.st.SaveContact(ctx, existing); err != nil {
			return nil, Classify(err)
		}
		return existing, nil
	}
	if err := m.st.SaveContact(ctx, contact); err != nil {
		return nil, Classify(err)
	}
	m.log.Info("contact added", zap.String("fp", contact.FP), zap.String("name", contact.DisplayName))
	return contact, nil
}

// VerifyContact marks a contact verified after an out-of-band safety
// number comparison.
func (m *Messenger) VerifyContact(ctx context.Context, fp string) error {
	return Classify(m.st.VerifyContact(ctx, fp, m.cfg.now()))
}

// MarkCompromised marks a contact compromised.
func (m *Messenger) MarkCompromised(ctx context.Context, fp, reason string) error {
	return Classify(m.st.MarkCompromised(ctx, fp, reason, m.cfg.now()))
}

// SendOptions tune one Send call; the zero value sends a default-TTL
// "text" payload stamped now.
type SendOptions = crypto.EncryptOptions

// Send encrypts content to a pinned contact and queues the envelope in
// the outbox for forwarding.
func (m *Messenger) Send(ctx context.Context, recipientFP, content string, opts *SendOptions) (*wire.Envelope, error) {
	if m.id == nil {
		return nil, Classify(ErrNoIdentity)
	}
	contact, err := m.st.GetContact(ctx, recipientFP)
	if err != nil {
		return nil, Classify(err)
	}

	if opts == nil {
		opts = &SendOptions{}
	}
	if opts.TS == 0 {
		opts.TS = m.cfg.now()
	}
	env, err := crypto.Encrypt(content, m.id.SignKP, m.id.BoxKP, contact.BoxPK, opts)
	if err != nil {
		return nil, Classify(err)
	}

	payloadType := opts.PayloadType
	if payloadType == "" {
		payloadType = "text"
	}
	entry := &store.OutboxEntry{
		MsgID:       env.MsgID,
		RecipientFP: recipientFP,
		Envelope:    env,
		CreatedAt:   m.cfg.now(),
		Status:      store.StatusPending,
		PayloadType: payloadType,
		Priority:    peersync.PriorityFor(payloadType, opts.PayloadExtra),
	}
	if err := m.st.AddOutbox(ctx, entry); err != nil {
		return nil, Classify(err)
	}
	m.log.Debug("message queued",
		zap.String("recipient", recipientFP),
		zap.String("msgId", env.MsgID),
		zap.Int("priority", entry.Priority))
	return env, nil
}

// HandleEnvelope processes one inbound envelope. Envelopes addressed to
// this node are decrypted under the configured mode and policy, checked
// against the seen-set, and written to the inbox; envelopes addressed to
// someone else are queued for relay with the given priority. The returned
// id is the one to acknowledge, empty when the envelope was not accepted.
func (m *Messenger) HandleEnvelope(ctx context.Context, env *wire.Envelope, priority int) (accepted bool, msgID string, err error) {
	if m.id == nil {
		return false, "", Classify(ErrNoIdentity)
	}

	recipientBoxPK, err := wire.FromBase64(env.RecipientBoxPK)
	if err != nil {
		return false, "", Classify(err)
	}
	if !bytes.Equal(recipientBoxPK, m.id.BoxKP.Public) {
		return m.relay(ctx, env, priority)
	}

	entry, err := m.receiveOwn(ctx, env)
	if err != nil {
		return false, "", err
	}
	return true, entry.MsgID, nil
}

// relay queues an envelope addressed to another party for store-and-forward.
func (m *Messenger) relay(ctx context.Context, env *wire.Envelope, priority int) (bool, string, error) {
	now := m.cfg.now()
	exp := env.Exp
	if exp == 0 {
		exp = env.TS + crypto.DefaultTTLMillis
	}
	if exp < now {
		return false, "", Classify(crypto.ErrMessageExpired)
	}

	ct, err := wire.FromBase64(env.Ciphertext)
	if err != nil {
		return false, "", Classify(err)
	}
	msgID := wire.ToBase64(crypto.MessageID(ct))
	if env.MsgID != "" && env.MsgID != msgID {
		return false, "", Classify(crypto.ErrMessageIDMismatch)
	}

	if _, err := m.st.GetOutbox(ctx, msgID); err == nil {
		return true, msgID, nil // already carrying it
	}

	err = m.st.AddOutbox(ctx, &store.OutboxEntry{
		MsgID:       msgID,
		RecipientFP: "", // recipient fingerprint is unknown for relayed mail
		Envelope:    env,
		CreatedAt:   now,
		Status:      store.StatusPending,
		Priority:    priority,
	})
	if err != nil {
		return false, "", Classify(err)
	}
	m.log.Debug("relay queued", zap.String("msgId", msgID), zap.Int("priority", priority))
	return true, msgID, nil
}

// receiveOwn runs the full decrypt state machine for an envelope
// addressed to this node and writes the inbox entry.
func (m *Messenger) receiveOwn(ctx context.Context, env *wire.Envelope) (*store.InboxEntry, error) {
	senderSignPK, err := wire.FromBase64(env.SenderSignPK)
	if err != nil {
		return nil, Classify(err)
	}
	senderFPBytes, err := crypto.Fingerprint(senderSignPK)
	if err != nil {
		return nil, Classify(err)
	}
	senderFP := wire.ToBase64(senderFPBytes)

	contact, contactErr := m.st.GetContact(ctx, senderFP)
	if contactErr != nil && !errors.Is(contactErr, store.ErrNotFound) {
		return nil, Classify(contactErr)
	}
	known := contactErr == nil
	if !known && m.cfg.policy == RequireKnownContact {
		return nil, Classify(fmt.Errorf("%w: %s", ErrUnknownSender, senderFP))
	}

	opts := &crypto.DecryptOptions{
		Mode: m.cfg.mode,
		Now:  m.cfg.now(),
		Replay: func(msgID, fp []byte) (bool, error) {
			return m.st.CheckAndMark(ctx, wire.ToBase64(msgID), wire.ToBase64(fp), m.cfg.now())
		},
	}
	if known {
		opts.ExpectedSenderSignPK = contact.SignPK
		opts.ExpectedSenderBoxPK = contact.BoxPK
	}

	dec, err := crypto.Decrypt(env, m.id.BoxKP, opts)
	if err != nil {
		m.log.Warn("decrypt rejected", zap.String("sender", senderFP), zap.Error(err))
		return nil, Classify(err)
	}

	entry := &store.InboxEntry{
		MsgID:       wire.ToBase64(dec.MsgID),
		SenderFP:    senderFP,
		Content:     dec.Content,
		PayloadType: dec.PayloadType,
		Payload:     dec.Payload,
		TS:          dec.TS,
		ReceivedAt:  m.cfg.now(),
		Envelope:    env,
	}
	if err := m.st.AddInbox(ctx, entry); err != nil {
		return nil, Classify(err)
	}

	// Trust on first use: pin the observed keys as an unverified contact.
	if !known && m.cfg.policy == TrustOnFirstUse {
		now := m.cfg.now()
		err := m.st.SaveContact(ctx, &store.Contact{
			FP:           senderFP,
			SignPK:       dec.SenderSignPK,
			BoxPK:        dec.SenderBoxPK,
			Verification: store.Unverified,
			AddedAt:      now,
			UpdatedAt:    now,
		})
		if err != nil {
			return nil, Classify(err)
		}
		m.log.Info("contact pinned on first use", zap.String("fp", senderFP))
	}
	return entry, nil
}

// HandleReceived routes a transport item: envelopes through
// HandleEnvelope, identity cards through AddContact.
func (m *Messenger) HandleReceived(ctx context.Context, item transport.Received) error {
	switch {
	case item.Envelope != nil:
		_, _, err := m.HandleEnvelope(ctx, item.Envelope, peersync.PriorityBulk)
		return err
	case item.Identity != nil:
		_, err := m.AddContact(ctx, item.Identity)
		return err
	default:
		return Classify(wire.ErrInvalidFormat)
	}
}

// SyncWith runs one five-phase sync session over an established frame
// connection.
func (m *Messenger) SyncWith(ctx context.Context, conn peersync.FrameConn) (*peersync.Result, error) {
	if m.id == nil {
		return nil, Classify(ErrNoIdentity)
	}
	session := peersync.NewSession(peersync.Config{
		SignKP:   m.id.SignKP,
		SelfFP:   m.id.Fingerprint(),
		Store:    m.st,
		Handler:  m.HandleEnvelope,
		MaxBytes: m.cfg.syncMaxBytes,
		Limiter:  m.limiter,
		Logger:   m.log,
		Now:      m.cfg.now,
	}, conn)
	result, err := session.Run(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	return result, nil
}

// RunMaintenance sweeps expired seen entries and stale partial chunks,
// and fails outbox entries past their attempt budget.
func (m *Messenger) RunMaintenance(ctx context.Context) error {
	now := m.cfg.now()
	if err := m.st.RunMaintenance(ctx, now); err != nil {
		return Classify(err)
	}
	pending, err := m.st.Pending(ctx)
	if err != nil {
		return Classify(err)
	}
	for _, e := range pending {
		if e.Attempts >= m.cfg.maxAttempts {
			if err := m.st.UpdateStatus(ctx, e.MsgID, store.StatusFailed, 0); err != nil {
				return Classify(err)
			}
			m.log.Warn("outbox entry failed",
				zap.String("msgId", e.MsgID), zap.Int("attempts", e.Attempts))
		}
	}
	return nil
}

// Stats returns per-collection record counts.
func (m *Messenger) Stats(ctx context.Context) (*store.Stats, error) {
	stats, err := m.st.Stats(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	return stats, nil
}

// Reset destroys the identity and every derived collection.
func (m *Messenger) Reset(ctx context.Context) error {
	if err := m.st.Reset(ctx); err != nil {
		return Classify(err)
	}
	if m.id != nil {
		crypto.Zeroize(m.id.SignKP.Secret)
		crypto.Zeroize(m.id.BoxKP.Secret)
	}
	m.id = nil
	m.log.Info("node reset")
	return nil
}
