// Package peersync implements the five-phase HELLO/INV/GET/DATA/ACK
// reconciliation two briefly connected nodes run over any bidirectional
// byte channel. Every frame is Ed25519-signed by its sender; signature or
// format failures abort the session with no state change, while transport
// failures are recoverable and leave inventory and forwarding flags
// untouched until a signed ACK arrives.
package peersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dmesh/dmesh-go/internal/chunker"
	"github.com/dmesh/dmesh-go/internal/crypto"
	"github.com/dmesh/dmesh-go/store"
	"github.com/dmesh/dmesh-go/wire"
)

// ProtocolVersion is the sync protocol revision this node speaks.
const ProtocolVersion = 1

// Default session capabilities.
const (
	DefaultMaxMsgSize  = 200 * 1024
	DefaultMaxInvCount = 100
	DefaultMaxChunks   = 64
	DefaultMaxBytes    = 512 * 1024
)

var (
	// ErrSessionAborted is returned when a frame fails validation; the
	// session stops with no state change.
	ErrSessionAborted = errors.New("sync session aborted")

	// ErrRateLimited is returned when the peer exceeded its session quota.
	ErrRateLimited = errors.New("sync session rate limited")

	// ErrPeerLimit is returned when a peer frame violates the limits this
	// node advertised in its HELLO.
	ErrPeerLimit = errors.New("peer exceeded advertised limits")
)

// Handler consumes one envelope delivered during a session. The priority
// is the one advertised in the peer's inventory item, which relayed
// entries inherit. It returns whether the envelope was accepted (and so
// belongs in the ACK) and the envelope's message id.
type Handler func(ctx context.Context, env *wire.Envelope, priority int) (accepted bool, msgID string, err error)

// Config assembles everything a session needs.
type Config struct {
	// SignKP is this node's long-term signing identity.
	SignKP *crypto.SignKeyPair
	// SelfFP is this node's fingerprint, base64.
	SelfFP string
	// Store is the node's persistent state.
	Store store.Store
	// Handler consumes delivered envelopes.
	Handler Handler

	// Capabilities to advertise; zero fields take defaults.
	Capabilities wire.Capabilities
	// MaxBytes is this node's own want budget per session.
	MaxBytes int
	// Limiter bounds sessions per peer; nil disables rate limiting.
	Limiter *RateLimiter
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Now is the clock in Unix milliseconds; nil means wall clock.
	Now func() int64
}

func (c *Config) withDefaults() {
	if c.Capabilities.MaxMsgSize == 0 {
		c.Capabilities.MaxMsgSize = DefaultMaxMsgSize
	}
	if c.Capabilities.MaxInvCount == 0 {
		c.Capabilities.MaxInvCount = DefaultMaxInvCount
	}
	if c.Capabilities.MaxChunks == 0 {
		c.Capabilities.MaxChunks = DefaultMaxChunks
	}
	if len(c.Capabilities.SupportedKinds) == 0 {
		c.Capabilities.SupportedKinds = []string{wire.KindMessage, wire.KindChunk}
	}
	if c.Capabilities.ProtocolVersion == 0 {
		c.Capabilities.ProtocolVersion = ProtocolVersion
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = func() int64 { return time.Now().UnixMilli() }
	}
}

// Result summarizes a completed session.
type Result struct {
	PeerFP      string
	Offered     int // items in our inventory
	Requested   int // items the peer asked of us
	Sent        int // envelopes/chunk groups we shipped
	Received    int // envelopes we accepted
	AckedByUs   []string
	AckedByPeer []string
}

// Session drives one sync exchange with one peer. Sessions are
// single-use; the five phases run in strict order, with the symmetric
// GET/DATA/ACK leg interleaved over the same connection.
type Session struct {
	cfg  Config
	conn FrameConn

	peerFP     string
	peerSignPK []byte
	peerCaps   wire.Capabilities

	inbound chan []byte
	readErr chan error
}

// NewSession creates a session over an established connection.
func NewSession(cfg Config, conn FrameConn) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		conn:    conn,
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
	}
}

// Run executes the full exchange. On signature or format failure it
// returns ErrSessionAborted (wrapped) with no state change; on transport
// failure the underlying error is returned and the caller may retry the
// session from scratch.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	log := s.cfg.Logger

	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go s.readLoop(readCtx)

	// Phase 1: HELLO exchange pins the peer identity for every later frame.
	if err := s.sendHello(ctx); err != nil {
		return nil, err
	}
	if err := s.recvHello(ctx); err != nil {
		return nil, err
	}
	if s.cfg.Limiter != nil && !s.cfg.Limiter.Allow(s.peerFP, s.cfg.Now()) {
		return nil, fmt.Errorf("%w: peer %s", ErrRateLimited, s.peerFP)
	}
	log.Debug("sync hello complete", zap.String("peer", s.peerFP))

	// Phase 2: INV exchange.
	offered, err := s.sendInv(ctx)
	if err != nil {
		return nil, err
	}
	peerItems, err := s.recvInv(ctx)
	if err != nil {
		return nil, err
	}

	// Phase 3: GET exchange.
	want, err := SelectWants(ctx, s.cfg.Store, peerItems, s.budget())
	if err != nil {
		return nil, err
	}
	if err := s.sendGet(ctx, want); err != nil {
		return nil, err
	}
	peerWant, peerBudget, err := s.recvGet(ctx)
	if err != nil {
		return nil, err
	}

	// Phase 4: DATA exchange.
	sent, err := s.sendData(ctx, peerWant, peerBudget)
	if err != nil {
		return nil, err
	}
	received, ackIDs, err := s.recvData(ctx, peerItems)
	if err != nil {
		return nil, err
	}

	// Phase 5: ACK exchange.
	if err := s.sendAck(ctx, ackIDs); err != nil {
		return nil, err
	}
	peerAcked, err := s.recvAck(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.applyAck(ctx, peerAcked); err != nil {
		return nil, err
	}

	log.Info("sync session complete",
		zap.String("peer", s.peerFP),
		zap.Int("offered", len(offered)),
		zap.Int("sent", sent),
		zap.Int("received", received),
		zap.Int("acked_by_peer", len(peerAcked)))

	return &Result{
		PeerFP:      s.peerFP,
		Offered:     len(offered),
		Requested:   len(peerWant),
		Sent:        sent,
		Received:    received,
		AckedByUs:   ackIDs,
		AckedByPeer: peerAcked,
	}, nil
}

// readLoop feeds inbound frames to the state machine so both peers can
// write without turn-taking deadlocks.
func (s *Session) readLoop(ctx context.Context) {
	for {
		frame, err := s.conn.ReadFrame(ctx)
		if err != nil {
			select {
			case s.readErr <- err:
			default:
			}
			return
		}
		select {
		case s.inbound <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) nextFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-s.inbound:
		return frame, nil
	case err := <-s.readErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) budget() int {
	return s.cfg.MaxBytes
}

func (s *Session) writeFrame(ctx context.Context, frame any) error {
	sig, err := crypto.SignFrame(frame, s.cfg.SignKP)
	if err != nil {
		return err
	}
	data, err := marshalSigned(frame, sig)
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(ctx, data)
}

// --- phase 1: hello ---

func (s *Session) sendHello(ctx context.Context) error {
	hello := &wire.HelloFrame{
		V:            wire.Version,
		Kind:         wire.KindSyncHello,
		TS:           s.cfg.Now(),
		PeerFP:       s.cfg.SelfFP,
		PeerSignPK:   wire.ToBase64(s.cfg.SignKP.Public),
		Capabilities: s.cfg.Capabilities,
	}
	return s.writeFrame(ctx, hello)
}

func (s *Session) recvHello(ctx context.Context) error {
	frame, err := s.nextFrame(ctx)
	if err != nil {
		return err
	}
	hello, err := parseHello(frame)
	if err != nil {
		return abort(err)
	}

	signPK, err := wire.FromBase64(hello.PeerSignPK)
	if err != nil {
		return abort(err)
	}
	fp, err := crypto.Fingerprint(signPK)
	if err != nil {
		return abort(err)
	}
	if wire.ToBase64(fp) != hello.PeerFP {
		return abort(fmt.Errorf("hello fingerprint does not match signing key"))
	}
	if err := crypto.VerifyFrame(hello, signPK, hello.Signature); err != nil {
		return abort(err)
	}

	s.peerFP = hello.PeerFP
	s.peerSignPK = signPK
	s.peerCaps = hello.Capabilities
	return nil
}

// --- phase 2: inventory ---

func (s *Session) sendInv(ctx context.Context) ([]wire.InvItem, error) {
	maxItems := s.cfg.Capabilities.MaxInvCount
	if s.peerCaps.MaxInvCount > 0 && s.peerCaps.MaxInvCount < maxItems {
		maxItems = s.peerCaps.MaxInvCount
	}
	items, err := BuildInventory(ctx, s.cfg.Store, s.peerFP, s.cfg.Now(), maxItems)
	if err != nil {
		return nil, err
	}
	inv := &wire.InvFrame{
		V:     wire.Version,
		Kind:  wire.KindSyncInv,
		TS:    s.cfg.Now(),
		Items: items,
	}
	if err := s.writeFrame(ctx, inv); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Session) recvInv(ctx context.Context) ([]wire.InvItem, error) {
	frame, err := s.nextFrame(ctx)
	if err != nil {
		return nil, err
	}
	inv := &wire.InvFrame{}
	if err := parseSigned(frame, wire.KindSyncInv, inv, s.peerSignPK); err != nil {
		return nil, abort(err)
	}
	if len(inv.Items) > s.cfg.Capabilities.MaxInvCount {
		return nil, abort(fmt.Errorf("%w: %d inventory items over %d",
			ErrPeerLimit, len(inv.Items), s.cfg.Capabilities.MaxInvCount))
	}

	// Expired offers are dropped before any processing.
	now := s.cfg.Now()
	kept := inv.Items[:0]
	for _, item := range inv.Items {
		if item.Exp >= now {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

// --- phase 3: get ---

func (s *Session) sendGet(ctx context.Context, want []string) error {
	get := &wire.GetFrame{
		V:        wire.Version,
		Kind:     wire.KindSyncGet,
		TS:       s.cfg.Now(),
		Want:     want,
		MaxBytes: s.budget(),
	}
	return s.writeFrame(ctx, get)
}

func (s *Session) recvGet(ctx context.Context) ([]string, int, error) {
	frame, err := s.nextFrame(ctx)
	if err != nil {
		return nil, 0, err
	}
	get := &wire.GetFrame{}
	if err := parseSigned(frame, wire.KindSyncGet, get, s.peerSignPK); err != nil {
		return nil, 0, abort(err)
	}
	return get.Want, get.MaxBytes, nil
}

// --- phase 4: data ---

func (s *Session) sendData(ctx context.Context, want []string, budget int) (int, error) {
	maxUnits := s.peerCaps.MaxChunks
	if maxUnits <= 0 {
		maxUnits = DefaultMaxChunks
	}

	var messages [][]byte
	sent := 0
	bytesLeft := budget
	for _, msgID := range want {
		entry, err := s.cfg.Store.GetOutbox(ctx, msgID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if entry.Envelope == nil || envelopeExp(entry.Envelope) < s.cfg.Now() {
			continue
		}
		serialized, err := entry.Envelope.Marshal()
		if err != nil {
			return 0, err
		}
		if budget > 0 && len(serialized) > bytesLeft {
			continue
		}

		var units [][]byte
		if s.peerCaps.MaxMsgSize > 0 && len(serialized) > s.peerCaps.MaxMsgSize {
			chunks, err := chunker.Chunk(entry.Envelope, s.peerCaps.MaxMsgSize)
			if err != nil {
				return 0, err
			}
			for _, ch := range chunks {
				raw, err := ch.Marshal()
				if err != nil {
					return 0, err
				}
				units = append(units, raw)
			}
		} else {
			units = [][]byte{serialized}
		}

		if len(messages)+len(units) > maxUnits {
			break
		}
		messages = append(messages, units...)
		bytesLeft -= len(serialized)
		sent++

		if err := s.cfg.Store.UpdateStatus(ctx, msgID, store.StatusSent, s.cfg.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}

	data := &wire.DataFrame{
		V:        wire.Version,
		Kind:     wire.KindSyncData,
		TS:       s.cfg.Now(),
		Messages: rawMessages(messages),
	}
	if err := s.writeFrame(ctx, data); err != nil {
		return 0, err
	}
	return sent, nil
}

func (s *Session) recvData(ctx context.Context, peerItems []wire.InvItem) (int, []string, error) {
	frame, err := s.nextFrame(ctx)
	if err != nil {
		return 0, nil, err
	}
	data := &wire.DataFrame{}
	if err := parseSigned(frame, wire.KindSyncData, data, s.peerSignPK); err != nil {
		return 0, nil, abort(err)
	}
	if len(data.Messages) > s.cfg.Capabilities.MaxChunks {
		return 0, nil, abort(fmt.Errorf("%w: %d data units over %d",
			ErrPeerLimit, len(data.Messages), s.cfg.Capabilities.MaxChunks))
	}
	totalBytes := 0
	for _, raw := range data.Messages {
		totalBytes += len(raw)
	}
	// The budget counts serialized envelope sizes; chunked transfers add
	// base64 expansion plus per-unit envelope overhead on the wire.
	if limit := s.budget()*4/3 + len(data.Messages)*chunker.ChunkOverhead; totalBytes > limit {
		return 0, nil, abort(fmt.Errorf("%w: %d bytes over %d budget", ErrPeerLimit, totalBytes, limit))
	}

	priorityByID := make(map[string]int, len(peerItems))
	for _, item := range peerItems {
		priorityByID[item.MsgID] = item.Priority
	}

	received := 0
	var ackIDs []string
	for _, raw := range data.Messages {
		kind, err := wire.DetectKind(raw)
		if err != nil {
			return 0, nil, abort(err)
		}
		var env *wire.Envelope
		switch kind {
		case wire.KindMessage:
			env, err = wire.ParseEnvelope(raw)
			if err != nil {
				return 0, nil, abort(err)
			}
		case wire.KindChunk:
			env, err = s.ingestChunk(ctx, raw)
			if err != nil {
				return 0, nil, err
			}
			if env == nil {
				continue // set still collecting
			}
		default:
			return 0, nil, abort(fmt.Errorf("%w: data unit kind %q", wire.ErrInvalidFormat, kind))
		}

		if envelopeExp(env) < s.cfg.Now() {
			continue
		}
		msgID := envelopeMsgID(env)
		accepted, handledID, err := s.cfg.Handler(ctx, env, priorityByID[msgID])
		if err != nil {
			s.cfg.Logger.Warn("envelope rejected during sync",
				zap.String("peer", s.peerFP), zap.Error(err))
			continue
		}
		if accepted {
			received++
			ackIDs = append(ackIDs, handledID)
		}
	}
	return received, ackIDs, nil
}

func (s *Session) ingestChunk(ctx context.Context, raw []byte) (*wire.Envelope, error) {
	ch, err := wire.ParseChunk(raw)
	if err != nil {
		return nil, abort(err)
	}
	complete, err := s.cfg.Store.StoreChunk(ctx, &store.PartialChunk{
		MsgID:      ch.MsgID,
		Seq:        ch.Seq,
		Total:      ch.Total,
		Data:       ch.Data,
		ReceivedAt: s.cfg.Now(),
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
		return nil, abort(err)
	}
	return env, nil
}

// --- phase 5: ack ---

func (s *Session) sendAck(ctx context.Context, received []string) error {
	ack := &wire.AckFrame{
		V:        wire.Version,
		Kind:     wire.KindSyncAck,
		TS:       s.cfg.Now(),
		Received: received,
	}
	return s.writeFrame(ctx, ack)
}

func (s *Session) recvAck(ctx context.Context) ([]string, error) {
	frame, err := s.nextFrame(ctx)
	if err != nil {
		return nil, err
	}
	ack := &wire.AckFrame{}
	if err := parseSigned(frame, wire.KindSyncAck, ack, s.peerSignPK); err != nil {
		return nil, abort(err)
	}
	return ack.Received, nil
}

// applyAck records the peer's confirmations: forwarded flags always, and
// a Delivered upgrade when the confirming peer is the entry's recipient.
func (s *Session) applyAck(ctx context.Context, acked []string) error {
	now := s.cfg.Now()
	for _, msgID := range acked {
		if err := s.cfg.Store.MarkForwarded(ctx, s.peerFP, msgID, now); err != nil {
			return err
		}
		entry, err := s.cfg.Store.GetOutbox(ctx, msgID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if entry.RecipientFP == s.peerFP {
			if err := s.cfg.Store.UpdateStatus(ctx, msgID, store.StatusDelivered, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func abort(err error) error {
	return fmt.Errorf("%w: %v", ErrSessionAborted, err)
}

func envelopeMsgID(env *wire.Envelope) string {
	if env.MsgID != "" {
		return env.MsgID
	}
	ct, err := wire.FromBase64(env.Ciphertext)
	if err != nil {
		return ""
	}
	return wire.ToBase64(crypto.MessageID(ct))
}
