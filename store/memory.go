package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// Memory is the reference in-process engine. A single mutex per store makes
// every method linearizable, which is exactly the contract CheckAndMark
// needs; collections are small enough (human-scale peer sets) that index
// scans are cheaper than maintaining parallel maps.
type Memory struct {
	mu sync.RWMutex

	keys      *OwnKeys
	contacts  map[string]*Contact
	outbox    map[string]*OutboxEntry
	inbox     map[string]*InboxEntry
	seen      map[string]*SeenEntry
	forwarded map[string]*ForwardedEntry
	chunks    map[string]*PartialChunk // keyed msg_id:seq
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.keys = nil
	m.contacts = make(map[string]*Contact)
	m.outbox = make(map[string]*OutboxEntry)
	m.inbox = make(map[string]*InboxEntry)
	m.seen = make(map[string]*SeenEntry)
	m.forwarded = make(map[string]*ForwardedEntry)
	m.chunks = make(map[string]*PartialChunk)
}

// --- keys ---

func (m *Memory) PutOwnKeys(ctx context.Context, keys *OwnKeys) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *keys
	m.keys = &cp
	return nil
}

func (m *Memory) GetOwnKeys(ctx context.Context) (*OwnKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keys == nil {
		return nil, ErrNoKeys
	}
	cp := *m.keys
	return &cp, nil
}

func (m *Memory) DeleteOwnKeys(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = nil
	return nil
}

// --- contacts ---

func (m *Memory) SaveContact(ctx context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.contacts[c.FP] = &cp
	return nil
}

func (m *Memory) GetContact(ctx context.Context, fp string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[fp]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) AllContacts(ctx context.Context) ([]*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt < out[j].AddedAt })
	return out, nil
}

func (m *Memory) ContactsWhere(ctx context.Context, v Verification) ([]*Contact, error) {
	all, err := m.AllContacts(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.Verification == v {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) VerifyContact(ctx context.Context, fp string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[fp]
	if !ok {
		return ErrNotFound
	}
	c.Verification = Verified
	c.VerifiedAt = at
	c.UpdatedAt = at
	return nil
}

func (m *Memory) MarkCompromised(ctx context.Context, fp, reason string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[fp]
	if !ok {
		return ErrNotFound
	}
	c.Verification = Compromised
	c.CompromisedAt = at
	c.CompromisedReason = reason
	c.UpdatedAt = at
	return nil
}

func (m *Memory) DeleteContact(ctx context.Context, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contacts[fp]; !ok {
		return ErrNotFound
	}
	delete(m.contacts, fp)
	return nil
}

// --- outbox ---

func (m *Memory) AddOutbox(ctx context.Context, e *OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.outbox[e.MsgID] = &cp
	return nil
}

func (m *Memory) GetOutbox(ctx context.Context, msgID string) (*OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.outbox[msgID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) Pending(ctx context.Context) ([]*OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*OutboxEntry
	for _, e := range m.outbox {
		if e.Status == StatusPending || e.Status == StatusSent {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *Memory) ForRecipient(ctx context.Context, fp string) ([]*OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*OutboxEntry
	for _, e := range m.outbox {
		if e.RecipientFP == fp {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, msgID string, status OutboxStatus, attempted int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[msgID]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	if attempted > 0 {
		e.Attempts++
		e.LastAttempt = attempted
	}
	return nil
}

func (m *Memory) RemoveOutbox(ctx context.Context, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outbox[msgID]; !ok {
		return ErrNotFound
	}
	delete(m.outbox, msgID)
	return nil
}

// --- inbox ---

func (m *Memory) AddInbox(ctx context.Context, e *InboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.inbox[e.MsgID] = &cp
	return nil
}

func (m *Memory) AllInbox(ctx context.Context) ([]*InboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*InboxEntry, 0, len(m.inbox))
	for _, e := range m.inbox {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt > out[j].ReceivedAt })
	return out, nil
}

func (m *Memory) Unread(ctx context.Context) ([]*InboxEntry, error) {
	all, err := m.AllInbox(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if !e.Read {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) FromSender(ctx context.Context, fp string) ([]*InboxEntry, error) {
	all, err := m.AllInbox(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.SenderFP == fp {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ByType(ctx context.Context, payloadType string) ([]*InboxEntry, error) {
	all, err := m.AllInbox(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.PayloadType == payloadType {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) MarkRead(ctx context.Context, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.inbox[msgID]
	if !ok {
		return ErrNotFound
	}
	e.Read = true
	return nil
}

func (m *Memory) DeleteInbox(ctx context.Context, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inbox[msgID]; !ok {
		return ErrNotFound
	}
	delete(m.inbox, msgID)
	return nil
}

// --- seen ---

func (m *Memory) CheckAndMark(ctx context.Context, msgID, senderFP string, at int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := SeenKey(msgID, senderFP)
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = &SeenEntry{MsgID: msgID, SenderFP: senderFP, SeenAt: at}
	return true, nil
}

func (m *Memory) Has(ctx context.Context, msgID, senderFP string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[SeenKey(msgID, senderFP)]
	return ok, nil
}

func (m *Memory) HasMessage(ctx context.Context, msgID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.seen {
		if e.MsgID == msgID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CleanupSeen(ctx context.Context, now, maxAgeMillis int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, e := range m.seen {
		if now-e.SeenAt > maxAgeMillis {
			delete(m.seen, key)
			removed++
		}
	}
	return removed, nil
}

// --- forwarded ---

func (m *Memory) MarkForwarded(ctx context.Context, peerFP, msgID string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ForwardedKey(peerFP, msgID)
	if _, ok := m.forwarded[key]; ok {
		return nil // idempotent under ACK replay
	}
	m.forwarded[key] = &ForwardedEntry{PeerFP: peerFP, MsgID: msgID, ForwardedAt: at}
	return nil
}

func (m *Memory) WasForwarded(ctx context.Context, peerFP, msgID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.forwarded[ForwardedKey(peerFP, msgID)]
	return ok, nil
}

func (m *Memory) ForwardedTo(ctx context.Context, peerFP string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, e := range m.forwarded {
		if e.PeerFP == peerFP {
			out = append(out, e.MsgID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- chunks ---

func (m *Memory) StoreChunk(ctx context.Context, c *PartialChunk) ([]*PartialChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Per-message cap: drop the oldest on overflow.
	var held []*PartialChunk
	for _, pc := range m.chunks {
		if pc.MsgID == c.MsgID {
			held = append(held, pc)
		}
	}
	if len(held) >= MaxPartialChunksPerMessage {
		oldest := held[0]
		for _, pc := range held[1:] {
			if pc.ReceivedAt < oldest.ReceivedAt {
				oldest = pc
			}
		}
		delete(m.chunks, chunkKey(oldest.MsgID, oldest.Seq))
	}

	cp := *c
	m.chunks[chunkKey(c.MsgID, c.Seq)] = &cp

	// Completion check within the same critical section.
	var set []*PartialChunk
	for _, pc := range m.chunks {
		if pc.MsgID == c.MsgID {
			set = append(set, pc)
		}
	}
	if len(set) != c.Total {
		return nil, nil
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Seq < set[j].Seq })
	for i, pc := range set {
		if pc.Seq != i || pc.Total != c.Total {
			return nil, nil
		}
	}
	out := make([]*PartialChunk, len(set))
	for i, pc := range set {
		cp := *pc
		out[i] = &cp
		delete(m.chunks, chunkKey(pc.MsgID, pc.Seq))
	}
	return out, nil
}

func (m *Memory) ChunkProgress(ctx context.Context, msgID string) ([]int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var have []int
	total := 0
	for _, pc := range m.chunks {
		if pc.MsgID == msgID {
			have = append(have, pc.Seq)
			total = pc.Total
		}
	}
	sort.Ints(have)
	return have, total, nil
}

func (m *Memory) CleanupChunks(ctx context.Context, now, maxAgeMillis int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, pc := range m.chunks {
		if now-pc.ReceivedAt > maxAgeMillis {
			delete(m.chunks, key)
			removed++
		}
	}
	return removed, nil
}

// --- maintenance ---

func (m *Memory) RunMaintenance(ctx context.Context, now int64) error {
	if _, err := m.CleanupSeen(ctx, now, SeenRetentionMillis); err != nil {
		return err
	}
	_, err := m.CleanupChunks(ctx, now, ChunkAgeLimitMillis)
	return err
}

func (m *Memory) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Stats{
		Contacts:      len(m.contacts),
		Outbox:        len(m.outbox),
		Inbox:         len(m.inbox),
		Seen:          len(m.seen),
		Forwarded:     len(m.forwarded),
		PartialChunks: len(m.chunks),
	}, nil
}

func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

func chunkKey(msgID string, seq int) string {
	return msgID + ":" + strconv.Itoa(seq)
}
