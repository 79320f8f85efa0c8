package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis is a store engine backed by a Redis server. Collections map to
// hashes keyed by their primary key, with sets and sorted sets as the
// secondary indices. The seen table's check-and-insert rides on SETNX,
// which Redis executes atomically; chunk completion runs inside a WATCH
// transaction so detection and removal commit together.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis wraps an existing go-redis client. The prefix namespaces every
// key so several nodes can share one server in tests.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "dmesh"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

func (r *Redis) getJSON(ctx context.Context, key string, v any) error {
	raw, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("get "+key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return storageErr("decode "+key, err)
	}
	return nil
}

// --- keys ---

func (r *Redis) PutOwnKeys(ctx context.Context, keys *OwnKeys) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return storageErr("encode keys", err)
	}
	if err := r.rdb.Set(ctx, r.key("keys"), raw, 0).Err(); err != nil {
		return storageErr("put keys", err)
	}
	return nil
}

func (r *Redis) GetOwnKeys(ctx context.Context) (*OwnKeys, error) {
	var keys OwnKeys
	if err := r.getJSON(ctx, r.key("keys"), &keys); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoKeys
		}
		return nil, err
	}
	return &keys, nil
}

func (r *Redis) DeleteOwnKeys(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key("keys")).Err(); err != nil {
		return storageErr("delete keys", err)
	}
	return nil
}

// --- contacts ---

func (r *Redis) SaveContact(ctx context.Context, c *Contact) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return storageErr("encode contact", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.key("contacts"), c.FP, raw)
	for _, v := range []Verification{Unverified, Verified, Compromised} {
		if v == c.Verification {
			pipe.SAdd(ctx, r.key("contacts", "verif", string(v)), c.FP)
		} else {
			pipe.SRem(ctx, r.key("contacts", "verif", string(v)), c.FP)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("save contact", err)
	}
	return nil
}

func (r *Redis) GetContact(ctx context.Context, fp string) (*Contact, error) {
	raw, err := r.rdb.HGet(ctx, r.key("contacts"), fp).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get contact", err)
	}
	var c Contact
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, storageErr("decode contact", err)
	}
	return &c, nil
}

func (r *Redis) AllContacts(ctx context.Context) ([]*Contact, error) {
	raw, err := r.rdb.HGetAll(ctx, r.key("contacts")).Result()
	if err != nil {
		return nil, storageErr("all contacts", err)
	}
	out := make([]*Contact, 0, len(raw))
	for _, v := range raw {
		var c Contact
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, storageErr("decode contact", err)
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt < out[j].AddedAt })
	return out, nil
}

func (r *Redis) ContactsWhere(ctx context.Context, v Verification) ([]*Contact, error) {
	fps, err := r.rdb.SMembers(ctx, r.key("contacts", "verif", string(v))).Result()
	if err != nil {
		return nil, storageErr("contacts index", err)
	}
	out := make([]*Contact, 0, len(fps))
	for _, fp := range fps {
		c, err := r.GetContact(ctx, fp)
		if errors.Is(err, ErrNotFound) {
			continue // index may lag a delete
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt < out[j].AddedAt })
	return out, nil
}

func (r *Redis) VerifyContact(ctx context.Context, fp string, at int64) error {
	c, err := r.GetContact(ctx, fp)
	if err != nil {
		return err
	}
	c.Verification = Verified
	c.VerifiedAt = at
	c.UpdatedAt = at
	return r.SaveContact(ctx, c)
}

func (r *Redis) MarkCompromised(ctx context.Context, fp, reason string, at int64) error {
	c, err := r.GetContact(ctx, fp)
	if err != nil {
		return err
	}
	c.Verification = Compromised
	c.CompromisedAt = at
	c.CompromisedReason = reason
	c.UpdatedAt = at
	return r.SaveContact(ctx, c)
}

func (r *Redis) DeleteContact(ctx context.Context, fp string) error {
	n, err := r.rdb.HDel(ctx, r.key("contacts"), fp).Result()
	if err != nil {
		return storageErr("delete contact", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	for _, v := range []Verification{Unverified, Verified, Compromised} {
		r.rdb.SRem(ctx, r.key("contacts", "verif", string(v)), fp)
	}
	return nil
}

// --- outbox ---

func (r *Redis) AddOutbox(ctx context.Context, e *OutboxEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return storageErr("encode outbox entry", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.key("outbox"), e.MsgID, raw)
	pipe.SAdd(ctx, r.key("outbox", "status", string(e.Status)), e.MsgID)
	pipe.SAdd(ctx, r.key("outbox", "rcpt", e.RecipientFP), e.MsgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("add outbox", err)
	}
	return nil
}

func (r *Redis) GetOutbox(ctx context.Context, msgID string) (*OutboxEntry, error) {
	raw, err := r.rdb.HGet(ctx, r.key("outbox"), msgID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get outbox", err)
	}
	var e OutboxEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, storageErr("decode outbox entry", err)
	}
	return &e, nil
}

func (r *Redis) outboxByIDs(ctx context.Context, ids []string) ([]*OutboxEntry, error) {
	out := make([]*OutboxEntry, 0, len(ids))
	for _, id := range ids {
		e, err := r.GetOutbox(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (r *Redis) Pending(ctx context.Context) ([]*OutboxEntry, error) {
	var ids []string
	for _, s := range []OutboxStatus{StatusPending, StatusSent} {
		part, err := r.rdb.SMembers(ctx, r.key("outbox", "status", string(s))).Result()
		if err != nil {
			return nil, storageErr("outbox status index", err)
		}
		ids = append(ids, part...)
	}
	return r.outboxByIDs(ctx, ids)
}

func (r *Redis) ForRecipient(ctx context.Context, fp string) ([]*OutboxEntry, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("outbox", "rcpt", fp)).Result()
	if err != nil {
		return nil, storageErr("outbox recipient index", err)
	}
	return r.outboxByIDs(ctx, ids)
}

func (r *Redis) UpdateStatus(ctx context.Context, msgID string, status OutboxStatus, attempted int64) error {
	e, err := r.GetOutbox(ctx, msgID)
	if err != nil {
		return err
	}
	old := e.Status
	e.Status = status
	if attempted > 0 {
		e.Attempts++
		e.LastAttempt = attempted
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return storageErr("encode outbox entry", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.key("outbox"), msgID, raw)
	pipe.SRem(ctx, r.key("outbox", "status", string(old)), msgID)
	pipe.SAdd(ctx, r.key("outbox", "status", string(status)), msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("update status", err)
	}
	return nil
}

func (r *Redis) RemoveOutbox(ctx context.Context, msgID string) error {
	e, err := r.GetOutbox(ctx, msgID)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, r.key("outbox"), msgID)
	pipe.SRem(ctx, r.key("outbox", "status", string(e.Status)), msgID)
	pipe.SRem(ctx, r.key("outbox", "rcpt", e.RecipientFP), msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("remove outbox", err)
	}
	return nil
}

// --- inbox ---

func (r *Redis) AddInbox(ctx context.Context, e *InboxEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return storageErr("encode inbox entry", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.key("inbox"), e.MsgID, raw)
	pipe.ZAdd(ctx, r.key("inbox", "recv"), redis.Z{Score: float64(e.ReceivedAt), Member: e.MsgID})
	pipe.SAdd(ctx, r.key("inbox", "sender", e.SenderFP), e.MsgID)
	pipe.SAdd(ctx, r.key("inbox", "type", e.PayloadType), e.MsgID)
	if !e.Read {
		pipe.SAdd(ctx, r.key("inbox", "unread"), e.MsgID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("add inbox", err)
	}
	return nil
}

func (r *Redis) getInbox(ctx context.Context, msgID string) (*InboxEntry, error) {
	raw, err := r.rdb.HGet(ctx, r.key("inbox"), msgID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get inbox", err)
	}
	var e InboxEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, storageErr("decode inbox entry", err)
	}
	return &e, nil
}

func (r *Redis) inboxByIDs(ctx context.Context, ids []string) ([]*InboxEntry, error) {
	out := make([]*InboxEntry, 0, len(ids))
	for _, id := range ids {
		e, err := r.getInbox(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt > out[j].ReceivedAt })
	return out, nil
}

func (r *Redis) AllInbox(ctx context.Context) ([]*InboxEntry, error) {
	ids, err := r.rdb.ZRevRange(ctx, r.key("inbox", "recv"), 0, -1).Result()
	if err != nil {
		return nil, storageErr("inbox index", err)
	}
	return r.inboxByIDs(ctx, ids)
}

func (r *Redis) Unread(ctx context.Context) ([]*InboxEntry, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("inbox", "unread")).Result()
	if err != nil {
		return nil, storageErr("inbox unread index", err)
	}
	return r.inboxByIDs(ctx, ids)
}

func (r *Redis) FromSender(ctx context.Context, fp string) ([]*InboxEntry, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("inbox", "sender", fp)).Result()
	if err != nil {
		return nil, storageErr("inbox sender index", err)
	}
	return r.inboxByIDs(ctx, ids)
}

func (r *Redis) ByType(ctx context.Context, payloadType string) ([]*InboxEntry, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("inbox", "type", payloadType)).Result()
	if err != nil {
		return nil, storageErr("inbox type index", err)
	}
	return r.inboxByIDs(ctx, ids)
}

func (r *Redis) MarkRead(ctx context.Context, msgID string) error {
	e, err := r.getInbox(ctx, msgID)
	if err != nil {
		return err
	}
	e.Read = true
	raw, err := json.Marshal(e)
	if err != nil {
		return storageErr("encode inbox entry", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.key("inbox"), msgID, raw)
	pipe.SRem(ctx, r.key("inbox", "unread"), msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("mark read", err)
	}
	return nil
}

func (r *Redis) DeleteInbox(ctx context.Context, msgID string) error {
	e, err := r.getInbox(ctx, msgID)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, r.key("inbox"), msgID)
	pipe.ZRem(ctx, r.key("inbox", "recv"), msgID)
	pipe.SRem(ctx, r.key("inbox", "sender", e.SenderFP), msgID)
	pipe.SRem(ctx, r.key("inbox", "type", e.PayloadType), msgID)
	pipe.SRem(ctx, r.key("inbox", "unread"), msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("delete inbox", err)
	}
	return nil
}

// --- seen ---

func (r *Redis) CheckAndMark(ctx context.Context, msgID, senderFP string, at int64) (bool, error) {
	key := r.key("seen", SeenKey(msgID, senderFP))
	ok, err := r.rdb.SetNX(ctx, key, at, 0).Result()
	if err != nil {
		return false, storageErr("seen check-and-mark", err)
	}
	if ok {
		if err := r.rdb.ZAdd(ctx, r.key("seen", "index"), redis.Z{Score: float64(at), Member: SeenKey(msgID, senderFP)}).Err(); err != nil {
			return false, storageErr("seen index", err)
		}
	}
	return ok, nil
}

func (r *Redis) Has(ctx context.Context, msgID, senderFP string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key("seen", SeenKey(msgID, senderFP))).Result()
	if err != nil {
		return false, storageErr("seen has", err)
	}
	return n > 0, nil
}

func (r *Redis) HasMessage(ctx context.Context, msgID string) (bool, error) {
	var cursor uint64
	for {
		members, next, err := r.rdb.ZScan(ctx, r.key("seen", "index"), cursor, msgID+":*", 128).Result()
		if err != nil {
			return false, storageErr("seen message scan", err)
		}
		// ZScan alternates member and score in the reply.
		if len(members) > 0 {
			return true, nil
		}
		if next == 0 {
			return false, nil
		}
		cursor = next
	}
}

func (r *Redis) CleanupSeen(ctx context.Context, now, maxAgeMillis int64) (int, error) {
	idx := r.key("seen", "index")
	cutoff := strconv.FormatInt(now-maxAgeMillis, 10)
	stale, err := r.rdb.ZRangeByScore(ctx, idx, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, storageErr("seen sweep scan", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	pipe := r.rdb.TxPipeline()
	for _, member := range stale {
		pipe.Del(ctx, r.key("seen", member))
	}
	pipe.ZRemRangeByScore(ctx, idx, "-inf", cutoff)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, storageErr("seen sweep", err)
	}
	return len(stale), nil
}

// --- forwarded ---

func (r *Redis) MarkForwarded(ctx context.Context, peerFP, msgID string, at int64) error {
	if err := r.rdb.HSetNX(ctx, r.key("fwd", peerFP), msgID, at).Err(); err != nil {
		return storageErr("mark forwarded", err)
	}
	return nil
}

func (r *Redis) WasForwarded(ctx context.Context, peerFP, msgID string) (bool, error) {
	ok, err := r.rdb.HExists(ctx, r.key("fwd", peerFP), msgID).Result()
	if err != nil {
		return false, storageErr("was forwarded", err)
	}
	return ok, nil
}

func (r *Redis) ForwardedTo(ctx context.Context, peerFP string) ([]string, error) {
	ids, err := r.rdb.HKeys(ctx, r.key("fwd", peerFP)).Result()
	if err != nil {
		return nil, storageErr("forwarded to", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- chunks ---

func (r *Redis) StoreChunk(ctx context.Context, c *PartialChunk) ([]*PartialChunk, error) {
	key := r.key("chunks", c.MsgID)
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, storageErr("encode chunk", err)
	}

	var complete []*PartialChunk
	txn := func(tx *redis.Tx) error {
		complete = nil
		held, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		set := make([]*PartialChunk, 0, len(held)+1)
		for _, v := range held {
			var pc PartialChunk
			if err := json.Unmarshal([]byte(v), &pc); err != nil {
				return err
			}
			set = append(set, &pc)
		}

		evict := ""
		if len(set) >= MaxPartialChunksPerMessage {
			oldest := set[0]
			for _, pc := range set[1:] {
				if pc.ReceivedAt < oldest.ReceivedAt {
					oldest = pc
				}
			}
			evict = strconv.Itoa(oldest.Seq)
			kept := set[:0]
			for _, pc := range set {
				if pc.Seq != oldest.Seq {
					kept = append(kept, pc)
				}
			}
			set = kept
		}

		replaced := false
		for i, pc := range set {
			if pc.Seq == c.Seq {
				set[i] = c
				replaced = true
			}
		}
		if !replaced {
			set = append(set, c)
		}

		done := len(set) == c.Total
		if done {
			sort.Slice(set, func(i, j int) bool { return set[i].Seq < set[j].Seq })
			for i, pc := range set {
				if pc.Seq != i || pc.Total != c.Total {
					done = false
					break
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if done {
				pipe.Del(ctx, key)
				return nil
			}
			if evict != "" {
				pipe.HDel(ctx, key, evict)
			}
			pipe.HSet(ctx, key, strconv.Itoa(c.Seq), raw)
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			complete = set
		}
		return nil
	}

	for i := 0; i < 8; i++ {
		err := r.rdb.Watch(ctx, txn, key)
		if err == nil {
			return complete, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, storageErr("store chunk", err)
		}
	}
	return nil, storageErr("store chunk", redis.TxFailedErr)
}

func (r *Redis) ChunkProgress(ctx context.Context, msgID string) ([]int, int, error) {
	held, err := r.rdb.HGetAll(ctx, r.key("chunks", msgID)).Result()
	if err != nil {
		return nil, 0, storageErr("chunk progress", err)
	}
	var have []int
	total := 0
	for _, v := range held {
		var pc PartialChunk
		if err := json.Unmarshal([]byte(v), &pc); err != nil {
			return nil, 0, storageErr("decode chunk", err)
		}
		have = append(have, pc.Seq)
		total = pc.Total
	}
	sort.Ints(have)
	return have, total, nil
}

func (r *Redis) CleanupChunks(ctx context.Context, now, maxAgeMillis int64) (int, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, r.key("chunks", "*"), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, storageErr("chunk sweep scan", err)
	}

	removed := 0
	for _, key := range keys {
		held, err := r.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return removed, storageErr("chunk sweep", err)
		}
		stale := false
		for _, v := range held {
			var pc PartialChunk
			if err := json.Unmarshal([]byte(v), &pc); err != nil {
				continue
			}
			if now-pc.ReceivedAt > maxAgeMillis {
				stale = true
				break
			}
		}
		if stale {
			if err := r.rdb.Del(ctx, key).Err(); err != nil {
				return removed, storageErr("chunk sweep", err)
			}
			removed += len(held)
		}
	}
	return removed, nil
}

// --- maintenance ---

func (r *Redis) RunMaintenance(ctx context.Context, now int64) error {
	if _, err := r.CleanupSeen(ctx, now, SeenRetentionMillis); err != nil {
		return err
	}
	_, err := r.CleanupChunks(ctx, now, ChunkAgeLimitMillis)
	return err
}

func (r *Redis) Stats(ctx context.Context) (*Stats, error) {
	contacts, err := r.rdb.HLen(ctx, r.key("contacts")).Result()
	if err != nil {
		return nil, storageErr("stats", err)
	}
	outbox, err := r.rdb.HLen(ctx, r.key("outbox")).Result()
	if err != nil {
		return nil, storageErr("stats", err)
	}
	inbox, err := r.rdb.HLen(ctx, r.key("inbox")).Result()
	if err != nil {
		return nil, storageErr("stats", err)
	}
	seen, err := r.rdb.ZCard(ctx, r.key("seen", "index")).Result()
	if err != nil {
		return nil, storageErr("stats", err)
	}

	forwarded := 0
	fwdIter := r.rdb.Scan(ctx, 0, r.key("fwd", "*"), 0).Iterator()
	for fwdIter.Next(ctx) {
		n, err := r.rdb.HLen(ctx, fwdIter.Val()).Result()
		if err != nil {
			return nil, storageErr("stats", err)
		}
		forwarded += int(n)
	}
	if err := fwdIter.Err(); err != nil {
		return nil, storageErr("stats", err)
	}

	chunks := 0
	chIter := r.rdb.Scan(ctx, 0, r.key("chunks", "*"), 0).Iterator()
	for chIter.Next(ctx) {
		n, err := r.rdb.HLen(ctx, chIter.Val()).Result()
		if err != nil {
			return nil, storageErr("stats", err)
		}
		chunks += int(n)
	}
	if err := chIter.Err(); err != nil {
		return nil, storageErr("stats", err)
	}

	return &Stats{
		Contacts:      int(contacts),
		Outbox:        int(outbox),
		Inbox:         int(inbox),
		Seen:          int(seen),
		Forwarded:     forwarded,
		PartialChunks: chunks,
	}, nil
}

func (r *Redis) Reset(ctx context.Context) error {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, r.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return storageErr("reset scan", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return storageErr("reset", err)
	}
	return nil
}
