package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dmesh/dmesh-go/wire"
)

func testEnvelope(msgID string) *wire.Envelope {
	return &wire.Envelope{
		V:     wire.Version,
		Kind:  wire.KindMessage,
		MsgID: msgID,
		TS:    1706012345678,
		Exp:   1706617145678,
	}
}

func TestMemory_OwnKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetOwnKeys(ctx); !errors.Is(err, ErrNoKeys) {
		t.Errorf("GetOwnKeys on empty store error = %v, want %v", err, ErrNoKeys)
	}

	keys := &OwnKeys{DisplayName: "alice", SignPK: []byte{1}, SignSK: []byte{2}, BoxPK: []byte{3}, BoxSK: []byte{4}, CreatedAt: 100}
	if err := m.PutOwnKeys(ctx, keys); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetOwnKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "alice" || got.CreatedAt != 100 {
		t.Errorf("GetOwnKeys = %+v", got)
	}

	if err := m.DeleteOwnKeys(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetOwnKeys(ctx); !errors.Is(err, ErrNoKeys) {
		t.Errorf("GetOwnKeys after delete error = %v, want %v", err, ErrNoKeys)
	}
}

func TestMemory_Contacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	for i, fp := range []string{"fp-a", "fp-b", "fp-c"} {
		err := m.SaveContact(ctx, &Contact{
			FP:           fp,
			DisplayName:  fmt.Sprintf("peer %d", i),
			Verification: Unverified,
			AddedAt:      int64(i),
			UpdatedAt:    int64(i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := m.AllContacts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("AllContacts = %d entries, want 3", len(all))
	}
	if all[0].FP != "fp-a" || all[2].FP != "fp-c" {
		t.Error("contacts not sorted by AddedAt")
	}

	if err := m.VerifyContact(ctx, "fp-b", 500); err != nil {
		t.Fatal(err)
	}
	verified, err := m.ContactsWhere(ctx, Verified)
	if err != nil {
		t.Fatal(err)
	}
	if len(verified) != 1 || verified[0].FP != "fp-b" || verified[0].VerifiedAt != 500 {
		t.Errorf("ContactsWhere(Verified) = %+v", verified)
	}

	if err := m.MarkCompromised(ctx, "fp-c", "stolen phone", 600); err != nil {
		t.Fatal(err)
	}
	c, err := m.GetContact(ctx, "fp-c")
	if err != nil {
		t.Fatal(err)
	}
	if c.Verification != Compromised || c.CompromisedReason != "stolen phone" {
		t.Errorf("compromised contact = %+v", c)
	}

	if err := m.DeleteContact(ctx, "fp-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetContact(ctx, "fp-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted contact error = %v, want %v", err, ErrNotFound)
	}
	if err := m.VerifyContact(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("VerifyContact(missing) error = %v, want %v", err, ErrNotFound)
	}
}

func TestMemory_Outbox(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	for i, id := range []string{"m1", "m2", "m3"} {
		err := m.AddOutbox(ctx, &OutboxEntry{
			MsgID:       id,
			RecipientFP: "bob",
			Envelope:    testEnvelope(id),
			CreatedAt:   int64(i),
			Status:      StatusPending,
			Priority:    i,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("Pending = %d, want 3", len(pending))
	}

	// Sent entries stay deliverable; delivered and failed ones drop out.
	if err := m.UpdateStatus(ctx, "m1", StatusSent, 1000); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateStatus(ctx, "m2", StatusDelivered, 0); err != nil {
		t.Fatal(err)
	}
	pending, err = m.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending after updates = %d, want 2", len(pending))
	}

	e, err := m.GetOutbox(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Attempts != 1 || e.LastAttempt != 1000 || e.Status != StatusSent {
		t.Errorf("entry after attempt = %+v", e)
	}

	forBob, err := m.ForRecipient(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(forBob) != 3 {
		t.Errorf("ForRecipient = %d, want 3", len(forBob))
	}

	if err := m.RemoveOutbox(ctx, "m3"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetOutbox(ctx, "m3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed entry error = %v, want %v", err, ErrNotFound)
	}
}

func TestMemory_Inbox(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	entries := []*InboxEntry{
		{MsgID: "i1", SenderFP: "alice", PayloadType: "text", ReceivedAt: 100},
		{MsgID: "i2", SenderFP: "bob", PayloadType: "im_safe", ReceivedAt: 200},
		{MsgID: "i3", SenderFP: "alice", PayloadType: "need_help", ReceivedAt: 300},
	}
	for _, e := range entries {
		if err := m.AddInbox(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := m.AllInbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].MsgID != "i3" || all[2].MsgID != "i1" {
		t.Errorf("AllInbox not sorted received_at descending: %+v", all)
	}

	fromAlice, err := m.FromSender(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(fromAlice) != 2 {
		t.Errorf("FromSender(alice) = %d, want 2", len(fromAlice))
	}

	safe, err := m.ByType(ctx, "im_safe")
	if err != nil {
		t.Fatal(err)
	}
	if len(safe) != 1 || safe[0].MsgID != "i2" {
		t.Errorf("ByType(im_safe) = %+v", safe)
	}

	if err := m.MarkRead(ctx, "i1"); err != nil {
		t.Fatal(err)
	}
	unread, err := m.Unread(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 2 {
		t.Errorf("Unread = %d, want 2", len(unread))
	}

	if err := m.DeleteInbox(ctx, "i2"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AllInbox(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMemory_SeenCheckAndMark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.CheckAndMark(ctx, "msg", "fp", 100)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("first CheckAndMark = rejected, want allowed")
	}
	ok, err = m.CheckAndMark(ctx, "msg", "fp", 200)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second CheckAndMark = allowed, want rejected")
	}

	has, err := m.Has(ctx, "msg", "fp")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("Has = false for marked pair")
	}
	hasMsg, err := m.HasMessage(ctx, "msg")
	if err != nil {
		t.Fatal(err)
	}
	if !hasMsg {
		t.Error("HasMessage = false for marked id")
	}

	// Different sender for the same id is a distinct pair.
	ok, err = m.CheckAndMark(ctx, "msg", "other-fp", 300)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("distinct pair rejected")
	}
}

func TestMemory_SeenCheckAndMark_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	const goroutines = 32
	var wg sync.WaitGroup
	allowed := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.CheckAndMark(ctx, "race-msg", "race-fp", 1)
			if err != nil {
				t.Error(err)
				return
			}
			allowed <- ok
		}()
	}
	wg.Wait()
	close(allowed)

	wins := 0
	for ok := range allowed {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("concurrent CheckAndMark produced %d allowed, want exactly 1", wins)
	}
}

func TestMemory_SeenCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	now := int64(1_000_000_000)
	m.CheckAndMark(ctx, "old", "fp", now-SeenRetentionMillis-1)
	m.CheckAndMark(ctx, "fresh", "fp", now-1000)

	removed, err := m.CleanupSeen(ctx, now, SeenRetentionMillis)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("CleanupSeen removed %d, want 1", removed)
	}
	if has, _ := m.Has(ctx, "old", "fp"); has {
		t.Error("expired entry survived cleanup")
	}
	if has, _ := m.Has(ctx, "fresh", "fp"); !has {
		t.Error("fresh entry removed by cleanup")
	}
}

func TestMemory_Forwarded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if err := m.MarkForwarded(ctx, "peer", "m1", 100); err != nil {
		t.Fatal(err)
	}
	// ACK replays are idempotent.
	if err := m.MarkForwarded(ctx, "peer", "m1", 999); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkForwarded(ctx, "peer", "m2", 100); err != nil {
		t.Fatal(err)
	}

	was, err := m.WasForwarded(ctx, "peer", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !was {
		t.Error("WasForwarded = false, want true")
	}
	was, err = m.WasForwarded(ctx, "other-peer", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if was {
		t.Error("WasForwarded for other peer = true, want false")
	}

	ids, err := m.ForwardedTo(ctx, "peer")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("ForwardedTo = %v", ids)
	}
}

func TestMemory_Chunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	chunk := func(seq int) *PartialChunk {
		return &PartialChunk{MsgID: "msg", Seq: seq, Total: 3, Data: fmt.Sprintf("d%d", seq), ReceivedAt: int64(seq * 100)}
	}

	for _, seq := range []int{2, 0} {
		complete, err := m.StoreChunk(ctx, chunk(seq))
		if err != nil {
			t.Fatal(err)
		}
		if complete != nil {
			t.Fatalf("set complete after seq %d of 3", seq)
		}
	}

	have, total, err := m.ChunkProgress(ctx, "msg")
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(have) != 2 || have[0] != 0 || have[1] != 2 {
		t.Errorf("ChunkProgress = %v of %d", have, total)
	}

	complete, err := m.StoreChunk(ctx, chunk(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(complete) != 3 {
		t.Fatalf("complete set = %d chunks, want 3", len(complete))
	}
	for i, pc := range complete {
		if pc.Seq != i {
			t.Errorf("complete[%d].Seq = %d, not sorted", i, pc.Seq)
		}
	}

	// Completion removes the partial entries in the same step.
	have, _, err = m.ChunkProgress(ctx, "msg")
	if err != nil {
		t.Fatal(err)
	}
	if len(have) != 0 {
		t.Errorf("partial entries survived completion: %v", have)
	}
}

func TestMemory_ChunkOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	total := MaxPartialChunksPerMessage + 10
	for seq := 0; seq < MaxPartialChunksPerMessage; seq++ {
		_, err := m.StoreChunk(ctx, &PartialChunk{MsgID: "big", Seq: seq, Total: total, ReceivedAt: int64(seq)})
		if err != nil {
			t.Fatal(err)
		}
	}
	// One over the cap: the oldest (seq 0) must give way.
	if _, err := m.StoreChunk(ctx, &PartialChunk{MsgID: "big", Seq: MaxPartialChunksPerMessage, Total: total, ReceivedAt: 10_000}); err != nil {
		t.Fatal(err)
	}

	have, _, err := m.ChunkProgress(ctx, "big")
	if err != nil {
		t.Fatal(err)
	}
	if len(have) != MaxPartialChunksPerMessage {
		t.Errorf("buffer size = %d, want cap %d", len(have), MaxPartialChunksPerMessage)
	}
	for _, seq := range have {
		if seq == 0 {
			t.Error("oldest chunk survived overflow")
		}
	}
}

func TestMemory_ChunkCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	now := int64(100_000_000)
	m.StoreChunk(ctx, &PartialChunk{MsgID: "stale", Seq: 0, Total: 2, ReceivedAt: now - ChunkAgeLimitMillis - 1})
	m.StoreChunk(ctx, &PartialChunk{MsgID: "live", Seq: 0, Total: 2, ReceivedAt: now - 1000})

	removed, err := m.CleanupChunks(ctx, now, ChunkAgeLimitMillis)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("CleanupChunks removed %d, want 1", removed)
	}
	have, _, _ := m.ChunkProgress(ctx, "live")
	if len(have) != 1 {
		t.Error("live chunk removed by cleanup")
	}
}

func TestMemory_StatsAndReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	m.SaveContact(ctx, &Contact{FP: "fp"})
	m.AddOutbox(ctx, &OutboxEntry{MsgID: "o1", Status: StatusPending})
	m.AddInbox(ctx, &InboxEntry{MsgID: "i1"})
	m.CheckAndMark(ctx, "s1", "fp", 1)
	m.MarkForwarded(ctx, "peer", "f1", 1)
	m.StoreChunk(ctx, &PartialChunk{MsgID: "c1", Seq: 0, Total: 2})

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{Contacts: 1, Outbox: 1, Inbox: 1, Seen: 1, Forwarded: 1, PartialChunks: 1}
	if *stats != want {
		t.Errorf("Stats = %+v, want %+v", stats, want)
	}

	if err := m.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err = m.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *stats != (Stats{}) {
		t.Errorf("Stats after reset = %+v, want zeroes", stats)
	}
}

func TestMemory_RunMaintenance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	now := int64(10_000_000_000_000)
	m.CheckAndMark(ctx, "ancient", "fp", now-SeenRetentionMillis-1)
	m.StoreChunk(ctx, &PartialChunk{MsgID: "ancient", Seq: 0, Total: 2, ReceivedAt: now - ChunkAgeLimitMillis - 1})

	if err := m.RunMaintenance(ctx, now); err != nil {
		t.Fatal(err)
	}
	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Seen != 0 || stats.PartialChunks != 0 {
		t.Errorf("maintenance left stale records: %+v", stats)
	}
}
