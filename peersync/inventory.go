package peersync

import (
	"context"
	"sort"

	"github.com/dmesh/dmesh-go/internal/crypto"
	"github.com/dmesh/dmesh-go/store"
	"github.com/dmesh/dmesh-go/wire"
)

// Message priorities, scheduled highest first when bandwidth is scarce.
const (
	PriorityBulk     = 0
	PriorityText     = 1
	PriorityImSafe   = 2
	PriorityLogistic = 3
	PriorityUrgent   = 4
	PriorityCritical = 5
)

// PriorityFor maps a payload type (and its urgency field, when present)
// to a sync priority.
func PriorityFor(payloadType string, payload map[string]any) int {
	urgency, _ := payload["urgency"].(string)
	switch payloadType {
	case "medical":
		return PriorityCritical
	case "need_help":
		if urgency == "critical" {
			return PriorityCritical
		}
		if urgency == "high" {
			return PriorityUrgent
		}
		return PriorityLogistic
	case "shelter_info", "supplies":
		return PriorityLogistic
	case "im_safe":
		return PriorityImSafe
	case "text":
		return PriorityText
	default:
		return PriorityBulk
	}
}

// envelopeExp returns the effective expiration of an envelope,
// falling back to ts + default TTL for v1.0 envelopes without exp.
func envelopeExp(env *wire.Envelope) int64 {
	if env.Exp != 0 {
		return env.Exp
	}
	return env.TS + crypto.DefaultTTLMillis
}

// BuildInventory assembles the offer list for a peer from the outbox:
// deliverable entries (Pending or Sent), unexpired, not already forwarded
// to this peer, and not authored by the peer itself. The result is
// truncated to maxItems keeping the highest-priority entries, soonest
// expiration first on ties.
func BuildInventory(ctx context.Context, st store.Store, peerFP string, now int64, maxItems int) ([]wire.InvItem, error) {
	entries, err := st.Pending(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]wire.InvItem, 0, len(entries))
	for _, e := range entries {
		if e.Envelope == nil {
			continue
		}
		exp := envelopeExp(e.Envelope)
		if exp < now {
			continue
		}
		forwarded, err := st.WasForwarded(ctx, peerFP, e.MsgID)
		if err != nil {
			return nil, err
		}
		if forwarded {
			continue
		}
		if senderFP(e.Envelope) == peerFP {
			continue // the peer authored this one
		}
		serialized, err := e.Envelope.Marshal()
		if err != nil {
			return nil, err
		}
		items = append(items, wire.InvItem{
			MsgID:    e.MsgID,
			Exp:      exp,
			Size:     len(serialized),
			Priority: e.Priority,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].Exp < items[j].Exp
	})
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

// SelectWants chooses which advertised items to request: everything not
// already seen, highest priority first, soonest expiration on ties,
// greedily accumulated up to the byte budget.
func SelectWants(ctx context.Context, seen store.SeenStore, items []wire.InvItem, maxBytes int) ([]string, error) {
	candidates := make([]wire.InvItem, 0, len(items))
	for _, item := range items {
		have, err := seen.HasMessage(ctx, item.MsgID)
		if err != nil {
			return nil, err
		}
		if have {
			continue
		}
		candidates = append(candidates, item)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Exp < candidates[j].Exp
	})

	var want []string
	budget := maxBytes
	for _, item := range candidates {
		if item.Size > budget {
			continue
		}
		want = append(want, item.MsgID)
		budget -= item.Size
	}
	return want, nil
}

// senderFP derives the author fingerprint of an envelope, empty on
// malformed sender keys.
func senderFP(env *wire.Envelope) string {
	pk, err := wire.FromBase64(env.SenderSignPK)
	if err != nil {
		return ""
	}
	fp, err := crypto.Fingerprint(pk)
	if err != nil {
		return ""
	}
	return wire.ToBase64(fp)
}
