package peersync

import (
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(2)
	now := int64(1_000_000)

	if !l.Allow("peer", now) {
		t.Error("first attempt denied")
	}
	if !l.Allow("peer", now+100) {
		t.Error("second attempt denied")
	}
	if l.Allow("peer", now+200) {
		t.Error("third attempt within a minute allowed")
	}
	// Other peers have their own windows.
	if !l.Allow("other", now+200) {
		t.Error("unrelated peer denied")
	}
	// The window slides.
	if !l.Allow("peer", now+time.Minute.Milliseconds()+101) {
		t.Error("attempt after window denied")
	}
}

func TestRateLimiter_Default(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(0)
	now := int64(1_000_000)
	for i := 0; i < DefaultSessionsPerMinute; i++ {
		if !l.Allow("peer", now+int64(i)) {
			t.Fatalf("attempt %d denied under default quota", i)
		}
	}
	if l.Allow("peer", now+100) {
		t.Error("attempt over default quota allowed")
	}
}
