package dmesh

import (
	"time"

	"go.uber.org/zap"

	"github.com/dmesh/dmesh-go/internal/crypto"
)

// Mode selects the validity-window rule used during decryption.
type Mode = crypto.Mode

const (
	// ModeDelayTolerant (v1.1) validates against the expiration field.
	ModeDelayTolerant = crypto.ModeDelayTolerant
	// ModeStrict (v1.0) validates against local clock skew.
	ModeStrict = crypto.ModeStrict
)

// Policy decides how envelopes from unknown senders are treated.
type Policy int

const (
	// TrustOnFirstUse accepts an unknown sender's keys on first valid
	// message and pins them as an unverified contact.
	TrustOnFirstUse Policy = iota
	// RequireKnownContact rejects envelopes from senders without a
	// pinned contact.
	RequireKnownContact
)

// DefaultMaxAttempts is how many forwarding attempts an outbox entry gets
// before the maintenance sweep marks it failed.
const DefaultMaxAttempts = 10

type config struct {
	logger            *zap.Logger
	mode              Mode
	policy            Policy
	now               func() int64
	maxAttempts       int
	sessionsPerMinute int
	syncMaxBytes      int
}

func defaultConfig() config {
	return config{
		logger:            zap.NewNop(),
		mode:              ModeDelayTolerant,
		policy:            TrustOnFirstUse,
		now:               func() int64 { return time.Now().UnixMilli() },
		maxAttempts:       DefaultMaxAttempts,
		sessionsPerMinute: 0, // peersync default
	}
}

// Option configures a Messenger.
type Option func(*config)

// WithLogger injects a structured logger; the default discards.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

// WithMode selects strict (v1.0) or delay-tolerant (v1.1) validity.
func WithMode(mode Mode) Option {
	return func(c *config) { c.mode = mode }
}

// WithPolicy selects the unknown-sender policy.
func WithPolicy(policy Policy) Option {
	return func(c *config) { c.policy = policy }
}

// WithClock overrides the wall clock, in Unix milliseconds. Tests pin it.
func WithClock(now func() int64) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMaxAttempts bounds forwarding attempts before an entry fails.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithSessionRate bounds sync sessions per peer per minute.
func WithSessionRate(perMinute int) Option {
	return func(c *config) { c.sessionsPerMinute = perMinute }
}

// WithSyncBudget sets this node's per-session want budget in bytes.
func WithSyncBudget(maxBytes int) Option {
	return func(c *config) {
		if maxBytes > 0 {
			c.syncMaxBytes = maxBytes
		}
	}
}
