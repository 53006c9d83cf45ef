// Package txcore implements the lock/save/verify/apply/commit/rollback
// algorithm (spec §4.3): the protocol's core contribution, safe against
// coordinator crashes and against multiple coordinators driving the same
// transaction concurrently.
package txcore

// Config bounds every retry loop in the protocol. Spec §9's "Open questions"
// flags that the original source conflated an outer commit-loop trip count
// with an inner retry budget; Config keeps them independent and named.
type Config struct {
	// ReservedPrefix is the single short string (stable per deployment,
	// spec §6) that owns the reserved attribute namespace on user items.
	ReservedPrefix string

	// LockAttempts bounds how many times driveRequest retries lock
	// acquisition, including switching between expect-exists and
	// expect-not-exists mode (spec §4.3-B).
	LockAttempts int

	// ContentionAttempts bounds how many times a coordinator will roll
	// back a blocking transaction and retry its own lock acquisition
	// (spec §4.3-K).
	ContentionAttempts int

	// CommitAttempts bounds the outer Commit retry loop: how many times
	// Commit re-verifies locks and retries Finish after a lost race
	// against a concurrent AddRequest (spec §4.3-G).
	CommitAttempts int

	// ReadRetryAttempts bounds the committed-isolation handler's retry
	// when a pre-image it expects to find has vanished out from under it
	// because the owning transaction finished concurrently (spec §4.4).
	ReadRetryAttempts int

	// MaxItemSize bounds the serialized size, in bytes, the transaction
	// record's request set may reach (spec §7 ItemSizeExceeded: "the
	// transaction record would exceed the backing store's maximum item
	// size after adding this request"). Zero disables the check. 0 is
	// never a sane production default; DefaultConfig uses the backing
	// store's real-world analogue (DynamoDB's per-item limit).
	MaxItemSize int
}

// DefaultConfig returns sane bounded-retry defaults.
func DefaultConfig() Config {
	return Config{
		ReservedPrefix:     "_",
		LockAttempts:       3,
		ContentionAttempts: 3,
		CommitAttempts:     5,
		ReadRetryAttempts:  3,
		MaxItemSize:        400 * 1024,
	}
}

// reserved attribute suffixes, combined with Config.ReservedPrefix.
const (
	suffixTxID      = "txid"
	suffixDate      = "date"
	suffixTransient = "transient"
	suffixApplied   = "applied"
)

func (c Config) attrTxID() string      { return c.ReservedPrefix + suffixTxID }
func (c Config) attrDate() string      { return c.ReservedPrefix + suffixDate }
func (c Config) attrTransient() string { return c.ReservedPrefix + suffixTransient }
func (c Config) attrApplied() string   { return c.ReservedPrefix + suffixApplied }
