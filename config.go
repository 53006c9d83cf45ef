package txkv

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/sweeper"
	"github.com/txkv/txkv/txcore"
)

// ManagerConfig is the YAML-loadable shape of everything a Manager needs
// besides its kvstore.Client: table names, the reserved attribute prefix,
// retry budgets, and sweeper thresholds.
type ManagerConfig struct {
	TxTable    string `yaml:"tx_table"`
	ImageTable string `yaml:"image_table"`

	ReservedPrefix     string `yaml:"reserved_prefix"`
	LockAttempts       int    `yaml:"lock_attempts"`
	ContentionAttempts int    `yaml:"contention_attempts"`
	CommitAttempts     int    `yaml:"commit_attempts"`
	ReadRetryAttempts  int    `yaml:"read_retry_attempts"`
	MaxItemSize        int    `yaml:"max_item_size"`

	RollbackAfter string `yaml:"rollback_after"` // duration string, e.g. "10m"
	DeleteAfter   string `yaml:"delete_after"`

	// Backend selects the kvstore.Client OpenFromConfig constructs: "memory"
	// (the default) for kvstore.NewMemClient, or "sqlite" to open a
	// kvstore.SQLiteClient at SQLitePath (":memory:" is a valid path for an
	// ephemeral store). Manager callers that already hold a Client should
	// keep using NewFromConfig instead; Backend only matters to OpenFromConfig.
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// LoadManagerConfig reads and parses a YAML config file in ManagerConfig's
// shape. It starts from defaults (txcore.DefaultConfig()'s values, tables
// tx_records/tx_images, thresholds 10m/24h); every field present in the file
// overrides its default, including an explicit zero.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ManagerConfig{}, fmt.Errorf("txkv: load config %s: %w", path, err)
	}
	cfg := defaultManagerConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ManagerConfig{}, fmt.Errorf("txkv: parse config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultManagerConfig() ManagerConfig {
	d := txcore.DefaultConfig()
	return ManagerConfig{
		TxTable:            "tx_records",
		ImageTable:         "tx_images",
		ReservedPrefix:     d.ReservedPrefix,
		LockAttempts:       d.LockAttempts,
		ContentionAttempts: d.ContentionAttempts,
		CommitAttempts:     d.CommitAttempts,
		ReadRetryAttempts:  d.ReadRetryAttempts,
		MaxItemSize:        d.MaxItemSize,
		RollbackAfter:      "10m",
		DeleteAfter:        "24h",
	}
}

// TxCoreConfig extracts the txcore.Config portion of ManagerConfig.
func (c ManagerConfig) TxCoreConfig() txcore.Config {
	return txcore.Config{
		ReservedPrefix:     c.ReservedPrefix,
		LockAttempts:       c.LockAttempts,
		ContentionAttempts: c.ContentionAttempts,
		CommitAttempts:     c.CommitAttempts,
		ReadRetryAttempts:  c.ReadRetryAttempts,
		MaxItemSize:        c.MaxItemSize,
	}
}

// Thresholds parses the sweeper threshold duration strings.
func (c ManagerConfig) Thresholds() (sweeper.Thresholds, error) {
	rb, err := time.ParseDuration(c.RollbackAfter)
	if err != nil {
		return sweeper.Thresholds{}, fmt.Errorf("txkv: parse rollback_after %q: %w", c.RollbackAfter, err)
	}
	del, err := time.ParseDuration(c.DeleteAfter)
	if err != nil {
		return sweeper.Thresholds{}, fmt.Errorf("txkv: parse delete_after %q: %w", c.DeleteAfter, err)
	}
	return sweeper.Thresholds{RollbackAfter: rb, DeleteAfter: del}, nil
}

// NewFromConfig builds a Manager from a parsed ManagerConfig and a backing
// kvstore.Client.
func NewFromConfig(client kvstore.Client, cfg ManagerConfig) *Manager {
	return New(client, cfg.TxTable, cfg.ImageTable, cfg.TxCoreConfig())
}

// OpenFromConfig builds both the backing kvstore.Client named by cfg.Backend
// and the Manager over it. "sqlite" opens a kvstore.SQLiteClient at
// cfg.SQLitePath; anything else (including the empty string) falls back to
// an in-process kvstore.NewMemClient. The returned closer releases the
// backend's resources (a no-op for the in-memory backend) and must be
// called once the Manager is no longer in use.
func OpenFromConfig(cfg ManagerConfig) (*Manager, func() error, error) {
	switch cfg.Backend {
	case "sqlite":
		db, err := kvstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("txkv: open sqlite backend: %w", err)
		}
		return NewFromConfig(db, cfg), db.Close, nil
	default:
		return NewFromConfig(kvstore.NewMemClient(), cfg), func() error { return nil }, nil
	}
}
