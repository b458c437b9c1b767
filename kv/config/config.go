package config

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// DataDir holds the write-ahead log and the state snapshot. Should be writable.
	DataDir string `toml:"data-dir" json:"data-dir"`
	// JournalPath is the badger directory of the batch journal. Empty disables the journal.
	JournalPath string `toml:"journal-path" json:"journal-path"`
	// JournalRetention is the number of most recent batches the journal keeps. Zero keeps every batch.
	JournalRetention uint64 `toml:"journal-retention" json:"journal-retention"`
	StatusAddr       string `toml:"status-addr" json:"status-addr"`

	// Workers bounds how many transactions of one independent set run at the same time.
	Workers int `toml:"workers" json:"workers"`
	// TxnTimeout bounds the execution of a single transaction.
	TxnTimeout Duration `toml:"txn-timeout" json:"txn-timeout"`
	// ProveTimeout bounds the linearizability proof of a batch.
	ProveTimeout Duration `toml:"prove-timeout" json:"prove-timeout"`
	// WALGCThreshold is the log size above which the log is compacted, e.g. "64MiB". "0" disables compaction.
	WALGCThreshold string `toml:"wal-gc-threshold" json:"wal-gc-threshold"`

	// Genesis funds accounts when a new ledger is created. Balances are decimal strings.
	Genesis map[string]decimal.Decimal `toml:"genesis" json:"genesis"`

	Log log.Config `toml:"log" json:"log"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// Duration is a time.Duration that TOML decodes from strings such as "5s".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		DataDir:          "/tmp/tinyledger",
		JournalPath:      "/tmp/tinyledger/journal",
		JournalRetention: 100000,
		StatusAddr:       "127.0.0.1:20180",
		Workers:          runtime.NumCPU(),
		TxnTimeout:       NewDuration(5 * time.Second),
		ProveTimeout:     NewDuration(30 * time.Second),
		WALGCThreshold:   "64MiB",
		Log:              log.Config{Level: getLogLevel(), Format: "text"},
	}
}

func NewTestConfig() *Config {
	return &Config{
		Workers:        4,
		TxnTimeout:     NewDuration(time.Second),
		ProveTimeout:   NewDuration(10 * time.Second),
		WALGCThreshold: "1MiB",
		Log:            log.Config{Level: getLogLevel(), Format: "text"},
	}
}

// Load reads path on top of the defaults. Keys the config does not know are an error.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, errors.Errorf("config contains undefined items: %v", keys)
	}
	if !meta.IsDefined("log", "level") {
		c.Log.Level = getLogLevel()
	}
	return c, nil
}

// GCThreshold parses WALGCThreshold.
func (c *Config) GCThreshold() (uint64, error) {
	if c.WALGCThreshold == "" || c.WALGCThreshold == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.WALGCThreshold)
	if err != nil {
		return 0, errors.Annotate(err, "wal-gc-threshold")
	}
	if n < 0 {
		return 0, errors.Errorf("wal-gc-threshold must not be negative, got %s", c.WALGCThreshold)
	}
	return uint64(n), nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir must be set")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if c.TxnTimeout.Duration <= 0 {
		return fmt.Errorf("txn-timeout must be greater than 0")
	}
	if c.ProveTimeout.Duration <= 0 {
		return fmt.Errorf("prove-timeout must be greater than 0")
	}
	if _, err := c.GCThreshold(); err != nil {
		return err
	}
	for acct, bal := range c.Genesis {
		if acct == "" {
			return fmt.Errorf("genesis account without id")
		}
		if bal.IsNegative() {
			log.Warn("genesis account starts with a negative balance", zap.String("account", acct))
		}
	}
	return nil
}

// SetupLogger builds the logger described by the [log] section.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
