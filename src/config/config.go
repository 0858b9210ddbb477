package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/types"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database
	DefaultBadgerFile = "badger_db"

	// DefaultLogFile is the default name of the node's log file
	DefaultLogFile = "trellis.log"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultBindAddr    = "127.0.0.1:7075"
	DefaultServiceAddr = "127.0.0.1:7076"

	DefaultMaxInbound        = 2048
	DefaultMaxPeersPerIP     = 4
	DefaultMaxPeersPerSubnet = 16
	DefaultIdleTimeout       = 120 * time.Second
	DefaultKeepalivePeriod   = 60 * time.Second
	DefaultTCPTimeout        = 1000 * time.Millisecond
	DefaultProtocolVersion   = 1
	DefaultProtocolMin       = 1

	DefaultBlockProcessorFullSize  = 65536
	DefaultBlockProcessorBatchSize = 256
	DefaultBatchMaxTime            = 500 * time.Millisecond
	DefaultBlockProcessTimeout     = 30 * time.Second

	DefaultActiveSize              = 5000
	DefaultHintedLimitPct          = 20
	DefaultOptimisticLimitPct      = 10
	DefaultConfirmationHistorySize = 2048
	DefaultConfirmationCache       = 65536
	DefaultMaxPerBucket            = 150
	DefaultAECLoopInterval         = 500 * time.Millisecond

	DefaultConfirmingBatchTime = 250 * time.Millisecond

	DefaultBucketMaxBlocks        = 8192
	DefaultBucketReservedElection = 100
	DefaultBucketMaxElections     = 150

	DefaultQuorum = types.Amount(1000)
)

// Config contains all the configuration properties of a trellis node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// BindAddr is the local address:port the node listens on for peers
	BindAddr string `mapstructure:"listen"`

	// ServiceAddr is the address:port of the HTTP introspection service
	ServiceAddr string `mapstructure:"service-listen"`

	// NoService disables the HTTP introspection service
	NoService bool `mapstructure:"no-service"`

	// Store activates persistent storage
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files
	DatabaseDir string `mapstructure:"db"`

	// Prometheus enables real metric registration; otherwise metrics are
	// discarded
	Prometheus bool `mapstructure:"prometheus"`

	// MaxInbound caps accepted connections
	MaxInbound int `mapstructure:"max-inbound"`

	// MaxPeersPerIP caps connections per remote address
	MaxPeersPerIP int `mapstructure:"max-peers-per-ip"`

	// MaxPeersPerSubnet caps connections per IPv6 subnet
	MaxPeersPerSubnet int `mapstructure:"max-peers-per-subnetwork"`

	// IdleTimeout closes silent connections
	IdleTimeout time.Duration `mapstructure:"idle-timeout"`

	// KeepalivePeriod is the cadence of keepalive sweeps
	KeepalivePeriod time.Duration `mapstructure:"keepalive"`

	// TCPTimeout is the dial timeout for outbound connections
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// ProtocolVersionMin rejects older channels on purge
	ProtocolVersionMin uint8 `mapstructure:"protocol-version-min"`

	// ExcludedPeers are addresses refused on accept
	ExcludedPeers []string `mapstructure:"excluded-peers"`

	// BlockProcessorFullSize is the processor's backpressure cap
	BlockProcessorFullSize int `mapstructure:"block-processor-full-size"`

	// BlockProcessorBatchSize is the number of blocks per write transaction
	BlockProcessorBatchSize int `mapstructure:"block-processor-batch-size"`

	// BlockProcessorBatchMaxTime is the wall-clock bound per batch
	BlockProcessorBatchMaxTime time.Duration `mapstructure:"block-processor-batch-max-time"`

	// BlockProcessTimeout is the deadline of blocking submissions
	BlockProcessTimeout time.Duration `mapstructure:"block-process-timeout"`

	// ActiveSize limits priority-behavior elections
	ActiveSize int `mapstructure:"active-size"`

	// HintedLimitPercentage sizes the hinted election limit
	HintedLimitPercentage int `mapstructure:"active-hinted-limit-percentage"`

	// OptimisticLimitPercentage sizes the optimistic election limit
	OptimisticLimitPercentage int `mapstructure:"active-optimistic-limit-percentage"`

	// ConfirmationHistorySize bounds the recently-cemented FIFO
	ConfirmationHistorySize int `mapstructure:"confirmation-history-size"`

	// ConfirmationCache bounds the recently-confirmed cache
	ConfirmationCache int `mapstructure:"confirmation-cache"`

	// MaxPerBucket is the cleanup-thread trim threshold
	MaxPerBucket int `mapstructure:"active-max-per-bucket"`

	// AECLoopInterval is the election request-loop cadence
	AECLoopInterval time.Duration `mapstructure:"aec-loop-interval"`

	// ConfirmingBatchTime is the wall-clock bound per cementing batch
	ConfirmingBatchTime time.Duration `mapstructure:"confirming-batch-time"`

	// BucketMaxBlocks caps each scheduler bucket's queue
	BucketMaxBlocks int `mapstructure:"bucket-max-blocks"`

	// BucketReservedElections is each bucket's guaranteed allowance
	BucketReservedElections int `mapstructure:"bucket-reserved-elections"`

	// BucketMaxElections caps each bucket's election count
	BucketMaxElections int `mapstructure:"bucket-max-elections"`

	// WorkThreshold is the minimum accepted proof-of-work difficulty
	WorkThreshold uint64 `mapstructure:"work-threshold"`

	// Quorum is the vote tally a block needs to be confirmed
	Quorum uint64 `mapstructure:"quorum"`

	// GenesisAccount is the hex public key of the account whose open block
	// mints the supply
	GenesisAccount string `mapstructure:"genesis-account"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:                    DefaultDataDir(),
		LogLevel:                   DefaultLogLevel,
		BindAddr:                   DefaultBindAddr,
		ServiceAddr:                DefaultServiceAddr,
		DatabaseDir:                DefaultDatabaseDir(),
		MaxInbound:                 DefaultMaxInbound,
		MaxPeersPerIP:              DefaultMaxPeersPerIP,
		MaxPeersPerSubnet:          DefaultMaxPeersPerSubnet,
		IdleTimeout:                DefaultIdleTimeout,
		KeepalivePeriod:            DefaultKeepalivePeriod,
		TCPTimeout:                 DefaultTCPTimeout,
		ProtocolVersionMin:         DefaultProtocolMin,
		BlockProcessorFullSize:     DefaultBlockProcessorFullSize,
		BlockProcessorBatchSize:    DefaultBlockProcessorBatchSize,
		BlockProcessorBatchMaxTime: DefaultBatchMaxTime,
		BlockProcessTimeout:        DefaultBlockProcessTimeout,
		ActiveSize:                 DefaultActiveSize,
		HintedLimitPercentage:      DefaultHintedLimitPct,
		OptimisticLimitPercentage:  DefaultOptimisticLimitPct,
		ConfirmationHistorySize:    DefaultConfirmationHistorySize,
		ConfirmationCache:          DefaultConfirmationCache,
		MaxPerBucket:               DefaultMaxPerBucket,
		AECLoopInterval:            DefaultAECLoopInterval,
		ConfirmingBatchTime:        DefaultConfirmingBatchTime,
		BucketMaxBlocks:            DefaultBucketMaxBlocks,
		BucketReservedElections:    DefaultBucketReservedElection,
		BucketMaxElections:         DefaultBucketMaxElections,
		WorkThreshold:              types.DefaultWorkThreshold,
		Quorum:                     uint64(DefaultQuorum),
	}
	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	config.WorkThreshold = 0
	return config
}

// SetDataDir sets the top-level directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry that also appends to the log file
// in the data directory.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		pathMap := lfshook.PathMap{}
		logFile := filepath.Join(c.DataDir, DefaultLogFile)
		for _, level := range logrus.AllLevels {
			if level <= c.logger.Level {
				pathMap[level] = logFile
			}
		}
		c.logger.Hooks.Add(lfshook.NewHook(pathMap, new(logrus.JSONFormatter)))
	}
	return c.logger.WithField("prefix", "trellis")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level trellis
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Trellis")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Trellis")
		} else {
			return filepath.Join(home, ".trellis")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
