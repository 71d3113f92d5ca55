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

	"github.com/ledgertail/ledgertail/common"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultServiceAddr       = "127.0.0.1:8000"
	DefaultMirrorURL         = "https://mainnet.mirrornode.example.com/api/v1"
	DefaultStreamURL         = "wss://mainnet.mirrornode.example.com:5600"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBackoffFloor      = 1 * time.Second
	DefaultBackoffCeiling    = 60 * time.Second
	DefaultStaleThreshold    = 5 * time.Minute
	DefaultPendingLimit      = 500
	DefaultStore             = false
)

// Config contains all the configuration properties of a ledgertail daemon.
type Config struct {
	// DataDir is the top-level directory containing ledgertail configuration
	// and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to a file.
	LogFile string `mapstructure:"log-file"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API.
	ServiceAddr string `mapstructure:"service-listen"`

	// MirrorURL is the base URL of the mirror node's REST API, used by the
	// bootstrap refresh.
	MirrorURL string `mapstructure:"mirror"`

	// StreamURL is the ws/wss URL of the mirror node's streaming endpoint,
	// used for live tailing.
	StreamURL string `mapstructure:"stream"`

	// RegistryID is the ledger id of the topic registry. When empty, the
	// compiled-in fallback mapping is used and results are flagged degraded.
	RegistryID string `mapstructure:"registry"`

	// RegistryURL is the base URL of the registry resolution service.
	RegistryURL string `mapstructure:"registry-url"`

	// SessionID scopes the projection cache. A stable id across restarts
	// gives warm bootstraps; an empty id starts every run cold.
	SessionID string `mapstructure:"session"`

	// StaleThreshold is the cache age beyond which a hydrated bootstrap
	// result is flagged stale.
	StaleThreshold time.Duration `mapstructure:"stale-threshold"`

	// PendingLimit bounds the queue of recognition instances waiting for
	// their definition.
	PendingLimit int `mapstructure:"pending-limit"`

	// HeartbeatInterval is the ping cadence on stream connections.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// BackoffFloor is the initial reconnect delay of stream connections.
	BackoffFloor time.Duration `mapstructure:"backoff-floor"`

	// BackoffCeiling caps the reconnect delay of stream connections.
	BackoffCeiling time.Duration `mapstructure:"backoff-ceiling"`

	// Store activates persistant storage for the projection cache.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:           DefaultDataDir(),
		LogLevel:          DefaultLogLevel,
		ServiceAddr:       DefaultServiceAddr,
		MirrorURL:         DefaultMirrorURL,
		StreamURL:         DefaultStreamURL,
		StaleThreshold:    DefaultStaleThreshold,
		PendingLimit:      DefaultPendingLimit,
		HeartbeatInterval: DefaultHeartbeatInterval,
		BackoffFloor:      DefaultBackoffFloor,
		BackoffCeiling:    DefaultBackoffCeiling,
		Store:             DefaultStore,
		DatabaseDir:       DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level ledgertail directory, and updates the
// database directory if it is currently set to the default value. If the
// database directory is not currently the default, it means the user has
// explicitely set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "ledgertail".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			if _, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
				c.logger.Infof("Failed to open %s, using default stderr", c.LogFile)
			} else {
				pathMap := lfshook.PathMap{}
				for _, level := range logrus.AllLevels {
					if level <= c.logger.Level {
						pathMap[level] = c.LogFile
					}
				}
				c.logger.Hooks.Add(lfshook.NewHook(
					pathMap,
					&logrus.TextFormatter{},
				))
			}
		}
	}
	return c.logger.WithField("prefix", "ledgertail")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level ledgertail
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Ledgertail")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Ledgertail")
		} else {
			return filepath.Join(home, ".ledgertail")
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
