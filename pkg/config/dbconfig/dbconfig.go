// Package dbconfig resolves the settings a process needs to open a database:
// defaults, then an optional TOML file, then YAPDB_* environment variables,
// later layers winning.
package dbconfig

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nolanw/YapDatabase/pkg/envutil"
	"github.com/nolanw/YapDatabase/pkg/storage"
)

// Backend names accepted by Config.Backend.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds everything needed to open a Database from a main.
type Config struct {
	// DataDir is where the badger or sqlite backend keeps its files. The
	// memory backend ignores it.
	DataDir string `toml:"data-dir"`

	// Backend selects the base store: badger, sqlite, or memory.
	Backend string `toml:"backend"`

	// Serializer selects the value codec: gob or msgpack.
	Serializer string `toml:"serializer"`

	// LogLevel is the zap level for process logging: debug, info, warn, error.
	LogLevel string `toml:"log-level"`

	// CacheObjects and CacheMetadata size the per-connection decoded-value
	// caches. Zero means the engine default; negative disables the cache.
	CacheObjects  int `toml:"cache-objects"`
	CacheMetadata int `toml:"cache-metadata"`

	Badger BadgerConfig `toml:"badger-store"`
	SQLite SQLiteConfig `toml:"sqlite-store"`
}

// BadgerConfig tunes the badger backend.
type BadgerConfig struct {
	// SyncWrites forces an fsync on every commit.
	SyncWrites bool `toml:"sync-writes"`

	// GCInterval is how often the value-log garbage collector runs. Zero
	// disables it.
	GCInterval Duration `toml:"gc-interval"`

	// GCDiscardRatio is handed to badger's RunValueLogGC.
	GCDiscardRatio float64 `toml:"gc-discard-ratio"`
}

// SQLiteConfig tunes the sqlite backend.
type SQLiteConfig struct {
	// BusyTimeoutMS is the per-connection busy timeout in milliseconds.
	BusyTimeoutMS int `toml:"busy-timeout-ms"`
}

// DefaultConf is the base layer of every Load. Copy it before mutating.
var DefaultConf = Config{
	DataDir:    "./yapdb-data",
	Backend:    BackendBadger,
	Serializer: string(storage.SerializerGob),
	LogLevel:   "info",
	Badger: BadgerConfig{
		GCInterval:     Duration{5 * time.Minute},
		GCDiscardRatio: 0.5,
	},
	SQLite: SQLiteConfig{
		BusyTimeoutMS: 5000,
	},
}

// Load resolves the effective configuration: DefaultConf, overlaid with the
// TOML file at path (skipped when path is empty), overlaid with YAPDB_*
// environment variables. The result is validated before it is returned.
func Load(path string) (Config, error) {
	conf := DefaultConf
	if path != "" {
		if _, err := toml.DecodeFile(path, &conf); err != nil {
			return conf, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	conf.applyEnv()
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

// applyEnv overlays YAPDB_* environment variables. Unset or malformed
// variables leave the current value alone.
func (c *Config) applyEnv() {
	c.DataDir = envutil.Get(EnvDataDir, c.DataDir)
	c.Backend = envutil.Get(EnvBackend, c.Backend)
	c.Serializer = envutil.Get(EnvSerializer, c.Serializer)
	c.LogLevel = envutil.Get(EnvLogLevel, c.LogLevel)
	c.CacheObjects = envutil.GetInt(EnvCacheObjects, c.CacheObjects)
	c.CacheMetadata = envutil.GetInt(EnvCacheMetadata, c.CacheMetadata)
	c.Badger.SyncWrites = envutil.GetBoolLoose(EnvBadgerSyncWrites, c.Badger.SyncWrites)
	c.Badger.GCInterval.Duration = envutil.GetDurationOrSeconds(EnvBadgerGCInterval, c.Badger.GCInterval.Duration)
	c.Badger.GCDiscardRatio = envutil.GetFloat(EnvBadgerGCDiscardRatio, c.Badger.GCDiscardRatio)
	c.SQLite.BusyTimeoutMS = envutil.GetInt(EnvSQLiteBusyTimeoutMS, c.SQLite.BusyTimeoutMS)
}

// Validate rejects settings no backend or codec will accept.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendBadger, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("dbconfig: unknown backend %q (want badger, sqlite, or memory)", c.Backend)
	}
	if _, err := storage.ParseSerializer(c.Serializer); err != nil {
		return err
	}
	if c.Backend != BackendMemory && c.DataDir == "" {
		return fmt.Errorf("dbconfig: %s backend needs a data dir", c.Backend)
	}
	if r := c.Badger.GCDiscardRatio; r < 0 || r >= 1 {
		return fmt.Errorf("dbconfig: gc-discard-ratio %v outside [0, 1)", r)
	}
	return nil
}

// Duration wraps time.Duration so TOML files can say "5m" instead of a
// nanosecond count.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a TOML string into the duration.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText renders the duration back into its string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
