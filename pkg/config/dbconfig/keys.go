package dbconfig

import "strconv"

// Environment variable names recognized by Load.
const (
	EnvDataDir              = "YAPDB_DATA_DIR"
	EnvBackend              = "YAPDB_BACKEND"
	EnvSerializer           = "YAPDB_SERIALIZER"
	EnvLogLevel             = "YAPDB_LOG_LEVEL"
	EnvCacheObjects         = "YAPDB_CACHE_OBJECTS"
	EnvCacheMetadata        = "YAPDB_CACHE_METADATA"
	EnvBadgerSyncWrites     = "YAPDB_BADGER_SYNC_WRITES"
	EnvBadgerGCInterval     = "YAPDB_BADGER_GC_INTERVAL"
	EnvBadgerGCDiscardRatio = "YAPDB_BADGER_GC_DISCARD_RATIO"
	EnvSQLiteBusyTimeoutMS  = "YAPDB_SQLITE_BUSY_TIMEOUT_MS"
)

// KeyMeta describes one recognized environment variable.
type KeyMeta struct {
	Key      string
	Type     string // "string", "number", "boolean", "duration"
	Category string // "Store", "Cache", "Badger", "SQLite", "Logging"
}

// Keys returns every recognized environment variable with its metadata, in
// display order. The shell's config command renders this list.
func Keys() []KeyMeta {
	return []KeyMeta{
		{EnvDataDir, "string", "Store"},
		{EnvBackend, "string", "Store"},
		{EnvSerializer, "string", "Store"},
		{EnvLogLevel, "string", "Logging"},
		{EnvCacheObjects, "number", "Cache"},
		{EnvCacheMetadata, "number", "Cache"},
		{EnvBadgerSyncWrites, "boolean", "Badger"},
		{EnvBadgerGCInterval, "duration", "Badger"},
		{EnvBadgerGCDiscardRatio, "number", "Badger"},
		{EnvSQLiteBusyTimeoutMS, "number", "SQLite"},
	}
}

// IsKnownKey reports whether key is one of the recognized environment
// variables.
func IsKnownKey(key string) bool {
	for _, meta := range Keys() {
		if meta.Key == key {
			return true
		}
	}
	return false
}

// Effective renders the resolved value of every recognized key in string
// form, keyed by environment variable name.
func (c *Config) Effective() map[string]string {
	return map[string]string{
		EnvDataDir:              c.DataDir,
		EnvBackend:              c.Backend,
		EnvSerializer:           c.Serializer,
		EnvLogLevel:             c.LogLevel,
		EnvCacheObjects:         strconv.Itoa(c.CacheObjects),
		EnvCacheMetadata:        strconv.Itoa(c.CacheMetadata),
		EnvBadgerSyncWrites:     strconv.FormatBool(c.Badger.SyncWrites),
		EnvBadgerGCInterval:     c.Badger.GCInterval.String(),
		EnvBadgerGCDiscardRatio: strconv.FormatFloat(c.Badger.GCDiscardRatio, 'f', -1, 64),
		EnvSQLiteBusyTimeoutMS:  strconv.Itoa(c.SQLite.BusyTimeoutMS),
	}
}
