// Package main is yapdb-shell, an interactive console for a YapDatabase
// store.
//
// Usage:
//
//	go run ./cmd/yapdb-shell
//	yapdb-shell -config yapdb.toml
//	YAPDB_BACKEND=memory yapdb-shell
//
// Settings resolve in three layers: built-in defaults, then the TOML file
// given with -config, then YAPDB_* environment variables. The -data-dir and
// -backend flags override all three.
//
// Values are entered as JSON; anything that does not parse as JSON is stored
// as a plain string. A full-text index named "search" is registered over all
// collections, so the search command works on whatever the shell writes.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/peterh/liner"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nolanw/YapDatabase/pkg/config/dbconfig"
	"github.com/nolanw/YapDatabase/pkg/fulltext"
	"github.com/nolanw/YapDatabase/pkg/storage"
	"github.com/nolanw/YapDatabase/pkg/yapdb"
)

const searchIndexName = "search"

var commands = []string{
	"get", "set", "del", "clear", "keys", "collections", "count",
	"search", "config", "help", "exit", "quit",
}

const helpText = `Commands:
  get <collection> <key>            print a row's object and metadata
  set <collection> <key> <value>    store a value (JSON or plain string; null deletes)
  del <collection> <key>            delete a row
  clear <collection>                delete every row in a collection
  keys <collection>                 list keys in a collection
  collections                       list collections
  count <collection>                count rows in a collection
  search <query>                    full-text search across all collections
  config                            print the effective configuration
  help                              this text
  exit                              leave the shell`

func main() {
	var (
		configPath = flag.String("config", "", "TOML config file path")
		dataDir    = flag.String("data-dir", "", "data directory (overrides config)")
		backend    = flag.String("backend", "", "store backend: badger, sqlite, or memory (overrides config)")
	)
	flag.Parse()

	conf, err := dbconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dataDir != "" {
		conf.DataDir = *dataDir
	}
	if *backend != "" {
		conf.Backend = *backend
	}
	if err := conf.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(conf.LogLevel)
	defer logger.Sync()

	store, err := openStore(conf, logger)
	if err != nil {
		log.Fatalf("open %s store: %v", conf.Backend, err)
	}
	db, err := yapdb.Open(yapdb.Options{
		Store:                 store,
		Serializer:            conf.Serializer,
		CacheObjectCapacity:   conf.CacheObjects,
		CacheMetadataCapacity: conf.CacheMetadata,
		Logger:                logger,
	})
	if err != nil {
		store.Close()
		log.Fatalf("open database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("close database", zap.Error(err))
		}
	}()

	searchIndex := fulltext.New(searchIndexName, searchText, fulltext.Options{Logger: logger})
	defer searchIndex.Close()
	if err := db.Register(searchIndexName, searchIndex); err != nil {
		log.Fatalf("register search index: %v", err)
	}

	conn, err := db.NewConnection()
	if err != nil {
		log.Fatalf("open connection: %v", err)
	}

	sh := &shell{conn: conn, conf: conf, out: os.Stdout}
	fmt.Printf("yapdb-shell: %s backend, %s serializer (help for commands)\n", conf.Backend, conf.Serializer)
	runREPL(sh)
}

func buildLogger(level string) *zap.Logger {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	return logger
}

func openStore(conf dbconfig.Config, logger *zap.Logger) (storage.Store, error) {
	if conf.Backend != dbconfig.BackendMemory {
		if err := os.MkdirAll(conf.DataDir, 0o755); err != nil {
			return nil, err
		}
	}
	switch conf.Backend {
	case dbconfig.BackendBadger:
		return storage.OpenBadgerStore(storage.BadgerOptions{
			Dir:            conf.DataDir,
			SyncWrites:     conf.Badger.SyncWrites,
			GCInterval:     conf.Badger.GCInterval.Duration,
			GCDiscardRatio: conf.Badger.GCDiscardRatio,
			Logger:         logger,
		})
	case dbconfig.BackendSQLite:
		return storage.OpenSQLiteStore(storage.SQLiteOptions{
			Path:          filepath.Join(conf.DataDir, "yapdb.sqlite"),
			BusyTimeoutMS: conf.SQLite.BusyTimeoutMS,
			Logger:        logger,
		})
	case dbconfig.BackendMemory:
		return storage.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", conf.Backend)
}

// searchText renders a stored object for the full-text index. Maps contribute
// their string fields; everything else contributes its printed form.
func searchText(collection, key string, object, metadata any) string {
	switch v := object.(type) {
	case string:
		return v
	case map[string]any:
		parts := make([]string, 0, len(v))
		for _, field := range v {
			if s, ok := field.(string); ok {
				parts = append(parts, s)
			}
		}
		sort.Strings(parts)
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(v)
	}
}

func runREPL(sh *shell) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) (c []string) {
		for _, cmd := range commands {
			if strings.HasPrefix(cmd, strings.ToLower(l)) {
				c = append(c, cmd)
			}
		}
		return
	})

	historyPath := historyFile()
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		input, err := line.Prompt("yapdb> ")
		if err == liner.ErrPromptAborted {
			continue
		}
		if err == io.EOF {
			fmt.Println()
			return
		}
		if err != nil {
			fmt.Printf("read error: %v\n", err)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if sh.execute(input) {
			return
		}
	}
}

func historyFile() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".yapdb_history")
}

type shell struct {
	conn *yapdb.Connection
	conf dbconfig.Config
	out  io.Writer
}

// execute runs one command line and reports whether the shell should exit.
func (s *shell) execute(input string) bool {
	args := strings.Fields(input)
	cmd := strings.ToLower(args[0])

	var err error
	switch cmd {
	case "exit", "quit":
		return true
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "get":
		err = s.get(args)
	case "set":
		err = s.set(args, input)
	case "del":
		err = s.del(args)
	case "clear":
		err = s.clear(args)
	case "keys":
		err = s.keys(args)
	case "collections":
		err = s.collections()
	case "count":
		err = s.count(args)
	case "search":
		err = s.search(args, input)
	case "config":
		s.config()
	default:
		fmt.Fprintf(s.out, "unknown command %q (help for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return false
}

func (s *shell) get(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: get <collection> <key>")
	}
	return s.conn.Read(func(tx *yapdb.Transaction) error {
		object, metadata, err := tx.Get(args[1], args[2])
		if errors.Is(err, yapdb.ErrKeyNotFound) {
			fmt.Fprintln(s.out, "(not found)")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, renderValue(object))
		if metadata != nil {
			fmt.Fprintf(s.out, "meta: %s\n", renderValue(metadata))
		}
		return nil
	})
}

func (s *shell) set(args []string, input string) error {
	if len(args) < 4 {
		return errors.New("usage: set <collection> <key> <value>")
	}
	value := parseValue(restAfter(input, 3))
	return s.conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Set(args[1], args[2], value, nil)
	})
}

func (s *shell) del(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: del <collection> <key>")
	}
	return s.conn.ReadWrite(func(tx *yapdb.Transaction) error {
		return tx.Delete(args[1], args[2])
	})
}

func (s *shell) clear(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: clear <collection>")
	}
	return s.conn.ReadWrite(func(tx *yapdb.Transaction) error {
		removed, err := tx.DeleteCollection(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "removed %d\n", removed)
		return nil
	})
}

func (s *shell) keys(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: keys <collection>")
	}
	return s.conn.Read(func(tx *yapdb.Transaction) error {
		return tx.EnumerateKeys(args[1], func(key string, stop *bool) {
			fmt.Fprintln(s.out, key)
		})
	})
}

func (s *shell) collections() error {
	return s.conn.Read(func(tx *yapdb.Transaction) error {
		return tx.EnumerateCollections(func(collection string, stop *bool) {
			fmt.Fprintln(s.out, collection)
		})
	})
}

func (s *shell) count(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: count <collection>")
	}
	return s.conn.Read(func(tx *yapdb.Transaction) error {
		n, err := tx.Count(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, n)
		return nil
	})
}

// search runs in a read-write transaction so a fresh database builds the
// index on first use instead of reporting it unavailable.
func (s *shell) search(args []string, input string) error {
	if len(args) < 2 {
		return errors.New("usage: search <query>")
	}
	query := restAfter(input, 1)
	return s.conn.ReadWrite(func(tx *yapdb.Transaction) error {
		ft := fulltext.In(tx, searchIndexName)
		if ft == nil {
			return errors.New("search index unavailable")
		}
		results, err := ft.Search(query, 20)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Fprintln(s.out, "(no matches)")
			return nil
		}
		for _, r := range results {
			fmt.Fprintf(s.out, "%8.4f  %s/%s\n", r.Score, r.Collection, r.Key)
		}
		return nil
	})
}

func (s *shell) config() {
	effective := s.conf.Effective()
	category := ""
	for _, meta := range dbconfig.Keys() {
		if meta.Category != category {
			category = meta.Category
			fmt.Fprintf(s.out, "[%s]\n", category)
		}
		fmt.Fprintf(s.out, "  %s = %s\n", meta.Key, effective[meta.Key])
	}
}

// restAfter returns input with its first n whitespace-separated tokens
// removed, preserving the remainder's interior spacing.
func restAfter(input string, n int) string {
	s := strings.TrimSpace(input)
	for i := 0; i < n; i++ {
		j := strings.IndexFunc(s, unicode.IsSpace)
		if j < 0 {
			return ""
		}
		s = strings.TrimSpace(s[j:])
	}
	return s
}

// parseValue interprets raw as JSON when it parses, otherwise as a plain
// string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func renderValue(v any) string {
	if v == nil {
		return "null"
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%#v", v)
}
