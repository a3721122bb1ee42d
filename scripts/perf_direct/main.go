package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nolanw/YapDatabase/pkg/fulltext"
	"github.com/nolanw/YapDatabase/pkg/storage"
	"github.com/nolanw/YapDatabase/pkg/yapdb"
)

type stats struct {
	count      int
	min        time.Duration
	max        time.Duration
	avg        time.Duration
	median     time.Duration
	p95        time.Duration
	p99        time.Duration
	throughput float64
}

func main() {
	var (
		dataDir    = flag.String("data-dir", "./data/perf-direct", "data directory for disk backends")
		backend    = flag.String("backend", "badger", "store backend: badger, sqlite, or memory")
		serializer = flag.String("serializer", "gob", "value serializer: gob or msgpack")
		iterations = flag.Int("iterations", 200, "number of operations per test")
		batchSize  = flag.Int("batch-size", 50, "rows per transaction in the batched test")
		clean      = flag.Bool("clean", false, "remove data directory before running")
		syncWrites = flag.Bool("sync-writes", false, "enable badger sync writes (fsync on each commit)")
	)
	flag.Parse()

	if *clean {
		if err := os.RemoveAll(*dataDir); err != nil {
			log.Fatalf("failed to clean data dir: %v", err)
		}
	}
	if *backend != "memory" {
		if err := os.MkdirAll(*dataDir, 0o755); err != nil {
			log.Fatalf("failed to create data dir: %v", err)
		}
	}

	store, err := openStore(*backend, *dataDir, *syncWrites)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", *backend, err)
	}
	db, err := yapdb.Open(yapdb.Options{Store: store, Serializer: *serializer})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	conn, err := db.NewConnection()
	if err != nil {
		log.Fatalf("failed to open connection: %v", err)
	}

	fmt.Println("YapDatabase Direct Performance")
	fmt.Printf("Backend: %s\n", *backend)
	fmt.Printf("Serializer: %s\n", *serializer)
	fmt.Printf("Data dir: %s\n", *dataDir)
	fmt.Printf("Iterations: %d\n", *iterations)
	fmt.Printf("Batch size: %d\n", *batchSize)
	fmt.Println()

	runTest("Single row set (one transaction each)", func() []time.Duration {
		return testSingleSet(conn, *iterations)
	})

	runTest("Batched row set", func() []time.Duration {
		return testBatchSet(conn, *iterations, *batchSize)
	})

	runTest("Row get", func() []time.Duration {
		return testGet(conn, *iterations)
	})

	// Same single-row writes again with a fulltext index maintaining itself
	// on every commit. The first duration includes the initial index build
	// over everything written above.
	idx := fulltext.New("perf-search", articleText, fulltext.Options{})
	if err := db.Register("perf-search", idx); err != nil {
		log.Fatalf("failed to register fulltext index: %v", err)
	}

	runTest("Single row set with fulltext upkeep", func() []time.Duration {
		return testIndexedSet(conn, *iterations)
	})

	runTest("Fulltext search", func() []time.Duration {
		return testSearch(conn, *iterations)
	})

	if err := db.Close(); err != nil {
		log.Printf("close error: %v", err)
	}
	idx.Close()
}

func openStore(backend, dataDir string, syncWrites bool) (storage.Store, error) {
	switch backend {
	case "badger":
		return storage.OpenBadgerStore(storage.BadgerOptions{Dir: dataDir, SyncWrites: syncWrites})
	case "sqlite":
		return storage.OpenSQLiteStore(storage.SQLiteOptions{Path: filepath.Join(dataDir, "perf.sqlite")})
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func runTest(label string, fn func() []time.Duration) {
	durations := fn()
	fmt.Printf("=== %s ===\n", label)
	if len(durations) == 0 {
		fmt.Println("No successful operations")
		fmt.Println()
		return
	}
	s := computeStats(durations)
	fmt.Printf("Count: %d\n", s.count)
	fmt.Printf("Min: %s\n", formatMs(s.min))
	fmt.Printf("Max: %s\n", formatMs(s.max))
	fmt.Printf("Avg: %s\n", formatMs(s.avg))
	fmt.Printf("Median: %s\n", formatMs(s.median))
	fmt.Printf("P95: %s\n", formatMs(s.p95))
	fmt.Printf("P99: %s\n", formatMs(s.p99))
	fmt.Printf("Throughput: %.2f ops/sec\n", s.throughput)
	fmt.Println()
}

func rowObject(i int) map[string]any {
	return map[string]any{
		"title": fmt.Sprintf("row %d", i),
		"body":  fmt.Sprintf("payload for row %d with a handful of words to encode", i),
		"seq":   i,
	}
}

// articleText feeds the fulltext index from the title and body fields.
func articleText(collection, key string, object, metadata any) string {
	fields, ok := object.(map[string]any)
	if !ok {
		return ""
	}
	title, _ := fields["title"].(string)
	body, _ := fields["body"].(string)
	return title + " " + body
}

func testSingleSet(conn *yapdb.Connection, iterations int) []time.Duration {
	var durations []time.Duration
	for i := 0; i < iterations; i++ {
		key := fmt.Sprintf("single-%06d", i)
		start := time.Now()
		err := conn.ReadWrite(func(tx *yapdb.Transaction) error {
			return tx.Set("articles", key, rowObject(i), nil)
		})
		if err != nil {
			continue
		}
		durations = append(durations, time.Since(start))
	}
	return durations
}

func testBatchSet(conn *yapdb.Connection, iterations, batchSize int) []time.Duration {
	if batchSize <= 0 {
		return nil
	}
	batches := int(math.Max(1, float64(iterations/batchSize)))
	var durations []time.Duration
	for b := 0; b < batches; b++ {
		start := time.Now()
		err := conn.ReadWrite(func(tx *yapdb.Transaction) error {
			for i := 0; i < batchSize; i++ {
				key := fmt.Sprintf("batch-%06d", b*batchSize+i)
				if err := tx.Set("articles", key, rowObject(i), nil); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			continue
		}
		durations = append(durations, time.Since(start))
	}
	return durations
}

func testGet(conn *yapdb.Connection, iterations int) []time.Duration {
	var durations []time.Duration
	for i := 0; i < iterations; i++ {
		key := fmt.Sprintf("single-%06d", i)
		start := time.Now()
		err := conn.Read(func(tx *yapdb.Transaction) error {
			_, _, err := tx.Get("articles", key)
			return err
		})
		if err != nil {
			continue
		}
		durations = append(durations, time.Since(start))
	}
	return durations
}

func testIndexedSet(conn *yapdb.Connection, iterations int) []time.Duration {
	var durations []time.Duration
	for i := 0; i < iterations; i++ {
		key := fmt.Sprintf("indexed-%06d", i)
		start := time.Now()
		err := conn.ReadWrite(func(tx *yapdb.Transaction) error {
			return tx.Set("articles", key, rowObject(i), nil)
		})
		if err != nil {
			continue
		}
		durations = append(durations, time.Since(start))
	}
	return durations
}

func testSearch(conn *yapdb.Connection, iterations int) []time.Duration {
	var durations []time.Duration
	for i := 0; i < iterations; i++ {
		query := fmt.Sprintf("payload %d", i)
		start := time.Now()
		err := conn.Read(func(tx *yapdb.Transaction) error {
			ft := fulltext.In(tx, "perf-search")
			if ft == nil {
				return fmt.Errorf("index unavailable")
			}
			_, err := ft.Search(query, 10)
			return err
		})
		if err != nil {
			continue
		}
		durations = append(durations, time.Since(start))
	}
	return durations
}

func computeStats(durations []time.Duration) stats {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	count := len(durations)
	min := durations[0]
	max := durations[count-1]

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	avg := total / time.Duration(count)

	median := percentile(durations, 0.5)
	p95 := percentile(durations, 0.95)
	p99 := percentile(durations, 0.99)

	throughput := float64(count) / total.Seconds()

	return stats{
		count:      count,
		min:        min,
		max:        max,
		avg:        avg,
		median:     median,
		p95:        p95,
		p99:        p99,
		throughput: throughput,
	}
}

func percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	if p <= 0 {
		return durations[0]
	}
	if p >= 1 {
		return durations[len(durations)-1]
	}
	idx := int(math.Ceil(p*float64(len(durations)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

func formatMs(d time.Duration) string {
	return fmt.Sprintf("%.3fms", float64(d)/float64(time.Millisecond))
}
