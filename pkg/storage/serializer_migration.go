// Offline serializer migration.
//
// The codec reads both serializers transparently, so a store never needs
// migrating to stay readable. Migration exists to settle a store on one
// serializer: after Options.Serializer changes, old rows keep their old
// framing until rewritten, and this rewrites them all at once. Extension rows
// are untouched; extensions own their encoding and never use the value codec.

package storage

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// SerializerMigrationOptions controls migration behavior.
type SerializerMigrationOptions struct {
	// BatchSize bounds each write batch. Zero means 1000.
	BatchSize int

	// DryRun scans and counts without writing.
	DryRun bool
}

// SerializerMigrationStats reports conversion results.
type SerializerMigrationStats struct {
	DataDir         string
	Source          Serializer
	Target          Serializer
	HasData         bool
	RowsConverted   int
	SkippedExisting int
	TotalScanned    int
}

// MigrateBadgerSerializer rewrites every row of a badger-backed store with
// the target serializer, in place. The store must be offline: nothing may
// have it open.
func MigrateBadgerSerializer(dataDir string, target Serializer, opts SerializerMigrationOptions) (SerializerMigrationStats, error) {
	db, err := badger.Open(badger.DefaultOptions(dataDir).WithLogger(nil))
	if err != nil {
		return SerializerMigrationStats{DataDir: dataDir, Target: target}, fmt.Errorf("open badger: %w", err)
	}
	defer db.Close()
	return migrateBadgerSerializer(db, dataDir, target, opts)
}

func migrateBadgerSerializer(db *badger.DB, dataDir string, target Serializer, opts SerializerMigrationOptions) (SerializerMigrationStats, error) {
	stats := SerializerMigrationStats{DataDir: dataDir, Target: target}

	if _, err := ParseSerializer(string(target)); err != nil {
		return stats, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}

	source, hasData, err := detectRowSerializer(db)
	if err != nil {
		return stats, err
	}
	stats.Source = source
	stats.HasData = hasData
	if !hasData {
		return stats, nil
	}

	codec := NewCodec(target)

	var batch *badger.WriteBatch
	batchCount := 0
	if !opts.DryRun {
		batch = db.NewWriteBatch()
		defer func() {
			if batch != nil {
				batch.Cancel()
			}
		}()
	}
	flush := func() error {
		if opts.DryRun || batchCount == 0 {
			return nil
		}
		if err := batch.Flush(); err != nil {
			return err
		}
		batch = db.NewWriteBatch()
		batchCount = 0
		return nil
	}

	prefix := []byte{prefixRow}
	err = db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			stats.TotalScanned++

			object, metadata, err := decodeRowValue(val)
			if err != nil {
				return rowErr(item.Key(), err)
			}
			newObject, objectChanged, err := convertBlob(codec, object, target)
			if err != nil {
				return rowErr(item.Key(), err)
			}
			newMetadata, metadataChanged, err := convertBlob(codec, metadata, target)
			if err != nil {
				return rowErr(item.Key(), err)
			}
			if !objectChanged && !metadataChanged {
				stats.SkippedExisting++
				continue
			}
			stats.RowsConverted++
			if opts.DryRun {
				continue
			}

			if err := batch.Set(item.KeyCopy(nil), encodeRowValue(newObject, newMetadata)); err != nil {
				return err
			}
			batchCount++
			if batchCount >= opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

// convertBlob re-frames one encoded blob with the target serializer. Empty
// blobs and blobs already framed for the target pass through unchanged.
func convertBlob(codec *Codec, blob []byte, target Serializer) ([]byte, bool, error) {
	if len(blob) == 0 {
		return blob, false, nil
	}
	serializer, _, ok, err := splitSerializationHeader(blob)
	if err != nil {
		return nil, false, err
	}
	if ok && serializer == target {
		return blob, false, nil
	}
	value, err := codec.Decode(blob)
	if err != nil {
		return nil, false, err
	}
	encoded, err := codec.Encode(value)
	if err != nil {
		return nil, false, err
	}
	return encoded, true, nil
}

// detectRowSerializer reports the serializer of the first framed blob in the
// row area and whether any rows exist at all. Headerless blobs are legacy
// gob.
func detectRowSerializer(db *badger.DB) (Serializer, bool, error) {
	source := SerializerGob
	hasData := false
	prefix := []byte{prefixRow}

	err := db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			hasData = true
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			object, metadata, err := decodeRowValue(val)
			if err != nil {
				return rowErr(it.Item().Key(), err)
			}
			for _, blob := range [][]byte{object, metadata} {
				if len(blob) == 0 {
					continue
				}
				serializer, _, ok, err := splitSerializationHeader(blob)
				if err != nil {
					return err
				}
				if ok {
					source = serializer
				}
				return nil
			}
			return nil
		}
		return nil
	})
	return source, hasData, err
}

func rowErr(rawKey []byte, err error) error {
	collection, key, ok := splitRowKey(rawKey)
	if !ok {
		return err
	}
	return fmt.Errorf("row %s/%s: %w", collection, key, err)
}
