// Package secondaryindex maintains typed secondary indexes over row objects.
//
// An Index is registered with a database under a name and derives its entries
// from rows via an app-supplied IndexFunc. Entries live in the extension's
// private key area with an order-preserving binary encoding, so exact-match
// and range queries are byte scans. A reverse row per indexed row records the
// row's current entries for unindexing. All persistence happens inside the
// owning transaction's commit boundary; queries made mid-transaction fold the
// transaction's own changes in before scanning.
package secondaryindex

import (
	"bytes"
	"errors"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/nolanw/YapDatabase/pkg/yapdb"
)

// ErrKindMismatch is returned by Range when the bounds are not the same kind.
var ErrKindMismatch = errors.New("secondaryindex: range bounds must share one kind")

const indexFormatVersion = 1

// Key areas inside the extension's row space.
var (
	stateKey      = []byte{0x00, 's'}
	entryPrefix   = []byte{0x01}
	reversePrefix = []byte{0x02}
)

// IndexEntry is one (column, value) pair produced for a row.
type IndexEntry struct {
	Column string
	Value  Value
}

// IndexFunc derives the index entries for a row. Returning nil leaves the row
// out of the index.
type IndexFunc func(collection, key string, object, metadata any) []IndexEntry

// Options configures an Index.
type Options struct {
	// Collections restricts indexing to the named collections. Empty means
	// every collection.
	Collections []string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Index implements yapdb.Extension.
type Index struct {
	name        string
	fn          IndexFunc
	collections map[string]struct{}
	logger      *zap.Logger
}

// New builds an index extension. name is both the registration name and the
// extension-row area it persists into.
func New(name string, fn IndexFunc, opts Options) *Index {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var collections map[string]struct{}
	if len(opts.Collections) > 0 {
		collections = make(map[string]struct{}, len(opts.Collections))
		for _, c := range opts.Collections {
			collections[c] = struct{}{}
		}
	}
	return &Index{name: name, fn: fn, collections: collections, logger: logger}
}

// Name returns the index's registration name.
func (x *Index) Name() string { return x.name }

// NewConnection implements yapdb.Extension.
func (x *Index) NewConnection(conn *yapdb.Connection) yapdb.ExtensionConnection {
	return &indexConnection{index: x}
}

func (x *Index) covers(collection string) bool {
	if x.collections == nil {
		return true
	}
	_, ok := x.collections[collection]
	return ok
}

type indexConnection struct {
	index *Index
}

func (c *indexConnection) NewReadTransaction(tx *yapdb.Transaction) yapdb.ExtensionTransaction {
	return &Transaction{index: c.index, tx: tx}
}

func (c *indexConnection) NewReadWriteTransaction(tx *yapdb.Transaction) yapdb.ExtensionTransaction {
	return &Transaction{
		index:      c.index,
		tx:         tx,
		writable:   true,
		pendingAdd: make(map[string]struct{}),
		pendingDel: make(map[string]struct{}),
		reverse:    make(map[string][]string),
	}
}

type indexState struct {
	Version int
}

// Transaction is the index's face on one core transaction. Obtain it with In.
type Transaction struct {
	index    *Index
	tx       *yapdb.Transaction
	writable bool

	// rebuild means no compatible persisted state existed at prepare time: the
	// area is cleared and repopulated from a full row scan at commit.
	rebuild   bool
	rebuilt   bool
	watermark int

	pendingAdd map[string]struct{} // entry keys created this transaction
	pendingDel map[string]struct{} // committed entry keys removed this transaction
	reverse    map[string][]string // docID -> current entry keys (overlay over reverse rows)
}

// In resolves the named index on tx, or nil when the index is not registered
// or not yet populated for a read-only transaction.
func In(tx *yapdb.Transaction, name string) *Transaction {
	x, _ := tx.Extension(name).(*Transaction)
	return x
}

// PrepareIfNeeded implements yapdb.ExtensionTransaction. Read-only
// transactions without compatible persisted state are excluded until a
// writable transaction populates the index.
func (x *Transaction) PrepareIfNeeded() bool {
	raw, err := x.tx.GetExtensionRow(x.index.name, stateKey)
	switch {
	case err == nil:
		var st indexState
		if msgpack.Unmarshal(raw, &st) == nil && st.Version == indexFormatVersion {
			return true
		}
		// Unreadable or older-format state: fall through to a rebuild.
	case errors.Is(err, yapdb.ErrKeyNotFound):
		// Never populated.
	default:
		x.index.logger.Error("index state read failed",
			zap.String("index", x.index.name), zap.Error(err))
		return false
	}
	if !x.writable {
		return false
	}
	x.rebuild = true
	return true
}

// PreCommitTransaction implements yapdb.ExtensionTransaction. It folds any
// change records not yet consumed by a mid-transaction query into the pending
// entry sets. Nothing persists here.
func (x *Transaction) PreCommitTransaction() {
	x.refresh()
}

// CommitTransaction implements yapdb.ExtensionTransaction. It writes the
// pending entry and reverse rows through the owning transaction, inside the
// base store's commit boundary. Write failures are logged; the index heals on
// the next rebuild.
func (x *Transaction) CommitTransaction() {
	if x.rebuild {
		if _, err := x.tx.DeleteExtensionRows(x.index.name); err != nil {
			x.log("clear index area", err)
		}
	}
	for _, k := range sortedSetKeys(x.pendingDel) {
		if err := x.tx.DeleteExtensionRow(x.index.name, []byte(k)); err != nil {
			x.log("delete index entry", err)
		}
	}
	for _, k := range sortedSetKeys(x.pendingAdd) {
		if err := x.tx.SetExtensionRow(x.index.name, []byte(k), nil); err != nil {
			x.log("write index entry", err)
		}
	}

	docs := make([]string, 0, len(x.reverse))
	for doc := range x.reverse {
		docs = append(docs, doc)
	}
	sort.Strings(docs)
	for _, doc := range docs {
		collection, key, ok := splitDocID(doc)
		if !ok {
			continue
		}
		rk := reverseKey(collection, key)
		keys := x.reverse[doc]
		if len(keys) == 0 {
			if err := x.tx.DeleteExtensionRow(x.index.name, rk); err != nil {
				x.log("delete reverse row", err)
			}
			continue
		}
		value, err := msgpack.Marshal(keys)
		if err != nil {
			x.log("encode reverse row", err)
			continue
		}
		if err := x.tx.SetExtensionRow(x.index.name, rk, value); err != nil {
			x.log("write reverse row", err)
		}
	}

	if x.rebuild {
		value, err := msgpack.Marshal(indexState{Version: indexFormatVersion})
		if err == nil {
			err = x.tx.SetExtensionRow(x.index.name, stateKey, value)
		}
		if err != nil {
			x.log("write index state", err)
		}
	}
}

func (x *Transaction) log(what string, err error) {
	x.index.logger.Error(what+" failed",
		zap.String("index", x.index.name),
		zap.String("tx", x.tx.ID()),
		zap.Error(err))
}

// refresh consumes the transaction's change log up to its current end,
// updating the pending entry sets. Queries call it so mid-transaction scans
// reflect the transaction's own writes.
func (x *Transaction) refresh() {
	if !x.writable {
		return
	}
	if x.rebuild && !x.rebuilt {
		x.rebuildAll()
		x.rebuilt = true
		x.watermark = len(x.tx.Changes())
		return
	}
	changes := x.tx.Changes()
	for ; x.watermark < len(changes); x.watermark++ {
		ch := changes[x.watermark]
		if !x.index.covers(ch.Collection) {
			continue
		}
		switch ch.Op {
		case yapdb.OpSet:
			x.reindexRow(ch.Collection, ch.Key)
		case yapdb.OpDelete:
			x.unindexRow(ch.Collection, ch.Key)
		case yapdb.OpDeleteCollection:
			x.unindexCollection(ch.Collection)
		}
	}
}

// rebuildAll derives entries for every covered row currently visible to the
// transaction, which already includes the transaction's own pending writes.
func (x *Transaction) rebuildAll() {
	collections := make([]string, 0, len(x.index.collections))
	if x.index.collections != nil {
		for c := range x.index.collections {
			collections = append(collections, c)
		}
		sort.Strings(collections)
	} else {
		names, err := x.tx.Collections()
		if err != nil {
			x.log("list collections for rebuild", err)
			return
		}
		collections = names
	}
	for _, collection := range collections {
		collection := collection
		err := x.tx.EnumerateRows(collection, func(key string, object, metadata any, stop *bool) {
			x.setEntries(collection, key, x.index.fn(collection, key, object, metadata))
		})
		if err != nil {
			x.log("row scan for rebuild", err)
		}
	}
}

func (x *Transaction) reindexRow(collection, key string) {
	object, metadata, err := x.tx.Get(collection, key)
	if errors.Is(err, yapdb.ErrKeyNotFound) {
		// The row was overwritten and then deleted later in this transaction;
		// the delete record will have its turn.
		x.setEntries(collection, key, nil)
		return
	}
	if err != nil {
		x.log("read row for indexing", err)
		return
	}
	x.setEntries(collection, key, x.index.fn(collection, key, object, metadata))
}

func (x *Transaction) unindexRow(collection, key string) {
	x.setEntries(collection, key, nil)
}

func (x *Transaction) unindexCollection(collection string) {
	// Overlay first: rows indexed earlier in this transaction.
	for doc, keys := range x.reverse {
		if c, _, ok := splitDocID(doc); ok && c == collection && len(keys) > 0 {
			x.removeEntryKeys(keys)
			x.reverse[doc] = nil
		}
	}
	if x.rebuild {
		return
	}
	prefix := append(append([]byte{}, reversePrefix...), collection...)
	prefix = append(prefix, 0x00)
	err := x.tx.EnumerateExtensionRows(x.index.name, prefix, func(rawKey, value []byte, stop *bool) {
		c, k, ok := parseReverseKey(rawKey)
		if !ok {
			return
		}
		doc := docID(c, k)
		if _, seen := x.reverse[doc]; seen {
			return
		}
		var keys []string
		if err := msgpack.Unmarshal(value, &keys); err != nil {
			x.log("decode reverse row", err)
			return
		}
		x.removeEntryKeys(keys)
		x.reverse[doc] = nil
	})
	if err != nil {
		x.log("scan reverse rows", err)
	}
}

// setEntries replaces a row's index entries with those derived from entries.
func (x *Transaction) setEntries(collection, key string, entries []IndexEntry) {
	doc := docID(collection, key)
	x.removeEntryKeys(x.currentEntryKeys(collection, key, doc))

	var keys []string
	for _, e := range entries {
		if e.Column == "" || strings.IndexByte(e.Column, 0x00) >= 0 {
			x.index.logger.Warn("skipping entry with invalid column name",
				zap.String("index", x.index.name), zap.String("column", e.Column))
			continue
		}
		encoded := e.Value.encode()
		if encoded == nil {
			continue
		}
		keys = append(keys, string(entryKey(e.Column, encoded, collection, key)))
	}
	sort.Strings(keys)
	keys = dedupeSorted(keys)
	for _, k := range keys {
		if _, ok := x.pendingDel[k]; ok {
			delete(x.pendingDel, k)
		} else {
			x.pendingAdd[k] = struct{}{}
		}
	}
	x.reverse[doc] = keys
}

func (x *Transaction) removeEntryKeys(keys []string) {
	for _, k := range keys {
		if _, ok := x.pendingAdd[k]; ok {
			delete(x.pendingAdd, k)
		} else {
			x.pendingDel[k] = struct{}{}
		}
	}
}

// currentEntryKeys returns the row's live entry keys: the transaction overlay
// if present, otherwise the committed reverse row. During a rebuild the
// committed area is about to be cleared, so it contributes nothing.
func (x *Transaction) currentEntryKeys(collection, key, doc string) []string {
	if keys, ok := x.reverse[doc]; ok {
		return keys
	}
	if x.rebuild {
		return nil
	}
	raw, err := x.tx.GetExtensionRow(x.index.name, reverseKey(collection, key))
	if errors.Is(err, yapdb.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		x.log("read reverse row", err)
		return nil
	}
	var keys []string
	if err := msgpack.Unmarshal(raw, &keys); err != nil {
		x.log("decode reverse row", err)
		return nil
	}
	return keys
}

// Match enumerates the rows whose column equals value, in collection/key
// order. The callback contract matches the core enumerations: set stop before
// mutating, or the call fails with ErrConcurrentMutation.
func (x *Transaction) Match(column string, value Value, fn func(collection, key string, stop *bool)) error {
	encoded := value.encode()
	if encoded == nil {
		return nil
	}
	prefix := columnPrefix(column)
	prefix = append(prefix, encoded...)
	prefix = append(prefix, 0x00)

	merged, err := x.matchingEntryKeys(column, prefix, func(valueBytes []byte) (bool, bool) {
		return bytes.Equal(valueBytes, encoded), false
	})
	if err != nil {
		return err
	}

	guard := x.tx.Mutations()
	for _, ek := range merged {
		_, collection, key, ok := parseEntryKey([]byte(ek), column)
		if !ok {
			continue
		}
		stop := false
		fn(collection, key, &stop)
		if stop {
			return nil
		}
		if x.tx.Mutations() != guard {
			return yapdb.ErrConcurrentMutation
		}
	}
	return nil
}

// Range enumerates rows whose column value lies in [from, to], both
// inclusive, in ascending value order (collection/key order within equal
// values). Bounds must share a kind.
func (x *Transaction) Range(column string, from, to Value, fn func(collection, key string, value Value, stop *bool)) error {
	if from.kind == 0 || from.kind != to.kind {
		return ErrKindMismatch
	}
	lo := from.encode()
	hi := to.encode()

	merged, err := x.matchingEntryKeys(column, columnPrefix(column), func(valueBytes []byte) (bool, bool) {
		if len(valueBytes) == 0 {
			return false, false
		}
		if valueBytes[0] != byte(from.kind) {
			// Kinds sort by their tag byte, so once the scan passes this
			// kind's tag nothing further can match.
			return false, valueBytes[0] > byte(from.kind)
		}
		if bytes.Compare(valueBytes, lo) < 0 {
			return false, false
		}
		cmp := bytes.Compare(valueBytes, hi)
		return cmp <= 0, cmp > 0
	})
	if err != nil {
		return err
	}

	guard := x.tx.Mutations()
	for _, ek := range merged {
		valueBytes, collection, key, ok := parseEntryKey([]byte(ek), column)
		if !ok {
			continue
		}
		value, err := decodeValue(valueBytes)
		if err != nil {
			continue
		}
		stop := false
		fn(collection, key, value, &stop)
		if stop {
			return nil
		}
		if x.tx.Mutations() != guard {
			return yapdb.ErrConcurrentMutation
		}
	}
	return nil
}

// matchingEntryKeys scans the committed area under prefix and merges in the
// pending adds, applying accept to each entry's value bytes. accept's second
// result ends the committed scan early (the area is value-ordered).
func (x *Transaction) matchingEntryKeys(column string, prefix []byte, accept func(valueBytes []byte) (ok, past bool)) ([]string, error) {
	x.refresh()

	var committed []string
	if !x.rebuild {
		// During a rebuild the committed area is condemned; only the pending
		// set reflects reality.
		err := x.tx.EnumerateExtensionRows(x.index.name, prefix, func(rawKey, _ []byte, stop *bool) {
			k := string(rawKey)
			if _, gone := x.pendingDel[k]; gone {
				return
			}
			valueBytes, _, _, ok := parseEntryKey(rawKey, column)
			if !ok {
				return
			}
			ok, past := accept(valueBytes)
			if past {
				*stop = true
				return
			}
			if ok {
				committed = append(committed, k)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	var pending []string
	if x.writable {
		for k := range x.pendingAdd {
			if !bytes.HasPrefix([]byte(k), prefix) {
				continue
			}
			valueBytes, _, _, ok := parseEntryKey([]byte(k), column)
			if !ok {
				continue
			}
			if ok, _ := accept(valueBytes); ok {
				pending = append(pending, k)
			}
		}
		sort.Strings(pending)
	}
	return mergeSorted(committed, pending), nil
}

func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func dedupeSorted(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out
}

func sortedSetKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key framing
// ============================================================================

func docID(collection, key string) string {
	return collection + "\x00" + key
}

func splitDocID(doc string) (collection, key string, ok bool) {
	sep := strings.IndexByte(doc, 0x00)
	if sep < 0 {
		return "", "", false
	}
	return doc[:sep], doc[sep+1:], true
}

func columnPrefix(column string) []byte {
	out := make([]byte, 0, 1+len(column)+1)
	out = append(out, entryPrefix...)
	out = append(out, column...)
	out = append(out, 0x00)
	return out
}

// entryKey frames one index entry:
// 0x01 + column + 0x00 + encoded value + 0x00 + collection + 0x00 + key.
// Collection and key are NUL-free, so the frame parses unambiguously from the
// end even though encoded string values may contain NUL bytes.
func entryKey(column string, encoded []byte, collection, key string) []byte {
	out := make([]byte, 0, 1+len(column)+1+len(encoded)+1+len(collection)+1+len(key))
	out = append(out, entryPrefix...)
	out = append(out, column...)
	out = append(out, 0x00)
	out = append(out, encoded...)
	out = append(out, 0x00)
	out = append(out, collection...)
	out = append(out, 0x00)
	out = append(out, key...)
	return out
}

func parseEntryKey(raw []byte, column string) (valueBytes []byte, collection, key string, ok bool) {
	head := 1 + len(column) + 1
	if len(raw) <= head {
		return nil, "", "", false
	}
	rest := raw[head:]
	last := bytes.LastIndexByte(rest, 0x00)
	if last < 0 {
		return nil, "", "", false
	}
	prev := bytes.LastIndexByte(rest[:last], 0x00)
	if prev < 0 {
		return nil, "", "", false
	}
	return rest[:prev], string(rest[prev+1 : last]), string(rest[last+1:]), true
}

func reverseKey(collection, key string) []byte {
	out := make([]byte, 0, 1+len(collection)+1+len(key))
	out = append(out, reversePrefix...)
	out = append(out, collection...)
	out = append(out, 0x00)
	out = append(out, key...)
	return out
}

func parseReverseKey(raw []byte) (collection, key string, ok bool) {
	if len(raw) < 2 || raw[0] != reversePrefix[0] {
		return "", "", false
	}
	rest := raw[1:]
	sep := bytes.IndexByte(rest, 0x00)
	if sep < 0 {
		return "", "", false
	}
	return string(rest[:sep]), string(rest[sep+1:]), true
}
