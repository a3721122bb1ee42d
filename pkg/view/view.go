// Package view maintains materialized ordered views over rows.
//
// A View assigns rows to named groups with an app-supplied GroupFunc and
// orders each group with a CompareFunc. Group contents live in btrees while a
// transaction works and persist as one ordered row per group, so reopening a
// view is a decode rather than a re-sort. A membership row per grouped row
// records which group holds it, which is what makes regrouping and deletion
// cheap when the original object is already gone.
package view

import (
	"bytes"
	"errors"
	"sort"
	"strings"

	"github.com/google/btree"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/nolanw/YapDatabase/pkg/yapdb"
)

const viewFormatVersion = 1

var (
	stateKey         = []byte{0x00, 's'}
	groupPrefix      = []byte{0x01}
	membershipPrefix = []byte{0x02}
)

// Entry is one row's position in a group: its identity plus the decoded
// object the CompareFunc ordered it by.
type Entry struct {
	Collection string
	Key        string
	Object     any
}

// GroupFunc assigns a row to a group. Returning ok=false leaves the row out
// of the view entirely.
type GroupFunc func(collection, key string, object, metadata any) (group string, ok bool)

// CompareFunc orders two entries within a group, returning a negative,
// zero, or positive result. Ties break on collection then key, so equal
// entries keep a stable order and never collapse.
type CompareFunc func(a, b *Entry) int

var _ btree.Item = &viewItem{}

type viewItem struct {
	entry   *Entry
	compare CompareFunc
}

func (i *viewItem) Less(other btree.Item) bool {
	o := other.(*viewItem)
	if c := i.compare(i.entry, o.entry); c != 0 {
		return c < 0
	}
	if i.entry.Collection != o.entry.Collection {
		return i.entry.Collection < o.entry.Collection
	}
	return i.entry.Key < o.entry.Key
}

// Options configures a View.
type Options struct {
	// Collections restricts the view to the named collections. Empty means
	// every collection.
	Collections []string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// View implements yapdb.Extension.
type View struct {
	name        string
	groupFn     GroupFunc
	compareFn   CompareFunc
	collections map[string]struct{}
	logger      *zap.Logger
}

// New builds a view extension. name is both the registration name and the
// extension-row area it persists into.
func New(name string, groupFn GroupFunc, compareFn CompareFunc, opts Options) *View {
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
	return &View{
		name:        name,
		groupFn:     groupFn,
		compareFn:   compareFn,
		collections: collections,
		logger:      logger,
	}
}

// Name returns the view's registration name.
func (v *View) Name() string { return v.name }

// NewConnection implements yapdb.Extension.
func (v *View) NewConnection(conn *yapdb.Connection) yapdb.ExtensionConnection {
	return &viewConnection{view: v}
}

func (v *View) covers(collection string) bool {
	if v.collections == nil {
		return true
	}
	_, ok := v.collections[collection]
	return ok
}

type viewConnection struct {
	view *View
}

func (c *viewConnection) NewReadTransaction(tx *yapdb.Transaction) yapdb.ExtensionTransaction {
	return newViewTransaction(c.view, tx, false)
}

func (c *viewConnection) NewReadWriteTransaction(tx *yapdb.Transaction) yapdb.ExtensionTransaction {
	return newViewTransaction(c.view, tx, true)
}

func newViewTransaction(v *View, tx *yapdb.Transaction, writable bool) *Transaction {
	return &Transaction{
		view:       v,
		tx:         tx,
		writable:   writable,
		groups:     make(map[string]*btree.BTree),
		dirty:      make(map[string]struct{}),
		membership: make(map[string]string),
	}
}

type viewState struct {
	Version int
}

// groupEntry is the persisted form of one position in a group's order.
type groupEntry struct {
	Collection string
	Key        string
}

type membershipRow struct {
	Group string
}

// Transaction is the view's face on one core transaction. Obtain it with In.
type Transaction struct {
	view     *View
	tx       *yapdb.Transaction
	writable bool

	rebuild   bool
	rebuilt   bool
	watermark int

	groups     map[string]*btree.BTree
	dirty      map[string]struct{}
	membership map[string]string // docID -> group; "" marks removed
}

// In resolves the named view on tx, or nil when the view is not registered or
// not yet populated for a read-only transaction.
func In(tx *yapdb.Transaction, name string) *Transaction {
	x, _ := tx.Extension(name).(*Transaction)
	return x
}

// PrepareIfNeeded implements yapdb.ExtensionTransaction.
func (x *Transaction) PrepareIfNeeded() bool {
	raw, err := x.tx.GetExtensionRow(x.view.name, stateKey)
	switch {
	case err == nil:
		var st viewState
		if msgpack.Unmarshal(raw, &st) == nil && st.Version == viewFormatVersion {
			return true
		}
	case errors.Is(err, yapdb.ErrKeyNotFound):
	default:
		x.view.logger.Error("view state read failed",
			zap.String("view", x.view.name), zap.Error(err))
		return false
	}
	if !x.writable {
		return false
	}
	x.rebuild = true
	return true
}

// PreCommitTransaction implements yapdb.ExtensionTransaction.
func (x *Transaction) PreCommitTransaction() {
	x.refresh()
}

// CommitTransaction implements yapdb.ExtensionTransaction. Each dirty group
// persists as one ordered row; emptied groups and removed memberships delete
// their rows. Write failures are logged; the view heals on the next rebuild.
func (x *Transaction) CommitTransaction() {
	if x.rebuild {
		if _, err := x.tx.DeleteExtensionRows(x.view.name); err != nil {
			x.log("clear view area", err)
		}
	}

	for _, group := range sortedKeys(x.dirty) {
		tree := x.groups[group]
		if tree == nil || tree.Len() == 0 {
			if err := x.tx.DeleteExtensionRow(x.view.name, groupKey(group)); err != nil {
				x.log("delete group row", err)
			}
			continue
		}
		entries := make([]groupEntry, 0, tree.Len())
		tree.Ascend(func(i btree.Item) bool {
			e := i.(*viewItem).entry
			entries = append(entries, groupEntry{Collection: e.Collection, Key: e.Key})
			return true
		})
		value, err := msgpack.Marshal(entries)
		if err != nil {
			x.log("encode group row", err)
			continue
		}
		if err := x.tx.SetExtensionRow(x.view.name, groupKey(group), value); err != nil {
			x.log("write group row", err)
		}
	}

	docs := make([]string, 0, len(x.membership))
	for doc := range x.membership {
		docs = append(docs, doc)
	}
	sort.Strings(docs)
	for _, doc := range docs {
		collection, key, ok := splitDocID(doc)
		if !ok {
			continue
		}
		mk := membershipKey(collection, key)
		group := x.membership[doc]
		if group == "" {
			if err := x.tx.DeleteExtensionRow(x.view.name, mk); err != nil {
				x.log("delete membership row", err)
			}
			continue
		}
		value, err := msgpack.Marshal(membershipRow{Group: group})
		if err != nil {
			x.log("encode membership row", err)
			continue
		}
		if err := x.tx.SetExtensionRow(x.view.name, mk, value); err != nil {
			x.log("write membership row", err)
		}
	}

	if x.rebuild {
		value, err := msgpack.Marshal(viewState{Version: viewFormatVersion})
		if err == nil {
			err = x.tx.SetExtensionRow(x.view.name, stateKey, value)
		}
		if err != nil {
			x.log("write view state", err)
		}
	}
}

func (x *Transaction) log(what string, err error) {
	x.view.logger.Error(what+" failed",
		zap.String("view", x.view.name),
		zap.String("tx", x.tx.ID()),
		zap.Error(err))
}

// refresh consumes the transaction's change log up to its current end.
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
		if !x.view.covers(ch.Collection) {
			continue
		}
		switch ch.Op {
		case yapdb.OpSet:
			x.regroupRow(ch.Collection, ch.Key)
		case yapdb.OpDelete:
			x.removeRow(ch.Collection, ch.Key)
		case yapdb.OpDeleteCollection:
			x.removeCollection(ch.Collection)
		}
	}
}

func (x *Transaction) rebuildAll() {
	collections := make([]string, 0, len(x.view.collections))
	if x.view.collections != nil {
		for c := range x.view.collections {
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
			group, ok := x.view.groupFn(collection, key, object, metadata)
			if !ok {
				return
			}
			x.insert(group, &Entry{Collection: collection, Key: key, Object: object})
			x.membership[docID(collection, key)] = group
		})
		if err != nil {
			x.log("row scan for rebuild", err)
		}
	}
}

// regroupRow recomputes a row's group and position after a write.
func (x *Transaction) regroupRow(collection, key string) {
	object, metadata, err := x.tx.Get(collection, key)
	if errors.Is(err, yapdb.ErrKeyNotFound) {
		x.removeRow(collection, key)
		return
	}
	if err != nil {
		x.log("read row for grouping", err)
		return
	}

	doc := docID(collection, key)
	if old, had := x.membershipOf(collection, key, doc); had {
		x.deleteFromGroup(old, collection, key)
	}
	group, ok := x.view.groupFn(collection, key, object, metadata)
	if !ok {
		x.membership[doc] = ""
		return
	}
	x.insert(group, &Entry{Collection: collection, Key: key, Object: object})
	x.membership[doc] = group
}

func (x *Transaction) removeRow(collection, key string) {
	doc := docID(collection, key)
	if old, had := x.membershipOf(collection, key, doc); had {
		x.deleteFromGroup(old, collection, key)
	}
	x.membership[doc] = ""
}

func (x *Transaction) removeCollection(collection string) {
	// Overlay first: rows the transaction already placed.
	for doc, group := range x.membership {
		if c, k, ok := splitDocID(doc); ok && c == collection && group != "" {
			x.deleteFromGroup(group, c, k)
			x.membership[doc] = ""
		}
	}
	if x.rebuild {
		return
	}
	prefix := append(append([]byte{}, membershipPrefix...), collection...)
	prefix = append(prefix, 0x00)
	err := x.tx.EnumerateExtensionRows(x.view.name, prefix, func(rawKey, value []byte, stop *bool) {
		c, k, ok := parseMembershipKey(rawKey)
		if !ok {
			return
		}
		doc := docID(c, k)
		if _, seen := x.membership[doc]; seen {
			return
		}
		var m membershipRow
		if err := msgpack.Unmarshal(value, &m); err != nil {
			x.log("decode membership row", err)
			return
		}
		x.deleteFromGroup(m.Group, c, k)
		x.membership[doc] = ""
	})
	if err != nil {
		x.log("scan membership rows", err)
	}
}

// membershipOf reports which group currently holds the row, consulting the
// transaction overlay before the persisted membership row.
func (x *Transaction) membershipOf(collection, key, doc string) (string, bool) {
	if group, ok := x.membership[doc]; ok {
		return group, group != ""
	}
	if x.rebuild {
		return "", false
	}
	raw, err := x.tx.GetExtensionRow(x.view.name, membershipKey(collection, key))
	if errors.Is(err, yapdb.ErrKeyNotFound) {
		return "", false
	}
	if err != nil {
		x.log("read membership row", err)
		return "", false
	}
	var m membershipRow
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		x.log("decode membership row", err)
		return "", false
	}
	return m.Group, m.Group != ""
}

func (x *Transaction) insert(group string, entry *Entry) {
	tree, err := x.groupTree(group)
	if err != nil {
		x.log("load group for insert", err)
		return
	}
	tree.ReplaceOrInsert(&viewItem{entry: entry, compare: x.view.compareFn})
	x.dirty[group] = struct{}{}
}

// deleteFromGroup removes the row from a group's tree. The row's stored
// object, not its current one, positioned it there, so the lookup walks the
// tree by identity instead of trusting a freshly built item's order.
func (x *Transaction) deleteFromGroup(group, collection, key string) {
	tree, err := x.groupTree(group)
	if err != nil {
		x.log("load group for delete", err)
		return
	}
	var found btree.Item
	tree.Ascend(func(i btree.Item) bool {
		e := i.(*viewItem).entry
		if e.Collection == collection && e.Key == key {
			found = i
			return false
		}
		return true
	})
	if found != nil {
		tree.Delete(found)
		x.dirty[group] = struct{}{}
	}
}

// groupTree loads a group's ordered contents into a btree, once per
// transaction. Entries whose row has vanished are dropped on load.
func (x *Transaction) groupTree(group string) (*btree.BTree, error) {
	if tree, ok := x.groups[group]; ok {
		return tree, nil
	}
	tree := btree.New(2)
	if x.rebuild {
		x.groups[group] = tree
		return tree, nil
	}

	raw, err := x.tx.GetExtensionRow(x.view.name, groupKey(group))
	if errors.Is(err, yapdb.ErrKeyNotFound) {
		x.groups[group] = tree
		return tree, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []groupEntry
	if err := msgpack.Unmarshal(raw, &entries); err != nil {
		x.log("decode group row", err)
		x.groups[group] = tree
		return tree, nil
	}
	dropped := false
	for _, ge := range entries {
		object, err := x.tx.GetObject(ge.Collection, ge.Key)
		if errors.Is(err, yapdb.ErrKeyNotFound) {
			// The row is gone, typically deleted earlier in this same
			// transaction. The persisted order is stale either way, so the
			// group rewrites at commit.
			dropped = true
			continue
		}
		if err != nil {
			return nil, err
		}
		tree.ReplaceOrInsert(&viewItem{
			entry:   &Entry{Collection: ge.Collection, Key: ge.Key, Object: object},
			compare: x.view.compareFn,
		})
	}
	if dropped && x.writable {
		x.dirty[group] = struct{}{}
	}
	x.groups[group] = tree
	return tree, nil
}

// Groups returns the names of the view's non-empty groups, sorted.
func (x *Transaction) Groups() ([]string, error) {
	x.refresh()

	names := make(map[string]struct{})
	if !x.rebuild {
		err := x.tx.EnumerateExtensionRows(x.view.name, groupPrefix, func(rawKey, _ []byte, stop *bool) {
			names[string(rawKey[len(groupPrefix):])] = struct{}{}
		})
		if err != nil {
			return nil, err
		}
	}
	for group, tree := range x.groups {
		if tree.Len() > 0 {
			names[group] = struct{}{}
		} else {
			delete(names, group)
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Count returns the number of rows in a group without decoding their objects.
func (x *Transaction) Count(group string) (int, error) {
	x.refresh()

	if tree, ok := x.groups[group]; ok {
		return tree.Len(), nil
	}
	if x.rebuild {
		return 0, nil
	}
	raw, err := x.tx.GetExtensionRow(x.view.name, groupKey(group))
	if errors.Is(err, yapdb.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var entries []groupEntry
	if err := msgpack.Unmarshal(raw, &entries); err != nil {
		x.log("decode group row", err)
		return 0, nil
	}
	return len(entries), nil
}

// EnumerateGroup walks a group in its CompareFunc order, passing each entry's
// position. The callback contract matches the core enumerations: set stop
// before mutating, or the call fails with ErrConcurrentMutation.
func (x *Transaction) EnumerateGroup(group string, fn func(collection, key string, object any, index int, stop *bool)) error {
	x.refresh()

	tree, err := x.groupTree(group)
	if err != nil {
		return err
	}
	guard := x.tx.Mutations()
	var walkErr error
	index := 0
	tree.Ascend(func(i btree.Item) bool {
		entry := i.(*viewItem).entry
		stop := false
		fn(entry.Collection, entry.Key, entry.Object, index, &stop)
		index++
		if stop {
			return false
		}
		if x.tx.Mutations() != guard {
			walkErr = yapdb.ErrConcurrentMutation
			return false
		}
		return true
	})
	return walkErr
}

func sortedKeys(set map[string]struct{}) []string {
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

func groupKey(group string) []byte {
	out := make([]byte, 0, 1+len(group))
	out = append(out, groupPrefix...)
	out = append(out, group...)
	return out
}

func membershipKey(collection, key string) []byte {
	out := make([]byte, 0, 1+len(collection)+1+len(key))
	out = append(out, membershipPrefix...)
	out = append(out, collection...)
	out = append(out, 0x00)
	out = append(out, key...)
	return out
}

func parseMembershipKey(raw []byte) (collection, key string, ok bool) {
	if len(raw) < 2 || raw[0] != membershipPrefix[0] {
		return "", "", false
	}
	rest := raw[1:]
	sep := bytes.IndexByte(rest, 0x00)
	if sep < 0 {
		return "", "", false
	}
	return string(rest[:sep]), string(rest[sep+1:]), true
}
