// Package fulltext maintains a BM25 search index over row text.
//
// An Index derives one document per row via an app-supplied TextFunc and
// keeps an inverted index in the extension's private key area: one posting
// row per term plus one term-frequency row per document for unindexing.
// Tokenization of a transaction's changed documents is deferred until a
// search or the commit hooks need it, then runs in parallel on a worker pool.
// Search folds the transaction's own pending documents into the committed
// postings before scoring.
package fulltext

import (
	"bytes"
	"errors"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/nolanw/YapDatabase/pkg/yapdb"
)

// BM25 parameters (standard values).
const (
	bm25K1 = 1.2  // term frequency saturation
	bm25B  = 0.75 // length normalization
)

// prefixIDFFactor discounts terms matched by prefix rather than exactly.
const prefixIDFFactor = 0.8

const fulltextFormatVersion = 1

var (
	stateKey      = []byte{0x00, 's'}
	postingPrefix = []byte{0x01}
	docPrefix     = []byte{0x02}
)

// TextFunc derives the searchable text for a row. Returning "" leaves the row
// out of the index.
type TextFunc func(collection, key string, object, metadata any) string

// Result is one search hit.
type Result struct {
	Collection string
	Key        string
	Score      float64
}

// Options configures an Index.
type Options struct {
	// Collections restricts indexing to the named collections. Empty means
	// every collection.
	Collections []string

	// Workers sizes the tokenization pool. Defaults to the CPU count.
	Workers int

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Index implements yapdb.Extension.
type Index struct {
	name        string
	fn          TextFunc
	collections map[string]struct{}
	logger      *zap.Logger

	// pool bounds concurrent tokenization. nil means tokenize serially.
	pool *ants.Pool
}

// New builds a fulltext extension. name is both the registration name and the
// extension-row area it persists into. Call Close when done with it.
func New(name string, fn TextFunc, opts Options) *Index {
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
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		logger.Error("tokenization panic", zap.String("index", name), zap.Any("panic", v))
	}))
	if err != nil {
		logger.Warn("tokenization pool unavailable, falling back to serial",
			zap.String("index", name), zap.Error(err))
		pool = nil
	}
	return &Index{name: name, fn: fn, collections: collections, logger: logger, pool: pool}
}

// Name returns the index's registration name.
func (x *Index) Name() string { return x.name }

// Close releases the tokenization pool.
func (x *Index) Close() {
	if x.pool != nil {
		x.pool.Release()
		x.pool = nil
	}
}

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
	return newIndexTransaction(c.index, tx, false)
}

func (c *indexConnection) NewReadWriteTransaction(tx *yapdb.Transaction) yapdb.ExtensionTransaction {
	return newIndexTransaction(c.index, tx, true)
}

func newIndexTransaction(index *Index, tx *yapdb.Transaction, writable bool) *Transaction {
	return &Transaction{
		index:    index,
		tx:       tx,
		writable: writable,
		stale:    make(map[string]string),
		pending:  make(map[string]*pendingDoc),
	}
}

// indexState carries the corpus statistics BM25 needs alongside the format
// version.
type indexState struct {
	Version     int
	DocCount    int
	TotalLength int64
}

// docRow is the persisted per-document record: its term frequencies, for
// unindexing, and its token count.
type docRow struct {
	Terms  map[string]int
	Length int
}

// postingEntry is one document's slot in a term's posting row. The document
// length rides along so scoring never needs a second read per candidate.
type postingEntry struct {
	TF  int
	Len int
}

// pendingDoc tracks one document's change within a transaction: the committed
// baseline to retract and the new state to apply.
type pendingDoc struct {
	oldTerms map[string]int // nil when the document was not indexed before
	oldLen   int
	terms    map[string]int // nil when the document leaves the index
	length   int
}

// Transaction is the index's face on one core transaction. Obtain it with In.
type Transaction struct {
	index    *Index
	tx       *yapdb.Transaction
	writable bool

	rebuild   bool
	rebuilt   bool
	watermark int

	baseCount int
	baseTotal int64

	// stale maps changed docIDs to their current text, awaiting tokenization.
	stale map[string]string

	pending map[string]*pendingDoc
}

// In resolves the named index on tx, or nil when the index is not registered
// or not yet populated for a read-only transaction.
func In(tx *yapdb.Transaction, name string) *Transaction {
	x, _ := tx.Extension(name).(*Transaction)
	return x
}

// PrepareIfNeeded implements yapdb.ExtensionTransaction.
func (x *Transaction) PrepareIfNeeded() bool {
	raw, err := x.tx.GetExtensionRow(x.index.name, stateKey)
	switch {
	case err == nil:
		var st indexState
		if msgpack.Unmarshal(raw, &st) == nil && st.Version == fulltextFormatVersion {
			x.baseCount = st.DocCount
			x.baseTotal = st.TotalLength
			return true
		}
	case errors.Is(err, yapdb.ErrKeyNotFound):
	default:
		x.index.logger.Error("fulltext state read failed",
			zap.String("index", x.index.name), zap.Error(err))
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
	x.settle()
}

// CommitTransaction implements yapdb.ExtensionTransaction. It folds each
// pending document's retraction and insertion into the affected posting rows,
// rewrites the doc rows, and updates the corpus statistics. Write failures
// are logged; the index heals on the next rebuild.
func (x *Transaction) CommitTransaction() {
	if x.rebuild {
		if _, err := x.tx.DeleteExtensionRows(x.index.name); err != nil {
			x.log("clear fulltext area", err)
		}
	}
	if len(x.pending) == 0 && !x.rebuild {
		return
	}

	// term -> docID -> new entry (nil retracts the document from the term).
	deltas := make(map[string]map[string]*postingEntry)
	touch := func(term, doc string, entry *postingEntry) {
		m := deltas[term]
		if m == nil {
			m = make(map[string]*postingEntry)
			deltas[term] = m
		}
		m[doc] = entry
	}
	for doc, pd := range x.pending {
		for term := range pd.oldTerms {
			touch(term, doc, nil)
		}
		for term, tf := range pd.terms {
			touch(term, doc, &postingEntry{TF: tf, Len: pd.length})
		}
	}

	terms := make([]string, 0, len(deltas))
	for term := range deltas {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	for _, term := range terms {
		postings := x.committedPosting(term)
		for doc, entry := range deltas[term] {
			if entry == nil {
				delete(postings, doc)
			} else {
				postings[doc] = *entry
			}
		}
		if len(postings) == 0 {
			if err := x.tx.DeleteExtensionRow(x.index.name, postingKey(term)); err != nil {
				x.log("delete posting row", err)
			}
			continue
		}
		value, err := msgpack.Marshal(postings)
		if err != nil {
			x.log("encode posting row", err)
			continue
		}
		if err := x.tx.SetExtensionRow(x.index.name, postingKey(term), value); err != nil {
			x.log("write posting row", err)
		}
	}

	docs := make([]string, 0, len(x.pending))
	for doc := range x.pending {
		docs = append(docs, doc)
	}
	sort.Strings(docs)
	for _, doc := range docs {
		collection, key, ok := splitDocID(doc)
		if !ok {
			continue
		}
		pd := x.pending[doc]
		dk := docKey(collection, key)
		if pd.terms == nil {
			if err := x.tx.DeleteExtensionRow(x.index.name, dk); err != nil {
				x.log("delete doc row", err)
			}
			continue
		}
		value, err := msgpack.Marshal(docRow{Terms: pd.terms, Length: pd.length})
		if err != nil {
			x.log("encode doc row", err)
			continue
		}
		if err := x.tx.SetExtensionRow(x.index.name, dk, value); err != nil {
			x.log("write doc row", err)
		}
	}

	count, total := x.corpusStats()
	value, err := msgpack.Marshal(indexState{
		Version:     fulltextFormatVersion,
		DocCount:    count,
		TotalLength: total,
	})
	if err == nil {
		err = x.tx.SetExtensionRow(x.index.name, stateKey, value)
	}
	if err != nil {
		x.log("write fulltext state", err)
	}
}

func (x *Transaction) log(what string, err error) {
	x.index.logger.Error(what+" failed",
		zap.String("index", x.index.name),
		zap.String("tx", x.tx.ID()),
		zap.Error(err))
}

// refresh consumes the transaction's change log, recording the current text
// of every changed document. Tokenization waits for settle.
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
			x.stale[docID(ch.Collection, ch.Key)] = x.currentText(ch.Collection, ch.Key)
		case yapdb.OpDelete:
			x.stale[docID(ch.Collection, ch.Key)] = ""
		case yapdb.OpDeleteCollection:
			x.staleCollection(ch.Collection)
		}
	}
}

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
			if text := x.index.fn(collection, key, object, metadata); text != "" {
				x.stale[docID(collection, key)] = text
			}
		})
		if err != nil {
			x.log("row scan for rebuild", err)
		}
	}
}

func (x *Transaction) currentText(collection, key string) string {
	object, metadata, err := x.tx.Get(collection, key)
	if errors.Is(err, yapdb.ErrKeyNotFound) {
		return ""
	}
	if err != nil {
		x.log("read row for indexing", err)
		return ""
	}
	return x.index.fn(collection, key, object, metadata)
}

func (x *Transaction) staleCollection(collection string) {
	for doc := range x.pending {
		if c, _, ok := splitDocID(doc); ok && c == collection {
			x.stale[doc] = ""
		}
	}
	for doc := range x.stale {
		if c, _, ok := splitDocID(doc); ok && c == collection {
			x.stale[doc] = ""
		}
	}
	if x.rebuild {
		return
	}
	prefix := append(append([]byte{}, docPrefix...), collection...)
	prefix = append(prefix, 0x00)
	err := x.tx.EnumerateExtensionRows(x.index.name, prefix, func(rawKey, _ []byte, stop *bool) {
		if c, k, ok := parseDocKey(rawKey); ok {
			x.stale[docID(c, k)] = ""
		}
	})
	if err != nil {
		x.log("scan doc rows", err)
	}
}

// settle tokenizes the stale documents, in parallel when the pool allows, and
// folds the results into the pending set.
func (x *Transaction) settle() {
	if len(x.stale) == 0 {
		return
	}
	type job struct {
		doc  string
		text string
	}
	jobs := make([]job, 0, len(x.stale))
	for doc, text := range x.stale {
		jobs = append(jobs, job{doc: doc, text: text})
	}
	tokens := make([][]string, len(jobs))

	if pool := x.index.pool; pool != nil && len(jobs) > 1 {
		var wg sync.WaitGroup
		for i := range jobs {
			i := i
			wg.Add(1)
			task := func() {
				defer wg.Done()
				tokens[i] = tokenize(jobs[i].text)
			}
			if err := pool.Submit(task); err != nil {
				task()
			}
		}
		wg.Wait()
	} else {
		for i := range jobs {
			tokens[i] = tokenize(jobs[i].text)
		}
	}

	for i, j := range jobs {
		x.apply(j.doc, tokens[i])
	}
	x.stale = make(map[string]string)
}

// apply folds one tokenized document into the pending set. The committed
// baseline loads once per document and sticks across repeated changes.
func (x *Transaction) apply(doc string, tokens []string) {
	pd, ok := x.pending[doc]
	if !ok {
		pd = &pendingDoc{}
		if !x.rebuild {
			pd.oldTerms, pd.oldLen = x.committedDoc(doc)
		}
		x.pending[doc] = pd
	}
	if len(tokens) == 0 {
		pd.terms = nil
		pd.length = 0
		return
	}
	tf := make(map[string]int, len(tokens))
	for _, token := range tokens {
		tf[token]++
	}
	pd.terms = tf
	pd.length = len(tokens)
}

func (x *Transaction) committedDoc(doc string) (map[string]int, int) {
	collection, key, ok := splitDocID(doc)
	if !ok {
		return nil, 0
	}
	raw, err := x.tx.GetExtensionRow(x.index.name, docKey(collection, key))
	if errors.Is(err, yapdb.ErrKeyNotFound) {
		return nil, 0
	}
	if err != nil {
		x.log("read doc row", err)
		return nil, 0
	}
	var row docRow
	if err := msgpack.Unmarshal(raw, &row); err != nil {
		x.log("decode doc row", err)
		return nil, 0
	}
	return row.Terms, row.Length
}

func (x *Transaction) committedPosting(term string) map[string]postingEntry {
	if x.rebuild {
		return make(map[string]postingEntry)
	}
	raw, err := x.tx.GetExtensionRow(x.index.name, postingKey(term))
	if errors.Is(err, yapdb.ErrKeyNotFound) {
		return make(map[string]postingEntry)
	}
	if err != nil {
		x.log("read posting row", err)
		return make(map[string]postingEntry)
	}
	postings := make(map[string]postingEntry)
	if err := msgpack.Unmarshal(raw, &postings); err != nil {
		x.log("decode posting row", err)
		return make(map[string]postingEntry)
	}
	return postings
}

// corpusStats returns the document count and total token count with the
// pending set folded in.
func (x *Transaction) corpusStats() (int, int64) {
	count := x.baseCount
	total := x.baseTotal
	if x.rebuild {
		count = 0
		total = 0
	}
	for _, pd := range x.pending {
		if pd.oldTerms != nil {
			count--
			total -= int64(pd.oldLen)
		}
		if pd.terms != nil {
			count++
			total += int64(pd.length)
		}
	}
	return count, total
}

// DocCount returns the number of indexed documents as this transaction sees
// them.
func (x *Transaction) DocCount() int {
	x.refresh()
	x.settle()
	count, _ := x.corpusStats()
	return count
}

// Search scores documents against query with BM25 and returns up to limit
// results, best first. Terms match exactly or by prefix, prefix matches at a
// discount. A limit of zero or less means no limit.
func (x *Transaction) Search(query string, limit int) ([]Result, error) {
	x.refresh()
	x.settle()

	count, total := x.corpusStats()
	if count <= 0 {
		return nil, nil
	}
	avgLen := float64(total) / float64(count)

	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		matched, err := x.matchingPostings(term)
		if err != nil {
			return nil, err
		}
		for indexedTerm, postings := range matched {
			if len(postings) == 0 {
				continue
			}
			idf := idfFor(len(postings), count)
			if indexedTerm != term {
				idf *= prefixIDFFactor
			}
			for doc, pe := range postings {
				tf := float64(pe.TF)
				docLen := float64(pe.Len)
				numerator := tf * (bm25K1 + 1)
				denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/avgLen))
				scores[doc] += idf * (numerator / denominator)
			}
		}
	}

	results := make([]Result, 0, len(scores))
	for doc, score := range scores {
		collection, key, ok := splitDocID(doc)
		if !ok {
			continue
		}
		results = append(results, Result{Collection: collection, Key: key, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Collection != results[j].Collection {
			return results[i].Collection < results[j].Collection
		}
		return results[i].Key < results[j].Key
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// matchingPostings merges committed and pending postings for every indexed
// term equal to or extending the query term. The posting area is term-ordered,
// so the committed side is one prefix scan.
func (x *Transaction) matchingPostings(term string) (map[string]map[string]postingEntry, error) {
	matched := make(map[string]map[string]postingEntry)

	if !x.rebuild {
		prefix := append(append([]byte{}, postingPrefix...), term...)
		err := x.tx.EnumerateExtensionRows(x.index.name, prefix, func(rawKey, value []byte, stop *bool) {
			indexedTerm := string(rawKey[len(postingPrefix):])
			postings := make(map[string]postingEntry)
			if err := msgpack.Unmarshal(value, &postings); err != nil {
				x.log("decode posting row", err)
				return
			}
			matched[indexedTerm] = postings
		})
		if err != nil {
			return nil, err
		}
	}

	for doc, pd := range x.pending {
		for indexedTerm := range pd.oldTerms {
			if !strings.HasPrefix(indexedTerm, term) {
				continue
			}
			if postings, ok := matched[indexedTerm]; ok {
				delete(postings, doc)
			}
		}
		for indexedTerm, tf := range pd.terms {
			if !strings.HasPrefix(indexedTerm, term) {
				continue
			}
			postings := matched[indexedTerm]
			if postings == nil {
				postings = make(map[string]postingEntry)
				matched[indexedTerm] = postings
			}
			postings[doc] = postingEntry{TF: tf, Len: pd.length}
		}
	}
	return matched, nil
}

// idfFor is the BM25 inverse document frequency with +1 smoothing, so common
// terms never go negative.
func idfFor(df, docCount int) float64 {
	idf := math.Log(1 + (float64(docCount)-float64(df)+0.5)/(float64(df)+0.5))
	if idf < 0 {
		return 0
	}
	return idf
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

func postingKey(term string) []byte {
	out := make([]byte, 0, 1+len(term))
	out = append(out, postingPrefix...)
	out = append(out, term...)
	return out
}

func docKey(collection, key string) []byte {
	out := make([]byte, 0, 1+len(collection)+1+len(key))
	out = append(out, docPrefix...)
	out = append(out, collection...)
	out = append(out, 0x00)
	out = append(out, key...)
	return out
}

func parseDocKey(raw []byte) (collection, key string, ok bool) {
	if len(raw) < 2 || raw[0] != docPrefix[0] {
		return "", "", false
	}
	rest := raw[1:]
	sep := bytes.IndexByte(rest, 0x00)
	if sep < 0 {
		return "", "", false
	}
	return string(rest[:sep]), string(rest[sep+1:]), true
}
