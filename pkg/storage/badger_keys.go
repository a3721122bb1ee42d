// Package storage - key encoding for the key-value backends.
package storage

import "bytes"

// Key space layout (shared by the badger and memory backends):
//
//	prefixRow       + collection + 0x00 + key      -> framed row value
//	prefixExtension + extension  + 0x00 + raw key  -> extension row value
//
// Collections, keys, and extension names must not contain 0x00; ValidateName
// enforces that at the write path. Iteration order within a prefix is the
// ascending byte order of the remainder, which for rows is ascending key order
// within a collection.
const (
	prefixRow       = byte(0x01)
	prefixExtension = byte(0x02)
)

// rowKey builds the storage key for a collection/key pair.
func rowKey(collection, key string) []byte {
	out := make([]byte, 0, 1+len(collection)+1+len(key))
	out = append(out, prefixRow)
	out = append(out, collection...)
	out = append(out, 0x00)
	out = append(out, key...)
	return out
}

// rowCollectionPrefix returns the prefix covering every row of a collection.
func rowCollectionPrefix(collection string) []byte {
	out := make([]byte, 0, 1+len(collection)+1)
	out = append(out, prefixRow)
	out = append(out, collection...)
	out = append(out, 0x00)
	return out
}

// splitRowKey extracts collection and key from a full row key.
func splitRowKey(raw []byte) (collection, key string, ok bool) {
	if len(raw) < 2 || raw[0] != prefixRow {
		return "", "", false
	}
	rest := raw[1:]
	sep := bytes.IndexByte(rest, 0x00)
	if sep < 0 {
		return "", "", false
	}
	return string(rest[:sep]), string(rest[sep+1:]), true
}

// extensionRowKey builds the storage key for an extension row.
func extensionRowKey(extension string, key []byte) []byte {
	out := make([]byte, 0, 1+len(extension)+1+len(key))
	out = append(out, prefixExtension)
	out = append(out, extension...)
	out = append(out, 0x00)
	out = append(out, key...)
	return out
}

// extensionRowPrefix returns the prefix covering an extension's key area.
func extensionRowPrefix(extension string) []byte {
	out := make([]byte, 0, 1+len(extension)+1)
	out = append(out, prefixExtension)
	out = append(out, extension...)
	out = append(out, 0x00)
	return out
}

// extensionKeyFromRaw strips the area prefix from a full extension row key.
func extensionKeyFromRaw(raw []byte, extension string) []byte {
	offset := 1 + len(extension) + 1
	if offset > len(raw) {
		return nil
	}
	return raw[offset:]
}

// nextCollectionSeek returns the smallest key past every row of a collection,
// used to skip a whole collection while scanning for distinct names.
func nextCollectionSeek(collection string) []byte {
	out := make([]byte, 0, 1+len(collection)+1)
	out = append(out, prefixRow)
	out = append(out, collection...)
	out = append(out, 0x01)
	return out
}
