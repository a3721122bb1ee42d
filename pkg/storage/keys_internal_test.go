package storage

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRowKey_RoundTrip(t *testing.T) {
	raw := rowKey("books", "moby-dick")
	collection, key, ok := splitRowKey(raw)
	require.True(t, ok)
	require.Equal(t, "books", collection)
	require.Equal(t, "moby-dick", key)

	// Empty key and empty collection are both legal.
	collection, key, ok = splitRowKey(rowKey("", ""))
	require.True(t, ok)
	require.Empty(t, collection)
	require.Empty(t, key)
}

func TestSplitRowKey_RejectsForeignKeys(t *testing.T) {
	_, _, ok := splitRowKey(nil)
	require.False(t, ok)

	_, _, ok = splitRowKey(extensionRowKey("idx", []byte("k")))
	require.False(t, ok)

	_, _, ok = splitRowKey([]byte{prefixRow, 'n', 'o', 's', 'e', 'p'})
	require.False(t, ok)
}

func TestRowKey_OrderGroupsByCollection(t *testing.T) {
	keys := [][]byte{
		rowKey("books", "zz"),
		rowKey("bookshelf", "aa"),
		rowKey("books", "aa"),
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	// The 0x00 separator keeps every "books" row ahead of "bookshelf"; naive
	// concatenation would interleave them ("bookszz" > "bookshelfaa").
	require.Equal(t, rowKey("books", "aa"), keys[0])
	require.Equal(t, rowKey("books", "zz"), keys[1])
	require.Equal(t, rowKey("bookshelf", "aa"), keys[2])
}

func TestNextCollectionSeek_SkipsWholeCollection(t *testing.T) {
	last := rowKey("books", "\xff\xff\xff")
	seek := nextCollectionSeek("books")
	require.Equal(t, 1, bytes.Compare(seek, last))

	first := rowKey("bookshelf", "")
	require.True(t, bytes.Compare(seek, first) <= 0)
}

func TestExtensionRowKey_PrefixAndStrip(t *testing.T) {
	raw := extensionRowKey("view:main", []byte{0x00, 0x01, 'a'})
	require.True(t, bytes.HasPrefix(raw, extensionRowPrefix("view:main")))

	got := extensionKeyFromRaw(raw, "view:main")
	require.Equal(t, []byte{0x00, 0x01, 'a'}, got)

	require.Nil(t, extensionKeyFromRaw([]byte{prefixExtension}, "view:main"))
}

func TestEncodeRowValue_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name     string
		object   []byte
		metadata []byte
	}{
		{"both", []byte("object"), []byte("metadata")},
		{"object only", []byte("object"), nil},
		{"metadata only", nil, []byte("metadata")},
		{"both empty", nil, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			object, metadata, err := decodeRowValue(encodeRowValue(tc.object, tc.metadata))
			require.NoError(t, err)
			require.Equal(t, tc.object, object)
			require.Equal(t, tc.metadata, metadata)
		})
	}
}

func TestDecodeRowValue_CorruptInput(t *testing.T) {
	_, _, err := decodeRowValue(nil)
	require.Error(t, err)

	// Object length claims more bytes than the value holds.
	_, _, err = decodeRowValue([]byte{0x10, 'a'})
	require.Error(t, err)

	// Valid object but truncated metadata length.
	truncated := encodeRowValue([]byte("obj"), []byte("metadata"))
	_, _, err = decodeRowValue(truncated[:len(truncated)-4])
	require.Error(t, err)
}

func TestPrefixUpperBound(t *testing.T) {
	upper, ok := prefixUpperBound([]byte("abc"))
	require.True(t, ok)
	require.Equal(t, []byte("abd"), upper)

	// Trailing 0xff bytes roll into the shorter carry position.
	upper, ok = prefixUpperBound([]byte{'a', 0xff, 0xff})
	require.True(t, ok)
	require.Equal(t, []byte{'b'}, upper)

	// All-0xff prefixes have no finite upper bound.
	_, ok = prefixUpperBound([]byte{0xff, 0xff})
	require.False(t, ok)
}
