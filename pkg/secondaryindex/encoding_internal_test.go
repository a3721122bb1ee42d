package secondaryindex

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireEncodedAscending(t *testing.T, values []Value) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		a := values[i-1].encode()
		b := values[i].encode()
		require.Negative(t, bytes.Compare(a, b),
			"%s should encode below %s", values[i-1], values[i])
	}
}

func TestValueEncoding_PreservesIntOrder(t *testing.T) {
	requireEncodedAscending(t, []Value{
		Int(math.MinInt64),
		Int(-1_000_000_000),
		Int(-2),
		Int(-1),
		Int(0),
		Int(1),
		Int(2),
		Int(1_000_000_000),
		Int(math.MaxInt64),
	})
}

func TestValueEncoding_PreservesFloatOrder(t *testing.T) {
	requireEncodedAscending(t, []Value{
		Float(math.Inf(-1)),
		Float(-1e300),
		Float(-2.5),
		Float(-1),
		Float(-0.1),
		Float(0),
		Float(0.1),
		Float(1),
		Float(2.5),
		Float(1e300),
		Float(math.Inf(1)),
	})
}

func TestValueEncoding_PreservesStringOrder(t *testing.T) {
	requireEncodedAscending(t, []Value{
		String(""),
		String("a"),
		String("a\x00b"),
		String("ab"),
		String("b"),
	})
}

func TestValueEncoding_KindsSortByTag(t *testing.T) {
	requireEncodedAscending(t, []Value{
		Int(math.MaxInt64),
		Float(math.Inf(-1)),
		String(""),
	})
}

func TestValueEncoding_RoundTrip(t *testing.T) {
	for _, v := range []Value{
		Int(0), Int(-42), Int(math.MaxInt64),
		Float(0), Float(-2.75), Float(math.Inf(1)),
		String(""), String("hello"), String("nul\x00inside"),
	} {
		decoded, err := decodeValue(v.encode())
		require.NoError(t, err)
		require.Equal(t, v, decoded)
	}
}

func TestValueEncoding_ZeroValueEncodesNil(t *testing.T) {
	require.Nil(t, Value{}.encode())
}

func TestDecodeValue_RejectsMalformed(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		{},
		{0x07},                   // unknown kind tag
		{byte(KindInt), 1, 2, 3}, // short numeric payload
	} {
		_, err := decodeValue(data)
		require.Error(t, err)
	}
}
