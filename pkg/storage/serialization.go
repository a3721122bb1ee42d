// Package storage - value codec and row framing.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer selects the encoding used for objects and metadata.
type Serializer string

const (
	SerializerGob     Serializer = "gob"
	SerializerMsgpack Serializer = "msgpack"
)

const (
	serializationMagic   = "\xffYAP"
	serializationVersion = byte(1)
	serializerIDGob      = byte(1)
	serializerIDMsgpack  = byte(2)
)

// init registers types with gob for proper encoding/decoding of dynamic values.
// gob requires type registration for interface{} values in maps.
func init() {
	gob.Register(int(0))
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(float32(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(true)
	gob.Register(time.Time{})

	gob.Register([]interface{}{})
	gob.Register([]string{})
	gob.Register([]int{})
	gob.Register([]int64{})
	gob.Register([]float64{})
	gob.Register([]bool{})

	gob.Register(map[string]interface{}{})
}

// ParseSerializer normalizes and validates serializer input.
func ParseSerializer(value string) (Serializer, error) {
	normalized := Serializer(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case SerializerGob, SerializerMsgpack:
		return normalized, nil
	default:
		return "", fmt.Errorf("unsupported serializer: %s", value)
	}
}

// Codec encodes and decodes values with a small self-describing header so data
// written under one serializer remains readable after the setting changes.
//
// Frame layout: magic "\xffYAP" + format version + serializer id + payload.
// Headerless input decodes through the gob fallback for data written before
// framing existed.
type Codec struct {
	serializer Serializer
}

// NewCodec returns a codec using the given serializer for encoding. The zero
// value and unknown serializers encode with gob.
func NewCodec(serializer Serializer) *Codec {
	switch serializer {
	case SerializerGob, SerializerMsgpack:
		return &Codec{serializer: serializer}
	default:
		return &Codec{serializer: SerializerGob}
	}
}

// Serializer reports the codec's encoding serializer.
func (c *Codec) Serializer() Serializer {
	return c.serializer
}

// Encode serializes value with the active serializer and prepends the frame
// header.
func (c *Codec) Encode(value any) ([]byte, error) {
	payload, err := encodeWithSerializer(c.serializer, value)
	if err != nil {
		return nil, err
	}
	id, err := serializerIDFor(c.serializer)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(serializationMagic)+2+len(payload))
	out = append(out, serializationMagic...)
	out = append(out, serializationVersion, id)
	out = append(out, payload...)
	return out, nil
}

// Decode deserializes data, auto-detecting the serializer from the frame
// header. Headerless data falls back to gob, then to the codec's own
// serializer. Gob requires concrete types beyond the defaults to be
// registered with gob.Register; msgpack decodes structs generically as
// map[string]any.
func (c *Codec) Decode(data []byte) (any, error) {
	serializer, payload, ok, err := splitSerializationHeader(data)
	if err != nil {
		return nil, err
	}
	if ok {
		return decodeWithSerializer(serializer, payload)
	}

	// Legacy fallback: gob without header.
	value, gobErr := decodeWithSerializer(SerializerGob, data)
	if gobErr == nil {
		return value, nil
	}
	if c.serializer != SerializerGob {
		if value, err := decodeWithSerializer(c.serializer, data); err == nil {
			return value, nil
		}
	}
	return nil, gobErr
}

func serializerIDFor(serializer Serializer) (byte, error) {
	switch serializer {
	case SerializerGob:
		return serializerIDGob, nil
	case SerializerMsgpack:
		return serializerIDMsgpack, nil
	default:
		return 0, fmt.Errorf("unsupported serializer: %s", serializer)
	}
}

func serializerFromID(id byte) (Serializer, error) {
	switch id {
	case serializerIDGob:
		return SerializerGob, nil
	case serializerIDMsgpack:
		return SerializerMsgpack, nil
	default:
		return "", fmt.Errorf("unsupported serializer id: %d", id)
	}
}

func splitSerializationHeader(data []byte) (Serializer, []byte, bool, error) {
	if len(data) < len(serializationMagic)+2 {
		return "", nil, false, nil
	}
	if string(data[:len(serializationMagic)]) != serializationMagic {
		return "", nil, false, nil
	}
	version := data[len(serializationMagic)]
	if version != serializationVersion {
		return "", nil, false, fmt.Errorf("unsupported serialization version: %d", version)
	}
	serializer, err := serializerFromID(data[len(serializationMagic)+1])
	if err != nil {
		return "", nil, false, err
	}
	return serializer, data[len(serializationMagic)+2:], true, nil
}

// gobValue wraps encoded values in an interface-typed field so gob records
// the concrete type name and can reproduce it on decode.
type gobValue struct {
	Value any
}

func encodeWithSerializer(serializer Serializer, value any) ([]byte, error) {
	switch serializer {
	case SerializerGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(gobValue{Value: value}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case SerializerMsgpack:
		return msgpack.Marshal(value)
	default:
		return nil, fmt.Errorf("unsupported serializer: %s", serializer)
	}
}

func decodeWithSerializer(serializer Serializer, data []byte) (any, error) {
	switch serializer {
	case SerializerGob:
		var container gobValue
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&container); err != nil {
			return nil, err
		}
		return container.Value, nil
	case SerializerMsgpack:
		var value any
		if err := msgpack.Unmarshal(data, &value); err != nil {
			return nil, err
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unsupported serializer: %s", serializer)
	}
}

// Row value framing
// ============================================================================
//
// Key-value backends store a row's object and metadata under one key. The
// value frames both blobs with uvarint lengths: len(object) + object +
// len(metadata) + metadata.

// encodeRowValue frames object and metadata into a single value.
func encodeRowValue(object, metadata []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	out := make([]byte, 0, 2*binary.MaxVarintLen64+len(object)+len(metadata))

	n := binary.PutUvarint(lenBuf[:], uint64(len(object)))
	out = append(out, lenBuf[:n]...)
	out = append(out, object...)

	n = binary.PutUvarint(lenBuf[:], uint64(len(metadata)))
	out = append(out, lenBuf[:n]...)
	out = append(out, metadata...)
	return out
}

// decodeRowValue splits a framed value back into object and metadata.
func decodeRowValue(value []byte) (object, metadata []byte, err error) {
	objLen, n := binary.Uvarint(value)
	if n <= 0 || uint64(len(value)-n) < objLen {
		return nil, nil, fmt.Errorf("corrupt row value: bad object length")
	}
	object = value[n : n+int(objLen)]

	rest := value[n+int(objLen):]
	metaLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < metaLen {
		return nil, nil, fmt.Errorf("corrupt row value: bad metadata length")
	}
	metadata = rest[n : n+int(metaLen)]

	if objLen == 0 {
		object = nil
	}
	if metaLen == 0 {
		metadata = nil
	}
	return object, metadata, nil
}
