package types

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Kind tags a Value's underlying representation.
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindFloat
	KindBoolean
	KindString
	KindRawBytes
	KindMap
	KindJsonBlob
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInteger:
		return "INTEGER"
	case KindFloat:
		return "FLOAT"
	case KindBoolean:
		return "BOOLEAN"
	case KindString:
		return "STRING"
	case KindRawBytes:
		return "RAW_BYTES"
	case KindMap:
		return "MAP"
	case KindJsonBlob:
		return "JSON_BLOB"
	case KindVector:
		return "VECTOR"
	default:
		return "UNKNOWN"
	}
}

// MapEntry is one (key, value) pair of a Map value. Order is preserved, as
// required by spec: Map keys are byte strings and value serialization is
// canonical and stable.
type MapEntry struct {
	Key   []byte
	Value Value
}

// Value is the sum type every Row column and index key is built from.
// Exactly one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind     Kind
	Integer  int64
	Float    float64
	Boolean  bool
	String   string
	RawBytes []byte
	Map      []MapEntry
	JsonBlob []byte
	Vector   []float32
}

func NullValue() Value                { return Value{Kind: KindNull} }
func IntegerValue(v int64) Value      { return Value{Kind: KindInteger, Integer: v} }
func FloatValue(v float64) Value      { return Value{Kind: KindFloat, Float: v} }
func BooleanValue(v bool) Value       { return Value{Kind: KindBoolean, Boolean: v} }
func StringValue(v string) Value      { return Value{Kind: KindString, String: v} }
func RawBytesValue(v []byte) Value    { return Value{Kind: KindRawBytes, RawBytes: v} }
func MapValue(v []MapEntry) Value     { return Value{Kind: KindMap, Map: v} }
func JsonBlobValue(v []byte) Value    { return Value{Kind: KindJsonBlob, JsonBlob: v} }
func VectorValue(v []float32) Value   { return Value{Kind: KindVector, Vector: v} }
func (v Value) IsNull() bool          { return v.Kind == KindNull }

// MapGet looks up a key within a Map value's ordered entries.
func (v Value) MapGet(key []byte) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	for _, e := range v.Map {
		if string(e.Key) == string(key) {
			return e.Value, true
		}
	}
	return Value{}, false
}

// ToComparable projects a scalar Value into the Comparable key type used by
// indexes. Map/JsonBlob/Vector values cannot be used as ordering keys.
func (v Value) ToComparable() (Comparable, error) {
	switch v.Kind {
	case KindInteger:
		return IntKey(v.Integer), nil
	case KindFloat:
		return FloatKey(v.Float), nil
	case KindBoolean:
		return BoolKey(v.Boolean), nil
	case KindString:
		return VarcharKey(v.String), nil
	case KindRawBytes:
		return VarcharKey(string(v.RawBytes)), nil
	default:
		return nil, fmt.Errorf("value of kind %s cannot be used as an index key", v.Kind)
	}
}

// Encode produces the canonical, stable byte encoding used by indexes and
// the default_value_index. Scalars are tagged with their Kind byte followed
// by a fixed or length-prefixed payload; Map encodes each entry in order so
// that encoding is stable as long as insertion order is stable (spec §3).
func (v Value) Encode() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte{byte(KindNull)}, nil
	case KindInteger:
		buf := make([]byte, 9)
		buf[0] = byte(KindInteger)
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.Integer))
		return buf, nil
	case KindFloat:
		buf := make([]byte, 9)
		buf[0] = byte(KindFloat)
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(v.Float))
		return buf, nil
	case KindBoolean:
		b := byte(0)
		if v.Boolean {
			b = 1
		}
		return []byte{byte(KindBoolean), b}, nil
	case KindString:
		return encodeTagged(byte(KindString), []byte(v.String)), nil
	case KindRawBytes:
		return encodeTagged(byte(KindRawBytes), v.RawBytes), nil
	case KindJsonBlob:
		return encodeTagged(byte(KindJsonBlob), v.JsonBlob), nil
	case KindVector:
		buf := make([]byte, 1, 1+4*len(v.Vector))
		buf[0] = byte(KindVector)
		for _, f := range v.Vector {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
			buf = append(buf, b[:]...)
		}
		return buf, nil
	case KindMap:
		doc, err := v.toBsonD()
		if err != nil {
			return nil, err
		}
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode map value: %w", err)
		}
		return encodeTagged(byte(KindMap), raw), nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

func (v Value) toBsonD() (bson.D, error) {
	doc := make(bson.D, 0, len(v.Map))
	for _, e := range v.Map {
		switch e.Value.Kind {
		case KindInteger:
			doc = append(doc, bson.E{Key: string(e.Key), Value: e.Value.Integer})
		case KindFloat:
			doc = append(doc, bson.E{Key: string(e.Key), Value: e.Value.Float})
		case KindBoolean:
			doc = append(doc, bson.E{Key: string(e.Key), Value: e.Value.Boolean})
		case KindString:
			doc = append(doc, bson.E{Key: string(e.Key), Value: e.Value.String})
		case KindRawBytes:
			doc = append(doc, bson.E{Key: string(e.Key), Value: e.Value.RawBytes})
		case KindNull:
			doc = append(doc, bson.E{Key: string(e.Key), Value: nil})
		default:
			return nil, fmt.Errorf("nested value of kind %s is not supported inside a map", e.Value.Kind)
		}
	}
	return doc, nil
}

func encodeTagged(tag byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = tag
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Decode is the inverse of Encode: it parses the tagged byte encoding back
// into a Value. Used by the row mirror and by the executor when materializing
// a row read back from the heap (a row is itself just a Map-kind Value,
// spec §3).
func Decode(data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, fmt.Errorf("decode: empty input")
	}
	kind := Kind(data[0])
	rest := data[1:]

	switch kind {
	case KindNull:
		return NullValue(), nil
	case KindInteger:
		if len(rest) < 8 {
			return Value{}, fmt.Errorf("decode: truncated integer value")
		}
		return IntegerValue(int64(binary.LittleEndian.Uint64(rest))), nil
	case KindFloat:
		if len(rest) < 8 {
			return Value{}, fmt.Errorf("decode: truncated float value")
		}
		return FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(rest))), nil
	case KindBoolean:
		if len(rest) < 1 {
			return Value{}, fmt.Errorf("decode: truncated boolean value")
		}
		return BooleanValue(rest[0] != 0), nil
	case KindString:
		payload, err := decodeTagged(rest)
		if err != nil {
			return Value{}, err
		}
		return StringValue(string(payload)), nil
	case KindRawBytes:
		payload, err := decodeTagged(rest)
		if err != nil {
			return Value{}, err
		}
		return RawBytesValue(payload), nil
	case KindJsonBlob:
		payload, err := decodeTagged(rest)
		if err != nil {
			return Value{}, err
		}
		return JsonBlobValue(payload), nil
	case KindVector:
		if len(rest)%4 != 0 {
			return Value{}, fmt.Errorf("decode: vector payload not a multiple of 4 bytes")
		}
		vec := make([]float32, len(rest)/4)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(rest[i*4 : i*4+4]))
		}
		return VectorValue(vec), nil
	case KindMap:
		payload, err := decodeTagged(rest)
		if err != nil {
			return Value{}, err
		}
		var doc bson.D
		if err := bson.Unmarshal(payload, &doc); err != nil {
			return Value{}, fmt.Errorf("decode map value: %w", err)
		}
		return mapValueFromBsonD(doc)
	default:
		return Value{}, fmt.Errorf("decode: unknown value kind %d", kind)
	}
}

func decodeTagged(rest []byte) ([]byte, error) {
	if len(rest) < 4 {
		return nil, fmt.Errorf("decode: truncated length prefix")
	}
	length := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < length {
		return nil, fmt.Errorf("decode: truncated payload, want %d bytes, have %d", length, len(rest))
	}
	return rest[:length], nil
}

func mapValueFromBsonD(doc bson.D) (Value, error) {
	entries := make([]MapEntry, 0, len(doc))
	for _, e := range doc {
		value, err := valueFromBsonRaw(e.Value)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, MapEntry{Key: []byte(e.Key), Value: value})
	}
	return MapValue(entries), nil
}

func valueFromBsonRaw(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return NullValue(), nil
	case int64:
		return IntegerValue(v), nil
	case int32:
		return IntegerValue(int64(v)), nil
	case float64:
		return FloatValue(v), nil
	case bool:
		return BooleanValue(v), nil
	case string:
		return StringValue(v), nil
	case []byte:
		return RawBytesValue(v), nil
	default:
		return Value{}, fmt.Errorf("decode: unsupported nested bson type %T", raw)
	}
}
