package schema

import (
	"math"
	"strconv"
	"time"

	jsoncodec "github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind identifies the shape of a document value. Document payloads are
// dynamic, so values are modeled as a tagged union over this closed set of
// kinds rather than passed around as raw interface{} and inspected with
// reflection.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBinary
	KindTime
	KindList
	KindStruct
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	case KindStruct:
		return "struct"
	default:
		return "unknown"
	}
}

// Value is one document field in typed form. Exactly the member matching
// Kind is meaningful; the rest are zero.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	Time   time.Time
	List   []Value
	Struct map[string]Value
}

// Null is the null value.
var Null = Value{Kind: KindNull}

// BoolValue wraps a bool.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// IntValue wraps an integer.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// FloatValue wraps a float.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// StringValue wraps a string.
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// BinaryValue wraps raw bytes.
func BinaryValue(v []byte) Value { return Value{Kind: KindBinary, Bytes: v} }

// TimeValue wraps a timestamp.
func TimeValue(v time.Time) Value { return Value{Kind: KindTime, Time: v} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Infer converts a decoded document field into a typed Value. It recurses
// into lists and nested documents and understands the BSON primitive types
// produced by extended-JSON decoding. Unrecognized values degrade to their
// string form rather than failing the record.
func Infer(raw interface{}) Value {
	switch v := raw.(type) {
	case nil:
		return Null
	case bool:
		return BoolValue(v)
	case int:
		return IntValue(int64(v))
	case int32:
		return IntValue(int64(v))
	case int64:
		return IntValue(v)
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	case string:
		return StringValue(v)
	case []byte:
		return BinaryValue(v)
	case time.Time:
		return TimeValue(v)
	case primitive.ObjectID:
		return StringValue(v.Hex())
	case primitive.DateTime:
		return TimeValue(v.Time().UTC())
	case primitive.Timestamp:
		return TimeValue(time.Unix(int64(v.T), 0).UTC())
	case primitive.Decimal128:
		if f, err := strconv.ParseFloat(v.String(), 64); err == nil {
			return FloatValue(f)
		}
		return StringValue(v.String())
	case primitive.Binary:
		return BinaryValue(v.Data)
	case primitive.Null, primitive.Undefined:
		return Null
	case primitive.A:
		return inferList(v)
	case []interface{}:
		return inferList(v)
	case primitive.M:
		return inferStruct(v)
	case primitive.D:
		return inferStruct(v.Map())
	case map[string]interface{}:
		return inferStruct(v)
	case jsoncodec.Number:
		if i, err := v.Int64(); err == nil {
			return IntValue(i)
		}
		if f, err := v.Float64(); err == nil {
			return FloatValue(f)
		}
		return StringValue(v.String())
	default:
		// Last resort: JSON-encode the value so nothing is dropped.
		if data, err := jsoncodec.Marshal(v); err == nil {
			return StringValue(string(data))
		}
		return Null
	}
}

// normalizeFloat keeps integral floats as floats (the source type matters
// for widening) but guards against NaN/Inf which the destination rejects.
func normalizeFloat(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null
	}
	return FloatValue(f)
}

func inferList(items []interface{}) Value {
	list := make([]Value, 0, len(items))
	for _, item := range items {
		list = append(list, Infer(item))
	}
	return Value{Kind: KindList, List: list}
}

func inferStruct(fields map[string]interface{}) Value {
	st := make(map[string]Value, len(fields))
	for name, field := range fields {
		st[name] = Infer(field)
	}
	return Value{Kind: KindStruct, Struct: st}
}

// InferDocument converts a whole decoded document into typed values.
func InferDocument(doc map[string]interface{}) map[string]Value {
	out := make(map[string]Value, len(doc))
	for name, field := range doc {
		out[name] = Infer(field)
	}
	return out
}

// EncodeDocument renders typed column values as a JSON document. Used when a
// record must be persisted outside the columnar path, e.g. dead-lettering.
func EncodeDocument(doc map[string]Value) ([]byte, error) {
	fields := make(map[string]interface{}, len(doc))
	for name, value := range doc {
		fields[name] = value.toInterface()
	}
	return jsoncodec.Marshal(fields)
}

// jsonEncode renders a value as JSON text. Lists and structs have no native
// destination column type and are stored as JSON strings.
func (v Value) jsonEncode() (string, error) {
	data, err := jsoncodec.Marshal(v.toInterface())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (v Value) toInterface() interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBinary:
		return v.Bytes
	case KindTime:
		return v.Time.UTC().Format(time.RFC3339Nano)
	case KindList:
		items := make([]interface{}, 0, len(v.List))
		for _, item := range v.List {
			items = append(items, item.toInterface())
		}
		return items
	case KindStruct:
		fields := make(map[string]interface{}, len(v.Struct))
		for name, field := range v.Struct {
			fields[name] = field.toInterface()
		}
		return fields
	default:
		return nil
	}
}
