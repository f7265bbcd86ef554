package schema

import (
	"encoding/base64"
	"math"
	"strconv"
	"time"

	"github.com/streamhaus/lakesink/pkg/errors"
)

// lattice ranks the numeric widening chain. Types outside the chain merge
// to string when they conflict.
var lattice = map[LogicalType]int{
	TypeInt32:   1,
	TypeInt64:   2,
	TypeFloat64: 3,
	TypeString:  4,
}

// Widen resolves two observed types for the same column into the narrowest
// type that can represent both. The resolution is one-directional: the
// result is never below either input in the lattice. Unresolvable
// combinations fall back to string rather than failing the batch.
func Widen(a, b LogicalType) LogicalType {
	if a == b {
		return a
	}
	if a == TypeNull {
		return b
	}
	if b == TypeNull {
		return a
	}

	ra, aNumeric := lattice[a]
	rb, bNumeric := lattice[b]
	if aNumeric && bNumeric {
		if ra >= rb {
			return a
		}
		return b
	}

	// Identical structured or temporal types were handled above; any
	// remaining mix has no lossless representation except text.
	return TypeString
}

// Coerce converts a value into the given column type, widening where needed.
// It returns a validation error when the value cannot represent the type
// even under widening; such records are dead-lettered individually instead
// of failing the whole batch.
func Coerce(v Value, t LogicalType) (Value, error) {
	if v.IsNull() {
		return Null, nil
	}

	switch t {
	case TypeBool:
		if v.Kind == KindBool {
			return v, nil
		}
	case TypeInt32:
		if v.Kind == KindInt && v.Int >= math.MinInt32 && v.Int <= math.MaxInt32 {
			return v, nil
		}
	case TypeInt64:
		if v.Kind == KindInt {
			return v, nil
		}
	case TypeFloat64:
		switch v.Kind {
		case KindFloat:
			return v, nil
		case KindInt:
			return FloatValue(float64(v.Int)), nil
		}
	case TypeString:
		return stringResult(v.stringForm())
	case TypeBinary:
		if v.Kind == KindBinary {
			return v, nil
		}
	case TypeTimestamp:
		switch v.Kind {
		case KindTime:
			return v, nil
		case KindString:
			if ts, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
				return TimeValue(ts), nil
			}
		}
	case TypeDate:
		switch v.Kind {
		case KindTime:
			return StringValue(v.Time.UTC().Format("2006-01-02")), nil
		case KindString:
			if d, err := time.Parse("2006-01-02", v.Str); err == nil {
				return StringValue(d.Format("2006-01-02")), nil
			}
			if ts, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
				return StringValue(ts.UTC().Format("2006-01-02")), nil
			}
		}
	case TypeList:
		if v.Kind == KindList {
			return v, nil
		}
	case TypeStruct:
		if v.Kind == KindStruct {
			return v, nil
		}
	}

	return Null, errors.Newf(errors.ErrorTypeValidation,
		"cannot coerce %s value into column type %s", v.Kind, t)
}

// stringForm renders any value as text; this is the terminal fallback of the
// widening lattice so it must not fail for scalar kinds.
func (v Value) stringForm() (string, error) {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool), nil
	case KindInt:
		return strconv.FormatInt(v.Int, 10), nil
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64), nil
	case KindString:
		return v.Str, nil
	case KindBinary:
		return base64.StdEncoding.EncodeToString(v.Bytes), nil
	case KindTime:
		return v.Time.UTC().Format(time.RFC3339Nano), nil
	case KindList, KindStruct:
		return v.jsonEncode()
	default:
		return "", nil
	}
}

// StringValue variant used by Coerce: wraps the (string, error) pair from
// stringForm into the expected return shape.
func stringResult(s string, err error) (Value, error) {
	if err != nil {
		return Null, errors.Wrap(err, errors.ErrorTypeValidation, "string coercion failed")
	}
	return Value{Kind: KindString, Str: s}, nil
}
