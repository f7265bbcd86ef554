package writer

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/streamhaus/lakesink/pkg/errors"
	"github.com/streamhaus/lakesink/pkg/schema"
)

// arrowType maps a logical column type to its physical Arrow type. Lists and
// structs have no stable destination representation across evolutions, so
// they are stored as JSON text; dates are stored as their ISO string form.
func arrowType(t schema.LogicalType) arrow.DataType {
	switch t {
	case schema.TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case schema.TypeInt32:
		return arrow.PrimitiveTypes.Int32
	case schema.TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case schema.TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	case schema.TypeBinary:
		return arrow.BinaryTypes.Binary
	case schema.TypeTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	default:
		return arrow.BinaryTypes.String
	}
}

// arrowSchema converts a table schema. Column order follows the table schema,
// which is kept sorted, so the physical layout is deterministic per version.
func arrowSchema(s *schema.TableSchema) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(s.Columns))
	for _, col := range s.Columns {
		fields = append(fields, arrow.Field{
			Name:     col.Name,
			Type:     arrowType(col.Type),
			Nullable: col.Nullable,
		})
	}
	return arrow.NewSchema(fields, nil)
}

// buildRecord assembles a columnar record from coerced row values. Every row
// map must already hold values matching the column types (the writer coerces
// and dead-letters incompatible rows before calling this). Missing columns
// become nulls. The caller releases the returned record.
func buildRecord(s *schema.TableSchema, rows []map[string]schema.Value) (arrow.Record, error) {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, arrowSchema(s))
	defer builder.Release()

	for i, col := range s.Columns {
		field := builder.Field(i)
		for _, row := range rows {
			value, ok := row[col.Name]
			if !ok || value.IsNull() {
				field.AppendNull()
				continue
			}
			if err := appendValue(field, col.Type, value); err != nil {
				return nil, errors.Wrapf(err, errors.ErrorTypeInternal,
					"column %s", col.Name)
			}
		}
	}

	return builder.NewRecord(), nil
}

func appendValue(builder array.Builder, t schema.LogicalType, v schema.Value) error {
	switch b := builder.(type) {
	case *array.BooleanBuilder:
		if v.Kind != schema.KindBool {
			return typeMismatch(t, v)
		}
		b.Append(v.Bool)
	case *array.Int32Builder:
		if v.Kind != schema.KindInt {
			return typeMismatch(t, v)
		}
		b.Append(int32(v.Int))
	case *array.Int64Builder:
		if v.Kind != schema.KindInt {
			return typeMismatch(t, v)
		}
		b.Append(v.Int)
	case *array.Float64Builder:
		if v.Kind != schema.KindFloat {
			return typeMismatch(t, v)
		}
		b.Append(v.Float)
	case *array.StringBuilder:
		if v.Kind != schema.KindString {
			return typeMismatch(t, v)
		}
		b.Append(v.Str)
	case *array.BinaryBuilder:
		if v.Kind != schema.KindBinary {
			return typeMismatch(t, v)
		}
		b.Append(v.Bytes)
	case *array.TimestampBuilder:
		if v.Kind != schema.KindTime {
			return typeMismatch(t, v)
		}
		b.Append(arrow.Timestamp(v.Time.UTC().UnixMicro()))
	default:
		return errors.Newf(errors.ErrorTypeInternal, "no builder for column type %s", t)
	}
	return nil
}

func typeMismatch(t schema.LogicalType, v schema.Value) error {
	return errors.Newf(errors.ErrorTypeInternal,
		"coerced %s value does not match column type %s", v.Kind, t)
}
