// Package schema manages destination table schemas: typed document values,
// inference from incoming batches, widening-only type resolution, a TTL
// cache and the schema manager that ties them to the storage backend.
package schema

import (
	"math"
	"sort"
)

// LogicalType is a destination column type. Types are ordered by a widening
// lattice: once a column has been observed at a type, later observations may
// only move it up the lattice (int32 -> int64 -> float64 -> string), never
// down.
type LogicalType string

const (
	TypeNull      LogicalType = "null"
	TypeBool      LogicalType = "boolean"
	TypeInt32     LogicalType = "int32"
	TypeInt64     LogicalType = "int64"
	TypeFloat64   LogicalType = "float64"
	TypeString    LogicalType = "string"
	TypeBinary    LogicalType = "binary"
	TypeTimestamp LogicalType = "timestamp"
	TypeDate      LogicalType = "date"
	TypeList      LogicalType = "list"
	TypeStruct    LogicalType = "struct"
)

// Column describes one destination column.
type Column struct {
	Name     string      `json:"name"`
	Type     LogicalType `json:"type"`
	Nullable bool        `json:"nullable"`
}

// TableSchema is the destination schema of one table. Version increases
// monotonically; every successful merge that changes the column set or a
// column type increments it.
type TableSchema struct {
	Table   string   `json:"table"`
	Version int64    `json:"version"`
	Columns []Column `json:"columns"`
}

// Empty returns a fresh schema for a table that does not exist yet.
func Empty(table string) *TableSchema {
	return &TableSchema{Table: table, Version: 0}
}

// Column returns the named column, or nil.
func (s *TableSchema) Column(name string) *Column {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *TableSchema) Clone() *TableSchema {
	out := &TableSchema{Table: s.Table, Version: s.Version}
	out.Columns = make([]Column, len(s.Columns))
	copy(out.Columns, s.Columns)
	return out
}

// sortColumns keeps column order deterministic for comparison and storage.
func (s *TableSchema) sortColumns() {
	sort.Slice(s.Columns, func(i, j int) bool {
		return s.Columns[i].Name < s.Columns[j].Name
	})
}

// typeOf maps a value to the logical type it would create as a fresh column.
// Integers that fit int32 start narrow so the lattice has room to widen.
func typeOf(v Value) LogicalType {
	switch v.Kind {
	case KindNull:
		return TypeNull
	case KindBool:
		return TypeBool
	case KindInt:
		if v.Int >= math.MinInt32 && v.Int <= math.MaxInt32 {
			return TypeInt32
		}
		return TypeInt64
	case KindFloat:
		return TypeFloat64
	case KindString:
		return TypeString
	case KindBinary:
		return TypeBinary
	case KindTime:
		return TypeTimestamp
	case KindList:
		return TypeList
	case KindStruct:
		return TypeStruct
	default:
		return TypeString
	}
}

// InferSchema builds a candidate schema from the typed column values of a
// batch. Columns absent from some records are nullable; conflicting value
// types within the batch resolve through the widening lattice.
func InferSchema(table string, records []map[string]Value) *TableSchema {
	types := make(map[string]LogicalType)
	seen := make(map[string]int)
	nullable := make(map[string]bool)

	for _, record := range records {
		for name, value := range record {
			seen[name]++
			if value.IsNull() {
				nullable[name] = true
				continue
			}
			vt := typeOf(value)
			if existing, ok := types[name]; ok {
				types[name] = Widen(existing, vt)
			} else {
				types[name] = vt
			}
		}
	}

	s := &TableSchema{Table: table}
	for name, count := range seen {
		t, ok := types[name]
		if !ok {
			// Only nulls observed; the column's real type is unknown and
			// must defer to whatever the destination already holds.
			t = TypeNull
		}
		s.Columns = append(s.Columns, Column{
			Name:     name,
			Type:     t,
			Nullable: nullable[name] || count < len(records),
		})
	}
	s.sortColumns()
	return s
}

// Merge combines the current destination schema with a candidate inferred
// from a batch. New columns are added nullable; existing columns keep their
// place and widen when the candidate observed a wider type. Merge never
// removes a column and never narrows a type. The returned flag reports
// whether the result differs from current; the caller owns versioning.
func Merge(current, candidate *TableSchema) (*TableSchema, bool) {
	merged := current.Clone()
	changed := false

	for _, cand := range candidate.Columns {
		existing := merged.Column(cand.Name)
		if existing == nil {
			col := cand
			if col.Type == TypeNull {
				// The column has never carried a non-null value; it lands
				// as nullable string until a real value decides the type.
				col.Type = TypeString
			}
			col.Nullable = true // backfilled as null for existing rows
			merged.Columns = append(merged.Columns, col)
			changed = true
			continue
		}
		widened := Widen(existing.Type, cand.Type)
		if widened != existing.Type {
			existing.Type = widened
			changed = true
		}
		if cand.Nullable && !existing.Nullable {
			existing.Nullable = true
			changed = true
		}
	}

	merged.sortColumns()
	return merged, changed
}
