package schema

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWiden(t *testing.T) {
	t.Run("identical types stay put", func(t *testing.T) {
		assert.Equal(t, TypeInt32, Widen(TypeInt32, TypeInt32))
		assert.Equal(t, TypeStruct, Widen(TypeStruct, TypeStruct))
	})

	t.Run("null defers to the other type", func(t *testing.T) {
		assert.Equal(t, TypeInt64, Widen(TypeNull, TypeInt64))
		assert.Equal(t, TypeBool, Widen(TypeBool, TypeNull))
	})

	t.Run("numeric chain widens one way", func(t *testing.T) {
		assert.Equal(t, TypeInt64, Widen(TypeInt32, TypeInt64))
		assert.Equal(t, TypeInt64, Widen(TypeInt64, TypeInt32))
		assert.Equal(t, TypeFloat64, Widen(TypeInt64, TypeFloat64))
		assert.Equal(t, TypeString, Widen(TypeFloat64, TypeString))
	})

	t.Run("unresolvable combinations fall back to string", func(t *testing.T) {
		assert.Equal(t, TypeString, Widen(TypeBool, TypeInt32))
		assert.Equal(t, TypeString, Widen(TypeTimestamp, TypeInt64))
		assert.Equal(t, TypeString, Widen(TypeStruct, TypeList))
	})

	t.Run("observed sequence int32 int32 int64 int32 resolves to int64", func(t *testing.T) {
		resolved := TypeInt32
		for _, observed := range []LogicalType{TypeInt32, TypeInt64, TypeInt32} {
			resolved = Widen(resolved, observed)
		}
		assert.Equal(t, TypeInt64, resolved)
	})
}

func TestCoerce(t *testing.T) {
	t.Run("null coerces into anything", func(t *testing.T) {
		for _, target := range []LogicalType{TypeBool, TypeInt64, TypeString, TypeStruct} {
			v, err := Coerce(Null, target)
			require.NoError(t, err)
			assert.True(t, v.IsNull())
		}
	})

	t.Run("int widens to float", func(t *testing.T) {
		v, err := Coerce(IntValue(7), TypeFloat64)
		require.NoError(t, err)
		assert.Equal(t, 7.0, v.Float)
	})

	t.Run("anything coerces to string", func(t *testing.T) {
		v, err := Coerce(IntValue(42), TypeString)
		require.NoError(t, err)
		assert.Equal(t, "42", v.Str)

		v, err = Coerce(BoolValue(true), TypeString)
		require.NoError(t, err)
		assert.Equal(t, "true", v.Str)

		v, err = Coerce(Value{Kind: KindStruct, Struct: map[string]Value{"a": IntValue(1)}}, TypeString)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, v.Str)
	})

	t.Run("narrowing is rejected", func(t *testing.T) {
		_, err := Coerce(FloatValue(1.5), TypeInt64)
		assert.Error(t, err)

		_, err = Coerce(IntValue(int64(1)<<40), TypeInt32)
		assert.Error(t, err)

		_, err = Coerce(StringValue("x"), TypeBool)
		assert.Error(t, err)
	})

	t.Run("timestamp accepts RFC3339 strings", func(t *testing.T) {
		v, err := Coerce(StringValue("2026-04-01T10:00:00Z"), TypeTimestamp)
		require.NoError(t, err)
		assert.Equal(t, KindTime, v.Kind)
	})

	t.Run("date normalizes ISO strings and rejects junk", func(t *testing.T) {
		v, err := Coerce(StringValue("2026-04-01"), TypeDate)
		require.NoError(t, err)
		assert.Equal(t, "2026-04-01", v.Str)

		v, err = Coerce(StringValue("2026-04-01T10:00:00Z"), TypeDate)
		require.NoError(t, err)
		assert.Equal(t, "2026-04-01", v.Str)

		_, err = Coerce(StringValue("not a date"), TypeDate)
		assert.Error(t, err)
	})
}

func TestInferSchema(t *testing.T) {
	records := []map[string]Value{
		{"id": IntValue(1), "name": StringValue("a"), "score": IntValue(10)},
		{"id": IntValue(2), "name": Null, "score": FloatValue(1.5)},
		{"id": IntValue(int64(1) << 40), "extra": BoolValue(true)},
	}

	s := InferSchema("db_coll", records)

	id := s.Column("id")
	require.NotNil(t, id)
	assert.Equal(t, TypeInt64, id.Type, "large value widens id past int32")

	name := s.Column("name")
	require.NotNil(t, name)
	assert.Equal(t, TypeString, name.Type)
	assert.True(t, name.Nullable, "observed null makes the column nullable")

	score := s.Column("score")
	require.NotNil(t, score)
	assert.Equal(t, TypeFloat64, score.Type, "int and float widen to float")
	assert.True(t, score.Nullable, "missing from one record")

	extra := s.Column("extra")
	require.NotNil(t, extra)
	assert.True(t, extra.Nullable)
}

func TestMerge(t *testing.T) {
	base := &TableSchema{Table: "t", Version: 3, Columns: []Column{
		{Name: "id", Type: TypeInt32, Nullable: false},
		{Name: "name", Type: TypeString, Nullable: true},
	}}

	t.Run("identical candidate changes nothing", func(t *testing.T) {
		merged, changed := Merge(base, base.Clone())
		assert.False(t, changed)
		assert.Len(t, merged.Columns, 2)
	})

	t.Run("new column is added nullable", func(t *testing.T) {
		candidate := &TableSchema{Table: "t", Columns: []Column{
			{Name: "added", Type: TypeBool, Nullable: false},
		}}
		merged, changed := Merge(base, candidate)
		assert.True(t, changed)
		added := merged.Column("added")
		require.NotNil(t, added)
		assert.True(t, added.Nullable)
	})

	t.Run("types widen but never narrow", func(t *testing.T) {
		candidate := &TableSchema{Table: "t", Columns: []Column{
			{Name: "id", Type: TypeInt64},
		}}
		merged, changed := Merge(base, candidate)
		assert.True(t, changed)
		assert.Equal(t, TypeInt64, merged.Column("id").Type)

		// A narrower candidate leaves the widened type alone.
		narrower := &TableSchema{Table: "t", Columns: []Column{
			{Name: "id", Type: TypeInt32},
		}}
		remerged, changed := Merge(merged, narrower)
		assert.False(t, changed)
		assert.Equal(t, TypeInt64, remerged.Column("id").Type)
	})

	t.Run("null-only candidate defers to the existing type", func(t *testing.T) {
		current := &TableSchema{Table: "t", Version: 3, Columns: []Column{
			{Name: "id", Type: TypeInt32, Nullable: true},
		}}
		candidate := InferSchema("t", []map[string]Value{{"id": Null}})
		merged, changed := Merge(current, candidate)
		assert.False(t, changed, "a sparse null must not evolve the schema")
		assert.Equal(t, TypeInt32, merged.Column("id").Type)
	})

	t.Run("column that has only ever been null lands as nullable string", func(t *testing.T) {
		candidate := InferSchema("t", []map[string]Value{
			{"id": IntValue(1), "note": Null},
		})
		merged, changed := Merge(base, candidate)
		assert.True(t, changed)
		note := merged.Column("note")
		require.NotNil(t, note)
		assert.Equal(t, TypeString, note.Type)
		assert.True(t, note.Nullable)
	})

	t.Run("columns are never removed", func(t *testing.T) {
		candidate := &TableSchema{Table: "t", Columns: []Column{
			{Name: "id", Type: TypeInt32},
		}}
		merged, changed := Merge(base, candidate)
		assert.False(t, changed)
		assert.NotNil(t, merged.Column("name"))
	})
}

type fakeSource struct {
	schemas map[string]*TableSchema
	reads   int
}

func (f *fakeSource) ReadSchema(_ context.Context, table string) (*TableSchema, bool, error) {
	f.reads++
	s, ok := f.schemas[table]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func TestManagerResolve(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("first batch creates version 1", func(t *testing.T) {
		source := &fakeSource{schemas: map[string]*TableSchema{}}
		mgr := NewManager(source, ManagerConfig{}, logger)

		s, err := mgr.Resolve(ctx, "t", []map[string]Value{{"id": IntValue(1)}}, false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), s.Version)
	})

	t.Run("two evolving batches increment once each", func(t *testing.T) {
		source := &fakeSource{schemas: map[string]*TableSchema{}}
		mgr := NewManager(source, ManagerConfig{}, logger)

		first, err := mgr.Resolve(ctx, "t", []map[string]Value{{"id": IntValue(1)}}, false)
		require.NoError(t, err)
		mgr.Confirm("t", first)
		source.schemas["t"] = first

		second, err := mgr.Resolve(ctx, "t",
			[]map[string]Value{{"id": IntValue(2), "name": StringValue("x")}}, false)
		require.NoError(t, err)
		assert.Equal(t, first.Version+1, second.Version)
		assert.NotNil(t, second.Column("name"))
	})

	t.Run("unchanged batch reuses cached schema without backend read", func(t *testing.T) {
		source := &fakeSource{schemas: map[string]*TableSchema{}}
		mgr := NewManager(source, ManagerConfig{}, logger)

		first, err := mgr.Resolve(ctx, "t", []map[string]Value{{"id": IntValue(1)}}, false)
		require.NoError(t, err)
		mgr.Confirm("t", first)
		reads := source.reads

		again, err := mgr.Resolve(ctx, "t", []map[string]Value{{"id": IntValue(2)}}, false)
		require.NoError(t, err)
		assert.Equal(t, first.Version, again.Version)
		assert.Equal(t, reads, source.reads, "cache hit must not touch the backend")
	})

	t.Run("bypass forces a backend read", func(t *testing.T) {
		source := &fakeSource{schemas: map[string]*TableSchema{}}
		mgr := NewManager(source, ManagerConfig{}, logger)

		first, err := mgr.Resolve(ctx, "t", []map[string]Value{{"id": IntValue(1)}}, false)
		require.NoError(t, err)
		mgr.Confirm("t", first)
		reads := source.reads

		_, err = mgr.Resolve(ctx, "t", []map[string]Value{{"id": IntValue(2)}}, true)
		require.NoError(t, err)
		assert.Greater(t, source.reads, reads)
	})

	t.Run("stale backend read never rolls the version back", func(t *testing.T) {
		source := &fakeSource{schemas: map[string]*TableSchema{}}
		mgr := NewManager(source, ManagerConfig{}, logger)

		first, err := mgr.Resolve(ctx, "t", []map[string]Value{{"id": IntValue(1)}}, false)
		require.NoError(t, err)
		mgr.Confirm("t", first)
		// Backend still reports nothing (stale read); bypass the cache.
		s, err := mgr.Resolve(ctx, "t",
			[]map[string]Value{{"id": IntValue(1), "name": StringValue("x")}}, true)
		require.NoError(t, err)
		assert.Greater(t, s.Version, first.Version)
	})
}

func TestCache(t *testing.T) {
	t.Run("expires after TTL", func(t *testing.T) {
		cache := NewCache(time.Minute, 10)
		clock := time.Now()
		cache.now = func() time.Time { return clock }

		cache.Set("t", Empty("t"))
		assert.NotNil(t, cache.Get("t"))

		clock = clock.Add(61 * time.Second)
		assert.Nil(t, cache.Get("t"))
		assert.Equal(t, int64(1), cache.Stats().Expirations)
	})

	t.Run("evicts least recently used at capacity", func(t *testing.T) {
		cache := NewCache(time.Minute, 2)
		cache.Set("a", Empty("a"))
		cache.Set("b", Empty("b"))
		cache.Get("a") // b is now least recently used
		cache.Set("c", Empty("c"))

		assert.NotNil(t, cache.Get("a"))
		assert.Nil(t, cache.Get("b"))
		assert.NotNil(t, cache.Get("c"))
		assert.Equal(t, int64(1), cache.Stats().Evictions)
	})

	t.Run("invalidate drops only the named table", func(t *testing.T) {
		cache := NewCache(time.Minute, 10)
		cache.Set("a", Empty("a"))
		cache.Set("b", Empty("b"))
		cache.Invalidate("a")

		assert.Nil(t, cache.Get("a"))
		assert.NotNil(t, cache.Get("b"))
	})
}

func TestInfer(t *testing.T) {
	t.Run("scalars", func(t *testing.T) {
		assert.Equal(t, KindInt, Infer(int64(5)).Kind)
		assert.Equal(t, KindFloat, Infer(2.5).Kind)
		assert.Equal(t, KindString, Infer("x").Kind)
		assert.Equal(t, KindBool, Infer(true).Kind)
		assert.Equal(t, KindNull, Infer(nil).Kind)
	})

	t.Run("NaN degrades to null", func(t *testing.T) {
		assert.True(t, Infer(math.NaN()).IsNull())
	})

	t.Run("nested documents recurse", func(t *testing.T) {
		v := Infer(map[string]interface{}{
			"inner": []interface{}{int64(1), "two"},
		})
		require.Equal(t, KindStruct, v.Kind)
		inner := v.Struct["inner"]
		require.Equal(t, KindList, inner.Kind)
		assert.Equal(t, KindInt, inner.List[0].Kind)
		assert.Equal(t, KindString, inner.List[1].Kind)
	})
}
