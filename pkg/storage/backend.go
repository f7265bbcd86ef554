// Package storage writes columnar batches and table schemas to the
// destination table store.
package storage

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/streamhaus/lakesink/pkg/errors"
	"github.com/streamhaus/lakesink/pkg/schema"
)

// ErrSchemaRejected is returned when the destination holds a newer schema
// version than the one the write was planned against. The caller must
// invalidate its cached schema and re-resolve; retrying the same request is
// pointless.
var ErrSchemaRejected = errors.New(errors.ErrorTypeConflict, "destination schema is newer than the write schema")

// IsSchemaRejected reports whether err is a schema version conflict.
func IsSchemaRejected(err error) bool {
	return errors.IsType(err, errors.ErrorTypeConflict)
}

// CommitRange identifies the contiguous source range a write covers. Two
// writes with the same range are the same logical write; backends use the
// range to make replay after a crash idempotent.
type CommitRange struct {
	Partition   int32
	FirstOffset int64
	LastOffset  int64
}

// String renders the range as a filesystem-safe token.
func (r CommitRange) String() string {
	return fmt.Sprintf("p%05d-o%020d-%020d", r.Partition, r.FirstOffset, r.LastOffset)
}

// WriteRequest is one append of columnar data to a table.
type WriteRequest struct {
	Table string
	// Schema is the resolved table schema the record was built against.
	// The backend rejects the write when it holds a newer version.
	Schema *schema.TableSchema
	Record arrow.Record
	// PartitionColumns select the directory-partitioning columns.
	PartitionColumns []string
	Range            CommitRange
}

// WriteResult reports what a write did.
type WriteResult struct {
	// Bytes is the encoded (compressed) object size.
	Bytes int64
	// Path is the destination object key.
	Path string
	// Deduplicated is true when an object for the same commit range already
	// existed and no data was written.
	Deduplicated bool
}

// Backend is a destination table store. Implementations must be safe for
// concurrent use and must make Write idempotent per commit range.
//
// ReadSchema doubles as the schema source for the resolver cache.
type Backend interface {
	Write(ctx context.Context, req *WriteRequest) (*WriteResult, error)
	ReadSchema(ctx context.Context, table string) (*schema.TableSchema, bool, error)
	Close() error
}
