package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	jsoncodec "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/errors"
	"github.com/streamhaus/lakesink/pkg/schema"
)

// S3Config configures the object store backend. Endpoint and path-style
// addressing support MinIO and other S3-compatible stores.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// s3API is the subset of the S3 client the backend uses; narrowed for tests.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Backend stores table data as zstd-compressed Arrow IPC objects and the
// table schema as a JSON document. Object keys are derived from the commit
// range, so replaying a crashed write lands on the same key and is detected
// instead of duplicated.
type S3Backend struct {
	client  s3API
	bucket  string
	prefix  string
	encoder *zstd.Encoder
	logger  *zap.Logger
}

// NewS3Backend builds the client from config and environment credentials.
func NewS3Backend(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "storage bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "aws config load failed")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return newS3Backend(client, cfg, logger)
}

func newS3Backend(client s3API, cfg S3Config, logger *zap.Logger) (*S3Backend, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "zstd encoder setup failed")
	}
	return &S3Backend{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		encoder: encoder,
		logger:  logger.With(zap.String("component", "s3_backend")),
	}, nil
}

// Write encodes the record as Arrow IPC, compresses it and puts it under a
// commit-range keyed object. The table schema document is updated after the
// data object lands, never before.
func (b *S3Backend) Write(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	stored, found, err := b.ReadSchema(ctx, req.Table)
	if err != nil {
		return nil, err
	}
	if found && stored.Version > req.Schema.Version {
		return nil, ErrSchemaRejected
	}

	key := b.dataKey(req)

	exists, err := b.objectExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		b.logger.Info("commit range already written, skipping",
			zap.String("table", req.Table),
			zap.String("key", key))
		return &WriteResult{Path: key, Deduplicated: true}, nil
	}

	encoded, err := b.encodeRecord(req)
	if err != nil {
		return nil, err
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(encoded),
		ContentType: aws.String("application/vnd.apache.arrow.stream+zstd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "data object put failed")
	}

	if !found || req.Schema.Version > stored.Version {
		if err := b.writeSchema(ctx, req.Schema); err != nil {
			return nil, err
		}
	}

	b.logger.Debug("batch written",
		zap.String("table", req.Table),
		zap.String("key", key),
		zap.Int64("rows", req.Record.NumRows()),
		zap.Int("bytes", len(encoded)),
		zap.Int64("schema_version", req.Schema.Version))

	return &WriteResult{Bytes: int64(len(encoded)), Path: key}, nil
}

// ReadSchema fetches the table's current schema document.
func (b *S3Backend) ReadSchema(ctx context.Context, table string) (*schema.TableSchema, bool, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.schemaKey(table)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if stderrors.As(err, &noKey) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, errors.ErrorTypeConnection, "schema object get failed")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeConnection, "schema object read failed")
	}

	var s schema.TableSchema
	if err := jsoncodec.Unmarshal(data, &s); err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeData, "schema object is corrupted")
	}
	return &s, true, nil
}

// Close releases the compressor.
func (b *S3Backend) Close() error {
	b.encoder.Close()
	return nil
}

func (b *S3Backend) encodeRecord(req *WriteRequest) ([]byte, error) {
	var raw bytes.Buffer
	writer := ipc.NewWriter(&raw, ipc.WithSchema(req.Record.Schema()))
	if err := writer.Write(req.Record); err != nil {
		writer.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "arrow encode failed")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "arrow encode failed")
	}
	return b.encoder.EncodeAll(raw.Bytes(), nil), nil
}

func (b *S3Backend) writeSchema(ctx context.Context, s *schema.TableSchema) error {
	data, err := jsoncodec.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "schema encode failed")
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.schemaKey(s.Table)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "schema object put failed")
	}
	return nil
}

func (b *S3Backend) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *s3types.NotFound
	if stderrors.As(err, &notFound) {
		return false, nil
	}
	return false, errors.Wrap(err, errors.ErrorTypeConnection, "object head failed")
}

// dataKey builds the deterministic object key for a commit range. Partition
// column values are taken from the record's first row; records in a batch
// share their ingestion date.
func (b *S3Backend) dataKey(req *WriteRequest) string {
	segments := []string{b.prefix, req.Table, "data"}
	for _, col := range req.PartitionColumns {
		segments = append(segments, fmt.Sprintf("%s=%s", col, firstRowString(req, col)))
	}
	segments = append(segments, req.Range.String()+".arrow.zst")
	return path.Join(segments...)
}

func (b *S3Backend) schemaKey(table string) string {
	return path.Join(b.prefix, table, "_schema", "current.json")
}

func firstRowString(req *WriteRequest, column string) string {
	for i, field := range req.Record.Schema().Fields() {
		if field.Name != column {
			continue
		}
		col := req.Record.Column(i)
		if col.Len() == 0 || col.IsNull(0) {
			return "unknown"
		}
		return col.ValueStr(0)
	}
	return "unknown"
}
