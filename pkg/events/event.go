// Package events defines change events and their conversion into normalized
// destination records.
package events

import (
	"fmt"
	"strings"
	"time"

	jsoncodec "github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/streamhaus/lakesink/pkg/errors"
)

// Operation is the type of source mutation carried by a change event.
type Operation string

const (
	OpCreate   Operation = "create"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpTruncate Operation = "truncate"
)

// StreamPosition identifies one event in the change stream: unique and
// monotonic per partition, unordered across partitions.
type StreamPosition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

func (p StreamPosition) String() string {
	return fmt.Sprintf("%s/%d@%d", p.Topic, p.Partition, p.Offset)
}

// ChangeEvent is one captured source mutation. Exactly one of Before/After
// may be nil; both nil is only legal for truncate.
type ChangeEvent struct {
	Operation  Operation
	Before     map[string]interface{}
	After      map[string]interface{}
	Database   string
	Collection string
	SourceTime time.Time
	TxID       string
	Position   StreamPosition
}

// Table returns the destination table identifier for the event, derived
// from the source database and collection.
func (e *ChangeEvent) Table() string {
	switch {
	case e.Database != "" && e.Collection != "":
		return e.Database + "_" + e.Collection
	case e.Collection != "":
		return e.Collection
	default:
		return sanitizeTopic(e.Position.Topic)
	}
}

// envelope mirrors the capture connector's message layout. Connectors either
// wrap the change under "payload" or emit it flat; both forms are accepted.
type envelope struct {
	Payload *changeBody `json:"payload"`
	changeBody
}

type changeBody struct {
	Op     string               `json:"op"`
	Before jsoncodec.RawMessage `json:"before"`
	After  jsoncodec.RawMessage `json:"after"`
	TsMs   int64                `json:"ts_ms"`
	TxID   string               `json:"transaction_id"`
	Source *sourceBlock         `json:"source"`
}

type sourceBlock struct {
	DB         string `json:"db"`
	Collection string `json:"collection"`
	TsMs       int64  `json:"ts_ms"`
}

// Parse decodes one raw stream message into a ChangeEvent. Any structural
// problem (bad JSON, unknown operation, missing document state) is a
// permanent error; callers dead-letter the payload as malformed.
func Parse(raw []byte, pos StreamPosition) (*ChangeEvent, error) {
	if len(raw) == 0 {
		return nil, errors.New(errors.ErrorTypeData, "empty event payload")
	}

	var env envelope
	if err := jsoncodec.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "unparseable event payload")
	}

	body := env.changeBody
	if env.Payload != nil {
		body = *env.Payload
	}

	op, err := mapOperation(body.Op)
	if err != nil {
		return nil, err
	}

	before, err := decodeDocument(body.Before)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid before document")
	}
	after, err := decodeDocument(body.After)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid after document")
	}

	if before == nil && after == nil && op != OpTruncate {
		return nil, errors.Newf(errors.ErrorTypeData,
			"%s event carries neither before nor after state", op)
	}

	event := &ChangeEvent{
		Operation: op,
		Before:    before,
		After:     after,
		TxID:      body.TxID,
		Position:  pos,
	}

	if body.Source != nil {
		event.Database = body.Source.DB
		event.Collection = body.Source.Collection
		if body.Source.TsMs > 0 {
			event.SourceTime = time.UnixMilli(body.Source.TsMs).UTC()
		}
	}
	if event.SourceTime.IsZero() && body.TsMs > 0 {
		event.SourceTime = time.UnixMilli(body.TsMs).UTC()
	}
	if event.SourceTime.IsZero() {
		event.SourceTime = time.Now().UTC()
	}

	return event, nil
}

func mapOperation(op string) (Operation, error) {
	switch op {
	case "c", "r", "create", "insert":
		// Snapshot reads ("r") replay existing documents and are treated
		// as creates downstream.
		return OpCreate, nil
	case "u", "update":
		return OpUpdate, nil
	case "d", "delete":
		return OpDelete, nil
	case "t", "truncate":
		return OpTruncate, nil
	case "":
		return "", errors.New(errors.ErrorTypeData, "event has no operation")
	default:
		return "", errors.Newf(errors.ErrorTypeData, "unknown operation %q", op)
	}
}

// decodeDocument handles the two shapes document state arrives in: an inline
// JSON object, or a string of MongoDB extended JSON (the usual form for
// document-store connectors, carrying $oid/$date/$numberLong wrappers).
func decodeDocument(raw jsoncodec.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	if raw[0] == '"' {
		var text string
		if err := jsoncodec.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, nil
		}
		var doc map[string]interface{}
		if err := bson.UnmarshalExtJSON([]byte(text), false, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}

	var doc map[string]interface{}
	if err := jsoncodec.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func sanitizeTopic(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}
