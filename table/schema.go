package table

import (
	"encoding/json"
	"fmt"

	"github.com/florinutz/laketx/laketxerr"
)

// FieldType enumerates the payload field types a table schema may declare.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeLong      FieldType = "long"
	TypeDouble    FieldType = "double"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
)

// Field is one declared column of the record payload.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Schema declares the payload columns of a table. The storage envelope
// (record id, ingest timestamp, partition) is fixed; the schema governs the
// JSON payload carried inside it.
type Schema struct {
	SchemaID int     `json:"schemaId"`
	Fields   []Field `json:"fields"`
}

// Validate checks a raw JSON payload against the schema. The batch id is
// only used to build the error. Unknown payload fields are rejected so a
// producer bug cannot silently widen the table.
func (s *Schema) Validate(batchID string, payload json.RawMessage) error {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return &laketxerr.SchemaViolationError{BatchID: batchID, Field: "", Reason: fmt.Sprintf("payload is not a JSON object: %v", err)}
	}

	declared := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		declared[f.Name] = f
	}

	for name := range obj {
		if _, ok := declared[name]; !ok {
			return &laketxerr.SchemaViolationError{BatchID: batchID, Field: name, Reason: "field not declared in schema"}
		}
	}

	for _, f := range s.Fields {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			if f.Required {
				return &laketxerr.SchemaViolationError{BatchID: batchID, Field: f.Name, Reason: "required field missing"}
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return &laketxerr.SchemaViolationError{BatchID: batchID, Field: f.Name, Reason: err.Error()}
		}
	}
	return nil
}

func checkType(f Field, v any) error {
	switch f.Type {
	case TypeString, TypeTimestamp:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected %s, got %T", f.Type, v)
		}
	case TypeLong:
		n, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected long, got %T", v)
		}
		if n != float64(int64(n)) {
			return fmt.Errorf("expected long, got fractional number %v", n)
		}
	case TypeDouble:
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("expected double, got %T", v)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	default:
		return fmt.Errorf("unknown schema type %q", f.Type)
	}
	return nil
}
