package auditlog

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"examseal/internal/sealerr"
)

const logSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "event", "user", "exam_id", "timestamp", "details", "prev_hash", "hash"],
    "additionalProperties": false,
    "properties": {
      "id":        {"type": "integer", "minimum": 1},
      "event":     {"type": "string"},
      "user":      {"type": "string"},
      "exam_id":   {"type": ["string", "null"]},
      "timestamp": {"type": "string"},
      "details":   {"type": "string"},
      "prev_hash": {"type": "string"},
      "hash":      {"type": "string"}
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("logs.schema.json", strings.NewReader(logSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("logs.schema.json")
	})
	return schema, schemaErr
}

// Marshal renders entries as logs.json with two-space indentation.
func Marshal(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("auditlog: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes logs.json. A document that does not match the log schema
// is treated as tampering.
func Parse(data []byte) ([]Entry, error) {
	var doc any
	raw := json.NewDecoder(bytes.NewReader(data))
	raw.UseNumber()
	if err := raw.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: unreadable log: %v", sealerr.ErrChainBroken, err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("auditlog: compile schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrChainBroken, err)
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrChainBroken, err)
	}
	return entries, nil
}

// ReadFile loads logs.json without taking any lock, so it works on
// read-only copies.
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", sealerr.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	return Parse(data)
}

// Export writes entries to w as "json" or "csv".
func Export(w io.Writer, entries []Entry, format string) error {
	switch strings.ToLower(format) {
	case "json":
		data, err := Marshal(entries)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"id", "event", "user", "exam_id", "timestamp", "details", "prev_hash", "hash"}); err != nil {
			return err
		}
		for i := range entries {
			e := &entries[i]
			if err := cw.Write([]string{
				strconv.FormatInt(e.ID, 10), e.Event, e.User, e.Exam(),
				e.Timestamp, e.Details, e.PrevHash, e.Hash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("auditlog: unsupported export format %q", format)
	}
}
