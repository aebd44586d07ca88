// Package metadata maintains metadata.json for each sealed exam: plaintext
// scheduling fields plus Paillier-encrypted upload timestamp, access
// counter and page hashes.
//
// The access counter is only ever advanced homomorphically. Reading its
// value requires the Paillier private key and is reserved for Decrypt.
package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"examseal/internal/integrity"
	"examseal/internal/phe"
	"examseal/internal/sealerr"
)

// ErrMalformedRecord indicates a metadata.json that does not match the
// record schema.
var ErrMalformedRecord = errors.New("metadata: malformed record")

// HashModulus bounds page hashes before encryption. The encrypted hashes
// are therefore lossy and advisory; PlainHashes is the integrity source.
var HashModulus = new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil)

// Record is the persisted metadata.json document.
type Record struct {
	ExamID        string  `json:"exam_id"`
	Uploader      string  `json:"uploader"`
	UploadTime    string  `json:"upload_time"`
	ScheduledTime string  `json:"scheduled_time"`
	TotalPages    int     `json:"total_pages"`
	KeyReleased   bool    `json:"key_released"`
	ReleaseTime   *string `json:"release_time"`

	PHETimestamp     *phe.EncryptedNumber            `json:"phe_timestamp"`
	PHEAccessCounter *phe.EncryptedNumber            `json:"phe_access_counter"`
	PHEHashes        map[string]*phe.EncryptedNumber `json:"phe_hashes"`
	PlainHashes      map[string]string               `json:"plain_hashes"`

	Decrypted            bool   `json:"decrypted,omitempty"`
	DecryptionTime       string `json:"decryption_time,omitempty"`
	DecryptedImagesCount int    `json:"decrypted_images_count,omitempty"`
	LastAccess           string `json:"last_access,omitempty"`
	ScheduleUpdated      string `json:"schedule_updated,omitempty"`
}

// Labels returns the page labels of the record in page order.
func (r *Record) Labels() []string {
	labels := make([]string, 0, len(r.PlainHashes))
	for label := range r.PlainHashes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		a, _ := integrity.ParsePageLabel(labels[i])
		b, _ := integrity.ParsePageLabel(labels[j])
		if a != b {
			return a < b
		}
		return labels[i] < labels[j]
	})
	return labels
}

// Manifest rebuilds the integrity manifest from the plaintext hashes.
func (r *Record) Manifest() (*integrity.Manifest, error) {
	return integrity.ManifestFromLabels(r.PlainHashes)
}

// Marshal renders the record with two-space indentation.
func (r *Record) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Parse validates data against the metadata schema and decodes it.
// Unknown fields are rejected.
func Parse(data []byte) (*Record, error) {
	var doc any
	raw := json.NewDecoder(bytes.NewReader(data))
	raw.UseNumber()
	if err := raw.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("metadata: compile schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	var rec Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		if errors.Is(err, sealerr.ErrInvalidCiphertext) {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return &rec, nil
}

const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["exam_id", "uploader", "upload_time", "scheduled_time", "total_pages",
               "key_released", "phe_timestamp", "phe_access_counter", "phe_hashes", "plain_hashes"],
  "additionalProperties": false,
  "properties": {
    "exam_id":        {"type": "string", "minLength": 1},
    "uploader":       {"type": "string"},
    "upload_time":    {"type": "string", "minLength": 1},
    "scheduled_time": {"type": "string", "minLength": 1},
    "total_pages":    {"type": "integer", "minimum": 0},
    "key_released":   {"type": "boolean"},
    "release_time":   {"type": ["string", "null"]},
    "phe_timestamp":      {"$ref": "#/$defs/encrypted"},
    "phe_access_counter": {"$ref": "#/$defs/encrypted"},
    "phe_hashes": {
      "type": "object",
      "propertyNames": {"pattern": "^page_[1-9][0-9]*$"},
      "additionalProperties": {"$ref": "#/$defs/encrypted"}
    },
    "plain_hashes": {
      "type": "object",
      "propertyNames": {"pattern": "^page_[1-9][0-9]*$"},
      "additionalProperties": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
    },
    "decrypted":              {"type": "boolean"},
    "decryption_time":        {"type": "string"},
    "decrypted_images_count": {"type": "integer", "minimum": 0},
    "last_access":            {"type": "string"},
    "schedule_updated":       {"type": "string"}
  },
  "$defs": {
    "encrypted": {
      "type": "object",
      "required": ["ciphertext", "exponent"],
      "additionalProperties": false,
      "properties": {
        "ciphertext": {"type": ["string", "integer"]},
        "exponent":   {"type": "integer"}
      }
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
		if err := c.AddResource("metadata.schema.json", strings.NewReader(recordSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("metadata.schema.json")
	})
	return schema, schemaErr
}
