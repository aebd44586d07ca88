package keyvault

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"examseal/internal/sealerr"
)

const wrappedKeySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["encrypted_aes_key", "encrypted_data", "iv"],
  "additionalProperties": false,
  "properties": {
    "encrypted_aes_key": {"type": "string", "minLength": 1},
    "encrypted_data":    {"type": "string", "minLength": 1},
    "iv":                {"type": "string", "minLength": 1}
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
		if err := c.AddResource("chaos_key.schema.json", strings.NewReader(wrappedKeySchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("chaos_key.schema.json")
	})
	return schema, schemaErr
}

type wrappedKeyJSON struct {
	EncryptedAESKey string `json:"encrypted_aes_key"`
	EncryptedData   string `json:"encrypted_data"`
	IV              string `json:"iv"`
}

// MarshalJSON renders the chaos_key.enc document.
func (w *WrappedKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(wrappedKeyJSON{
		EncryptedAESKey: base64.StdEncoding.EncodeToString(w.EncryptedAESKey),
		EncryptedData:   base64.StdEncoding.EncodeToString(w.EncryptedData),
		IV:              base64.StdEncoding.EncodeToString(w.IV),
	})
}

// ParseWrappedKey validates and decodes a chaos_key.enc document. Any
// structural problem is an unwrap failure.
func ParseWrappedKey(data []byte) (*WrappedKey, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrUnwrapFailure, err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("keyvault: compile schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrUnwrapFailure, err)
	}

	var raw wrappedKeyJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrUnwrapFailure, err)
	}

	w := &WrappedKey{}
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"encrypted_aes_key", raw.EncryptedAESKey, &w.EncryptedAESKey},
		{"encrypted_data", raw.EncryptedData, &w.EncryptedData},
		{"iv", raw.IV, &w.IV},
	} {
		b, err := base64.StdEncoding.Strict().DecodeString(f.in)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", sealerr.ErrUnwrapFailure, f.name, err)
		}
		*f.out = b
	}
	return w, nil
}
