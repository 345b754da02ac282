package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema lists the fields each envelope type must carry.
const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["READY", "REQUEST", "RESPONSE", "NATIVE_REQUEST", "NATIVE_RESPONSE", "STORAGE", "STORAGE_RESPONSE", "BRIDGE_STATUS"]},
    "requestId": {"type": "string"},
    "action": {"enum": ["toggleInspecting", "showGui", "hideGui", "getState"]},
    "command": {"type": "string", "minLength": 1},
    "op": {"enum": ["get", "set", "remove", "getAll"]},
    "key": {"type": "string"},
    "ok": {"type": "boolean"},
    "error": {"type": "string"},
    "timestamp": {"type": "integer"}
  },
  "oneOf": [
    {"properties": {"type": {"enum": ["READY"]}}},
    {"properties": {"type": {"enum": ["REQUEST"]}}, "required": ["action", "requestId"]},
    {"properties": {"type": {"enum": ["RESPONSE"]}}, "required": ["requestId", "success"]},
    {"properties": {"type": {"enum": ["NATIVE_REQUEST"]}}, "required": ["command", "requestId"]},
    {"properties": {"type": {"enum": ["NATIVE_RESPONSE"]}, "response": {"type": "object", "required": ["success"]}}, "required": ["requestId", "response"]},
    {
      "properties": {"type": {"enum": ["STORAGE"]}},
      "required": ["op", "requestId"],
      "anyOf": [
        {"properties": {"op": {"enum": ["getAll"]}}},
        {"properties": {"op": {"enum": ["get", "remove"]}}, "required": ["key"]},
        {"properties": {"op": {"enum": ["set"]}}, "required": ["key", "value"]}
      ]
    },
    {"properties": {"type": {"enum": ["STORAGE_RESPONSE"]}}, "required": ["requestId", "ok"]},
    {"properties": {"type": {"enum": ["BRIDGE_STATUS"]}, "bridge": {"type": "object", "required": ["connected"]}}, "required": ["bridge"]}
  ]
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	})
	return schema, schemaErr
}

// Decode parses and validates an envelope. Anything that is not valid JSON
// or does not satisfy the envelope contract yields a KindMalformedPayload
// error.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if !json.Valid(data) {
		return env, E(KindMalformedPayload, "decode", errors.New("invalid JSON"))
	}

	s, err := compiledSchema()
	if err != nil {
		return env, fmt.Errorf("compile envelope schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return env, E(KindMalformedPayload, "decode", err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return env, E(KindMalformedPayload, "decode", errors.New(strings.Join(details, "; ")))
	}

	if err := json.Unmarshal(data, &env); err != nil {
		return env, E(KindMalformedPayload, "decode", err)
	}
	return env, nil
}
