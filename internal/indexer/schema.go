package indexer

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// responseSchemaJSON describes the GraphQL envelope of both queries
const responseSchemaJSON = `{
  "type": "object",
  "properties": {
    "data": {
      "type": ["object", "null"],
      "properties": {
        "attestations": {"type": "array", "items": {"$ref": "#/definitions/attestation"}},
        "attestation": {"oneOf": [{"type": "null"}, {"$ref": "#/definitions/attestation"}]}
      }
    },
    "errors": {
      "type": "array",
      "items": {"type": "object", "required": ["message"], "properties": {"message": {"type": "string"}}}
    }
  },
  "definitions": {
    "attestation": {
      "type": "object",
      "required": ["id", "attester", "decodedDataJson", "time"],
      "properties": {
        "id": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
        "attester": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
        "recipient": {"type": "string"},
        "schemaId": {"type": "string"},
        "refUID": {"type": "string"},
        "decodedDataJson": {"type": "string"},
        "time": {"type": "integer", "minimum": 0},
        "expirationTime": {"type": "integer", "minimum": 0},
        "revocationTime": {"type": "integer", "minimum": 0},
        "revocable": {"type": "boolean"},
        "revoked": {"type": "boolean"}
      }
    }
  }
}`

// decodedDataSchemaJSON describes the decodedDataJson field
const decodedDataSchemaJSON = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "value"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "type": {"type": "string"},
      "signature": {"type": "string"},
      "value": {
        "type": "object",
        "required": ["type", "value"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"}
        }
      }
    }
  }
}`

// validator holds the compiled payload schemas
type validator struct {
	response    *gojsonschema.Schema
	decodedData *gojsonschema.Schema
}

func newValidator() (*validator, error) {
	response, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(responseSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("invalid response schema: %w", err)
	}
	decoded, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(decodedDataSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("invalid decodedDataJson schema: %w", err)
	}
	return &validator{response: response, decodedData: decoded}, nil
}

func validate(schema *gojsonschema.Schema, doc []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
