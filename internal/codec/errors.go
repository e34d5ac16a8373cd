package codec

import "fmt"

// ErrorKind classifies codec failures
type ErrorKind string

const (
	KindSchemaMismatch   ErrorKind = "schema_mismatch"
	KindTypeMismatch     ErrorKind = "type_mismatch"
	KindOutOfRange       ErrorKind = "out_of_range"
	KindMalformedPayload ErrorKind = "malformed_payload"
	KindInvalidSchema    ErrorKind = "invalid_schema"
)

// EncodingError is returned when values cannot be encoded against a schema
type EncodingError struct {
	Kind   ErrorKind
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("encoding %s: field %q: %s", e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("encoding %s: %s", e.Kind, e.Reason)
}

// DecodingError is returned when a payload cannot be decoded against a schema
type DecodingError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *DecodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("decoding %s: %s", e.Kind, e.Reason)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// SchemaError is returned by ParseSchema
type SchemaError struct {
	Schema string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid schema %q: %s", e.Schema, e.Reason)
}
