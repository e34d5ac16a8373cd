package codec

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var supportedTypes = map[string]bool{
	"uint256":  true,
	"string":   true,
	"string[]": true,
	"bytes":    true,
	"bytes[]":  true,
	"address":  true,
	"bytes32":  true,
}

// FieldSpec is one (name, type) pair of a schema
type FieldSpec struct {
	Name string
	Type string
}

// Schema is a parsed schema string bound to its ABI argument list
type Schema struct {
	raw    string
	fields []FieldSpec
	index  map[string]int
	args   abi.Arguments
}

// ParseSchema parses a comma separated schema string. Both the EAS
// "uint256 eventTimestamp" and the "eventTimestamp:uint256" notations are
// accepted.
func ParseSchema(s string) (*Schema, error) {
	if strings.TrimSpace(s) == "" {
		return nil, &SchemaError{Schema: s, Reason: "empty schema"}
	}

	schema := &Schema{raw: s, index: make(map[string]int)}
	for _, part := range strings.Split(s, ",") {
		spec, err := parseField(strings.TrimSpace(part))
		if err != nil {
			return nil, &SchemaError{Schema: s, Reason: err.Error()}
		}
		if _, dup := schema.index[spec.Name]; dup {
			return nil, &SchemaError{Schema: s, Reason: "duplicate field " + spec.Name}
		}

		typ, err := abi.NewType(spec.Type, "", nil)
		if err != nil {
			return nil, &SchemaError{Schema: s, Reason: err.Error()}
		}

		schema.index[spec.Name] = len(schema.fields)
		schema.fields = append(schema.fields, spec)
		schema.args = append(schema.args, abi.Argument{Name: spec.Name, Type: typ})
	}
	return schema, nil
}

// MustParseSchema is ParseSchema for package-level constants
func MustParseSchema(s string) *Schema {
	schema, err := ParseSchema(s)
	if err != nil {
		panic(err)
	}
	return schema
}

func parseField(part string) (FieldSpec, error) {
	var spec FieldSpec
	if name, typ, ok := strings.Cut(part, ":"); ok {
		spec = FieldSpec{Name: strings.TrimSpace(name), Type: strings.TrimSpace(typ)}
	} else {
		words := strings.Fields(part)
		if len(words) != 2 {
			return spec, &SchemaError{Schema: part, Reason: "expected \"type name\""}
		}
		spec = FieldSpec{Type: words[0], Name: words[1]}
	}

	if spec.Name == "" {
		return spec, &SchemaError{Schema: part, Reason: "missing field name"}
	}
	if !supportedTypes[spec.Type] {
		return spec, &SchemaError{Schema: part, Reason: "unsupported type " + spec.Type}
	}
	return spec, nil
}

// String returns the schema string it was parsed from
func (s *Schema) String() string {
	return s.raw
}

// Canonical renders the schema in EAS "type name" notation
func (s *Schema) Canonical() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.Type + " " + f.Name
	}
	return strings.Join(parts, ",")
}

// Fields returns the ordered field list
func (s *Schema) Fields() []FieldSpec {
	out := make([]FieldSpec, len(s.fields))
	copy(out, s.fields)
	return out
}

// Has reports whether the schema declares the named field
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// UID computes the schema registry identifier for this schema string
func (s *Schema) UID(resolver common.Address, revocable bool) common.Hash {
	flag := byte(0)
	if revocable {
		flag = 1
	}
	return crypto.Keccak256Hash([]byte(s.Canonical()), resolver.Bytes(), []byte{flag})
}
