package codec

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartdevs17/eas-logbook/internal/models"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Codec encodes and decodes attestation payloads for one schema
type Codec struct {
	schema *Schema
}

// New creates a codec bound to the given schema string
func New(schemaString string) (*Codec, error) {
	schema, err := ParseSchema(schemaString)
	if err != nil {
		return nil, err
	}
	return &Codec{schema: schema}, nil
}

// Schema returns the schema the codec is bound to
func (c *Codec) Schema() *Schema {
	return c.schema
}

// Encode encodes values with the given schema string
func Encode(values map[string]interface{}, schemaString string) ([]byte, error) {
	c, err := New(schemaString)
	if err != nil {
		return nil, &EncodingError{Kind: KindInvalidSchema, Reason: err.Error()}
	}
	return c.Encode(values)
}

// Decode decodes data with the given schema string
func Decode(data []byte, schemaString string) (map[string]models.Field, error) {
	c, err := New(schemaString)
	if err != nil {
		return nil, &DecodingError{Kind: KindInvalidSchema, Reason: "cannot parse schema", Err: err}
	}
	return c.Decode(data)
}

// Encode packs values in schema order. Every schema field needs a value and
// values for fields the schema does not declare are rejected.
func (c *Codec) Encode(values map[string]interface{}) ([]byte, error) {
	for name := range values {
		if !c.schema.Has(name) {
			return nil, &EncodingError{Kind: KindSchemaMismatch, Field: name, Reason: "field not declared by schema"}
		}
	}

	packed := make([]interface{}, len(c.schema.fields))
	for i, f := range c.schema.fields {
		v, ok := values[f.Name]
		if !ok {
			return nil, &EncodingError{Kind: KindSchemaMismatch, Field: f.Name, Reason: "no value for field"}
		}
		coerced, err := coerce(f, v)
		if err != nil {
			return nil, err
		}
		packed[i] = coerced
	}

	data, err := c.schema.args.Pack(packed...)
	if err != nil {
		return nil, &EncodingError{Kind: KindTypeMismatch, Reason: err.Error()}
	}
	return data, nil
}

// EncodeEntry encodes a draft log entry
func (c *Codec) EncodeEntry(entry *models.LogEntry) ([]byte, error) {
	return c.Encode(entry.Values())
}

// Decode unpacks data into named fields. The payload must re-encode to the
// exact input bytes, otherwise it was produced under a different schema.
//
// The check only sees the ABI layout. Schemas that lay out identically,
// such as "string memo" and "bytes memo" or the same types under other
// field names, cannot be told apart from the payload alone; the schema UID
// of the attestation is what identifies them.
func (c *Codec) Decode(data []byte) (fields map[string]models.Field, err error) {
	defer func() {
		if r := recover(); r != nil {
			fields = nil
			err = &DecodingError{Kind: KindMalformedPayload, Reason: fmt.Sprintf("unpack panicked: %v", r)}
		}
	}()

	values, err := c.schema.args.Unpack(data)
	if err != nil {
		return nil, &DecodingError{Kind: KindMalformedPayload, Reason: "payload does not match schema layout", Err: err}
	}
	if len(values) != len(c.schema.fields) {
		return nil, &DecodingError{Kind: KindSchemaMismatch,
			Reason: fmt.Sprintf("decoded %d values for %d fields", len(values), len(c.schema.fields))}
	}

	reencoded, err := c.schema.args.Pack(values...)
	if err != nil {
		return nil, &DecodingError{Kind: KindSchemaMismatch, Reason: "decoded values do not re-encode", Err: err}
	}
	if !bytes.Equal(reencoded, data) {
		return nil, &DecodingError{Kind: KindSchemaMismatch, Reason: "payload was not produced with this schema"}
	}

	fields = make(map[string]models.Field, len(values))
	for i, f := range c.schema.fields {
		fields[f.Name] = models.Field{Name: f.Name, Type: f.Type, Value: values[i]}
	}
	return fields, nil
}

// DecodeAttestation decodes the payload of a raw attestation and attaches its metadata
func (c *Codec) DecodeAttestation(raw *models.RawAttestation) (*models.DecodedEntry, error) {
	fields, err := c.Decode(raw.Data)
	if err != nil {
		return nil, err
	}

	entry := &models.DecodedEntry{
		UID:            raw.UID.Hex(),
		Schema:         raw.Schema.Hex(),
		Attester:       raw.Attester.Hex(),
		Recipient:      raw.Recipient.Hex(),
		Time:           int64(raw.Time),
		ExpirationTime: int64(raw.ExpirationTime),
		RevocationTime: int64(raw.RevocationTime),
		Revocable:      raw.Revocable,
		Source:         models.SourceChain,
		Fields:         fields,
	}
	if raw.RefUID != (common.Hash{}) {
		entry.RefUID = raw.RefUID.Hex()
	}
	return entry, nil
}

func coerce(f FieldSpec, v interface{}) (interface{}, error) {
	mismatch := func() error {
		return &EncodingError{Kind: KindTypeMismatch, Field: f.Name,
			Reason: fmt.Sprintf("%T is not a %s", v, f.Type)}
	}

	switch f.Type {
	case "uint256":
		n, ok := toBigInt(v)
		if !ok {
			return nil, mismatch()
		}
		if n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
			return nil, &EncodingError{Kind: KindOutOfRange, Field: f.Name,
				Reason: fmt.Sprintf("%s does not fit uint256", n)}
		}
		return n, nil
	case "string":
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil
	case "string[]":
		s, ok := v.([]string)
		if !ok {
			return nil, mismatch()
		}
		if s == nil {
			s = []string{}
		}
		return s, nil
	case "bytes":
		b, ok := v.([]byte)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	case "bytes[]":
		b, ok := v.([][]byte)
		if !ok {
			return nil, mismatch()
		}
		if b == nil {
			b = [][]byte{}
		}
		return b, nil
	case "address":
		switch a := v.(type) {
		case common.Address:
			return a, nil
		case string:
			if !common.IsHexAddress(a) {
				return nil, mismatch()
			}
			return common.HexToAddress(a), nil
		}
		return nil, mismatch()
	case "bytes32":
		switch h := v.(type) {
		case [32]byte:
			return h, nil
		case common.Hash:
			return [32]byte(h), nil
		case string:
			raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
			if err != nil || len(raw) != 32 {
				return nil, mismatch()
			}
			var out [32]byte
			copy(out[:], raw)
			return out, nil
		}
		return nil, mismatch()
	}
	return nil, mismatch()
}

func toBigInt(v interface{}) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Int).Set(n), true
	case int:
		return big.NewInt(int64(n)), true
	case int32:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case uint:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	}
	return nil, false
}
