package indexer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/smartdevs17/eas-logbook/internal/codec"
	"github.com/smartdevs17/eas-logbook/internal/models"
)

type decodedItem struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value struct {
		Name  string          `json:"name"`
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"value"`
}

// Decode turns an indexed attestation into a decoded entry for schema. Fields
// are looked up by name and must all be present with their declared types.
func (c *Client) Decode(a *Attestation, schema *codec.Schema) (*models.DecodedEntry, error) {
	if err := validate(c.validator.decodedData, []byte(a.DecodedDataJSON)); err != nil {
		return nil, &codec.DecodingError{Kind: codec.KindMalformedPayload, Reason: "decodedDataJson", Err: err}
	}

	var items []decodedItem
	if err := json.Unmarshal([]byte(a.DecodedDataJSON), &items); err != nil {
		return nil, &codec.DecodingError{Kind: codec.KindMalformedPayload, Reason: "decodedDataJson", Err: err}
	}
	byName := make(map[string]decodedItem, len(items))
	for _, item := range items {
		byName[item.Name] = item
	}

	fields := make(map[string]models.Field, len(schema.Fields()))
	for _, spec := range schema.Fields() {
		item, ok := byName[spec.Name]
		if !ok {
			return nil, &codec.DecodingError{Kind: codec.KindSchemaMismatch,
				Reason: fmt.Sprintf("field %q missing from indexed attestation %s", spec.Name, a.ID)}
		}
		declared := item.Value.Type
		if declared == "" {
			declared = item.Type
		}
		if declared != spec.Type {
			return nil, &codec.DecodingError{Kind: codec.KindSchemaMismatch,
				Reason: fmt.Sprintf("field %q is %s, schema declares %s", spec.Name, declared, spec.Type)}
		}
		value, err := convertValue(spec.Type, item.Value.Value)
		if err != nil {
			return nil, &codec.DecodingError{Kind: codec.KindMalformedPayload,
				Reason: fmt.Sprintf("field %q", spec.Name), Err: err}
		}
		fields[spec.Name] = models.Field{Name: spec.Name, Type: spec.Type, Value: value}
	}

	return &models.DecodedEntry{
		UID:            a.ID,
		Schema:         a.SchemaID,
		Attester:       a.Attester,
		Recipient:      a.Recipient,
		RefUID:         normalizeRef(a.RefUID),
		Time:           a.Time,
		ExpirationTime: a.ExpirationTime,
		RevocationTime: revocationTime(a),
		Revocable:      a.Revocable,
		Source:         models.SourceIndexer,
		Fields:         fields,
	}, nil
}

func revocationTime(a *Attestation) int64 {
	if a.RevocationTime == 0 && a.Revoked {
		// revoked without a timestamp still has to read as revoked
		return a.Time
	}
	return a.RevocationTime
}

func normalizeRef(ref string) string {
	if ref == "" || common.HexToHash(ref) == (common.Hash{}) {
		return ""
	}
	return ref
}

// convertValue maps indexer JSON onto the Go types the ABI codec produces
func convertValue(typ string, raw json.RawMessage) (interface{}, error) {
	switch typ {
	case "uint256":
		return parseBigNumber(raw)
	case "string":
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case "string[]":
		out := []string{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		if out == nil {
			out = []string{}
		}
		return out, nil
	case "bytes":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return decodeHex(s)
	case "bytes[]":
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		out := make([][]byte, 0, len(list))
		for _, s := range list {
			b, err := decodeHex(s)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	case "address":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case "bytes32":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		b, err := decodeHex(s)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("invalid bytes32 %q", s)
		}
		var out [32]byte
		copy(out[:], b)
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %s", typ)
}

// parseBigNumber accepts {"type":"BigNumber","hex":"0x.."}, a JSON number or a
// decimal or hex string
func parseBigNumber(raw json.RawMessage) (*big.Int, error) {
	var bn struct {
		Hex string `json:"hex"`
	}
	if err := json.Unmarshal(raw, &bn); err == nil && bn.Hex != "" {
		return parseIntString(bn.Hex)
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return parseIntString(num.String())
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseIntString(s)
	}
	return nil, fmt.Errorf("unrecognised uint256 value %s", string(raw))
}

func parseIntString(s string) (*big.Int, error) {
	n := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = n.SetString(s[2:], 16)
	} else {
		_, ok = n.SetString(s, 10)
	}
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid uint256 %q", s)
	}
	return n, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}
