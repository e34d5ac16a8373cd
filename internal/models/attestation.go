package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RawAttestation is an attestation as stored by the EAS contract
type RawAttestation struct {
	UID            common.Hash    `json:"uid"`
	Schema         common.Hash    `json:"schema"`
	Time           uint64         `json:"time"`
	ExpirationTime uint64         `json:"expirationTime"`
	RevocationTime uint64         `json:"revocationTime"`
	RefUID         common.Hash    `json:"refUID"`
	Recipient      common.Address `json:"recipient"`
	Attester       common.Address `json:"attester"`
	Revocable      bool           `json:"revocable"`
	Data           []byte         `json:"data"`
}

// Exists reports whether the contract returned a populated record
func (a *RawAttestation) Exists() bool {
	return a.UID != (common.Hash{})
}

// Field is one decoded schema field
type Field struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// DecodedEntry is a decoded attestation with named field access
type DecodedEntry struct {
	UID            string           `json:"uid"`
	Schema         string           `json:"schema"`
	Attester       string           `json:"attester"`
	Recipient      string           `json:"recipient"`
	RefUID         string           `json:"refUID,omitempty"`
	Time           int64            `json:"time"`
	ExpirationTime int64            `json:"expirationTime"`
	RevocationTime int64            `json:"revocationTime"`
	Revocable      bool             `json:"revocable"`
	Source         string           `json:"source"`
	Fields         map[string]Field `json:"fields"`
}

// Revoked reports whether the attestation has been revoked
func (d *DecodedEntry) Revoked() bool {
	return d.RevocationTime > 0
}

func (d *DecodedEntry) field(name string) (Field, error) {
	f, ok := d.Fields[name]
	if !ok {
		return Field{}, fmt.Errorf("field %q not present in attestation %s", name, d.UID)
	}
	return f, nil
}

// Uint returns a uint256 field
func (d *DecodedEntry) Uint(name string) (*big.Int, error) {
	f, err := d.field(name)
	if err != nil {
		return nil, err
	}
	v, ok := f.Value.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("field %q is %T, not uint256", name, f.Value)
	}
	return v, nil
}

// String returns a string field
func (d *DecodedEntry) String(name string) (string, error) {
	f, err := d.field(name)
	if err != nil {
		return "", err
	}
	v, ok := f.Value.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, not string", name, f.Value)
	}
	return v, nil
}

// Strings returns a string[] field
func (d *DecodedEntry) Strings(name string) ([]string, error) {
	f, err := d.field(name)
	if err != nil {
		return nil, err
	}
	v, ok := f.Value.([]string)
	if !ok {
		return nil, fmt.Errorf("field %q is %T, not string[]", name, f.Value)
	}
	return v, nil
}

// Entry is the flattened view of a decoded log entry used by filters and the map
type Entry struct {
	UID            string    `json:"uid"`
	Attester       string    `json:"attester"`
	Recipient      string    `json:"recipient"`
	EventTimestamp time.Time `json:"eventTimestamp"`
	RecordedAt     time.Time `json:"recordedAt"`
	Location       string    `json:"location"`
	Memo           string    `json:"memo"`
	MediaType      []string  `json:"mediaType"`
	MediaData      []string  `json:"mediaData"`
	Revoked        bool      `json:"revoked"`
}

// HasMedia reports whether the entry references any media
func (e *Entry) HasMedia() bool {
	for _, ref := range e.MediaData {
		if ref != "" {
			return true
		}
	}
	return false
}

// EntryFromDecoded flattens a decoded attestation of the logbook schema
func EntryFromDecoded(d *DecodedEntry) (Entry, error) {
	ts, err := d.Uint(FieldEventTimestamp)
	if err != nil {
		return Entry{}, err
	}
	if !ts.IsInt64() {
		return Entry{}, fmt.Errorf("eventTimestamp %s does not fit a unix time", ts)
	}
	location, err := d.String(FieldLocation)
	if err != nil {
		return Entry{}, err
	}
	memo, err := d.String(FieldMemo)
	if err != nil {
		return Entry{}, err
	}
	mediaType, err := d.Strings(FieldMediaType)
	if err != nil {
		return Entry{}, err
	}
	mediaData, err := d.Strings(FieldMediaData)
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		UID:            d.UID,
		Attester:       d.Attester,
		Recipient:      d.Recipient,
		EventTimestamp: time.Unix(ts.Int64(), 0),
		RecordedAt:     time.Unix(d.Time, 0),
		Location:       location,
		Memo:           memo,
		MediaType:      mediaType,
		MediaData:      mediaData,
		Revoked:        d.Revoked(),
	}, nil
}
