package models

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

func TestLogEntryValidate(t *testing.T) {
	valid := LogEntry{Longitude: -74.006, Latitude: 40.7128, EventTimestamp: 1700000000}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		entry LogEntry
	}{
		{"longitude", LogEntry{Longitude: 181}},
		{"latitude", LogEntry{Latitude: -90.5}},
		{"timestamp", LogEntry{EventTimestamp: -1}},
		{"media pairing", LogEntry{MediaType: []string{"image/png"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			require.Error(t, err)
			assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
		})
	}
}

func TestLogEntryValues(t *testing.T) {
	e := LogEntry{Longitude: 13.4, Latitude: 52.52, EventTimestamp: 1700000000, Memo: "hi"}
	v := e.Values()

	assert.Equal(t, "13.4, 52.52", v[FieldLocation])
	assert.Equal(t, SpatialReferenceSystem, v[FieldSRS])
	assert.Equal(t, LocationTypeDecimal, v[FieldLocationType])
	assert.Equal(t, []string{}, v[FieldMediaType])
	assert.Equal(t, [][]byte{}, v[FieldRecipePayload])
	assert.False(t, e.HasMedia())
}

func TestParseLocationStrict(t *testing.T) {
	lon, lat, err := ParseLocationStrict(FormatLocation(-0.1278, 51.5074))
	require.NoError(t, err)
	assert.Equal(t, -0.1278, lon)
	assert.Equal(t, 51.5074, lat)

	_, _, err = ParseLocationStrict("nowhere")
	assert.Error(t, err)
}

func TestEntryFromDecoded(t *testing.T) {
	d := &DecodedEntry{
		UID:            "0x01",
		Time:           1700000100,
		RevocationTime: 1700000200,
		Fields: map[string]Field{
			FieldEventTimestamp: {Name: FieldEventTimestamp, Type: "uint256", Value: big.NewInt(1700000000)},
			FieldLocation:       {Name: FieldLocation, Type: "string", Value: "1, 2"},
			FieldMemo:           {Name: FieldMemo, Type: "string", Value: "memo"},
			FieldMediaType:      {Name: FieldMediaType, Type: "string[]", Value: []string{"image/png"}},
			FieldMediaData:      {Name: FieldMediaData, Type: "string[]", Value: []string{"bafy"}},
		},
	}

	e, err := EntryFromDecoded(d)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), e.EventTimestamp.Unix())
	assert.Equal(t, "memo", e.Memo)
	assert.True(t, e.HasMedia())
	assert.True(t, e.Revoked)

	delete(d.Fields, FieldMemo)
	_, err = EntryFromDecoded(d)
	assert.Error(t, err)
}
