package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/eas-logbook/internal/codec"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

const testUID = "0x1111111111111111111111111111111111111111111111111111111111111111"
const testAttester = "0x2222222222222222222222222222222222222222"

const logbookDecodedData = `[
 {"name":"eventTimestamp","type":"uint256","signature":"uint256 eventTimestamp","value":{"name":"eventTimestamp","type":"uint256","value":{"type":"BigNumber","hex":"0x6553f100"}}},
 {"name":"srs","type":"string","signature":"string srs","value":{"name":"srs","type":"string","value":"EPSG:4326"}},
 {"name":"locationType","type":"string","signature":"string locationType","value":{"name":"locationType","type":"string","value":"DecimalDegrees<string>"}},
 {"name":"location","type":"string","signature":"string location","value":{"name":"location","type":"string","value":"-74.006, 40.7128"}},
 {"name":"recipeType","type":"string[]","signature":"string[] recipeType","value":{"name":"recipeType","type":"string[]","value":[]}},
 {"name":"recipePayload","type":"bytes[]","signature":"bytes[] recipePayload","value":{"name":"recipePayload","type":"bytes[]","value":[]}},
 {"name":"mediaType","type":"string[]","signature":"string[] mediaType","value":{"name":"mediaType","type":"string[]","value":["image/png"]}},
 {"name":"mediaData","type":"string[]","signature":"string[] mediaData","value":{"name":"mediaData","type":"string[]","value":["bafybeigdyrzt"]}},
 {"name":"memo","type":"string","signature":"string memo","value":{"name":"memo","type":"string","value":"Saw a heron"}}
]`

func attestationJSON(t *testing.T, decoded string) map[string]interface{} {
	t.Helper()
	return map[string]interface{}{
		"id":              testUID,
		"attester":        testAttester,
		"recipient":       "0x0000000000000000000000000000000000000000",
		"refUID":          "0x0000000000000000000000000000000000000000000000000000000000000000",
		"revocable":       true,
		"revoked":         false,
		"revocationTime":  0,
		"expirationTime":  0,
		"time":            1700000100,
		"schemaId":        "0x6e0109ece55132d0ee54ae63837b21f666fc3d44c55659fd8030f6c1825c8966",
		"decodedDataJson": decoded,
	}
}

type capturedRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func graphQLServer(t *testing.T, status int, data interface{}, captured *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if captured != nil {
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type recorder struct{ statuses []string }

func (r *recorder) RecordIndexerQuery(operation, status string, d time.Duration) {
	r.statuses = append(r.statuses, operation+":"+status)
}

func TestAttestationsList(t *testing.T) {
	var captured capturedRequest
	srv := graphQLServer(t, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"attestations": []interface{}{attestationJSON(t, logbookDecodedData)},
		},
	}, &captured)
	rec := &recorder{}

	client, err := NewClient(srv.URL, time.Second, rec)
	require.NoError(t, err)

	list, err := client.Attestations(context.Background(), Query{SchemaID: "0xabc", Attester: testAttester, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, testUID, list[0].ID)
	assert.Equal(t, int64(1700000100), list[0].Time)

	assert.Contains(t, captured.Query, "orderBy: [{time: desc}]")
	where := captured.Variables["where"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"equals": "0xabc"}, where["schemaId"])
	assert.Equal(t, float64(10), captured.Variables["take"])
	assert.Equal(t, []string{"attestations:success"}, rec.statuses)
}

func TestDecodeByName(t *testing.T) {
	client, err := NewClient("http://unused", time.Second, nil)
	require.NoError(t, err)
	schema := codec.MustParseSchema(models.DefaultSchemaString)

	var a Attestation
	raw, _ := json.Marshal(attestationJSON(t, logbookDecodedData))
	require.NoError(t, json.Unmarshal(raw, &a))

	decoded, err := client.Decode(&a, schema)
	require.NoError(t, err)
	assert.Equal(t, models.SourceIndexer, decoded.Source)
	assert.Empty(t, decoded.RefUID)

	entry, err := models.EntryFromDecoded(decoded)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), entry.EventTimestamp.Unix())
	assert.Equal(t, "-74.006, 40.7128", entry.Location)
	assert.Equal(t, "Saw a heron", entry.Memo)
	assert.Equal(t, []string{"bafybeigdyrzt"}, entry.MediaData)

	payload, err := client.Decode(&a, schema)
	require.NoError(t, err)
	values := map[string]interface{}{}
	for name, f := range payload.Fields {
		values[name] = f.Value
	}
	_, err = codec.Encode(values, models.DefaultSchemaString)
	assert.NoError(t, err, "indexer values must be encodable with the same schema")
}

func TestDecodeRejectsOtherSchema(t *testing.T) {
	client, err := NewClient("http://unused", time.Second, nil)
	require.NoError(t, err)

	a := Attestation{ID: testUID, DecodedDataJSON: logbookDecodedData}
	other := codec.MustParseSchema("uint256 eventTimestamp,string[] coordinates,string memo")
	_, err = client.Decode(&a, other)
	var decErr *codec.DecodingError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, codec.KindSchemaMismatch, decErr.Kind)

	a.DecodedDataJSON = `{"not":"an array"}`
	_, err = client.Decode(&a, codec.MustParseSchema(models.DefaultSchemaString))
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, codec.KindMalformedPayload, decErr.Kind)
}

func TestAttestationNotIndexed(t *testing.T) {
	srv := graphQLServer(t, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"attestation": nil},
	}, nil)
	client, err := NewClient(srv.URL, time.Second, nil)
	require.NoError(t, err)

	_, err = client.Attestation(context.Background(), testUID)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
}

func TestAccessDenied(t *testing.T) {
	srv := graphQLServer(t, http.StatusForbidden, map[string]string{"error": "forbidden"}, nil)
	client, err := NewClient(srv.URL, time.Second, nil)
	require.NoError(t, err)

	_, err = client.Attestations(context.Background(), Query{})
	assert.True(t, utils.IsCode(err, utils.ErrCodeAccess))
}

func TestGraphQLErrorsAndBadPayload(t *testing.T) {
	srv := graphQLServer(t, http.StatusOK, map[string]interface{}{
		"errors": []interface{}{map[string]string{"message": "boom"}},
	}, nil)
	client, err := NewClient(srv.URL, time.Second, nil)
	require.NoError(t, err)
	_, err = client.Attestations(context.Background(), Query{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "boom"))

	bad := graphQLServer(t, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"attestations": []interface{}{map[string]interface{}{"id": "nope"}},
		},
	}, nil)
	client, err = NewClient(bad.URL, time.Second, nil)
	require.NoError(t, err)
	_, err = client.Attestations(context.Background(), Query{})
	assert.True(t, utils.IsCode(err, utils.ErrCodeConnection))
}

func TestUnreachable(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", 200*time.Millisecond, nil)
	require.NoError(t, err)
	_, err = client.Attestations(context.Background(), Query{})
	assert.True(t, utils.IsCode(err, utils.ErrCodeConnection))
}
