package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/internal/media"
	"github.com/smartdevs17/eas-logbook/internal/metrics"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/internal/session"
	"github.com/smartdevs17/eas-logbook/internal/storage"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

const localChainID = 31337

var gifBytes = []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")

type testServer struct {
	*HTTPServer
	pinner  *media.MemoryPinner
	journal storage.Storage
	metrics *metrics.Manager
}

func memoryNetwork(name string) config.NetworkConfig {
	return config.NetworkConfig{
		Name:            name,
		RPCURL:          session.MemoryScheme + name,
		ContractAddress: "0xC2679fBD37d54388Ce493F1DB75320D236e1815e",
		SchemaUID:       "0x6e0109ece55132d0ee54ae63837b21f666fc3d44c55659fd8030f6c1825c8966",
		SchemaString:    models.DefaultSchemaString,
		PollInterval:    time.Millisecond,
	}
}

func newTestServer(t *testing.T, withKey bool) *testServer {
	t.Helper()

	cfg := &config.Config{
		ActiveNetwork: config.SepoliaChainID,
		Networks: map[string]config.NetworkConfig{
			strconv.Itoa(config.SepoliaChainID): memoryNetwork("sepolia"),
			strconv.Itoa(localChainID):          memoryNetwork("local"),
		},
		Upload: config.UploadConfig{Backend: "memory", MaxFileSize: 1024},
		Wallet: config.WalletConfig{Revocable: true},
		Server: config.ServerConfig{EnableHealth: true, EnableMetrics: true},
	}
	if withKey {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		cfg.Wallet.PrivateKey = hex.EncodeToString(crypto.FromECDSA(key))
	}

	journal, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "logbook.db"),
		MaxConnections:   1,
	})
	require.NoError(t, err)
	require.NoError(t, journal.Connect())
	require.NoError(t, journal.Migrate())
	t.Cleanup(func() { journal.Close() })

	metricsManager := metrics.NewManager()
	pinner := media.NewMemoryPinner("memory://")
	svc := media.NewService(cfg.Upload, pinner, metricsManager.GetPrometheusMetrics(), journal)

	reg, err := session.NewRegistry(session.Options{
		Config:  cfg,
		Metrics: metricsManager.GetPrometheusMetrics(),
		Journal: journal,
		Media:   svc,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	srv, err := NewHTTPServer(&cfg.Server, Dependencies{
		Sessions: reg,
		Storage:  journal,
		Metrics:  metricsManager,
		Version:  "test",
	})
	require.NoError(t, err)

	return &testServer{HTTPServer: srv, pinner: pinner, journal: journal, metrics: metricsManager}
}

func (ts *testServer) do(t *testing.T, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields map[string]string, fileName, fileType string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + fileName + `"`}
		header["Content-Type"] = []string{fileType}
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestNewHTTPServerRequiresSessions(t *testing.T) {
	_, err := NewHTTPServer(&config.ServerConfig{}, Dependencies{})
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
}

func TestHealthAndRequestID(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, config.SepoliaChainID, body["active_network"])

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health/detailed", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	decode(t, rec, &body)
	components := body["components"].(map[string]interface{})
	assert.Contains(t, components, "storage")
	assert.Contains(t, components, "chain")
	t.Logf("✓ Health reported %v", body["status"])
}

func TestUploadFile(t *testing.T) {
	ts := newTestServer(t, false)

	body, ct := multipartBody(t, nil, "pixel.gif", "image/gif", gifBytes)
	rec := ts.do(t, http.MethodPost, "/api/files", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result models.UploadResult
	decode(t, rec, &result)
	assert.NotEmpty(t, result.ContentIdentifier)
	assert.True(t, strings.HasPrefix(result.GatewayURI, "memory://"))
	assert.Equal(t, 1, ts.pinner.Count())
	t.Logf("✓ Uploaded %s", result.ContentIdentifier)
}

func TestUploadText(t *testing.T) {
	ts := newTestServer(t, false)

	body, ct := multipartBody(t, map[string]string{"text": "long memo"}, "", "", nil)
	rec := ts.do(t, http.MethodPost, "/api/files", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result models.UploadResult
	decode(t, rec, &result)
	stored, ok := ts.pinner.Get(result.ContentIdentifier)
	require.True(t, ok)
	assert.Equal(t, "long memo", string(stored))
}

func TestUploadRejections(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name     string
		fileName string
		fileType string
		data     []byte
		message  string
	}{
		{"missing file", "", "", nil, "No file uploaded"},
		{"too large", "big.gif", "image/gif", append(append([]byte{}, gifBytes...), make([]byte, 2048)...), "File size exceeds"},
		{"wrong type", "doc.pdf", "application/pdf", []byte("%PDF-1.4"), "Invalid file type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, nil, tt.fileName, tt.fileType, tt.data)
			rec := ts.do(t, http.MethodPost, "/api/files", body, ct)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var errResp errorBody
			decode(t, rec, &errResp)
			assert.Contains(t, errResp.Error, tt.message)
			assert.Equal(t, utils.ErrCodeValidation, errResp.Code)
		})
	}
	assert.Equal(t, 0, ts.pinner.Count())
}

func TestSubmitAndReadBack(t *testing.T) {
	ts := newTestServer(t, true)

	fields := map[string]string{
		"longitude":      "2.3522",
		"latitude":       "48.8566",
		"eventTimestamp": "1704902400",
		"memo":           "Pont Neuf",
	}
	body, ct := multipartBody(t, fields, "bridge.gif", "image/gif", gifBytes)
	rec := ts.do(t, http.MethodPost, "/api/v1/attestations", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result struct {
		UID    string               `json:"uid"`
		Upload *models.UploadResult `json:"upload"`
	}
	decode(t, rec, &result)
	require.NotEmpty(t, result.UID)
	require.NotNil(t, result.Upload)

	rec = ts.do(t, http.MethodGet, "/api/v1/attestations/"+result.UID+"?tz=UTC", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var detail struct {
		Status string `json:"status"`
		Detail struct {
			Entry models.Entry `json:"entry"`
		} `json:"detail"`
		Viewport struct {
			Zoom int `json:"zoom"`
		} `json:"viewport"`
	}
	decode(t, rec, &detail)
	assert.Equal(t, "ready", detail.Status)
	assert.Equal(t, "Pont Neuf", detail.Detail.Entry.Memo)
	assert.Equal(t, "2.3522, 48.8566", detail.Detail.Entry.Location)
	assert.Positive(t, detail.Viewport.Zoom)

	rec = ts.do(t, http.MethodGet, "/api/v1/entries?hasMedia=true", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list struct {
		Entries []models.Entry `json:"entries"`
		Source  string         `json:"source"`
	}
	decode(t, rec, &list)
	assert.Equal(t, models.SourceJournal, list.Source)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, result.UID, list.Entries[0].UID)

	rec = ts.do(t, http.MethodGet, "/api/v1/entries/map", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	var collection struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	decode(t, rec, &collection)
	assert.Equal(t, "FeatureCollection", collection.Type)
	assert.Len(t, collection.Features, 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/attestations/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	decode(t, rec, &status)
	assert.Equal(t, false, status["busy"])

	t.Logf("✓ Submitted and served %s", result.UID)
}

func TestSubmitJSONValidation(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, http.MethodPost, "/api/v1/attestations", []byte(`{"memo":"no location"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp errorBody
	decode(t, rec, &errResp)
	assert.Equal(t, "Select a location on the map", errResp.Error)

	rec = ts.do(t, http.MethodPost, "/api/v1/attestations", []byte(`{"longitude":1,"latitude":2,"recipient":"nope"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/attestations", []byte(`{`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitWithoutWallet(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/attestations",
		[]byte(`{"longitude":2.35,"latitude":48.85,"eventTimestamp":1704902400,"memo":"Seine"}`), "application/json")
	assert.GreaterOrEqual(t, rec.Code, http.StatusBadRequest)

	var errResp errorBody
	decode(t, rec, &errResp)
	assert.Equal(t, "Wallet connection is required", errResp.Error)
}

func TestAttestationDetailStatuses(t *testing.T) {
	ts := newTestServer(t, false)

	missing := "0x" + strings.Repeat("0", 63) + "1"
	rec := ts.do(t, http.MethodGet, "/api/v1/attestations/"+missing, nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp detailResponse
	decode(t, rec, &resp)
	assert.EqualValues(t, "pending", resp.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/attestations/not-a-uid", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	decode(t, rec, &resp)
	assert.EqualValues(t, "invalid", resp.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/attestations/"+missing+"?tz=Mars/Olympus", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseListQuery(t *testing.T) {
	q, err := parseListQuery(map[string][]string{
		"attester":  {"0xABCDEF0123456789ABCDEF0123456789ABCDEF01"},
		"limit":     {"25"},
		"offset":    {"5"},
		"from":      {"2024-01-01"},
		"to":        {"2024-01-31"},
		"keywords":  {"bridge"},
		"hasMedia":  {"false"},
		"timeOfDay": {"morning,night", "evening"},
		"tz":        {"UTC"},
	})
	require.NoError(t, err)

	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", q.Attester)
	assert.Equal(t, 25, q.Limit)
	assert.Equal(t, 5, q.Offset)
	require.NotNil(t, q.Criteria.DateRange.From)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *q.Criteria.DateRange.From)
	require.NotNil(t, q.Criteria.HasMedia)
	assert.False(t, *q.Criteria.HasMedia)
	assert.Len(t, q.Criteria.TimeOfDay, 3)
	assert.Equal(t, "bridge", q.Criteria.Keywords)

	bad := []map[string][]string{
		{"limit": {"-1"}},
		{"from": {"01/02/2024"}},
		{"hasMedia": {"maybe"}},
		{"timeOfDay": {"brunch"}},
		{"attester": {"0x12"}},
	}
	for _, values := range bad {
		_, err := parseListQuery(values)
		assert.True(t, utils.IsCode(err, utils.ErrCodeValidation), "%v", values)
	}
}

func TestNetworksEndpoints(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/networks", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Active   uint64                `json:"active"`
		Networks []session.NetworkInfo `json:"networks"`
	}
	decode(t, rec, &list)
	assert.EqualValues(t, config.SepoliaChainID, list.Active)
	assert.Len(t, list.Networks, 2)

	rec = ts.do(t, http.MethodPut, "/api/v1/networks/active", []byte(`{"id":31337}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPut, "/api/v1/networks/active", []byte(`{"id":1}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/entries?network=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestViewportAndMetrics(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/map/viewport", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var vp struct {
		Name string `json:"name"`
	}
	decode(t, rec, &vp)
	assert.NotEmpty(t, vp.Name)

	rec = ts.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "logbook_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodOptions, "/api/files", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoverMiddleware(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name     string
		panicVal interface{}
		status   int
		fallback string
	}{
		{"generic", "boom", http.StatusInternalServerError, "error"},
		{"access", utils.NewAppError(utils.ErrCodeAccess, "denied"), http.StatusForbidden, "access_denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := ts.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.panicVal)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background()))

			assert.Equal(t, tt.status, rec.Code)
			var body fallbackBody
			decode(t, rec, &body)
			assert.Equal(t, tt.fallback, body.Fallback)
		})
	}
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "Internal server error", userMessage(assert.AnError))
	assert.Equal(t, "Attestation not found", userMessage(utils.NewAppError(utils.ErrCodeNotFound, "Attestation not found")))
}

func TestWatcherStatsFollowActiveNetwork(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/health/detailed", nil, "")
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.NotContains(t, body["components"], "watcher")

	require.NoError(t, ts.sessions.StartWatching(context.Background()))
	t.Cleanup(func() { ts.sessions.StopWatching() })

	watcherComponent := func() map[string]interface{} {
		rec := ts.do(t, http.MethodGet, "/api/v1/health/detailed", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		decode(t, rec, &body)
		components := body["components"].(map[string]interface{})
		require.Contains(t, components, "watcher")
		return components["watcher"].(map[string]interface{})
	}

	stats := watcherComponent()
	assert.Equal(t, true, stats["is_running"])
	assert.EqualValues(t, config.SepoliaChainID, stats["network_id"])

	rec = ts.do(t, http.MethodPut, "/api/v1/networks/active", []byte(`{"id": 31337}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	stats = watcherComponent()
	assert.Equal(t, true, stats["is_running"])
	assert.EqualValues(t, localChainID, stats["network_id"])

	rec = ts.do(t, http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"watcher"`)
	t.Logf("✓ Watcher moved to network %v", stats["network_id"])
}

func TestPickLocation(t *testing.T) {
	lon, lat := 190.0, 10.0
	point, err := pickLocation(draftRequest{Longitude: &lon, Latitude: &lat})
	require.NoError(t, err)
	assert.Equal(t, -170.0, point.Longitude)

	point, err = pickLocation(draftRequest{Location: "2.3522, 48.8566"})
	require.NoError(t, err)
	assert.Equal(t, 2.3522, point.Longitude)
	assert.Equal(t, 48.8566, point.Latitude)

	_, err = pickLocation(draftRequest{Location: "nowhere"})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))

	tooFarNorth := 95.0
	_, err = pickLocation(draftRequest{Longitude: &lon, Latitude: &tooFarNorth})
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))

	_, err = pickLocation(draftRequest{Longitude: &lon})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Select a location on the map")
}

func TestSubmitWithLocationString(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, http.MethodPost, "/api/v1/attestations",
		[]byte(`{"location":"190, 48.85","eventTimestamp":1704902400,"memo":"wrapped"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result struct {
		UID string `json:"uid"`
	}
	decode(t, rec, &result)

	rec = ts.do(t, http.MethodGet, "/api/v1/attestations/"+result.UID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var detail struct {
		Detail struct {
			Entry models.Entry `json:"entry"`
		} `json:"detail"`
	}
	decode(t, rec, &detail)
	assert.Equal(t, "-170, 48.85", detail.Detail.Entry.Location)

	rec = ts.do(t, http.MethodPost, "/api/v1/attestations", []byte(`{"location":"2.35"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshGuardedPerAttestation(t *testing.T) {
	ts := newTestServer(t, false)
	uid := "0x" + strings.Repeat("0", 63) + "1"

	release, ok := ts.beginRefresh(config.SepoliaChainID, uid)
	require.True(t, ok)

	rec := ts.do(t, http.MethodPost, "/api/v1/attestations/"+uid+"/refresh", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var errResp errorBody
	decode(t, rec, &errResp)
	assert.Equal(t, "Refresh already in progress", errResp.Error)

	// Other attestations and other networks are not blocked
	other := "0x" + strings.Repeat("0", 63) + "2"
	rec = ts.do(t, http.MethodPost, "/api/v1/attestations/"+other+"/refresh", nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/attestations/"+uid+"/refresh?network=31337", nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	release()
	rec = ts.do(t, http.MethodPost, "/api/v1/attestations/"+uid+"/refresh", nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	_, ok = ts.beginRefresh(config.SepoliaChainID, uid)
	require.True(t, ok)
	ts.closeRefreshGuards()
	_, ok = ts.beginRefresh(config.SepoliaChainID, uid)
	assert.True(t, ok, "shutdown drops in-flight refreshes")
	t.Logf("✓ Refresh guarded per attestation")
}
