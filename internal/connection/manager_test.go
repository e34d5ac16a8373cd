package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// fakeNode answers eth_chainId and eth_blockNumber
func fakeNode(t *testing.T, chainID uint64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var result string
		switch req.Method {
		case "eth_chainId":
			result = fmt.Sprintf("0x%x", chainID)
		case "eth_blockNumber":
			result = "0x10"
		default:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, req.ID, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type countingRecorder struct {
	mu       sync.Mutex
	requests map[string]int
	errors   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{requests: map[string]int{}, errors: map[string]int{}}
}

func (r *countingRecorder) RecordRPCRequest(endpoint, method, status string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[method+":"+status]++
}

func (r *countingRecorder) RecordConnectionError(endpoint, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[kind]++
}

func networkConfig(primary string, backups ...string) config.NetworkConfig {
	return config.NetworkConfig{
		Name:           "testnet",
		RPCURL:         primary,
		BackupRPCURLs:  backups,
		RequestTimeout: 2 * time.Second,
		RetryAttempts:  1,
		RetryDelay:     10 * time.Millisecond,
	}
}

func TestManagerFailsOverOnChainMismatch(t *testing.T) {
	wrong := fakeNode(t, 1)
	right := fakeNode(t, 11155111)
	recorder := newCountingRecorder()

	cm := NewConnectionManager(11155111, networkConfig(wrong.URL, right.URL), recorder)
	defer cm.Close()

	client, err := cm.GetClientWithContext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, right.URL, cm.CurrentURL())
	assert.Equal(t, 1, recorder.errors["chain_mismatch"])

	require.NoError(t, cm.HealthCheckWithContext(context.Background()))
	assert.True(t, cm.IsConnected())
	assert.Equal(t, uint64(16), cm.Stats().LatestBlock)
}

func TestManagerGivesUp(t *testing.T) {
	wrong := fakeNode(t, 1)
	cm := NewConnectionManager(11155111, networkConfig(wrong.URL), nil)

	_, err := cm.GetClientWithContext(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConnection))
	assert.False(t, cm.IsConnected())
}

func TestClientRecordsRPCMetrics(t *testing.T) {
	node := fakeNode(t, 11155111)
	recorder := newCountingRecorder()
	cm := NewConnectionManager(11155111, networkConfig(node.URL), recorder)
	defer cm.Close()

	client := NewClient(cm, recorder)
	id, err := client.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(11155111), id.Uint64())

	head, err := client.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), head)

	_, err = client.SuggestGasPrice(context.Background())
	assert.Error(t, err)

	assert.Equal(t, 1, recorder.requests["eth_chainId:success"])
	assert.Equal(t, 1, recorder.requests["eth_blockNumber:success"])
	assert.Equal(t, 1, recorder.requests["eth_gasPrice:error"])
}

func TestPool(t *testing.T) {
	node := fakeNode(t, 11155111)
	cfg := &config.Config{Networks: map[string]config.NetworkConfig{
		"11155111": networkConfig(node.URL),
	}}
	pool := NewPool(cfg, nil)

	m1, err := pool.Manager(11155111)
	require.NoError(t, err)
	m2, err := pool.Manager(11155111)
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	_, err = pool.Manager(1)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))

	results := pool.HealthCheck(context.Background())
	assert.NoError(t, results[11155111])
	assert.Equal(t, 1, pool.ActiveConnections())
	assert.Equal(t, []uint64{11155111}, pool.ChainIDs())

	require.NoError(t, pool.Close())
	_, err = pool.Manager(11155111)
	assert.Error(t, err)
}
