package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

const attestationFields = `id attester recipient refUID revocable revoked revocationTime expirationTime time schemaId decodedDataJson`

const listQuery = `query Attestations($where: AttestationWhereInput, $take: Int, $skip: Int) {
  attestations(where: $where, orderBy: [{time: desc}], take: $take, skip: $skip) { ` + attestationFields + ` }
}`

const detailQuery = `query Attestation($id: String!) {
  attestation(where: {id: $id}) { ` + attestationFields + ` }
}`

// Recorder receives query metrics; *metrics.PrometheusMetrics satisfies it
type Recorder interface {
	RecordIndexerQuery(operation, status string, duration time.Duration)
}

// Query selects attestations. Empty fields are not constrained.
type Query struct {
	SchemaID string
	Attester string
	UID      string
	Limit    int
	Offset   int
}

// Attestation is one attestation as served by the indexer
type Attestation struct {
	ID              string `json:"id"`
	Attester        string `json:"attester"`
	Recipient       string `json:"recipient"`
	RefUID          string `json:"refUID"`
	Revocable       bool   `json:"revocable"`
	Revoked         bool   `json:"revoked"`
	RevocationTime  int64  `json:"revocationTime"`
	ExpirationTime  int64  `json:"expirationTime"`
	Time            int64  `json:"time"`
	SchemaID        string `json:"schemaId"`
	DecodedDataJSON string `json:"decodedDataJson"`
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data struct {
		Attestations []Attestation `json:"attestations"`
		Attestation  *Attestation  `json:"attestation"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Client queries an EAS GraphQL indexer
type Client struct {
	url        string
	httpClient *http.Client
	validator  *validator
	recorder   Recorder
	logger     *logrus.Entry
}

// NewClient creates an indexer client for the GraphQL endpoint at url
func NewClient(url string, timeout time.Duration, recorder Recorder) (*Client, error) {
	if url == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Indexer URL is required")
	}
	v, err := newValidator()
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeInternal, "Failed to compile indexer schemas", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		validator:  v,
		recorder:   recorder,
		logger:     utils.ComponentLogger("indexer").WithField("url", url),
	}, nil
}

// Attestations lists attestations matching q, newest first
func (c *Client) Attestations(ctx context.Context, q Query) ([]Attestation, error) {
	where := map[string]interface{}{}
	if q.SchemaID != "" {
		where["schemaId"] = map[string]string{"equals": q.SchemaID}
	}
	if q.Attester != "" {
		where["attester"] = map[string]string{"equals": q.Attester}
	}
	if q.UID != "" {
		where["id"] = map[string]string{"equals": q.UID}
	}
	vars := map[string]interface{}{"where": where}
	if q.Limit > 0 {
		vars["take"] = q.Limit
	}
	if q.Offset > 0 {
		vars["skip"] = q.Offset
	}

	resp, err := c.do(ctx, "attestations", listQuery, vars)
	if err != nil {
		return nil, err
	}
	if resp.Data.Attestations == nil {
		return []Attestation{}, nil
	}
	return resp.Data.Attestations, nil
}

// Attestation fetches one attestation by uid
func (c *Client) Attestation(ctx context.Context, uid string) (*Attestation, error) {
	resp, err := c.do(ctx, "attestation", detailQuery, map[string]interface{}{"id": uid})
	if err != nil {
		return nil, err
	}
	if resp.Data.Attestation == nil {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Attestation not indexed yet", uid)
	}
	return resp.Data.Attestation, nil
}

func (c *Client) do(ctx context.Context, operation, query string, vars map[string]interface{}) (*graphQLResponse, error) {
	start := time.Now()
	resp, err := c.post(ctx, query, vars)
	status := "success"
	if err != nil {
		status = utils.ErrorCode(err)
		c.logger.WithError(err).WithField("operation", operation).Warn("Indexer query failed")
	}
	if c.recorder != nil {
		c.recorder.RecordIndexerQuery(operation, status, time.Since(start))
	}
	return resp, err
}

func (c *Client) post(ctx context.Context, query string, vars map[string]interface{}) (*graphQLResponse, error) {
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeInternal, "Failed to marshal query", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeConfiguration, "Failed to create indexer request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "EAS-Logbook/1.0")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, utils.WrapAppError(utils.ErrCodeTimeout, "Indexer request cancelled", err)
		}
		return nil, utils.WrapAppError(utils.ErrCodeConnection, "Indexer unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeConnection, "Failed to read indexer response", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusForbidden || httpResp.StatusCode == http.StatusUnauthorized:
		return nil, utils.NewAppError(utils.ErrCodeAccess, "Access to the indexer was denied",
			fmt.Sprintf("status %d", httpResp.StatusCode))
	case httpResp.StatusCode >= 300:
		return nil, utils.NewAppError(utils.ErrCodeConnection, "Indexer returned an error",
			fmt.Sprintf("status %d: %s", httpResp.StatusCode, truncate(string(body), 200)))
	}

	if err := validate(c.validator.response, body); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeConnection, "Unexpected indexer response", err)
	}

	var resp graphQLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeConnection, "Failed to decode indexer response", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return nil, utils.NewAppError(utils.ErrCodeConnection, "Indexer query failed", strings.Join(msgs, "; "))
	}
	return &resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
