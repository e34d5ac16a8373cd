package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// PinataPinner pins files to IPFS through the Pinata API
type PinataPinner struct {
	apiURL     string
	gatewayURL string
	token      string
	httpClient *http.Client
}

type pinataResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// NewPinataPinner creates a Pinata pinner. The JWT must not be expired.
func NewPinataPinner(cfg config.PinataConfig, timeout time.Duration) (*PinataPinner, error) {
	if cfg.JWT == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Pinata JWT is required")
	}
	if err := checkTokenExpiry(cfg.JWT, time.Now()); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &PinataPinner{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		token:      cfg.JWT,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}, nil
}

// checkTokenExpiry reads the exp claim without verifying the signature.
// Pinata verifies the token, we only want to fail early on a stale one.
func checkTokenExpiry(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Pinata JWT is malformed", err.Error())
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Pinata JWT has an invalid exp claim", err.Error())
	}
	if exp != nil && !exp.After(now) {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Pinata JWT has expired", exp.Format(time.RFC3339))
	}
	return nil
}

// Name returns the backend name
func (p *PinataPinner) Name() string { return "pinata" }

// Pin uploads data with pinFileToIPFS
func (p *PinataPinner) Pin(ctx context.Context, name, contentType string, data []byte) (string, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return "", "", utils.WrapAppError(utils.ErrCodeInternal, "Failed to build upload request", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", "", utils.WrapAppError(utils.ErrCodeInternal, "Failed to build upload request", err)
	}
	if err := w.WriteField("pinataMetadata", fmt.Sprintf(`{"name":%q}`, name)); err != nil {
		return "", "", utils.WrapAppError(utils.ErrCodeInternal, "Failed to build upload request", err)
	}
	if err := w.Close(); err != nil {
		return "", "", utils.WrapAppError(utils.ErrCodeInternal, "Failed to build upload request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/pinning/pinFileToIPFS", body)
	if err != nil {
		return "", "", utils.WrapAppError(utils.ErrCodeInternal, "Failed to create upload request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", "", utils.WrapAppError(utils.ErrCodeConnection, "Failed to reach pinning service", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", utils.WrapAppError(utils.ErrCodeUpload, "Failed to read pinning response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", "", utils.NewAppError(utils.ErrCodeAccess, "Pinning service rejected the credentials", strings.TrimSpace(string(raw)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", "", utils.NewAppError(utils.ErrCodeUpload, "Pinning service returned an error",
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var pr pinataResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return "", "", utils.WrapAppError(utils.ErrCodeUpload, "Invalid pinning response", err)
	}
	if pr.IpfsHash == "" {
		return "", "", utils.NewAppError(utils.ErrCodeUpload, "Pinning response has no content identifier")
	}

	return pr.IpfsHash, fmt.Sprintf("%s/ipfs/%s", p.gatewayURL, pr.IpfsHash), nil
}
