package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GatewayConfig contains the chain relayer configuration
type GatewayConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout"`
}

// GatewayClient talks JSON over HTTP to the relayer that signs and submits
// contract calls. The relayer deduplicates by submission id.
type GatewayClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

type gatewayStatusResponse struct {
	SubmissionID    string `json:"submission_id"`
	Status          Status `json:"status"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Error           string `json:"error,omitempty"`
}

type gatewayErrorResponse struct {
	Error string `json:"error"`
}

// NewGatewayClient creates a relayer client
func NewGatewayClient(cfg GatewayConfig, logger *zap.Logger) (*GatewayClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger gateway base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid ledger gateway url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Submit posts the operation. 202 and 409 (already accepted) are success,
// other 4xx except 408 and 429 are rejections, everything else leaves the
// outcome unknown.
func (c *GatewayClient) Submit(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.SubmissionID)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit operation %s: %w", op.SubmissionID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted, resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusConflict:
		c.logger.Debug("Ledger already holds submission", zap.String("submission_id", op.SubmissionID))
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("ledger gateway returned %s for %s", resp.Status, op.SubmissionID)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &RejectionError{SubmissionID: op.SubmissionID, Reason: readError(resp.Body, resp.Status)}
	default:
		return fmt.Errorf("ledger gateway returned %s for %s", resp.Status, op.SubmissionID)
	}
}

// QueryStatus fetches the finality of a submission.
func (c *GatewayClient) QueryStatus(ctx context.Context, submissionID string) (Status, error) {
	endpoint := c.baseURL + "/v1/operations/" + url.PathEscape(submissionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build status request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query submission %s: %w", submissionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrUnknownSubmission
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ledger gateway returned %s: %s", resp.Status, readError(resp.Body, ""))
	}

	var status gatewayStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}

	switch status.Status {
	case StatusPending, StatusConfirmed, StatusFailed:
		return status.Status, nil
	default:
		return "", fmt.Errorf("ledger gateway returned unknown status %q", status.Status)
	}
}

func (c *GatewayClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func readError(body io.Reader, fallback string) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return fallback
	}
	var payload gatewayErrorResponse
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
