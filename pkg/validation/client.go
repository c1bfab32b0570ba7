// Package validation provides a client for the validation source gateway,
// the service of record for confirmed security findings.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/shieldpool/bounty-cli/internal/resilience"
)

// OutcomeConfirmed is the outcome code for a validated finding. Anything
// else is not payable.
const OutcomeConfirmed = "confirmed"

// ErrNotFound indicates the validation or proof does not exist.
var ErrNotFound = eris.New("validation: not found")

// Validation is a validator's verdict on a reported finding.
type Validation struct {
	ID               string    `json:"id"`
	Outcome          string    `json:"outcome"`
	Severity         string    `json:"severity"`
	VulnType         string    `json:"vuln_type"`
	ProofHash        string    `json:"proof_hash"`
	ValidatorAddress string    `json:"validator_address"`
	Timestamp        time.Time `json:"timestamp"`
}

// Confirmed reports whether the validation outcome is payable.
func (v *Validation) Confirmed() bool {
	return v.Outcome == OutcomeConfirmed
}

// Proof is an on-chain validation reference for a protocol.
type Proof struct {
	ValidationRef string    `json:"validation_ref"`
	ProofHash     string    `json:"proof_hash"`
	Timestamp     time.Time `json:"timestamp"`
}

// Finding is the researcher report a validation verdict refers to. The
// content hash identifies the finding across repeated validation runs.
type Finding struct {
	ID          string    `json:"id"`
	ProtocolID  string    `json:"protocol_id"`
	Researcher  string    `json:"researcher"`
	ContentHash string    `json:"content_hash"`
	ReportedAt  time.Time `json:"reported_at"`
}

// Client defines the validation source operations.
type Client interface {
	// GetValidation fetches a validation verdict by id.
	GetValidation(ctx context.Context, id string) (*Validation, error)
	// FindingByValidation resolves the finding a validation verdict covers.
	FindingByValidation(ctx context.Context, validationID string) (*Finding, error)
	// LatestProof returns the most recent validated proof for a protocol.
	LatestProof(ctx context.Context, protocolID string) (*Proof, error)
}

// Option configures the validation client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

// WithRateLimit caps requests per second against the gateway.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   resilience.RetryConfig
	limiter *rate.Limiter
}

// NewClient creates a validation source client for the given gateway URL.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry:   resilience.DefaultRetryConfig(),
		limiter: rate.NewLimiter(rate.Limit(10), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) GetValidation(ctx context.Context, id string) (*Validation, error) {
	var v Validation
	err := c.getJSON(ctx, fmt.Sprintf("/v1/validations/%s", url.PathEscape(id)), &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *httpClient) FindingByValidation(ctx context.Context, validationID string) (*Finding, error) {
	var f Finding
	err := c.getJSON(ctx, fmt.Sprintf("/v1/validations/%s/finding", url.PathEscape(validationID)), &f)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *httpClient) LatestProof(ctx context.Context, protocolID string) (*Proof, error) {
	var p Proof
	err := c.getJSON(ctx, fmt.Sprintf("/v1/protocols/%s/proofs/latest", url.PathEscape(protocolID)), &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return doRequest(ctx, c.http, c.limiter, http.MethodGet, c.baseURL+path, c.apiKey, nil)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "validation: decode %s", path)
	}
	return nil
}

// doRequest performs a single HTTP round trip, classifying retryable
// statuses as transient and 404 as ErrNotFound.
func doRequest(ctx context.Context, hc *http.Client, limiter *rate.Limiter, method, reqURL, apiKey string, payload []byte) ([]byte, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "validation: rate limit wait")
		}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "validation: create request")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "validation: %s %s", method, reqURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "validation: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, eris.Wrapf(ErrNotFound, "%s", reqURL)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("validation: status %d: %s", resp.StatusCode, string(body)),
			resp.StatusCode,
		)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, eris.Errorf("validation: status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
