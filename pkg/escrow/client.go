// Package escrow provides a client for the escrow contract gateway, which
// holds each protocol's bounty pool in custody and executes releases.
package escrow

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

// ErrNotFound indicates the protocol is unknown to the escrow contract.
var ErrNotFound = eris.New("escrow: not found")

// ReleaseRequest asks the escrow contract to pay a bounty out of a
// protocol's pool. Amounts are decided by the contract from the severity.
type ReleaseRequest struct {
	OnChainProtocolID string `json:"on_chain_protocol_id"`
	ValidationRef     string `json:"validation_ref"`
	Recipient         string `json:"recipient"`
	Severity          string `json:"severity"`
}

// ReleaseReceipt is the on-chain result of a successful bounty release.
type ReleaseReceipt struct {
	TxHash          string    `json:"tx_hash"`
	EscrowPaymentID string    `json:"escrow_payment_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// RegisterReceipt is the result of registering a protocol on-chain.
type RegisterReceipt struct {
	TxHash    string    `json:"tx_hash"`
	Timestamp time.Time `json:"timestamp"`
}

// Client defines the escrow contract operations. Balances and amounts cross
// the wire as decimal strings; callers convert at the money boundary.
type Client interface {
	// ProtocolBalance returns the current on-chain pool balance.
	ProtocolBalance(ctx context.Context, onChainProtocolID string) (string, error)
	// ReleaseBounty executes the value transfer. The single external side
	// effect of a settlement attempt; never retried inside one call.
	ReleaseBounty(ctx context.Context, req ReleaseRequest) (*ReleaseReceipt, error)
	// BountyAmount returns the contract's payable amount for a severity,
	// used to cross-check the off-chain tier table.
	BountyAmount(ctx context.Context, severity string) (string, error)
	// RegisterProtocol registers a protocol id with the escrow contract.
	RegisterProtocol(ctx context.Context, onChainProtocolID, name string) (*RegisterReceipt, error)
	// IsRegistered reports whether the protocol id is known on-chain.
	IsRegistered(ctx context.Context, onChainProtocolID string) (bool, error)
}

// Option configures the escrow client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRetryConfig overrides the retry policy for read operations.
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

// NewClient creates an escrow gateway client.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			// Release submission can take a while to be accepted by the node.
			Timeout: 90 * time.Second,
		},
		retry:   resilience.DefaultRetryConfig(),
		limiter: rate.NewLimiter(rate.Limit(10), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) ProtocolBalance(ctx context.Context, onChainProtocolID string) (string, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	path := fmt.Sprintf("/v1/protocols/%s/balance", url.PathEscape(onChainProtocolID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	return out.Balance, nil
}

// ReleaseBounty submits the transfer without the retry wrapper: a timed-out
// release may still land on-chain, so re-submission is an operator decision.
func (c *httpClient) ReleaseBounty(ctx context.Context, req ReleaseRequest) (*ReleaseReceipt, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "escrow: marshal release request")
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/releases", payload)
	if err != nil {
		return nil, err
	}

	var receipt ReleaseReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, eris.Wrap(err, "escrow: decode release receipt")
	}
	return &receipt, nil
}

func (c *httpClient) BountyAmount(ctx context.Context, severity string) (string, error) {
	var out struct {
		Amount string `json:"amount"`
	}
	path := fmt.Sprintf("/v1/bounty-amounts/%s", url.PathEscape(severity))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	return out.Amount, nil
}

func (c *httpClient) RegisterProtocol(ctx context.Context, onChainProtocolID, name string) (*RegisterReceipt, error) {
	payload, err := json.Marshal(map[string]string{
		"on_chain_protocol_id": onChainProtocolID,
		"name":                 name,
	})
	if err != nil {
		return nil, eris.Wrap(err, "escrow: marshal register request")
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/protocols", payload)
	if err != nil {
		return nil, err
	}

	var receipt RegisterReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, eris.Wrap(err, "escrow: decode register receipt")
	}
	return &receipt, nil
}

func (c *httpClient) IsRegistered(ctx context.Context, onChainProtocolID string) (bool, error) {
	var out struct {
		Registered bool `json:"registered"`
	}
	path := fmt.Sprintf("/v1/protocols/%s", url.PathEscape(onChainProtocolID))
	err := c.getJSON(ctx, path, &out)
	if err != nil {
		if eris.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return out.Registered, nil
}

func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "escrow: decode %s", path)
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "escrow: rate limit wait")
		}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "escrow: create request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "escrow: %s %s", method, path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "escrow: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, eris.Wrapf(ErrNotFound, "%s", path)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("escrow: status %d: %s", resp.StatusCode, string(body)),
			resp.StatusCode,
		)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, eris.Errorf("escrow: status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
