package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldpool/bounty-cli/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestProtocolBalance(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/protocols/0xabc/balance", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"balance": "1234.500000"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	got, err := client.ProtocolBalance(context.Background(), "0xabc")

	require.NoError(t, err)
	assert.Equal(t, "1234.500000", got)
}

func TestProtocolBalance_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"balance": "10"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", WithRetryConfig(fastRetry()))
	got, err := client.ProtocolBalance(context.Background(), "0xabc")

	require.NoError(t, err)
	assert.Equal(t, "10", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReleaseBounty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/releases", r.URL.Path)

		var req ReleaseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0xabc", req.OnChainProtocolID)
		assert.Equal(t, "0xresearcher", req.Recipient)
		assert.Equal(t, "high", req.Severity)

		json.NewEncoder(w).Encode(ReleaseReceipt{
			TxHash:          "0xtx",
			EscrowPaymentID: "esc-1",
			Timestamp:       time.Now().UTC(),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	got, err := client.ReleaseBounty(context.Background(), ReleaseRequest{
		OnChainProtocolID: "0xabc",
		ValidationRef:     "0xref",
		Recipient:         "0xresearcher",
		Severity:          "high",
	})

	require.NoError(t, err)
	assert.Equal(t, "0xtx", got.TxHash)
	assert.Equal(t, "esc-1", got.EscrowPaymentID)
}

func TestReleaseBounty_NotRetried(t *testing.T) {
	t.Parallel()

	// A release that fails transiently must surface the failure rather than
	// resubmitting the transfer.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", WithRetryConfig(fastRetry()))
	_, err := client.ReleaseBounty(context.Background(), ReleaseRequest{OnChainProtocolID: "0xabc"})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBountyAmount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/bounty-amounts/critical", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"amount": "50000"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	got, err := client.BountyAmount(context.Background(), "critical")

	require.NoError(t, err)
	assert.Equal(t, "50000", got)
}

func TestIsRegistered(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/protocols/0xknown":
			json.NewEncoder(w).Encode(map[string]bool{"registered": true})
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")

	got, err := client.IsRegistered(context.Background(), "0xknown")
	require.NoError(t, err)
	assert.True(t, got)

	// Unknown protocols read as unregistered, not as an error.
	got, err = client.IsRegistered(context.Background(), "0xunknown")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestRegisterProtocol(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/protocols", r.URL.Path)
		json.NewEncoder(w).Encode(RegisterReceipt{TxHash: "0xreg"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	got, err := client.RegisterProtocol(context.Background(), "0xabc", "Acme DeFi")

	require.NoError(t, err)
	assert.Equal(t, "0xreg", got.TxHash)
}

func TestProtocolBalance_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	_, err := client.ProtocolBalance(context.Background(), "0xmissing")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}
