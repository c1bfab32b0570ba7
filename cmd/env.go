package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/shieldpool/bounty-cli/internal/bounty"
	"github.com/shieldpool/bounty-cli/internal/fundgate"
	"github.com/shieldpool/bounty-cli/internal/resilience"
	"github.com/shieldpool/bounty-cli/internal/settle"
	"github.com/shieldpool/bounty-cli/internal/store"
	"github.com/shieldpool/bounty-cli/pkg/escrow"
	"github.com/shieldpool/bounty-cli/pkg/token"
	"github.com/shieldpool/bounty-cli/pkg/validation"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
			MinConns: int32(cfg.Store.MinConns),
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func retryConfig() resilience.RetryConfig {
	return resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)
}

func pollConfig() resilience.PollConfig {
	return resilience.FromPollConfig(
		cfg.Poll.MaxAttempts,
		cfg.Poll.InitialBackoffMs,
		cfg.Poll.MaxBackoffMs,
		cfg.Poll.SoftWarnSecs,
		cfg.Poll.Multiplier,
	)
}

func initBreakers() *resilience.GatewayBreakers {
	return resilience.NewGatewayBreakers(resilience.FromCircuitConfig(
		cfg.Circuit.FailureThreshold,
		cfg.Circuit.ResetTimeoutSecs,
	))
}

func initEscrow() (escrow.Client, error) {
	if cfg.Escrow.BaseURL == "" {
		return nil, eris.New("escrow gateway URL is required (BOUNTY_ESCROW_BASE_URL)")
	}
	return escrow.NewClient(cfg.Escrow.BaseURL, cfg.Escrow.APIKey,
		escrow.WithRetryConfig(retryConfig()),
		escrow.WithRateLimit(cfg.Escrow.RateLimit),
	), nil
}

func initToken() (token.Client, error) {
	if cfg.Token.BaseURL == "" {
		return nil, eris.New("token gateway URL is required (BOUNTY_TOKEN_BASE_URL)")
	}
	return token.NewClient(cfg.Token.BaseURL, cfg.Token.APIKey,
		token.WithRetryConfig(retryConfig()),
		token.WithRateLimit(cfg.Token.RateLimit),
	), nil
}

func initValidation() (validation.Client, error) {
	if cfg.Validation.BaseURL == "" {
		return nil, eris.New("validation gateway URL is required (BOUNTY_VALIDATION_BASE_URL)")
	}
	return validation.NewClient(cfg.Validation.BaseURL, cfg.Validation.APIKey,
		validation.WithRetryConfig(retryConfig()),
		validation.WithRateLimit(cfg.Validation.RateLimit),
	), nil
}

func initCalculator() (*bounty.Calculator, error) {
	table, err := bounty.TableFromStrings(cfg.Bounty.Tiers)
	if err != nil {
		return nil, err
	}
	return bounty.NewCalculator(table), nil
}

// initOrchestrator wires the full settlement stack. Extra orchestrator
// options (an event notifier, typically) come from the caller.
func initOrchestrator(st store.Store, opts ...settle.Option) (*settle.Orchestrator, error) {
	vc, err := initValidation()
	if err != nil {
		return nil, err
	}
	ec, err := initEscrow()
	if err != nil {
		return nil, err
	}
	calc, err := initCalculator()
	if err != nil {
		return nil, err
	}

	opts = append([]settle.Option{
		settle.WithBreakers(initBreakers()),
		settle.WithActor(cfg.Settle.Actor),
	}, opts...)
	return settle.New(st, vc, ec, calc, opts...), nil
}

func initGate(st store.Store) (*fundgate.Gate, error) {
	tc, err := initToken()
	if err != nil {
		return nil, err
	}
	ec, err := initEscrow()
	if err != nil {
		return nil, err
	}
	if cfg.Funding.EscrowAddress == "" {
		return nil, eris.New("escrow contract address is required (BOUNTY_FUNDING_ESCROW_ADDRESS)")
	}
	return fundgate.New(st, tc, ec, cfg.Funding.EscrowAddress,
		fundgate.WithPollConfig(pollConfig()),
	), nil
}
