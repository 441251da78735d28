// Package app wires configuration into the distribution engine's
// dependencies for the command-line entry points.
package app

import (
	"context"
	"fmt"

	"github.com/token-distributor/internal/circuitbreaker"
	"github.com/token-distributor/internal/config"
	"github.com/token-distributor/internal/distribution"
	"github.com/token-distributor/internal/ledger"
	"github.com/token-distributor/internal/logging"
	"github.com/token-distributor/internal/ratelimit"
	"github.com/token-distributor/internal/retry"
	"github.com/token-distributor/internal/storage"
)

// App holds the connected dependencies of a distribution process
type App struct {
	Config     *config.Config
	Postgres   *storage.PostgresDB
	Redis      *storage.RedisClient
	ClickHouse *storage.ClickHouseDB // nil when the chunk audit log is disabled
	Campaigns  *storage.CampaignRepository
	RunLock    *storage.RunLock
	Breakers   *circuitbreaker.Manager
	Budget     *ratelimit.RPCBudget // nil when LEDGER_RPC_BUDGET_CU is unset
	Endpoints  *ledger.EndpointPool
	Gateway    *ledger.EVMGateway
	Signer     *ledger.KeySigner
	Runner     *distribution.Runner

	closers []func()
}

// InitLogging configures the global logger from cfg
func InitLogging(cfg *config.Config) *logging.Logger {
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	return logging.GetGlobalLogger()
}

// RunnerConfig maps the distribution settings onto the runner
func RunnerConfig(cfg *config.Config) (distribution.RunnerConfig, error) {
	fee, err := cfg.Distribution.FeeReservePerRecipient()
	if err != nil {
		return distribution.RunnerConfig{}, err
	}

	d := cfg.Distribution
	return distribution.RunnerConfig{
		Network:                cfg.Ledger.Network,
		PageSize:               d.PageSize,
		ChunkSize:              d.ChunkSize,
		Throttle:               d.Throttle,
		FeeReservePerRecipient: fee,
		Retry: &retry.RetryConfig{
			MaxAttempts:  d.MaxAttempts,
			InitialDelay: d.RetryBaseDelay,
			MaxDelay:     d.RetryMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}, nil
}

// New connects to every store and the ledger and builds the runner.
// Whatever was opened is closed again when an error is returned.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateLedger(); err != nil {
		return nil, fmt.Errorf("invalid ledger configuration: %w", err)
	}

	runnerCfg, err := RunnerConfig(cfg)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	a = &App{Config: cfg, Breakers: circuitbreaker.NewManager()}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.Postgres, err = storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.closers = append(a.closers, a.Postgres.Close)
	a.Campaigns = storage.NewCampaignRepository(a.Postgres)

	a.Redis, err = storage.NewRedisClient(ctx, &cfg.Database.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	a.RunLock = storage.NewRunLock(a.Redis.Client(), cfg.Distribution.LockTTL)

	var runnerOpts []distribution.RunnerOption
	if cfg.Database.ClickHouse.Enabled {
		a.ClickHouse, err = storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.ClickHouse.Close() })
		runnerOpts = append(runnerOpts, distribution.WithAuditSink(storage.NewChunkAuditRepository(a.ClickHouse)))
	} else {
		logger.Info("ClickHouse disabled, chunk audit log is off")
	}

	poolCfg := ledger.EndpointPoolConfig{
		URLs:              []string{cfg.Ledger.RPCPrimary, cfg.Ledger.RPCSecondary},
		RequestsPerSecond: cfg.Ledger.RPCPerSecond,
	}
	if cfg.Ledger.RPCBudgetCU > 0 {
		a.Budget, err = ratelimit.NewRPCBudget(&ratelimit.BudgetConfig{
			Redis:          a.Redis.Client(),
			KeyPrefix:      ratelimit.DefaultKeyPrefix + cfg.Ledger.Network + ":",
			TotalBudget:    cfg.Ledger.RPCBudgetCU,
			ReservedBudget: cfg.Ledger.RPCReservedCU,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rpc budget: %w", err)
		}
		poolCfg.Budget = a.Budget
	}

	a.Endpoints, err = ledger.NewEndpointPool(poolCfg, a.Breakers)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger endpoint pool: %w", err)
	}
	a.closers = append(a.closers, a.Endpoints.Close)

	a.Gateway, err = ledger.NewEVMGateway(a.Endpoints, ledger.EVMConfig{
		Network:        cfg.Ledger.Network,
		ChainID:        cfg.Ledger.ChainID,
		BatchContract:  cfg.Ledger.BatchContract,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout,
		PollInterval:   cfg.Ledger.PollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger gateway: %w", err)
	}
	if err := a.Gateway.CheckNetwork(ctx); err != nil {
		return nil, fmt.Errorf("ledger endpoint check failed: %w", err)
	}

	a.Signer, err = ledger.NewKeySigner(cfg.Ledger.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid distributor key: %w", err)
	}

	a.Runner = distribution.NewRunner(a.Campaigns, a.Gateway, a.Signer, runnerCfg, runnerOpts...)

	logger.WithFields(map[string]interface{}{
		"network":     cfg.Ledger.Network,
		"chainId":     cfg.Ledger.ChainID,
		"distributor": a.Signer.Address(),
		"audit":       a.ClickHouse != nil,
		"rpcBudgetCU": cfg.Ledger.RPCBudgetCU,
	}).Info("Distribution engine initialized")

	return a, nil
}

// Close releases every connection in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
