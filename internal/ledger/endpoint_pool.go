package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/token-distributor/internal/circuitbreaker"
	"github.com/token-distributor/internal/logging"
)

// Client is the subset of ethclient.Client the gateway uses
type Client interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// DialFunc connects to an RPC URL
type DialFunc func(ctx context.Context, url string) (Client, error)

// DialEthClient dials url with ethclient
func DialEthClient(ctx context.Context, url string) (Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// EndpointPoolConfig configures an EndpointPool
type EndpointPoolConfig struct {
	// URLs in preference order: primary first
	URLs []string
	// RequestsPerSecond paces every RPC call across all endpoints; 0 disables pacing
	RequestsPerSecond int
	// Budget, when set, is charged before every call
	Budget CallBudget
	Dial   DialFunc
}

// CallBudget meters RPC calls against a quota shared with other processes
type CallBudget interface {
	// Acquire blocks until op may be sent or ctx is done
	Acquire(ctx context.Context, op string) error
}

type endpoint struct {
	name    string
	url     string
	client  Client
	breaker *circuitbreaker.CircuitBreaker
}

// EndpointPool routes RPC calls to the first healthy endpoint, failing over
// to the next one on transport errors.
type EndpointPool struct {
	endpoints []*endpoint
	limiter   *rate.Limiter
	budget    CallBudget
	dial      DialFunc
	mu        sync.Mutex
}

// NewEndpointPool creates a pool with one breaker per endpoint. Endpoints are dialed lazily.
func NewEndpointPool(cfg EndpointPoolConfig, breakers *circuitbreaker.Manager) (*EndpointPool, error) {
	var urls []string
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	dial := cfg.Dial
	if dial == nil {
		dial = DialEthClient
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	}

	pool := &EndpointPool{limiter: limiter, budget: cfg.Budget, dial: dial}
	for i, u := range urls {
		name := fmt.Sprintf("ledger-rpc-%d", i)
		if i == 0 {
			name = "ledger-rpc-primary"
		} else if i == 1 {
			name = "ledger-rpc-secondary"
		}
		cbConfig := circuitbreaker.DefaultConfig(name)
		cbConfig.IsFailure = ShouldFailover
		pool.endpoints = append(pool.endpoints, &endpoint{
			name:    name,
			url:     u,
			breaker: breakers.GetOrCreate(name, cbConfig),
		})
	}
	return pool, nil
}

func (p *EndpointPool) clientFor(ctx context.Context, ep *endpoint) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep.client != nil {
		return ep.client, nil
	}
	client, err := p.dial(ctx, ep.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ep.name, err)
	}
	ep.client = client
	return client, nil
}

// Do runs fn against the first endpoint that accepts it. Errors that are not
// transport failures are returned as-is without trying further endpoints.
func (p *EndpointPool) Do(ctx context.Context, op string, fn func(ctx context.Context, c Client) error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if p.budget != nil {
		if err := p.budget.Acquire(ctx, op); err != nil {
			return fmt.Errorf("%s: %w: %w", op, ErrRPCBudget, err)
		}
	}

	logger := logging.FromContext(ctx)
	var lastErr error
	for _, ep := range p.endpoints {
		if !ep.breaker.Allows() {
			continue
		}
		client, err := p.clientFor(ctx, ep)
		if err != nil {
			lastErr = err
			continue
		}

		err = ep.breaker.Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, client)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !ShouldFailover(err) && !errors.Is(err, circuitbreaker.ErrCircuitOpen) &&
			!errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return err
		}

		logger.WithFields(map[string]interface{}{
			"endpoint":  ep.name,
			"operation": op,
		}).WithError(err).Warn("Ledger endpoint failed, trying next")
		lastErr = err
	}

	if lastErr == nil {
		return fmt.Errorf("%s: %w", op, ErrNoHealthyEndpoint)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNoHealthyEndpoint, lastErr)
}

// Close closes all dialed clients
func (p *EndpointPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
	}
}

// ShouldFailover reports whether err is a transport-level failure of the
// endpoint rather than an answer from the ledger.
func ShouldFailover(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "too many requests",
		"timeout", "deadline exceeded",
		"connection refused", "connection reset", "no such host", "eof",
		"502", "503", "504", "bad gateway", "service unavailable",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
