package ratelimit

import (
	"sync"
)

// DefaultCUCost is charged for operations the registry does not know
const DefaultCUCost = 20

// Ledger operation names, as passed to the endpoint pool
const (
	OpChainID            = "ChainID"
	OpCodeAt             = "CodeAt"
	OpCallContract       = "CallContract"
	OpBalanceAt          = "BalanceAt"
	OpHeaderByNumber     = "HeaderByNumber"
	OpPendingNonceAt     = "PendingNonceAt"
	OpEstimateGas        = "EstimateGas"
	OpSuggestGasTipCap   = "SuggestGasTipCap"
	OpSendTransaction    = "SendTransaction"
	OpTransactionReceipt = "TransactionReceipt"
	OpTransactionByHash  = "TransactionByHash"
)

// OpCost is the CU price and pool of one ledger operation
type OpCost struct {
	CU       int
	Priority Priority
}

// CostRegistry maps ledger operations to their CU costs.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]OpCost
	defaultCost int
}

// CostRegistryConfig holds configuration for the registry
type CostRegistryConfig struct {
	// DefaultCost applies to unknown operations. If zero, DefaultCUCost.
	DefaultCost int

	// Overrides replaces the CU of known operations or adds new ones.
	// New operations are low priority.
	Overrides map[string]int
}

// NewCostRegistry creates a registry priced after common hosted RPC plans.
// The transaction building path (nonce, gas, header, broadcast) is high
// priority so balance reads and receipt polling cannot starve it.
func NewCostRegistry(cfg *CostRegistryConfig) *CostRegistry {
	costs := map[string]OpCost{
		OpChainID:            {CU: 1, Priority: PriorityLow},
		OpCodeAt:             {CU: 26, Priority: PriorityLow},
		OpCallContract:       {CU: 26, Priority: PriorityLow},
		OpBalanceAt:          {CU: 19, Priority: PriorityLow},
		OpTransactionReceipt: {CU: 15, Priority: PriorityLow},
		OpTransactionByHash:  {CU: 17, Priority: PriorityLow},
		OpHeaderByNumber:     {CU: 16, Priority: PriorityHigh},
		OpPendingNonceAt:     {CU: 26, Priority: PriorityHigh},
		OpEstimateGas:        {CU: 87, Priority: PriorityHigh},
		OpSuggestGasTipCap:   {CU: 16, Priority: PriorityHigh},
		OpSendTransaction:    {CU: 250, Priority: PriorityHigh},
	}

	defaultCost := DefaultCUCost
	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for op, cu := range cfg.Overrides {
			if cu <= 0 {
				continue
			}
			c, ok := costs[op]
			if !ok {
				c.Priority = PriorityLow
			}
			c.CU = cu
			costs[op] = c
		}
	}

	return &CostRegistry{
		costs:       costs,
		defaultCost: defaultCost,
	}
}

// Cost returns the price of op. Unknown operations are low priority at the
// default cost.
func (r *CostRegistry) Cost(op string) OpCost {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.costs[op]; ok {
		return c
	}
	return OpCost{CU: r.defaultCost, Priority: PriorityLow}
}

// SetCost updates the CU of op at runtime, keeping its priority.
// Zero or negative values are ignored.
func (r *CostRegistry) SetCost(op string, cu int) {
	if cu <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.costs[op]
	if !ok {
		c.Priority = PriorityLow
	}
	c.CU = cu
	r.costs[op] = c
}

// DefaultCost returns the cost charged for unknown operations
func (r *CostRegistry) DefaultCost() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.defaultCost
}
