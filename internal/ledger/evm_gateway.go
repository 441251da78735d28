package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/token-distributor/internal/logging"
)

const erc20ABI = `[
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// disperseToken pulls the sum of values from msg.sender and pays each recipient
// in the same transaction, reverting as a whole if any transfer fails.
const disperseABI = `[
{"constant":false,"inputs":[{"name":"token","type":"address"},{"name":"recipients","type":"address[]"},{"name":"values","type":"uint256[]"}],"name":"disperseToken","outputs":[],"type":"function"}
]`

// gas estimates are padded by 20%
const (
	gasMarginNum = 12
	gasMarginDen = 10
)

// EVMConfig configures an EVMGateway
type EVMConfig struct {
	Network        string
	ChainID        int64
	BatchContract  string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// EVMGateway implements Gateway for EVM chains. Assets are ERC-20 contracts
// and every batch is a single disperseToken call.
type EVMGateway struct {
	pool           *EndpointPool
	network        string
	chainID        *big.Int
	batchContract  common.Address
	confirmTimeout time.Duration
	pollInterval   time.Duration
	erc20          abi.ABI
	disperse       abi.ABI

	decimalsMu sync.RWMutex
	decimals   map[common.Address]uint8
}

// NewEVMGateway creates a gateway over pool
func NewEVMGateway(pool *EndpointPool, cfg EVMConfig) (*EVMGateway, error) {
	if !common.IsHexAddress(cfg.BatchContract) {
		return nil, fmt.Errorf("invalid batch contract address %q", cfg.BatchContract)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}

	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	disperse, err := abi.JSON(strings.NewReader(disperseABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse disperse ABI: %w", err)
	}

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 120 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &EVMGateway{
		pool:           pool,
		network:        cfg.Network,
		chainID:        big.NewInt(cfg.ChainID),
		batchContract:  common.HexToAddress(cfg.BatchContract),
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
		erc20:          erc20,
		disperse:       disperse,
		decimals:       make(map[common.Address]uint8),
	}, nil
}

// Network returns the configured network name
func (g *EVMGateway) Network() string {
	return g.network
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// CheckNetwork verifies that the connected node serves the configured chain
func (g *EVMGateway) CheckNetwork(ctx context.Context) error {
	var id *big.Int
	err := g.pool.Do(ctx, "ChainID", func(ctx context.Context, c Client) error {
		var err error
		id, err = c.ChainID(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if id.Cmp(g.chainID) != 0 {
		return fmt.Errorf("node serves chain %s, expected %s (%s)", id, g.chainID, g.network)
	}
	return nil
}

// GetAccountInfo reads code and native balance. EVM state is keyed by
// address, so every well-formed address is an existing account.
func (g *EVMGateway) GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	}

	var code []byte
	if err := g.pool.Do(ctx, "CodeAt", func(ctx context.Context, c Client) error {
		var err error
		code, err = c.CodeAt(ctx, addr, nil)
		return err
	}); err != nil {
		return nil, err
	}

	balance, err := g.GetNativeBalance(ctx, address)
	if err != nil {
		return nil, err
	}

	return &AccountInfo{
		Address:       addr.Hex(),
		Exists:        true,
		IsContract:    len(code) > 0,
		NativeBalance: balance,
	}, nil
}

func (g *EVMGateway) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := g.pool.Do(ctx, "CallContract", func(ctx context.Context, c Client) error {
		var err error
		out, err = c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	return out, err
}

// AssetDecimals returns the ERC-20 decimals of assetID. Results are cached.
func (g *EVMGateway) AssetDecimals(ctx context.Context, assetID string) (uint8, error) {
	token, err := parseAddress(assetID)
	if err != nil {
		return 0, err
	}

	g.decimalsMu.RLock()
	d, ok := g.decimals[token]
	g.decimalsMu.RUnlock()
	if ok {
		return d, nil
	}

	data, err := g.erc20.Pack("decimals")
	if err != nil {
		return 0, err
	}
	result, err := g.call(ctx, token, data)
	if err != nil {
		return 0, err
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("asset %s does not implement decimals()", token.Hex())
	}
	values, err := g.erc20.Unpack("decimals", result)
	if err != nil {
		return 0, fmt.Errorf("failed to decode decimals of %s: %w", token.Hex(), err)
	}
	d, ok = values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", values[0])
	}

	g.decimalsMu.Lock()
	g.decimals[token] = d
	g.decimalsMu.Unlock()
	return d, nil
}

// GetAssetBalance returns owner's ERC-20 balance in base units
func (g *EVMGateway) GetAssetBalance(ctx context.Context, owner, assetID string) (*big.Int, error) {
	token, err := parseAddress(assetID)
	if err != nil {
		return nil, err
	}
	ownerAddr, err := parseAddress(owner)
	if err != nil {
		return nil, err
	}

	data, err := g.erc20.Pack("balanceOf", ownerAddr)
	if err != nil {
		return nil, err
	}
	result, err := g.call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(result), nil
}

// GetNativeBalance returns owner's native balance in wei
func (g *EVMGateway) GetNativeBalance(ctx context.Context, owner string) (*big.Int, error) {
	addr, err := parseAddress(owner)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	err = g.pool.Do(ctx, "BalanceAt", func(ctx context.Context, c Client) error {
		var err error
		balance, err = c.BalanceAt(ctx, addr, nil)
		return err
	})
	return balance, err
}

// ReceivingAccount returns owner itself: ERC-20 balances live in the token
// contract under the owner's address.
func (g *EVMGateway) ReceivingAccount(owner, assetID string) (string, error) {
	if _, err := parseAddress(assetID); err != nil {
		return "", err
	}
	addr, err := parseAddress(owner)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// AccountsImplicit is always true on EVM chains
func (g *EVMGateway) AccountsImplicit() bool {
	return true
}

// GetRecentCommitHandle returns the latest header
func (g *EVMGateway) GetRecentCommitHandle(ctx context.Context) (*CommitHandle, error) {
	var header *ethtypes.Header
	err := g.pool.Do(ctx, "HeaderByNumber", func(ctx context.Context, c Client) error {
		var err error
		header, err = c.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CommitHandle{
		BlockHash:   header.Hash().Hex(),
		BlockNumber: header.Number.Uint64(),
		BaseFee:     header.BaseFee,
	}, nil
}

func (g *EVMGateway) encodeBatch(batch *Batch) ([]byte, error) {
	token, err := parseAddress(batch.AssetID)
	if err != nil {
		return nil, err
	}

	recipients := make([]common.Address, 0, len(batch.Instructions))
	values := make([]*big.Int, 0, len(batch.Instructions))
	for _, ins := range batch.Instructions {
		if ins.Kind != InstructionTransfer {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedInstruction, ins.Kind)
		}
		if ins.AssetID != "" && !strings.EqualFold(ins.AssetID, batch.AssetID) {
			return nil, fmt.Errorf("transfer of %s in a batch of %s", ins.AssetID, batch.AssetID)
		}
		to, err := parseAddress(ins.Account)
		if err != nil {
			return nil, err
		}
		if ins.Amount == nil || ins.Amount.Sign() < 0 {
			return nil, fmt.Errorf("invalid transfer amount for %s", to.Hex())
		}
		recipients = append(recipients, to)
		values = append(values, ins.Amount)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("batch has no transfers")
	}

	return g.disperse.Pack("disperseToken", token, recipients, values)
}

// buildTx prices an EIP-1559 transaction from signer to `to`
func (g *EVMGateway) buildTx(ctx context.Context, signer Signer, to common.Address, data []byte, commit *CommitHandle) (*ethtypes.Transaction, error) {
	from, err := parseAddress(signer.Address())
	if err != nil {
		return nil, err
	}

	var (
		nonce uint64
		gas   uint64
		tip   *big.Int
	)
	err = g.pool.Do(ctx, "PendingNonceAt", func(ctx context.Context, c Client) error {
		var err error
		nonce, err = c.PendingNonceAt(ctx, from)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = g.pool.Do(ctx, "EstimateGas", func(ctx context.Context, c Client) error {
		var err error
		gas, err = c.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
		return err
	})
	if err != nil {
		if isNodeAnswer(err) {
			// the node executed the call and it reverted
			return nil, fmt.Errorf("%w: gas estimation: %v", ErrRejected, err)
		}
		return nil, err
	}
	gas = gas * gasMarginNum / gasMarginDen

	err = g.pool.Do(ctx, "SuggestGasTipCap", func(ctx context.Context, c Client) error {
		var err error
		tip, err = c.SuggestGasTipCap(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if commit == nil || commit.BaseFee == nil {
		commit, err = g.GetRecentCommitHandle(ctx)
		if err != nil {
			return nil, err
		}
	}
	baseFee := commit.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	}), nil
}

// send signs, broadcasts and confirms a call to `to`
func (g *EVMGateway) send(ctx context.Context, signer Signer, to common.Address, data []byte, commit *CommitHandle) (string, error) {
	tx, err := g.buildTx(ctx, signer, to, data, commit)
	if err != nil {
		return "", &SubmitError{Stage: StagePrepare, Err: err}
	}
	signed, err := signer.SignTx(tx, g.chainID)
	if err != nil {
		return "", &SubmitError{Stage: StagePrepare, Err: fmt.Errorf("failed to sign: %w", err)}
	}
	signature := signed.Hash().Hex()

	if err := g.broadcast(ctx, signed); err != nil {
		refused := isNodeAnswer(err) || errors.Is(err, ErrRPCBudget)
		return signature, &SubmitError{Stage: StageBroadcast, Signature: signature, Refused: refused, Err: err}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"signature": signature,
		"nonce":     signed.Nonce(),
		"gas":       signed.Gas(),
	}).Info("Transaction broadcast, waiting for confirmation")

	if _, err := g.waitForReceipt(ctx, signed.Hash()); err != nil {
		return signature, &SubmitError{Stage: StageConfirm, Signature: signature, Err: err}
	}
	return signature, nil
}

func (g *EVMGateway) broadcast(ctx context.Context, tx *ethtypes.Transaction) error {
	err := g.pool.Do(ctx, "SendTransaction", func(ctx context.Context, c Client) error {
		return c.SendTransaction(ctx, tx)
	})
	if err != nil && isAlreadyKnown(err) {
		return nil
	}
	return err
}

// isNodeAnswer reports whether err is a JSON-RPC error returned by a reachable node
func isNodeAnswer(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) && !ShouldFailover(err)
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// SubmitAndConfirm encodes the batch as one disperseToken call
func (g *EVMGateway) SubmitAndConfirm(ctx context.Context, batch *Batch, signer Signer) (string, error) {
	data, err := g.encodeBatch(batch)
	if err != nil {
		return "", &SubmitError{Stage: StagePrepare, Err: err}
	}
	return g.send(ctx, signer, g.batchContract, data, batch.Commit)
}

// waitForReceipt polls until the receipt appears, the confirm timeout
// elapses or ctx is done.
func (g *EVMGateway) waitForReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.receipt(waitCtx, hash)
		switch {
		case err == nil:
			if receipt.Status == ethtypes.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: reverted in block %s", ErrRejected, receipt.BlockNumber)
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		case waitCtx.Err() == nil:
			logging.FromContext(ctx).WithError(err).WithField("signature", hash.Hex()).
				Warn("Receipt lookup failed, still waiting")
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w after %s", ErrConfirmationTimeout, g.confirmTimeout)
		case <-ticker.C:
		}
	}
}

func (g *EVMGateway) receipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	err := g.pool.Do(ctx, "TransactionReceipt", func(ctx context.Context, c Client) error {
		var err error
		receipt, err = c.TransactionReceipt(ctx, hash)
		return err
	})
	return receipt, err
}

// TransactionStatus looks up a previously broadcast transaction by hash
func (g *EVMGateway) TransactionStatus(ctx context.Context, signature string) (TxStatus, error) {
	hash := common.HexToHash(signature)

	receipt, err := g.receipt(ctx, hash)
	if err == nil {
		if receipt.Status == ethtypes.ReceiptStatusSuccessful {
			return TxConfirmed, nil
		}
		return TxFailed, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", err
	}

	err = g.pool.Do(ctx, "TransactionByHash", func(ctx context.Context, c Client) error {
		_, _, err := c.TransactionByHash(ctx, hash)
		return err
	})
	switch {
	case err == nil:
		return TxPending, nil
	case errors.Is(err, ethereum.NotFound):
		return TxNotFound, nil
	default:
		return "", err
	}
}

// EnsureSpendApproval approves the batch contract to pull amount of assetID
// from the signer when the current allowance is short, and waits for it to confirm.
func (g *EVMGateway) EnsureSpendApproval(ctx context.Context, signer Signer, assetID string, amount *big.Int) (bool, error) {
	token, err := parseAddress(assetID)
	if err != nil {
		return false, err
	}
	owner, err := parseAddress(signer.Address())
	if err != nil {
		return false, err
	}

	data, err := g.erc20.Pack("allowance", owner, g.batchContract)
	if err != nil {
		return false, err
	}
	result, err := g.call(ctx, token, data)
	if err != nil {
		return false, err
	}
	allowance := new(big.Int).SetBytes(result)
	if allowance.Cmp(amount) >= 0 {
		return false, nil
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"asset":     token.Hex(),
		"spender":   g.batchContract.Hex(),
		"allowance": allowance.String(),
		"required":  amount.String(),
	})
	logger.Info("Allowance short, submitting approval")

	data, err = g.erc20.Pack("approve", g.batchContract, amount)
	if err != nil {
		return false, err
	}
	signature, err := g.send(ctx, signer, token, data, nil)
	if err != nil {
		return true, fmt.Errorf("spend approval failed: %w", err)
	}

	logger.WithField("signature", signature).Info("Spend approval confirmed")
	return true, nil
}
