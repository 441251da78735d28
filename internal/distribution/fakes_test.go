package distribution_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/token-distributor/internal/distribution"
	"github.com/token-distributor/internal/ledger"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/retry"
	"github.com/token-distributor/internal/storage"
	"github.com/token-distributor/internal/types"
)

const (
	testToken      = "0x00000000000000000000000000000000000a55e7"
	testCampaignID = "campaign-1"
	testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

// fakeGateway is an in-memory ledger with scripted submit outcomes
type fakeGateway struct {
	mu sync.Mutex

	decimals      uint8
	decimalsErr   error
	assetInfo     *ledger.AccountInfo
	assetInfoErr  error
	assetBalance  *big.Int
	nativeBalance *big.Int

	implicit bool
	accounts map[string]bool

	// submitErrs is consumed one entry per SubmitAndConfirm call; nil succeeds
	submitErrs []error
	onSubmit   func(call int)
	batches    []*ledger.Batch
	paid       []string
	nextTx     int

	statuses   map[string]ledger.TxStatus
	statusErr  error
	approvals  int
	approved   *big.Int
	approveErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		decimals:      6,
		assetInfo:     &ledger.AccountInfo{Address: testToken, Exists: true, IsContract: true},
		assetBalance:  big.NewInt(1_000_000_000_000),
		nativeBalance: big.NewInt(1_000_000_000),
		implicit:      true,
		accounts:      make(map[string]bool),
		statuses:      make(map[string]ledger.TxStatus),
	}
}

func (g *fakeGateway) GetAccountInfo(_ context.Context, address string) (*ledger.AccountInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if address == testToken {
		return g.assetInfo, g.assetInfoErr
	}
	if g.implicit || g.accounts[address] {
		return &ledger.AccountInfo{Address: address, Exists: true}, nil
	}
	return nil, ledger.ErrAccountNotFound
}

func (g *fakeGateway) AssetDecimals(context.Context, string) (uint8, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decimals, g.decimalsErr
}

func (g *fakeGateway) GetAssetBalance(context.Context, string, string) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.assetBalance), nil
}

func (g *fakeGateway) GetNativeBalance(context.Context, string) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.nativeBalance), nil
}

func (g *fakeGateway) ReceivingAccount(owner, assetID string) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("empty owner")
	}
	if g.implicit {
		return owner, nil
	}
	return "acct:" + owner + ":" + assetID, nil
}

func (g *fakeGateway) AccountsImplicit() bool {
	return g.implicit
}

func (g *fakeGateway) GetRecentCommitHandle(context.Context) (*ledger.CommitHandle, error) {
	return &ledger.CommitHandle{BlockHash: "0xhead", BlockNumber: 100, BaseFee: big.NewInt(1)}, nil
}

func (g *fakeGateway) SubmitAndConfirm(_ context.Context, batch *ledger.Batch, _ ledger.Signer) (string, error) {
	g.mu.Lock()
	g.batches = append(g.batches, batch)
	call := len(g.batches)
	var err error
	if len(g.submitErrs) > 0 {
		err = g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
	}
	var signature string
	if err == nil {
		g.nextTx++
		signature = fmt.Sprintf("0xtx%02d", g.nextTx)
		for _, ins := range batch.Instructions {
			switch ins.Kind {
			case ledger.InstructionCreateAccount:
				g.accounts[ins.Account] = true
			case ledger.InstructionTransfer:
				g.paid = append(g.paid, ins.Owner)
			}
		}
	}
	hook := g.onSubmit
	g.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return signature, err
}

func (g *fakeGateway) TransactionStatus(_ context.Context, signature string) (ledger.TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.statusErr != nil {
		return "", g.statusErr
	}
	if s, ok := g.statuses[signature]; ok {
		return s, nil
	}
	return ledger.TxNotFound, nil
}

func (g *fakeGateway) EnsureSpendApproval(_ context.Context, _ ledger.Signer, _ string, amount *big.Int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.approveErr != nil {
		return false, g.approveErr
	}
	g.approvals++
	g.approved = new(big.Int).Set(amount)
	return true, nil
}

// transferred sums the base units of every transfer in submitted batches
func (g *fakeGateway) transferred() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := new(big.Int)
	for _, b := range g.batches {
		for _, ins := range b.Instructions {
			if ins.Kind == ledger.InstructionTransfer {
				total.Add(total, ins.Amount)
			}
		}
	}
	return total
}

func (g *fakeGateway) batchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.batches)
}

func (g *fakeGateway) paidWallets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.paid...)
}

func (g *fakeGateway) resetPaid() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paid = nil
	g.batches = nil
}

// memoryAudit collects chunk audit records
type memoryAudit struct {
	mu      sync.Mutex
	records []*models.ChunkAuditRecord
}

func (a *memoryAudit) RecordChunk(_ context.Context, record *models.ChunkAuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return nil
}

func (a *memoryAudit) outcomes() []models.ChunkOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.ChunkOutcome, len(a.records))
	for i, r := range a.records {
		out[i] = r.Outcome
	}
	return out
}

func newTestSigner(t *testing.T) ledger.Signer {
	t.Helper()
	s, err := ledger.NewKeySigner(testPrivateKey)
	require.NoError(t, err)
	return s
}

func wallet(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

// seedCampaign creates a PENDING campaign paying 1.5 tokens to n recipients
func seedCampaign(t *testing.T, n int) *storage.MemoryStore {
	t.Helper()
	return seedCampaignRows(t, n, "1.5")
}

// seedCampaignRows is seedCampaign with rowAmount on every recipient row
func seedCampaignRows(t *testing.T, n int, rowAmount string) *storage.MemoryStore {
	t.Helper()

	store := storage.NewMemoryStore()
	store.AddCampaign(&models.Campaign{
		ID:                 testCampaignID,
		Name:               "airdrop",
		Network:            types.NetworkSepolia,
		TokenID:            testToken,
		AmountPerRecipient: decimal.RequireFromString("1.5"),
	})

	recipients := make([]*models.Recipient, n)
	for i := range recipients {
		recipients[i] = &models.Recipient{
			WalletAddress: wallet(i + 1),
			Amount:        decimal.RequireFromString(rowAmount),
		}
	}
	require.NoError(t, store.AddRecipients(testCampaignID, recipients...))
	return store
}

func testRunnerConfig() distribution.RunnerConfig {
	return distribution.RunnerConfig{
		Network:                string(types.NetworkSepolia),
		PageSize:               4,
		ChunkSize:              2,
		FeeReservePerRecipient: big.NewInt(10),
		Retry: &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func recipientStatus(t *testing.T, store *storage.MemoryStore, id int64) *models.Recipient {
	t.Helper()
	rc, ok := store.Recipient(id)
	require.True(t, ok, "recipient %d", id)
	return rc
}
