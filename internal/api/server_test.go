package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-distributor/internal/circuitbreaker"
	"github.com/token-distributor/internal/distribution"
	"github.com/token-distributor/internal/job"
	"github.com/token-distributor/internal/ledger"
	"github.com/token-distributor/internal/ledger/ledgertest"
	"github.com/token-distributor/internal/models"
	"github.com/token-distributor/internal/storage"
	"github.com/token-distributor/internal/types"
)

const testToken = "0x00000000000000000000000000000000000a55e7"

type testEnv struct {
	store   *storage.MemoryStore
	gateway *ledgertest.Gateway
	signer  ledger.Signer
	runs    *job.RunManager
	server  *Server
}

func newTestEnv(t *testing.T, cfg *ServerConfig, opts ...ServerOption) *testEnv {
	t.Helper()

	signer, err := ledger.NewKeySigner(ledgertest.PrivateKey)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	gw := ledgertest.NewGateway(testToken)
	runner := distribution.NewRunner(store, gw, signer, distribution.RunnerConfig{
		Network:   string(types.NetworkSepolia),
		PageSize:  2,
		ChunkSize: 2,
	})
	runs := job.NewRunManager(runner, nil, job.RunManagerConfig{MaxConcurrentRuns: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runs.Shutdown(ctx)
	})

	if cfg == nil {
		cfg = &ServerConfig{Host: "127.0.0.1", Port: "0"}
	}

	return &testEnv{
		store:   store,
		gateway: gw,
		signer:  signer,
		runs:    runs,
		server:  NewServer(cfg, store, runs, opts...),
	}
}

// addCampaign seeds a campaign with n recipients owed 2 tokens each
func (e *testEnv) addCampaign(t *testing.T, network types.NetworkID, status types.CampaignStatus, n int) string {
	t.Helper()

	id := uuid.NewString()
	e.store.AddCampaign(&models.Campaign{
		ID:                 id,
		Name:               "airdrop",
		Network:            network,
		TokenID:            testToken,
		AmountPerRecipient: decimal.RequireFromString("2"),
		Status:             status,
	})
	recipients := make([]*models.Recipient, n)
	for i := range recipients {
		recipients[i] = &models.Recipient{
			WalletAddress: fmt.Sprintf("0x%040x", i+1),
			Amount:        decimal.RequireFromString("2"),
		}
	}
	require.NoError(t, e.store.AddRecipients(id, recipients...))
	return id
}

func (e *testEnv) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	decode(t, rec, &body)
	return body.Error.Code
}

func waitForRunState(t *testing.T, e *testEnv, runID string, want types.RunState) job.RunSnapshot {
	t.Helper()

	var snap job.RunSnapshot
	require.Eventually(t, func() bool {
		rec := e.do(http.MethodGet, "/api/runs/"+runID)
		if rec.Code != http.StatusOK {
			return false
		}
		snap = job.RunSnapshot{}
		if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.State == want
	}, 5*time.Second, 10*time.Millisecond, "run never reached %s", want)
	return snap
}

func TestExecuteCampaign_StartsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.addCampaign(t, types.NetworkSepolia, "", 4)

	rec := env.do(http.MethodPost, "/api/campaigns/"+id+"/execute")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ExecuteResponse
	decode(t, rec, &resp)
	assert.Equal(t, id, resp.CampaignID)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, env.signer.Address(), resp.Distributor)
	assert.Equal(t, string(types.NetworkSepolia), resp.Network)
	assert.Equal(t, types.CampaignInProgress, resp.Status)

	snap := waitForRunState(t, env, resp.RunID, types.RunSucceeded)
	assert.Equal(t, int64(4), snap.Progress.Completed)
	assert.Equal(t, 4, env.gateway.Transfers())

	rec = env.do(http.MethodGet, "/api/campaigns/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	var campaign models.Campaign
	decode(t, rec, &campaign)
	assert.Equal(t, types.CampaignCompleted, campaign.Status)
	assert.Equal(t, int64(4), campaign.TotalRecipients)
	assert.Equal(t, int64(4), campaign.CompletedRecipients)
}

func TestExecuteCampaign_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, e *testEnv) string
		wantCode int
		wantErr  string
	}{
		{
			name:     "malformed id",
			setup:    func(*testing.T, *testEnv) string { return "not-a-uuid" },
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_PARAMETER",
		},
		{
			name:     "unknown campaign",
			setup:    func(*testing.T, *testEnv) string { return uuid.NewString() },
			wantCode: http.StatusNotFound,
			wantErr:  "CAMPAIGN_NOT_FOUND",
		},
		{
			name: "completed campaign",
			setup: func(t *testing.T, e *testEnv) string {
				return e.addCampaign(t, types.NetworkSepolia, types.CampaignCompleted, 2)
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "CAMPAIGN_COMPLETED",
		},
		{
			name: "campaign on another network",
			setup: func(t *testing.T, e *testEnv) string {
				return e.addCampaign(t, types.NetworkPolygon, "", 2)
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_NETWORK",
		},
		{
			name: "campaign claimed by another run",
			setup: func(t *testing.T, e *testEnv) string {
				return e.addCampaign(t, types.NetworkSepolia, types.CampaignInProgress, 2)
			},
			wantCode: http.StatusConflict,
			wantErr:  "ALREADY_RUNNING",
		},
		{
			name: "distributor short of tokens",
			setup: func(t *testing.T, e *testEnv) string {
				e.gateway.AssetBalance = big.NewInt(1)
				return e.addCampaign(t, types.NetworkSepolia, "", 2)
			},
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "INSUFFICIENT_BALANCE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			id := tt.setup(t, env)

			rec := env.do(http.MethodPost, "/api/campaigns/"+id+"/execute")
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, errorCode(t, rec))
			assert.Equal(t, 0, env.gateway.Submits(), "nothing is submitted on a rejected start")
		})
	}
}

func TestExecuteCampaign_SecondStartConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gateway.Hold()
	id := env.addCampaign(t, types.NetworkSepolia, "", 4)

	rec := env.do(http.MethodPost, "/api/campaigns/"+id+"/execute")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ExecuteResponse
	decode(t, rec, &resp)

	rec = env.do(http.MethodPost, "/api/campaigns/"+id+"/execute")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_RUNNING", errorCode(t, rec))

	env.gateway.Release()
	waitForRunState(t, env, resp.RunID, types.RunSucceeded)
}

func TestExecuteCampaign_InvalidResumeFlag(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.addCampaign(t, types.NetworkSepolia, "", 1)

	rec := env.do(http.MethodPost, "/api/campaigns/"+id+"/execute?resumeStale=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAMETER", errorCode(t, rec))
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gateway.Hold()
	id := env.addCampaign(t, types.NetworkSepolia, "", 4)

	rec := env.do(http.MethodPost, "/api/campaigns/"+id+"/execute")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ExecuteResponse
	decode(t, rec, &resp)

	require.Eventually(t, func() bool { return env.gateway.Submits() == 1 }, 2*time.Second, 5*time.Millisecond)

	rec = env.do(http.MethodPost, "/api/runs/"+resp.RunID+"/cancel")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	waitForRunState(t, env, resp.RunID, types.RunCancelled)

	rec = env.do(http.MethodGet, "/api/campaigns/"+id)
	var campaign models.Campaign
	decode(t, rec, &campaign)
	assert.Equal(t, types.CampaignFailed, campaign.Status)
	assert.Equal(t, int64(0), campaign.CompletedRecipients)
}

func TestRuns_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RUN_NOT_FOUND", errorCode(t, rec))

	rec = env.do(http.MethodPost, "/api/runs/missing/cancel")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.addCampaign(t, types.NetworkSepolia, "", 2)

	rec := env.do(http.MethodPost, "/api/campaigns/"+id+"/execute")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ExecuteResponse
	decode(t, rec, &resp)
	waitForRunState(t, env, resp.RunID, types.RunSucceeded)

	rec = env.do(http.MethodGet, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []job.RunSnapshot `json:"runs"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, resp.RunID, body.Runs[0].RunID)
}

func TestGetCampaign_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/campaigns/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CAMPAIGN_NOT_FOUND", errorCode(t, rec))

	rec = env.do(http.MethodGet, "/api/campaigns/42")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRecipients_Paging(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.addCampaign(t, types.NetworkSepolia, "", 3)

	rec := env.do(http.MethodGet, "/api/campaigns/"+id+"/recipients?limit=2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first RecipientPage
	decode(t, rec, &first)
	require.Len(t, first.Recipients, 2)
	require.NotNil(t, first.NextAfterID)
	assert.Equal(t, first.Recipients[1].ID, *first.NextAfterID)
	assert.Less(t, first.Recipients[0].ID, first.Recipients[1].ID)

	rec = env.do(http.MethodGet, fmt.Sprintf("/api/campaigns/%s/recipients?limit=2&afterId=%d", id, *first.NextAfterID))
	require.Equal(t, http.StatusOK, rec.Code)
	var second RecipientPage
	decode(t, rec, &second)
	require.Len(t, second.Recipients, 1)
	assert.Nil(t, second.NextAfterID, "short page is the last one")
	assert.Greater(t, second.Recipients[0].ID, *first.NextAfterID)

	rec = env.do(http.MethodGet, "/api/campaigns/"+id+"/recipients?status=COMPLETED")
	require.Equal(t, http.StatusOK, rec.Code)
	var completed RecipientPage
	decode(t, rec, &completed)
	assert.Empty(t, completed.Recipients)
	assert.NotNil(t, completed.Recipients, "empty page encodes as []")
}

func TestListRecipients_InvalidQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.addCampaign(t, types.NetworkSepolia, "", 1)

	for _, query := range []string{"status=PAID", "afterId=-1", "afterId=x", "limit=0", "limit=5000"} {
		t.Run(query, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/api/campaigns/"+id+"/recipients?"+query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_PARAMETER", errorCode(t, rec))
		})
	}

	rec := env.do(http.MethodGet, "/api/campaigns/"+uuid.NewString()+"/recipients")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Run("all dependencies up", func(t *testing.T) {
		breakers := circuitbreaker.NewManager()
		breakers.GetOrCreate("primary", circuitbreaker.DefaultConfig("primary"))

		env := newTestEnv(t, nil,
			WithHealthCheck("postgres", func(context.Context) error { return nil }),
			WithBreakers(breakers),
		)

		rec := env.do(http.MethodGet, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Status          string                  `json:"status"`
			Dependencies    map[string]string       `json:"dependencies"`
			LedgerEndpoints []*circuitbreaker.Stats `json:"ledgerEndpoints"`
		}
		decode(t, rec, &body)
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, "healthy", body.Dependencies["postgres"])
		require.Len(t, body.LedgerEndpoints, 1)
		assert.Equal(t, "primary", body.LedgerEndpoints[0].Name)
	})

	t.Run("dependency down", func(t *testing.T) {
		env := newTestEnv(t, nil,
			WithHealthCheck("postgres", func(context.Context) error { return nil }),
			WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
		)

		rec := env.do(http.MethodGet, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body struct {
			Status       string            `json:"status"`
			Dependencies map[string]string `json:"dependencies"`
		}
		decode(t, rec, &body)
		assert.Equal(t, "unhealthy", body.Status)
		assert.Equal(t, "healthy", body.Dependencies["postgres"])
		assert.Equal(t, "unhealthy", body.Dependencies["redis"])
	})
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &ServerConfig{RequestsPerSecond: 1, Burst: 1})

	send := func(client string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "192.0.2.1:5000"
		if client != "" {
			req.Header.Set("X-Client-ID", client)
		}
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send(""))
	assert.Equal(t, http.StatusTooManyRequests, send(""))
	assert.Equal(t, http.StatusOK, send("ops-dashboard"), "clients are limited separately")
}

func TestMiddleware_RequestIDAndCompression(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(gz).Decode(&body))
	assert.Equal(t, "healthy", body["status"])

	rec = env.do(http.MethodGet, "/health")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader), "an ID is assigned when none is sent")
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/nothing-here")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, errorCode(t, rec))
}
