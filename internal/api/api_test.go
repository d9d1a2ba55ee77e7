package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/codremit/codremit/internal/bus"
	"github.com/codremit/codremit/internal/cache"
	"github.com/codremit/codremit/internal/discrepancy"
	"github.com/codremit/codremit/internal/domain"
	"github.com/codremit/codremit/internal/forecast"
	"github.com/codremit/codremit/internal/ingest"
	"github.com/codremit/codremit/internal/ledger"
	"github.com/codremit/codremit/internal/lock"
	"github.com/codremit/codremit/internal/payout"
	"github.com/codremit/codremit/internal/recon"
	"github.com/codremit/codremit/internal/remit"
	"github.com/codremit/codremit/internal/repository"
	"github.com/codremit/codremit/internal/risk"
)

type fakeProvider struct {
	calls int
}

func (f *fakeProvider) InitiatePayout(ctx context.Context, req *domain.PayoutRequest) (string, error) {
	f.calls++
	return "ref-api-001", nil
}

type testServer struct {
	srv      *Server
	repo     domain.Repository
	provider *fakeProvider
}

// createTestServer wires the full stack against a throwaway sqlite file.
func createTestServer(t *testing.T) *testServer {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "codremit-api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	c := cache.NewLRUCache(128)
	b := bus.NewChannelBus(16)
	locker := lock.NewLocalLocker()
	t.Cleanup(func() {
		locker.Close()
		b.Close()
		repo.Close()
		os.Remove(tmpPath)
	})

	disc := discrepancy.NewService(repo, b, nil, domain.DiscrepancyConfig{ResolutionDays: 7})
	engine := recon.NewEngine(repo, b, disc, domain.ReconConfig{
		AbsoluteTolerance: 1000,
		PercentTolerance:  0.01,
	})

	flags, err := risk.NewFlagEngine()
	if err != nil {
		t.Fatalf("failed to create flag engine: %v", err)
	}
	riskSvc := risk.NewService(repo, c, flags, domain.RiskConfig{})
	ledgerSvc := ledger.NewService(repo, nil)

	verifier := ingest.NewHMACVerifier(map[string]string{"carrier-1": "topsecret"})
	push := ingest.NewPushAdapter(verifier, repo, b)
	files := ingest.NewFileProcessor(engine, domain.IngestConfig{FileWorkers: 2})

	remitSvc := remit.NewService(repo, locker, domain.RemitConfig{})
	provider := &fakeProvider{}
	payouts := payout.NewCoordinator(repo, locker, provider, b, domain.PayoutConfig{
		CallTimeout: time.Second,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		LockTTL:     time.Minute,
	})
	analytics := forecast.NewService(repo, b, nil, domain.ForecastConfig{})

	handler := NewHandler(repo, c, engine, riskSvc, ledgerSvc, disc, push, files, remitSvc, payouts, analytics, "test-v1")
	srv := NewServer(domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}, handler)

	return &testServer{srv: srv, repo: repo, provider: provider}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rr, req)
	return rr
}

func accountHeaders() map[string]string {
	return map[string]string{AccountIDHeader: "acc-001"}
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHealthEndpoints(t *testing.T) {
	ts := createTestServer(t)

	rr := ts.do(t, http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var health map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to parse health: %v", err)
	}
	if health["status"] != "healthy" || health["version"] != "test-v1" {
		t.Errorf("unexpected health body: %v", health)
	}

	rr = ts.do(t, http.MethodGet, "/ready", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 from /ready, got %d", rr.Code)
	}
}

func TestAccountHeaderRequired(t *testing.T) {
	ts := createTestServer(t)

	rr := ts.do(t, http.MethodGet, "/eligibility", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without account header, got %d", rr.Code)
	}

	// An account that exists gets through to the handler.
	seedAccount(t, ts.repo)
	rr = ts.do(t, http.MethodGet, "/eligibility", nil, accountHeaders())
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with account header, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestScoreOrder(t *testing.T) {
	ts := createTestServer(t)

	t.Run("CleanOrder", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/orders/score", ScoreRequest{
			OrderID:    "ord-001",
			Phone:      "+91 98765 43210",
			OrderValue: 130000,
			Address:    domain.Address{Pincode: "560038", City: "Bengaluru"},
		}, accountHeaders())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ScoreResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.OrderID != "ord-001" || resp.Level == "" || resp.Recommendation == "" {
			t.Errorf("incomplete assessment: %+v", resp)
		}
		if resp.Recommendation == domain.RecommendBlock {
			t.Errorf("fresh customer must not be blocked: %+v", resp)
		}
		if resp.CustomerMessage != "" {
			t.Errorf("non-blocked order must not carry a customer message, got %q", resp.CustomerMessage)
		}
	})

	t.Run("MissingPhone", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/orders/score", ScoreRequest{
			OrderID:    "ord-002",
			OrderValue: 130000,
		}, accountHeaders())
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 without phone, got %d", rr.Code)
		}
	})

	t.Run("BlacklistedIdentity", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/profiles/blacklist", BlacklistRequest{
			Phone: "+91 90000 00001",
		}, accountHeaders())
		if rr.Code != http.StatusOK {
			t.Fatalf("blacklist failed: %d %s", rr.Code, rr.Body.String())
		}

		rr = ts.do(t, http.MethodPost, "/orders/score", ScoreRequest{
			OrderID:    "ord-003",
			Phone:      "+91 90000 00001",
			OrderValue: 50000,
		}, accountHeaders())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ScoreResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Recommendation != domain.RecommendBlock {
			t.Fatalf("expected block for blacklisted identity, got %s", resp.Recommendation)
		}
		if resp.CustomerMessage != blockedCustomerMessage {
			t.Errorf("expected the generic customer message, got %q", resp.CustomerMessage)
		}
	})
}

func TestCollectibleEndpoints(t *testing.T) {
	ts := createTestServer(t)

	rr := ts.do(t, http.MethodPost, "/collectibles", RegisterRequest{
		OrderID:      "ord-001",
		AWB:          "AWB-1",
		ExpectedBase: 130000,
	}, accountHeaders())
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created domain.Collectible
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to parse collectible: %v", err)
	}
	if created.ID == "" || created.Status != domain.CollectiblePending {
		t.Errorf("unexpected collectible: %+v", created)
	}

	rr = ts.do(t, http.MethodGet, "/collectibles/"+created.ID, nil, accountHeaders())
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 fetching collectible, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/collectibles/"+created.ID+"/timeline", nil, accountHeaders())
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 fetching timeline, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/collectibles/no-such-id", nil, accountHeaders())
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown collectible, got %d", rr.Code)
	}

	// Duplicate AWB registration conflicts.
	rr = ts.do(t, http.MethodPost, "/collectibles", RegisterRequest{
		OrderID:      "ord-002",
		AWB:          "AWB-1",
		ExpectedBase: 50000,
	}, accountHeaders())
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 re-registering AWB, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCarrierEventWebhook(t *testing.T) {
	ts := createTestServer(t)

	event, _ := json.Marshal(map[string]any{
		"eventId":         "evt-001",
		"awb":             "AWB-1",
		"status":          "delivered",
		"collectedAmount": 130000,
		"timestamp":       "2026-03-10T14:00:00Z",
	})

	t.Run("Signed", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/carriers/carrier-1/events", []byte(event), map[string]string{
			SignatureHeader: signPayload("topsecret", event),
		})
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Redelivery", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/carriers/carrier-1/events", []byte(event), map[string]string{
			SignatureHeader: signPayload("topsecret", event),
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 for redelivery, got %d", rr.Code)
		}
		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "ignored" {
			t.Errorf("expected ignored, got %v", resp)
		}
	})

	t.Run("BadSignature", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/carriers/carrier-1/events", []byte(event), map[string]string{
			SignatureHeader: "deadbeef",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad signature, got %d", rr.Code)
		}
	})
}

func seedAccount(t *testing.T, repo domain.Repository) {
	t.Helper()
	err := repo.SaveAccount(context.Background(), &domain.Account{
		ID:           "acc-001",
		Name:         "Test Seller",
		PayoutTarget: "upi://seller@bank",
		CreatedAt:    time.Now().UTC().AddDate(0, 0, -30),
	})
	if err != nil {
		t.Fatalf("failed to save account: %v", err)
	}
}

func seedReconciled(t *testing.T, repo domain.Repository, id string, amount int64) {
	t.Helper()
	now := time.Now().UTC()
	err := repo.SaveCollectible(context.Background(), &domain.Collectible{
		ID:            id,
		AccountID:     "acc-001",
		OrderID:       "ord-" + id,
		AWB:           "AWB-" + id,
		ExpectedBase:  amount,
		ExpectedTotal: amount,
		ActualAmount:  &amount,
		Status:        domain.CollectibleReconciled,
		Source:        domain.SourcePush,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("failed to save collectible %s: %v", id, err)
	}
}

func TestBatchPayoutFlow(t *testing.T) {
	ts := createTestServer(t)
	seedAccount(t, ts.repo)
	seedReconciled(t, ts.repo, "col-001", 130000)

	rr := ts.do(t, http.MethodPost, "/batches", BatchRequest{}, accountHeaders())
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating batch, got %d: %s", rr.Code, rr.Body.String())
	}
	var batch domain.RemittanceBatch
	if err := json.Unmarshal(rr.Body.Bytes(), &batch); err != nil {
		t.Fatalf("failed to parse batch: %v", err)
	}
	if batch.Status != domain.BatchPendingApproval || batch.Tier != domain.TierStandard {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	rr = ts.do(t, http.MethodPost, fmt.Sprintf("/batches/%s/approve", batch.ID), nil, accountHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 approving batch, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = ts.do(t, http.MethodPost, fmt.Sprintf("/batches/%s/approve", batch.ID), nil, accountHeaders())
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 on double approve, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPost, fmt.Sprintf("/batches/%s/payout", batch.ID), nil, accountHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 initiating payout, got %d: %s", rr.Code, rr.Body.String())
	}
	var initiated map[string]string
	json.Unmarshal(rr.Body.Bytes(), &initiated)
	if initiated["providerRef"] != "ref-api-001" {
		t.Fatalf("unexpected payout response: %v", initiated)
	}
	if ts.provider.calls != 1 {
		t.Errorf("expected one provider call, got %d", ts.provider.calls)
	}

	// Provider confirms asynchronously. No account header on this route.
	rr = ts.do(t, http.MethodPost, "/payouts/settlement", domain.SettlementNotice{
		ProviderRef:     "ref-api-001",
		SettlementToken: "utr-12345",
		FinalStatus:     "settled",
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 applying settlement, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodGet, "/batches/"+batch.ID, nil, accountHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching batch, got %d", rr.Code)
	}
	var final domain.RemittanceBatch
	if err := json.Unmarshal(rr.Body.Bytes(), &final); err != nil {
		t.Fatalf("failed to parse batch: %v", err)
	}
	if final.Status != domain.BatchCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}

	// The member reached its terminal state.
	c, err := ts.repo.GetCollectible(context.Background(), "col-001")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if c.Status != domain.CollectiblePaid {
		t.Errorf("expected paid, got %s", c.Status)
	}
}

func TestForecastEndpoints(t *testing.T) {
	ts := createTestServer(t)
	seedAccount(t, ts.repo)
	seedReconciled(t, ts.repo, "col-001", 130000)

	rr := ts.do(t, http.MethodGet, "/forecast", nil, accountHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from forecast, got %d: %s", rr.Code, rr.Body.String())
	}
	var p forecast.Projection
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to parse projection: %v", err)
	}
	if p.DPlus3 != 130000 {
		t.Errorf("expected reconciled amount in d+3 bucket, got %d", p.DPlus3)
	}

	rr = ts.do(t, http.MethodGet, "/forecast/health", nil, accountHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from health summary, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestFileUpload(t *testing.T) {
	ts := createTestServer(t)
	seedAccount(t, ts.repo)

	rr := ts.do(t, http.MethodPost, "/collectibles", RegisterRequest{
		OrderID:      "ord-001",
		AWB:          "AWB-1",
		ExpectedBase: 130000,
	}, accountHeaders())
	if rr.Code != http.StatusCreated {
		t.Fatalf("register failed: %d", rr.Code)
	}

	csv := "awb,amount,timestamp,status\nAWB-1,1300.00,2026-03-10,delivered\n"
	rr = ts.do(t, http.MethodPost, "/files?carrier=carrier-1&status_column=status", []byte(csv), accountHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 processing file, got %d: %s", rr.Code, rr.Body.String())
	}
	var summary ingest.FileSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to parse summary: %v", err)
	}
	if summary.Applied != 1 {
		t.Errorf("expected 1 applied row, got %+v", summary)
	}
}
