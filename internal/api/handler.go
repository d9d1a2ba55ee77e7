package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/codremit/codremit/internal/discrepancy"
	"github.com/codremit/codremit/internal/domain"
	"github.com/codremit/codremit/internal/forecast"
	"github.com/codremit/codremit/internal/ingest"
	"github.com/codremit/codremit/internal/ledger"
	"github.com/codremit/codremit/internal/payout"
	"github.com/codremit/codremit/internal/recon"
	"github.com/codremit/codremit/internal/remit"
	"github.com/codremit/codremit/internal/risk"
)

// blockedCustomerMessage is the only text a blocked customer ever sees.
// Scores, flags and levels never leave the platform boundary.
const blockedCustomerMessage = "this payment method is currently unavailable for your order"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	engine    *recon.Engine
	risk      *risk.Service
	ledger    *ledger.Service
	disc      *discrepancy.Service
	push      *ingest.PushAdapter
	files     *ingest.FileProcessor
	remit     *remit.Service
	payouts   *payout.Coordinator
	analytics *forecast.Service
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, engine *recon.Engine, riskSvc *risk.Service, ledgerSvc *ledger.Service, disc *discrepancy.Service, push *ingest.PushAdapter, files *ingest.FileProcessor, remitSvc *remit.Service, payouts *payout.Coordinator, analytics *forecast.Service, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		engine:    engine,
		risk:      riskSvc,
		ledger:    ledgerSvc,
		disc:      disc,
		push:      push,
		files:     files,
		remit:     remitSvc,
		payouts:   payouts,
		analytics: analytics,
		version:   version,
	}
}

// ScoreRequest is the request body for POST /orders/score.
type ScoreRequest struct {
	OrderID           string         `json:"orderId"`
	Phone             string         `json:"phone"`
	Email             string         `json:"email,omitempty"`
	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	Address           domain.Address `json:"address"`
	OrderValue        int64          `json:"orderValue"`
}

// ScoreResponse is the response for POST /orders/score. CustomerMessage is
// the only field safe to forward to the buyer.
type ScoreResponse struct {
	OrderID         string                `json:"orderId"`
	Score           float64               `json:"score"`
	Level           domain.RiskLevel      `json:"level"`
	Flags           []string              `json:"flags,omitempty"`
	Recommendation  domain.Recommendation `json:"recommendation"`
	CustomerMessage string                `json:"customerMessage,omitempty"`
}

// ScoreOrder handles POST /orders/score: gate one incoming cash order.
func (h *Handler) ScoreOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	order := &domain.OrderContext{
		OrderID:           req.OrderID,
		AccountID:         accountID,
		Phone:             req.Phone,
		Email:             req.Email,
		DeviceFingerprint: req.DeviceFingerprint,
		Address:           req.Address,
		OrderValue:        req.OrderValue,
		PlacedAt:          time.Now(),
	}

	assessment, err := h.risk.Assess(ctx, order)
	if err != nil {
		writeError(w, err)
		return
	}

	// The ledger write is what makes velocity counting work; a failure here
	// degrades future scoring but must not fail the gating call.
	if err := h.ledger.RecordOrder(ctx, order, assessment); err != nil {
		slog.Error("failed to record order", "order_id", req.OrderID, "error", err)
	}

	resp := ScoreResponse{
		OrderID:        assessment.OrderID,
		Score:          assessment.Score,
		Level:          assessment.Level,
		Flags:          assessment.Flags,
		Recommendation: assessment.Recommendation,
	}
	if assessment.Recommendation == domain.RecommendBlock || assessment.Recommendation == domain.RecommendDisableCash {
		resp.CustomerMessage = blockedCustomerMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

// OutcomeRequest is the request body for POST /orders/outcome.
type OutcomeRequest struct {
	Phone             string `json:"phone"`
	Email             string `json:"email,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	Pincode           string `json:"pincode,omitempty"`
	Outcome           string `json:"outcome"` // delivered, rto, disputed
}

// RecordOutcome handles POST /orders/outcome: a terminal delivery result.
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	key := domain.IdentityKey(req.Phone, req.Email, req.DeviceFingerprint)
	if err := h.ledger.RecordOutcome(ctx, key, req.Pincode, ledger.Outcome(req.Outcome)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// BlacklistRequest is the request body for POST /profiles/blacklist.
type BlacklistRequest struct {
	Phone             string     `json:"phone"`
	Email             string     `json:"email,omitempty"`
	DeviceFingerprint string     `json:"deviceFingerprint,omitempty"`
	Expiry            *time.Time `json:"expiry,omitempty"`
	Remove            bool       `json:"remove,omitempty"`
}

// Blacklist handles POST /profiles/blacklist.
func (h *Handler) Blacklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	key := domain.IdentityKey(req.Phone, req.Email, req.DeviceFingerprint)
	var err error
	if req.Remove {
		err = h.ledger.Unblacklist(ctx, key)
	} else {
		err = h.ledger.Blacklist(ctx, key, req.Expiry)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ReloadFlagRules handles POST /rules/reload: hot-reload the CEL flag rules.
func (h *Handler) ReloadFlagRules(w http.ResponseWriter, r *http.Request) {
	if err := h.risk.ReloadFlagRules(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// RegisterRequest is the request body for POST /collectibles.
type RegisterRequest struct {
	OrderID          string  `json:"orderId"`
	AWB              string  `json:"awb"`
	ExpectedBase     int64   `json:"expectedBase"`
	ExpectedHandling int64   `json:"expectedHandling"`
	RiskScore        float64 `json:"riskScore,omitempty"`
}

// RegisterCollectible handles POST /collectibles: a shipped cash order.
func (h *Handler) RegisterCollectible(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	c := &domain.Collectible{
		ID:               uuid.New().String(),
		AccountID:        accountID,
		OrderID:          req.OrderID,
		AWB:              req.AWB,
		ExpectedBase:     req.ExpectedBase,
		ExpectedHandling: req.ExpectedHandling,
		ExpectedTotal:    req.ExpectedBase + req.ExpectedHandling,
		RiskScore:        req.RiskScore,
	}
	if err := h.engine.Register(ctx, c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCollectible handles GET /collectibles/{id}.
func (h *Handler) GetCollectible(w http.ResponseWriter, r *http.Request) {
	c, err := h.repo.GetCollectible(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetTimeline handles GET /collectibles/{id}/timeline.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	entries, err := h.repo.ListTimeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// CarrierEvent handles POST /carriers/{carrierID}/events: the push webhook.
// Authentication is the X-Signature header; duplicate deliveries are
// acknowledged without reprocessing.
func (h *Handler) CarrierEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	carrierID := chi.URLParam(r, "carrierID")
	signature := r.Header.Get(SignatureHeader)

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return
	}

	report, accepted, err := h.push.HandleEvent(ctx, carrierID, payload, signature)
	if err != nil {
		writeError(w, err)
		return
	}
	if !accepted {
		// Duplicate or non-collection event: acknowledged, nothing to do.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"awb":    report.AWB,
	})
}

// UploadFile handles POST /files: a carrier settlement CSV. The column
// mapping comes from query parameters since carriers disagree on layout.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	mapping := ingest.ColumnMapping{
		AWB:       q.Get("awb_column"),
		Amount:    q.Get("amount_column"),
		Timestamp: q.Get("timestamp_column"),
		Status:    q.Get("status_column"),
	}
	if mapping.AWB == "" {
		mapping.AWB = "awb"
	}
	if mapping.Amount == "" {
		mapping.Amount = "amount"
	}
	if mapping.Timestamp == "" {
		mapping.Timestamp = "timestamp"
	}
	carrierID := q.Get("carrier")

	summary, err := h.files.Process(ctx, r.Body, carrierID, mapping)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListDiscrepancies handles GET /discrepancies: the account's open queue.
func (h *Handler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	open, err := h.disc.ListOpen(r.Context(), GetAccountID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"discrepancies": open,
		"count":         len(open),
	})
}

// GetDiscrepancy handles GET /discrepancies/{id}.
func (h *Handler) GetDiscrepancy(w http.ResponseWriter, r *http.Request) {
	d, err := h.disc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// TransitionRequest is the request body for discrepancy workflow moves.
type TransitionRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// TransitionDiscrepancy handles POST /discrepancies/{id}/transition.
func (h *Handler) TransitionDiscrepancy(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	d, err := h.disc.Transition(r.Context(), chi.URLParam(r, "id"), domain.DiscrepancyStatus(req.Status), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ResolveRequest is the request body for POST /discrepancies/{id}/resolve.
type ResolveRequest struct {
	CorrectedAmount int64  `json:"correctedAmount"`
	Note            string `json:"note,omitempty"`
}

// ResolveDiscrepancy handles POST /discrepancies/{id}/resolve.
func (h *Handler) ResolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	d, err := h.disc.ResolveCorrected(r.Context(), chi.URLParam(r, "id"), req.CorrectedAmount, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// AcceptDiscrepancy handles POST /discrepancies/{id}/accept.
func (h *Handler) AcceptDiscrepancy(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	d, err := h.disc.AcceptReported(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetEligibility handles GET /eligibility.
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	result, err := h.remit.Eligibility(r.Context(), GetAccountID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BatchRequest is the request body for POST /batches.
type BatchRequest struct {
	Tier string `json:"tier"`
}

// CreateBatch handles POST /batches.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	tier := domain.RemitTier(req.Tier)
	if tier == "" {
		tier = domain.TierStandard
	}

	b, err := h.remit.BuildBatch(r.Context(), GetAccountID(r.Context()), tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// GetBatch handles GET /batches/{id}.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.remit.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ApproveBatch handles POST /batches/{id}/approve.
func (h *Handler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.remit.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CancelBatch handles POST /batches/{id}/cancel.
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.remit.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ExecutePayout handles POST /batches/{id}/payout.
func (h *Handler) ExecutePayout(w http.ResponseWriter, r *http.Request) {
	ref, err := h.payouts.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "initiated",
		"providerRef": ref,
	})
}

// Settlement handles POST /payouts/settlement: the provider's async
// confirmation callback. Replays are acknowledged idempotently.
func (h *Handler) Settlement(w http.ResponseWriter, r *http.Request) {
	var notice domain.SettlementNotice
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if notice.ReceivedAt.IsZero() {
		notice.ReceivedAt = time.Now()
	}

	if err := h.payouts.HandleSettlement(r.Context(), &notice); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// GetForecast handles GET /forecast.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	p, err := h.analytics.Project(r.Context(), GetAccountID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetHealthSummary handles GET /forecast/health.
func (h *Handler) GetHealthSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.analytics.Summarize(r.Context(), GetAccountID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrAlreadyInProgress):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrCreditLimitExceeded):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrExternalTimeout):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
