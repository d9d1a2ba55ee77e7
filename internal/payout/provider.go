package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/codremit/codremit/internal/domain"
)

// HTTPProvider calls a payment provider's transfer API over HTTP. The
// idempotency key rides both the body and the Idempotency-Key header.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider client. Call timeouts come from the
// caller's context; the http.Client itself carries no timeout.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

type transferResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error,omitempty"`
}

// InitiatePayout requests a transfer and returns the provider reference.
func (p *HTTPProvider) InitiatePayout(ctx context.Context, req *domain.PayoutRequest) (string, error) {
	tracer := otel.Tracer("codremit/payout")
	ctx, span := tracer.Start(ctx, "provider.InitiatePayout")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("payout.amount", req.Amount),
		attribute.String("payout.idempotency_key", req.IdempotencyKey),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payout request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer call failed")
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var out transferResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("malformed provider response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out.Reference == "" {
			return "", fmt.Errorf("provider accepted transfer without a reference")
		}
		span.SetAttributes(attribute.String("payout.provider_ref", out.Reference))
		return out.Reference, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		span.SetStatus(codes.Error, "transfer rejected")
		return "", fmt.Errorf("%w: provider rejected transfer (%d): %s", domain.ErrValidation, resp.StatusCode, out.Error)

	default:
		span.SetStatus(codes.Error, "transfer errored")
		return "", fmt.Errorf("provider error (%d): %s", resp.StatusCode, out.Error)
	}
}
