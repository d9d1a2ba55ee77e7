package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// HTTPPoller fetches collection status from a carrier's status API.
// Timeouts come from the caller's context.
type HTTPPoller struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPoller creates a carrier status poller.
func NewHTTPPoller(baseURL string) *HTTPPoller {
	return &HTTPPoller{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

type pollResponse struct {
	AWB             string    `json:"awb"`
	Status          string    `json:"status"`
	CollectedAmount int64     `json:"collectedAmount"`
	Timestamp       time.Time `json:"timestamp"`
}

// Poll returns the collection report for one shipment, nil when the
// shipment has not been delivered yet, or ErrNotFound when the carrier
// does not know the AWB.
func (p *HTTPPoller) Poll(ctx context.Context, carrierID, awb string) (*domain.CollectionReport, error) {
	url := fmt.Sprintf("%s/v1/carriers/%s/shipments/%s", p.baseURL, carrierID, awb)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: carrier %s does not know awb %s", domain.ErrNotFound, carrierID, awb)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("carrier status call failed (%d)", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out pollResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed carrier status response: %w", err)
	}

	if !deliveredStatus(out.Status) {
		return nil, nil
	}

	return &domain.CollectionReport{
		AWB:            awb,
		CarrierID:      carrierID,
		ReportedAmount: out.CollectedAmount,
		ReportedAt:     out.Timestamp,
		Source:         domain.SourcePoll,
	}, nil
}
