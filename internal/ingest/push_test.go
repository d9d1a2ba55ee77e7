package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/codremit/codremit/internal/bus"
	"github.com/codremit/codremit/internal/domain"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier(map[string]string{"carrier-1": "topsecret"})
	ctx := context.Background()
	payload := []byte(`{"awb":"AWB-1"}`)

	if err := v.Verify(ctx, "carrier-1", payload, sign("topsecret", payload)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if err := v.Verify(ctx, "carrier-1", payload, sign("wrongsecret", payload)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for bad signature, got %v", err)
	}
	if err := v.Verify(ctx, "carrier-1", payload, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing signature, got %v", err)
	}
	if err := v.Verify(ctx, "carrier-x", payload, sign("topsecret", payload)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown carrier, got %v", err)
	}
}

func TestHandleEvent(t *testing.T) {
	repo := newTestRepo(t)
	b := bus.NewChannelBus(10)
	defer b.Close()

	verifier := NewHMACVerifier(map[string]string{"carrier-1": "topsecret"})
	adapter := NewPushAdapter(verifier, repo, b)

	event := map[string]any{
		"eventId":         "evt-001",
		"awb":             "AWB-1",
		"status":          "delivered",
		"collectedAmount": 130000,
		"timestamp":       "2026-03-10T14:00:00Z",
	}
	payload, _ := json.Marshal(event)

	ctx := context.Background()
	report, accepted, err := adapter.HandleEvent(ctx, "carrier-1", payload, sign("topsecret", payload))
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !accepted {
		t.Fatal("expected event accepted")
	}
	if report.AWB != "AWB-1" || report.ReportedAmount != 130000 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Source != domain.SourcePush {
		t.Errorf("expected push source, got %s", report.Source)
	}

	// A re-delivered event is dropped without error.
	_, accepted, err = adapter.HandleEvent(ctx, "carrier-1", payload, sign("topsecret", payload))
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if accepted {
		t.Error("expected redelivery ignored")
	}
}

// faultyBus fails the first Publish call and succeeds afterwards.
type faultyBus struct {
	calls int
}

func (b *faultyBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.calls++
	if b.calls == 1 {
		return errors.New("bus unavailable")
	}
	return nil
}

func (b *faultyBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *faultyBus) Ping(ctx context.Context) error { return nil }
func (b *faultyBus) Close() error                   { return nil }

func TestHandleEventRetriedAfterPublishFailure(t *testing.T) {
	repo := newTestRepo(t)
	verifier := NewHMACVerifier(map[string]string{"carrier-1": "topsecret"})
	adapter := NewPushAdapter(verifier, repo, &faultyBus{})

	event := map[string]any{
		"eventId":         "evt-001",
		"awb":             "AWB-1",
		"status":          "delivered",
		"collectedAmount": 130000,
		"timestamp":       "2026-03-10T14:00:00Z",
	}
	payload, _ := json.Marshal(event)

	ctx := context.Background()
	_, accepted, err := adapter.HandleEvent(ctx, "carrier-1", payload, sign("topsecret", payload))
	if err == nil {
		t.Fatal("expected error when the bus is down")
	}
	if accepted {
		t.Fatal("expected event not accepted on publish failure")
	}

	// The carrier retries the same event: it must go through, not be
	// dropped as a re-delivery of the failed attempt.
	_, accepted, err = adapter.HandleEvent(ctx, "carrier-1", payload, sign("topsecret", payload))
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !accepted {
		t.Fatal("expected retry accepted after publish failure")
	}

	// A third delivery really is a replay.
	_, accepted, err = adapter.HandleEvent(ctx, "carrier-1", payload, sign("topsecret", payload))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if accepted {
		t.Error("expected replay ignored")
	}
}

func TestHandleEventRejections(t *testing.T) {
	repo := newTestRepo(t)
	b := bus.NewChannelBus(10)
	defer b.Close()

	verifier := NewHMACVerifier(map[string]string{"carrier-1": "topsecret"})
	adapter := NewPushAdapter(verifier, repo, b)
	ctx := context.Background()

	payload := []byte(`{"eventId":"evt-001","awb":"AWB-1","status":"delivered","collectedAmount":100}`)
	if _, _, err := adapter.HandleEvent(ctx, "carrier-1", payload, "deadbeef"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for bad signature, got %v", err)
	}

	bad := []byte(`{not json`)
	if _, _, err := adapter.HandleEvent(ctx, "carrier-1", bad, sign("topsecret", bad)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for malformed payload, got %v", err)
	}

	missing := []byte(`{"status":"delivered","collectedAmount":100}`)
	if _, _, err := adapter.HandleEvent(ctx, "carrier-1", missing, sign("topsecret", missing)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing fields, got %v", err)
	}

	// Tracking noise: out-for-delivery is not a collection.
	transit := []byte(`{"eventId":"evt-002","awb":"AWB-2","status":"out_for_delivery","collectedAmount":0}`)
	_, accepted, err := adapter.HandleEvent(ctx, "carrier-1", transit, sign("topsecret", transit))
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if accepted {
		t.Error("expected non-delivery status skipped")
	}
}
