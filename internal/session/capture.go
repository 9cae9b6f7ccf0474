package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zyonstudios/stripe-tap-pay-demo/internal/core"
)

// Capture runs one payment attempt: validate -> create intent -> retrieve ->
// collect -> confirm. Strictly sequential; every failure aborts the attempt
// and leaves the session re-invocable. A second call while one attempt is in
// flight returns ErrCaptureInFlight before touching the network.
func (s *Session) Capture(ctx context.Context, amountInput string) (*core.Receipt, error) {
	s.mu.Lock()
	if s.capturing {
		s.mu.Unlock()
		return nil, ErrCaptureInFlight
	}
	if s.reader == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.capturing = true
	s.stage = StageValidating
	_ = s.transition(StateCapturing)
	s.mu.Unlock()

	receipt, err := s.capture(ctx, amountInput)

	// The busy flag clears on every path so the session stays re-invocable.
	// The outcome stage stays visible until the next attempt begins.
	s.mu.Lock()
	s.capturing = false
	if err != nil {
		s.stage = StageFailed
	} else {
		s.stage = StageSucceeded
	}
	if s.state == StateCapturing {
		if s.reader != nil {
			_ = s.transition(StateConnected)
		} else {
			s.forceIdle()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.auditEvent("capture_failed", map[string]interface{}{
			"amount_input": amountInput,
			"error":        err.Error(),
		})
		return nil, err
	}

	s.auditEvent("capture_succeeded", map[string]interface{}{
		"receipt_id":     receipt.ID,
		"amount_minor":   receipt.AmountMinor,
		"payment_intent": receipt.PaymentIntentID,
	})
	return receipt, nil
}

func (s *Session) capture(ctx context.Context, amountInput string) (*core.Receipt, error) {
	minor, err := ParseMinorUnits(amountInput)
	if err != nil {
		return nil, err
	}

	merchant := s.settings.Get()

	s.setStage(StageCreatingIntent)
	intentRef, err := s.backend.CreatePaymentIntent(ctx, merchant.MerchantID, minor)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	s.setStage(StageRetrieving)
	intent, err := s.term.RetrievePaymentIntent(ctx, intentRef.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve payment intent: %w", err)
	}

	// The physical tap happens here. Provider errors pass through verbatim
	// so the merchant sees e.g. "Card declined" as the rails reported it.
	s.setStage(StageCollecting)
	intent, err = s.term.CollectPaymentMethod(ctx, intent)
	if err != nil {
		return nil, err
	}

	s.setStage(StageConfirming)
	intent, err = s.term.ConfirmPaymentIntent(ctx, intent)
	if err != nil {
		return nil, err
	}

	currency := merchant.Currency
	if currency == "" {
		currency = "GBP"
	}

	receipt := core.Receipt{
		ID:              uuid.New().String(),
		MerchantID:      merchant.MerchantID,
		AccountID:       merchant.StripeAccountID,
		AmountMinor:     minor,
		Currency:        currency,
		PaymentIntentID: intent.ID,
		Status:          "succeeded",
		CreatedAt:       time.Now().UTC(),
	}

	if s.store != nil {
		if err := s.store.AppendReceipt(receipt); err != nil {
			s.logger.Errorf("Failed to store receipt %s: %v", receipt.ID, err)
		}
	}

	return &receipt, nil
}

func (s *Session) setStage(stage CaptureStage) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
}
