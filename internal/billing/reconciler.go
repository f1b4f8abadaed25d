package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload is returned when a verified webhook body cannot be
// parsed. The request is rejected; nothing is mutated.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// HandleWebhook verifies, deduplicates, and applies one provider webhook
// delivery. A nil return means the delivery is acknowledged; retriable
// failures (store or provider errors) are returned so the provider redelivers.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	if err := VerifySignature(payload, sigHeader, s.webhookSecret); err != nil {
		return err
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil || event.ID == "" || event.Type == "" {
		return ErrMalformedPayload
	}

	fresh, err := s.store.RecordWebhookEvent(ctx, event.ID, event.Type)
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	if !fresh {
		s.logger.Info("duplicate webhook delivery ignored", "event_id", event.ID, "type", event.Type)
		return nil
	}

	s.logger.Info("processing webhook event", "event_id", event.ID, "type", event.Type)
	return s.dispatch(ctx, &event)
}

func (s *Service) dispatch(ctx context.Context, event *Event) error {
	switch event.Type {
	case EventCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, event.Data.Object)
	case EventSubscriptionUpdated:
		return s.applySubscriptionUpdated(ctx, event.Data.Object)
	case EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, event.Data.Object)
	case EventInvoicePaid:
		return s.applyInvoicePaid(ctx, event.Data.Object)
	case EventInvoiceUpcoming:
		return s.applyInvoiceUpcoming(ctx, event.Data.Object)
	default:
		s.logger.Info("unhandled webhook event type", "type", event.Type)
		return nil
	}
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, raw json.RawMessage) error {
	var session CheckoutSessionObject
	if err := json.Unmarshal(raw, &session); err != nil {
		return ErrMalformedPayload
	}

	userID := session.Metadata["user_id"]
	if userID == "" || session.Subscription == "" {
		// Sessions without our metadata are not ours to act on.
		return nil
	}
	plan := session.Metadata["plan"]
	if plan == "" {
		plan = PlanPro
	}

	err := s.store.ActivateCheckout(ctx, userID, session.Customer, session.Subscription, plan, s.catalog.MinutesIncluded(plan))
	if err != nil {
		return fmt.Errorf("activate checkout: %w", err)
	}
	s.logger.Info("checkout completed", "user_id", userID, "plan", plan, "customer", session.Customer)
	return nil
}

// providerStatusMap translates provider subscription statuses to ours.
// Statuses not listed map to "active".
var providerStatusMap = map[string]string{
	"active":             StatusActive,
	"past_due":           StatusPastDue,
	"canceled":           StatusCanceled,
	"trialing":           StatusTrialing,
	"incomplete":         StatusPastDue,
	"incomplete_expired": StatusCanceled,
	"unpaid":             StatusPastDue,
}

func mapStatus(providerStatus string) string {
	if status, ok := providerStatusMap[providerStatus]; ok {
		return status
	}
	return StatusActive
}

// unixOrNow converts a unix timestamp, falling back to the current time for
// missing or nonsensical values.
func unixOrNow(ts int64) time.Time {
	if ts <= 0 {
		return time.Now()
	}
	return time.Unix(ts, 0)
}

func (s *Service) applySubscriptionUpdated(ctx context.Context, raw json.RawMessage) error {
	var sub SubscriptionObject
	if err := json.Unmarshal(raw, &sub); err != nil {
		return ErrMalformedPayload
	}

	status := mapStatus(sub.Status)
	// An unrecognized price leaves the stored plan untouched.
	plan := s.catalog.PlanForPrice(sub.PriceID())

	err := s.store.UpdateSubscriptionState(ctx, sub.Customer, status, plan,
		unixOrNow(sub.CurrentPeriodStart), unixOrNow(sub.CurrentPeriodEnd))
	if err != nil {
		return fmt.Errorf("update subscription state: %w", err)
	}
	s.logger.Info("subscription updated", "customer", sub.Customer, "status", status)
	return nil
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, raw json.RawMessage) error {
	var sub SubscriptionObject
	if err := json.Unmarshal(raw, &sub); err != nil {
		return ErrMalformedPayload
	}

	if err := s.store.CancelSubscription(ctx, sub.Customer); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	s.logger.Info("subscription canceled", "customer", sub.Customer)
	return nil
}

func (s *Service) applyInvoicePaid(ctx context.Context, raw json.RawMessage) error {
	var invoice InvoiceObject
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return ErrMalformedPayload
	}

	// One-off invoices with no subscription don't open a billing period.
	if invoice.Subscription == "" {
		return nil
	}

	if err := s.store.ResetUsage(ctx, invoice.Customer); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	s.logger.Info("usage reset for new billing period", "customer", invoice.Customer)
	return nil
}

func (s *Service) applyInvoiceUpcoming(ctx context.Context, raw json.RawMessage) error {
	var invoice InvoiceObject
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return ErrMalformedPayload
	}

	sub, err := s.store.GetSubscriptionByCustomer(ctx, invoice.Customer)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil || sub.Plan != PlanPro {
		// Only the pro plan is metered.
		return nil
	}

	included := sub.MinutesIncluded
	if included == 0 {
		included = proIncludedMinutes
	}
	overage := sub.MinutesUsed - included
	if overage <= 0 {
		return nil
	}

	// Claim the period first so a redelivery can never double-charge.
	charged, err := s.store.MarkOveragePeriodCharged(ctx, sub.UserID, sub.CurrentPeriodEnd)
	if err != nil {
		return fmt.Errorf("mark overage charged: %w", err)
	}
	if !charged {
		s.logger.Info("overage already charged for period", "customer", invoice.Customer, "period_end", sub.CurrentPeriodEnd)
		return nil
	}

	amountCents := overage * s.overageRateCents
	description := fmt.Sprintf("Overage: %d additional minutes @ $%.2f/min", overage, float64(s.overageRateCents)/100)
	if err := s.provider.CreateInvoiceItem(ctx, invoice.Customer, amountCents, description); err != nil {
		return fmt.Errorf("create overage invoice item: %w", err)
	}

	s.logger.Info("overage charged", "customer", invoice.Customer, "minutes", overage, "amount_cents", amountCents)
	return nil
}
