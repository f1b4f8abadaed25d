package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/store"
)

var (
	// ErrUnknownPlan is returned when a checkout names a plan we don't sell.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrNotSubscribed is returned when an operation needs a provider
	// customer that the user doesn't have yet.
	ErrNotSubscribed = errors.New("no billing customer for user")
)

// Service owns subscription records and the payment provider integration.
type Service struct {
	store            store.Store
	provider         Provider
	catalog          *Catalog
	webhookSecret    string
	trialDays        int
	overageRateCents int
	logger           *slog.Logger
}

// NewService creates a billing service.
func NewService(s store.Store, p Provider, cfg config.BillingConfig, logger *slog.Logger) *Service {
	return &Service{
		store:            s,
		provider:         p,
		catalog:          NewCatalog(cfg),
		webhookSecret:    cfg.WebhookSecret,
		trialDays:        cfg.TrialDays,
		overageRateCents: cfg.OverageRateCents,
		logger:           logger.With("component", "billing"),
	}
}

// EnsureSubscription returns the user's subscription record, creating a
// default one on first access.
func (s *Service) EnsureSubscription(ctx context.Context, userID string) (*store.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub != nil {
		return sub, nil
	}

	sub = &store.Subscription{
		UserID:          userID,
		Plan:            PlanPro,
		MinutesIncluded: proIncludedMinutes,
		UpdatedAt:       time.Now(),
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// StartCheckout creates a hosted checkout session for a plan upgrade and
// returns it. The provider customer is created on first use.
func (s *Service) StartCheckout(ctx context.Context, userID, email, plan, successURL, cancelURL string) (*CheckoutSessionResult, error) {
	priceID, ok := s.catalog.PriceForPlan(plan)
	if !ok {
		return nil, ErrUnknownPlan
	}

	customerID, err := s.ensureCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		TrialDays:  s.trialDays,
		UserID:     userID,
		Plan:       plan,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	s.logger.Info("checkout session created", "user_id", userID, "plan", plan, "session_id", session.ID)
	return session, nil
}

// PortalURL creates a billing portal session for an existing customer.
func (s *Service) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil || sub.ProviderCustomerID == "" {
		return "", ErrNotSubscribed
	}

	url, err := s.provider.CreatePortalSession(ctx, sub.ProviderCustomerID, returnURL)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return url, nil
}

// ensureCustomer returns the user's provider customer ID, creating the
// customer on first use. The stored ID wins if two requests race.
func (s *Service) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	sub, err := s.EnsureSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub.ProviderCustomerID != "" {
		return sub.ProviderCustomerID, nil
	}

	customerID, err := s.provider.CreateCustomer(ctx, email, userID)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	if err := s.store.SetSubscriptionCustomer(ctx, userID, customerID); err != nil {
		return "", fmt.Errorf("save customer id: %w", err)
	}

	sub, err = s.store.GetSubscription(ctx, userID)
	if err != nil || sub == nil {
		return customerID, err
	}
	return sub.ProviderCustomerID, nil
}
