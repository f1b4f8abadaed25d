package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/store"
)

const testWebhookSecret = "whsec_test_secret"

// fakeProvider records provider API calls instead of making them.
type fakeProvider struct {
	customers    int
	invoiceItems []invoiceItem
	failInvoice  bool
}

type invoiceItem struct {
	customerID  string
	amountCents int
	description string
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	f.customers++
	return fmt.Sprintf("cus_fake_%d", f.customers), nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSessionResult, error) {
	return &CheckoutSessionResult{ID: "cs_fake", URL: "https://pay.example.com/cs_fake"}, nil
}

func (f *fakeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "https://pay.example.com/portal", nil
}

func (f *fakeProvider) CreateInvoiceItem(ctx context.Context, customerID string, amountCents int, description string) error {
	if f.failInvoice {
		return errors.New("provider unavailable")
	}
	f.invoiceItems = append(f.invoiceItems, invoiceItem{customerID, amountCents, description})
	return nil
}

func newTestBilling(t *testing.T) (*Service, *store.SQLiteStore, *fakeProvider) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	provider := &fakeProvider{}
	cfg := config.BillingConfig{
		WebhookSecret:    testWebhookSecret,
		PriceIDPro:       "price_pro",
		PriceIDTeam:      "price_team",
		OverageRateCents: 5,
		TrialDays:        7,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(s, provider, cfg, logger), s, provider
}

// signedEvent builds a webhook payload and a valid signature header for it.
func signedEvent(t *testing.T, id, kind string, object any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(map[string]any{
		"id":   id,
		"type": kind,
		"data": map[string]any{"object": json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return payload, SignPayload(payload, testWebhookSecret, time.Now())
}

// seedSubscribedUser creates a user with an active subscription bound to a
// provider customer.
func seedSubscribedUser(t *testing.T, s *store.SQLiteStore, customerID, plan string, used int) *store.Subscription {
	t.Helper()
	ctx := context.Background()
	u := &store.User{ID: "user-" + customerID, Email: customerID + "@example.com", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	included := 0
	if plan == PlanPro {
		included = 300
	}
	sub := &store.Subscription{
		UserID:                 u.ID,
		ProviderCustomerID:     customerID,
		ProviderSubscriptionID: "sub_" + customerID,
		Plan:                   plan,
		Status:                 StatusActive,
		MinutesIncluded:        included,
		MinutesUsed:            used,
		CurrentPeriodStart:     time.Now().Add(-15 * 24 * time.Hour).Truncate(time.Second),
		CurrentPeriodEnd:       time.Now().Add(15 * 24 * time.Hour).Truncate(time.Second),
		UpdatedAt:              time.Now(),
	}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestCheckoutCompletedActivatesSubscription(t *testing.T) {
	svc, s, _ := newTestBilling(t)
	ctx := context.Background()

	u := &store.User{ID: "u1", Email: "u1@example.com", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.EnsureSubscription(ctx, u.ID); err != nil {
		t.Fatal(err)
	}

	payload, sig := signedEvent(t, "evt_checkout", EventCheckoutCompleted, map[string]any{
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"user_id": u.ID, "plan": "team"},
	})
	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	sub, _ := s.GetSubscription(ctx, u.ID)
	if sub.Status != StatusTrialing {
		t.Errorf("status = %q, want trialing", sub.Status)
	}
	if sub.Plan != PlanTeam || sub.ProviderCustomerID != "cus_1" || sub.ProviderSubscriptionID != "sub_1" {
		t.Errorf("subscription = %+v", sub)
	}
}

func TestCheckoutCompletedWithoutMetadataIsIgnored(t *testing.T) {
	svc, _, _ := newTestBilling(t)

	payload, sig := signedEvent(t, "evt_foreign", EventCheckoutCompleted, map[string]any{
		"customer":     "cus_x",
		"subscription": "sub_x",
	})
	if err := svc.HandleWebhook(context.Background(), payload, sig); err != nil {
		t.Fatalf("foreign checkout session should be acknowledged: %v", err)
	}
}

func TestSubscriptionUpdatedStatusMapping(t *testing.T) {
	cases := []struct {
		provider string
		want     string
	}{
		{"active", StatusActive},
		{"past_due", StatusPastDue},
		{"canceled", StatusCanceled},
		{"trialing", StatusTrialing},
		{"incomplete", StatusPastDue},
		{"incomplete_expired", StatusCanceled},
		{"unpaid", StatusPastDue},
		{"paused", StatusActive}, // anything unrecognized
	}

	for i, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			svc, s, _ := newTestBilling(t)
			ctx := context.Background()
			customer := fmt.Sprintf("cus_status_%d", i)
			seedSubscribedUser(t, s, customer, PlanPro, 0)

			payload, sig := signedEvent(t, "evt_"+tc.provider, EventSubscriptionUpdated, map[string]any{
				"customer":             customer,
				"status":               tc.provider,
				"current_period_start": time.Now().Unix(),
				"current_period_end":   time.Now().Add(30 * 24 * time.Hour).Unix(),
			})
			if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
				t.Fatalf("HandleWebhook: %v", err)
			}

			sub, _ := s.GetSubscriptionByCustomer(ctx, customer)
			if sub.Status != tc.want {
				t.Errorf("status = %q, want %q", sub.Status, tc.want)
			}
		})
	}
}

func TestSubscriptionUpdatedPlanFromPrice(t *testing.T) {
	svc, s, _ := newTestBilling(t)
	ctx := context.Background()
	seedSubscribedUser(t, s, "cus_plan", PlanPro, 0)

	subObj := func(priceID string) map[string]any {
		return map[string]any{
			"customer": "cus_plan",
			"status":   "active",
			"items": map[string]any{
				"data": []map[string]any{{"price": map[string]string{"id": priceID}}},
			},
			"current_period_start": time.Now().Unix(),
			"current_period_end":   time.Now().Add(30 * 24 * time.Hour).Unix(),
		}
	}

	payload, sig := signedEvent(t, "evt_price_team", EventSubscriptionUpdated, subObj("price_team"))
	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatal(err)
	}
	sub, _ := s.GetSubscriptionByCustomer(ctx, "cus_plan")
	if sub.Plan != PlanTeam {
		t.Errorf("plan = %q, want team", sub.Plan)
	}

	// An unrecognized price must not change the stored plan.
	payload, sig = signedEvent(t, "evt_price_other", EventSubscriptionUpdated, subObj("price_someone_elses"))
	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatal(err)
	}
	sub, _ = s.GetSubscriptionByCustomer(ctx, "cus_plan")
	if sub.Plan != PlanTeam {
		t.Errorf("plan = %q after unmatched price, want team", sub.Plan)
	}
}

func TestSubscriptionUpdatedMissingTimestamps(t *testing.T) {
	svc, s, _ := newTestBilling(t)
	ctx := context.Background()
	seedSubscribedUser(t, s, "cus_ts", PlanPro, 0)

	before := time.Now().Add(-time.Second)
	payload, sig := signedEvent(t, "evt_no_ts", EventSubscriptionUpdated, map[string]any{
		"customer": "cus_ts",
		"status":   "active",
	})
	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatal(err)
	}

	sub, _ := s.GetSubscriptionByCustomer(ctx, "cus_ts")
	if sub.CurrentPeriodStart.Before(before) || sub.CurrentPeriodEnd.Before(before) {
		t.Errorf("missing timestamps should default to now, got %v / %v", sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	}
}

func TestSubscriptionDeleted(t *testing.T) {
	svc, s, _ := newTestBilling(t)
	ctx := context.Background()
	seedSubscribedUser(t, s, "cus_del", PlanPro, 0)

	payload, sig := signedEvent(t, "evt_del", EventSubscriptionDeleted, map[string]any{
		"customer": "cus_del",
	})
	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatal(err)
	}

	sub, _ := s.GetSubscriptionByCustomer(ctx, "cus_del")
	if sub.Status != StatusCanceled {
		t.Errorf("status = %q, want canceled", sub.Status)
	}
	if sub.ProviderSubscriptionID != "" {
		t.Errorf("subscription id not cleared: %q", sub.ProviderSubscriptionID)
	}
}

func TestInvoicePaidResetsUsage(t *testing.T) {
	svc, s, _ := newTestBilling(t)
	ctx := context.Background()
	seedSubscribedUser(t, s, "cus_paid", PlanPro, 250)

	payload, sig := signedEvent(t, "evt_paid", EventInvoicePaid, map[string]any{
		"customer":     "cus_paid",
		"subscription": "sub_cus_paid",
	})
	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatal(err)
	}

	sub, _ := s.GetSubscriptionByCustomer(ctx, "cus_paid")
	if sub.MinutesUsed != 0 {
		t.Errorf("minutes used = %d, want 0", sub.MinutesUsed)
	}
}

func TestInvoicePaidWithoutSubscriptionKeepsUsage(t *testing.T) {
	svc, s, _ := newTestBilling(t)
	ctx := context.Background()
	seedSubscribedUser(t, s, "cus_oneoff", PlanPro, 250)

	payload, sig := signedEvent(t, "evt_oneoff", EventInvoicePaid, map[string]any{
		"customer": "cus_oneoff",
	})
	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatal(err)
	}

	sub, _ := s.GetSubscriptionByCustomer(ctx, "cus_oneoff")
	if sub.MinutesUsed != 250 {
		t.Errorf("one-off invoice reset usage: %d", sub.MinutesUsed)
	}
}

func TestInvoiceUpcomingOverage(t *testing.T) {
	cases := []struct {
		name      string
		plan      string
		used      int
		wantCents int
	}{
		{"pro small overage", PlanPro, 310, 50},
		{"pro large overage", PlanPro, 450, 750},
		{"pro under allowance", PlanPro, 290, 0},
		{"pro at allowance", PlanPro, 300, 0},
		{"team exempt", PlanTeam, 900, 0},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, s, provider := newTestBilling(t)
			ctx := context.Background()
			customer := fmt.Sprintf("cus_ov_%d", i)
			seedSubscribedUser(t, s, customer, tc.plan, tc.used)

			payload, sig := signedEvent(t, "evt_ov_"+tc.name, EventInvoiceUpcoming, map[string]any{
				"customer": customer,
			})
			if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
				t.Fatalf("HandleWebhook: %v", err)
			}

			if tc.wantCents == 0 {
				if len(provider.invoiceItems) != 0 {
					t.Fatalf("unexpected invoice item: %+v", provider.invoiceItems)
				}
				return
			}
			if len(provider.invoiceItems) != 1 {
				t.Fatalf("got %d invoice items, want 1", len(provider.invoiceItems))
			}
			item := provider.invoiceItems[0]
			if item.amountCents != tc.wantCents {
				t.Errorf("amount = %d cents, want %d", item.amountCents, tc.wantCents)
			}
			if item.customerID != customer {
				t.Errorf("customer = %q", item.customerID)
			}
		})
	}
}

func TestInvoiceUpcomingChargedOncePerPeriod(t *testing.T) {
	svc, s, provider := newTestBilling(t)
	ctx := context.Background()
	sub := seedSubscribedUser(t, s, "cus_once", PlanPro, 400)

	first, sig1 := signedEvent(t, "evt_once_1", EventInvoiceUpcoming, map[string]any{"customer": "cus_once"})
	if err := svc.HandleWebhook(ctx, first, sig1); err != nil {
		t.Fatal(err)
	}
	// A second upcoming-invoice notification for the same period must not
	// produce a second charge, even with a distinct event id.
	second, sig2 := signedEvent(t, "evt_once_2", EventInvoiceUpcoming, map[string]any{"customer": "cus_once"})
	if err := svc.HandleWebhook(ctx, second, sig2); err != nil {
		t.Fatal(err)
	}

	if len(provider.invoiceItems) != 1 {
		t.Fatalf("got %d invoice items, want 1", len(provider.invoiceItems))
	}

	// The next period is chargeable again.
	next := sub.CurrentPeriodEnd.Add(30 * 24 * time.Hour)
	if err := s.UpdateSubscriptionState(ctx, "cus_once", StatusActive, "", sub.CurrentPeriodEnd, next); err != nil {
		t.Fatal(err)
	}
	third, sig3 := signedEvent(t, "evt_once_3", EventInvoiceUpcoming, map[string]any{"customer": "cus_once"})
	if err := svc.HandleWebhook(ctx, third, sig3); err != nil {
		t.Fatal(err)
	}
	if len(provider.invoiceItems) != 2 {
		t.Errorf("got %d invoice items after new period, want 2", len(provider.invoiceItems))
	}
}

func TestDuplicateEventDeliveryIsIgnored(t *testing.T) {
	svc, s, _ := newTestBilling(t)
	ctx := context.Background()
	seedSubscribedUser(t, s, "cus_dup", PlanPro, 250)

	payload, sig := signedEvent(t, "evt_dup", EventInvoicePaid, map[string]any{
		"customer":     "cus_dup",
		"subscription": "sub_cus_dup",
	})
	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatal(err)
	}

	// Re-add usage, then redeliver the same event. The redelivery must not
	// reset usage again.
	sub, _ := s.GetSubscriptionByCustomer(ctx, "cus_dup")
	if err := s.AddUsageMinutes(ctx, sub.UserID, 100); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleWebhook(ctx, payload, sig); err != nil {
		t.Fatal(err)
	}

	sub, _ = s.GetSubscriptionByCustomer(ctx, "cus_dup")
	if sub.MinutesUsed != 100 {
		t.Errorf("redelivery mutated state: minutes used = %d, want 100", sub.MinutesUsed)
	}
}

func TestTamperedSignatureRejectedWithoutMutation(t *testing.T) {
	svc, s, _ := newTestBilling(t)
	ctx := context.Background()
	seedSubscribedUser(t, s, "cus_tamper", PlanPro, 250)

	payload, sig := signedEvent(t, "evt_tamper", EventInvoicePaid, map[string]any{
		"customer":     "cus_tamper",
		"subscription": "sub_cus_tamper",
	})

	// Flip one byte of the payload after signing.
	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-2] ^= 0x01

	err := svc.HandleWebhook(ctx, tampered, sig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}

	sub, _ := s.GetSubscriptionByCustomer(ctx, "cus_tamper")
	if sub.MinutesUsed != 250 {
		t.Errorf("rejected delivery mutated state: %d", sub.MinutesUsed)
	}

	if err := svc.HandleWebhook(ctx, payload, "t=123,v1=junk"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("garbage header: got %v", err)
	}
	if err := svc.HandleWebhook(ctx, payload, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("missing header: got %v", err)
	}
}

func TestUnknownEventTypeIsAcknowledged(t *testing.T) {
	svc, _, _ := newTestBilling(t)

	payload, sig := signedEvent(t, "evt_unknown", "customer.created", map[string]any{"id": "cus_x"})
	if err := svc.HandleWebhook(context.Background(), payload, sig); err != nil {
		t.Errorf("unknown event type should be acknowledged, got %v", err)
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	svc, _, _ := newTestBilling(t)

	payload := []byte("not json at all")
	sig := SignPayload(payload, testWebhookSecret, time.Now())
	if err := svc.HandleWebhook(context.Background(), payload, sig); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("got %v, want ErrMalformedPayload", err)
	}

	// Valid JSON missing the envelope fields is also malformed.
	payload = []byte(`{"hello":"world"}`)
	sig = SignPayload(payload, testWebhookSecret, time.Now())
	if err := svc.HandleWebhook(context.Background(), payload, sig); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("got %v, want ErrMalformedPayload", err)
	}
}

func TestProviderFailurePropagatesForRetry(t *testing.T) {
	svc, s, provider := newTestBilling(t)
	ctx := context.Background()
	seedSubscribedUser(t, s, "cus_fail", PlanPro, 400)
	provider.failInvoice = true

	payload, sig := signedEvent(t, "evt_fail", EventInvoiceUpcoming, map[string]any{"customer": "cus_fail"})
	if err := svc.HandleWebhook(ctx, payload, sig); err == nil {
		t.Fatal("provider failure should propagate so the delivery is retried")
	}
}

func TestStartCheckoutCreatesCustomerOnce(t *testing.T) {
	svc, s, provider := newTestBilling(t)
	ctx := context.Background()

	u := &store.User{ID: "u_checkout", Email: "co@example.com", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	session, err := svc.StartCheckout(ctx, u.ID, u.Email, PlanPro, "https://app/success", "https://app/cancel")
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	if session.URL == "" {
		t.Error("empty checkout URL")
	}

	if _, err := svc.StartCheckout(ctx, u.ID, u.Email, PlanTeam, "https://app/success", "https://app/cancel"); err != nil {
		t.Fatal(err)
	}
	if provider.customers != 1 {
		t.Errorf("created %d customers, want 1", provider.customers)
	}

	if _, err := svc.StartCheckout(ctx, u.ID, u.Email, "enterprise", "s", "c"); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("unknown plan: got %v", err)
	}
}

func TestPortalRequiresCustomer(t *testing.T) {
	svc, s, _ := newTestBilling(t)
	ctx := context.Background()

	u := &store.User{ID: "u_portal", Email: "p@example.com", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.EnsureSubscription(ctx, u.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.PortalURL(ctx, u.ID, "https://app/billing"); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("got %v, want ErrNotSubscribed", err)
	}

	if err := s.SetSubscriptionCustomer(ctx, u.ID, "cus_portal"); err != nil {
		t.Fatal(err)
	}
	url, err := svc.PortalURL(ctx, u.ID, "https://app/billing")
	if err != nil || url == "" {
		t.Errorf("PortalURL: %q, %v", url, err)
	}
}
