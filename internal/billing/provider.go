package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Provider is the payment provider API surface we depend on. The HTTP
// implementation below talks to the real provider; tests substitute fakes.
type Provider interface {
	CreateCustomer(ctx context.Context, email, userID string) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSessionResult, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	CreateInvoiceItem(ctx context.Context, customerID string, amountCents int, description string) error
}

// CheckoutParams describes a hosted checkout session to create.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	TrialDays  int
	UserID     string
	Plan       string
}

// CheckoutSessionResult is the created session's id and redirect URL.
type CheckoutSessionResult struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// HTTPProvider implements Provider against the provider's form-encoded REST API.
type HTTPProvider struct {
	apiBase   string
	secretKey string
	client    *http.Client
}

// NewHTTPProvider creates a provider client with the given API base and key.
func NewHTTPProvider(apiBase, secretKey string) *HTTPProvider {
	return &HTTPProvider{
		apiBase:   strings.TrimRight(apiBase, "/"),
		secretKey: secretKey,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("metadata[user_id]", userID)

	var out struct {
		ID string `json:"id"`
	}
	if err := p.post(ctx, "/v1/customers", form, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p *HTTPProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSessionResult, error) {
	form := url.Values{}
	form.Set("customer", params.CustomerID)
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("metadata[user_id]", params.UserID)
	form.Set("metadata[plan]", params.Plan)
	form.Set("subscription_data[metadata][user_id]", params.UserID)
	form.Set("subscription_data[metadata][plan]", params.Plan)
	if params.TrialDays > 0 {
		form.Set("subscription_data[trial_period_days]", strconv.Itoa(params.TrialDays))
	}

	var out CheckoutSessionResult
	if err := p.post(ctx, "/v1/checkout/sessions", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)

	var out struct {
		URL string `json:"url"`
	}
	if err := p.post(ctx, "/v1/billing_portal/sessions", form, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (p *HTTPProvider) CreateInvoiceItem(ctx context.Context, customerID string, amountCents int, description string) error {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("amount", strconv.Itoa(amountCents))
	form.Set("currency", "usd")
	form.Set("description", description)

	return p.post(ctx, "/v1/invoiceitems", form, nil)
}

func (p *HTTPProvider) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider %s returned %d: %s", path, resp.StatusCode, truncate(string(body), 200))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
