package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zyonstudios/stripe-tap-pay-demo/internal/core"
)

var (
	// ErrBackendUnavailable is returned without a network call while the
	// circuit breaker is open.
	ErrBackendUnavailable = errors.New("merchant backend unavailable")
	// ErrMissingClientSecret is returned when intent creation succeeds at the
	// HTTP level but the response carries no usable client secret.
	ErrMissingClientSecret = errors.New("payment intent response missing client_secret")
)

// Client talks to the merchant backend. All calls are stateless; health of
// the backend is tracked so callers can fail fast while it is down.
type Client struct {
	Base   string
	HTTP   *http.Client
	health *core.HealthMonitor
}

func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		Base:   strings.TrimRight(base, "/"),
		HTTP:   hc,
		health: core.NewHealthMonitor(5, 30*time.Second),
	}
}

// Health exposes the backend health monitor for metrics.
func (c *Client) Health() *core.HealthMonitor {
	return c.health
}

func (c *Client) Signup(ctx context.Context, email, pin string) (*SignupResponse, error) {
	var resp SignupResponse
	if err := c.post(ctx, "/signup.php", SignupRequest{Email: email, UserPIN: pin}, &resp); err != nil {
		return nil, err
	}
	if resp.MerchantID == "" {
		return nil, fmt.Errorf("signup response missing merchant_id")
	}
	return &resp, nil
}

func (c *Client) Login(ctx context.Context, email, pin string) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.post(ctx, "/login.php", LoginRequest{Email: email, UserPIN: pin}, &resp); err != nil {
		return nil, err
	}
	if resp.MerchantID == "" {
		return nil, fmt.Errorf("login response missing merchant_id")
	}
	return &resp, nil
}

func (c *Client) VerifyPIN(ctx context.Context, merchantID, pin string) (bool, error) {
	var resp VerifyPINResponse
	if err := c.post(ctx, "/verify_pin.php", VerifyPINRequest{MerchantID: merchantID, PIN: pin}, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *Client) CreateConnectAccount(ctx context.Context, merchantID string) (*ConnectAccountResponse, error) {
	var resp ConnectAccountResponse
	if err := c.post(ctx, "/create_connect_account.php", map[string]string{"merchant_id": merchantID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CreateOnboardingLink(ctx context.Context, merchantID string) (*OnboardingLinkResponse, error) {
	var resp OnboardingLinkResponse
	if err := c.post(ctx, "/create_onboarding_link.php", map[string]string{"merchant_id": merchantID}, &resp); err != nil {
		return nil, err
	}
	if resp.URL == "" {
		return nil, fmt.Errorf("onboarding link response missing url")
	}
	return &resp, nil
}

// GetStripeAccount looks up the connected account for a merchant. Used to
// restore a merchant whose local settings predate account persistence.
func (c *Client) GetStripeAccount(ctx context.Context, merchantID string) (string, error) {
	var resp StripeAccountResponse
	if err := c.post(ctx, "/get_stripe_account.php", map[string]string{"merchant_id": merchantID}, &resp); err != nil {
		return "", err
	}
	if resp.StripeAccountID == "" {
		return "", fmt.Errorf("stripe account response missing stripe_account_id")
	}
	return resp.StripeAccountID, nil
}

func (c *Client) CheckOnboardingStatus(ctx context.Context, merchantID string) (*OnboardingStatus, error) {
	var resp OnboardingStatus
	if err := c.post(ctx, "/check_onboarding_status.php", map[string]string{"merchant_id": merchantID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CreateTerminalLocation(ctx context.Context, req TerminalLocationRequest) (*TerminalLocationResponse, error) {
	var resp TerminalLocationResponse
	if err := c.post(ctx, "/create_terminal_location.php", req, &resp); err != nil {
		return nil, err
	}
	if resp.LocationID == "" {
		return nil, fmt.Errorf("terminal location response missing location_id")
	}
	return &resp, nil
}

// ConnectionToken fetches a fresh terminal connection token. The terminal
// provider calls this through a TokenProvider closure.
func (c *Client) ConnectionToken(ctx context.Context, merchantID string) (string, error) {
	var resp ConnectionTokenResponse
	if err := c.post(ctx, "/connection_token.php", map[string]string{"merchant_id": merchantID}, &resp); err != nil {
		return "", err
	}
	if resp.Secret == "" {
		return "", fmt.Errorf("connection token response missing secret")
	}
	return resp.Secret, nil
}

// CreatePaymentIntent creates an intent for amountMinor (minor units) and
// returns it. A response without a client secret is an error: nothing further
// in the capture sequence can run without one.
func (c *Client) CreatePaymentIntent(ctx context.Context, merchantID string, amountMinor int64) (*PaymentIntent, error) {
	var resp PaymentIntentResponse
	if err := c.post(ctx, "/create_payment_intent.php", PaymentIntentRequest{MerchantID: merchantID, Amount: amountMinor}, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentIntent == nil || resp.PaymentIntent.ClientSecret == "" {
		return nil, ErrMissingClientSecret
	}
	return resp.PaymentIntent, nil
}

// ListPayments fetches one page of payments. startingAfter is the pagination
// cursor (last payment ID of the previous page); empty fetches the first page.
func (c *Client) ListPayments(ctx context.Context, accountID, rng, startingAfter string) (*PaymentsPage, error) {
	q := url.Values{}
	q.Set("account", accountID)
	if rng != "" {
		q.Set("range", rng)
	}
	if startingAfter != "" {
		q.Set("starting_after", startingAfter)
	}

	var resp PaymentsPage
	if err := c.get(ctx, "/payments.php?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) PayoutsBalance(ctx context.Context, accountID string) (*PayoutsBalance, error) {
	var resp PayoutsBalance
	if err := c.post(ctx, "/payouts_balance.php", map[string]string{"account": accountID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RefundPayment(ctx context.Context, accountID string, req RefundRequest) (*RefundResponse, error) {
	q := url.Values{}
	q.Set("account", accountID)

	var resp RefundResponse
	if err := c.post(ctx, "/refund_payment.php?"+q.Encode(), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UpdateCurrency(ctx context.Context, merchantID, currency string) error {
	return c.post(ctx, "/update_currency_only.php", UpdateCurrencyRequest{MerchantID: merchantID, Currency: currency}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if !c.health.CanProceed() {
		return ErrBackendUnavailable
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.health.RecordFailure()
		return fmt.Errorf("%s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.health.RecordFailure()
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s status=%d body=%s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	c.health.RecordSuccess()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
