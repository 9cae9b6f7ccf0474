package backend

// Request/response bodies for the merchant backend. The backend keeps the
// original PHP endpoint contracts, so field names follow its JSON exactly.

type SignupRequest struct {
	Email   string `json:"email"`
	UserPIN string `json:"user_pin"`
}

type SignupResponse struct {
	MerchantID string `json:"merchant_id"`
}

type LoginRequest struct {
	Email   string `json:"email"`
	UserPIN string `json:"user_pin"`
}

type LoginResponse struct {
	MerchantID         string `json:"merchant_id"`
	AccountID          string `json:"account_id"`
	OnboardingComplete bool   `json:"onboarding_complete"`
}

type VerifyPINRequest struct {
	MerchantID string `json:"merchant_id"`
	PIN        string `json:"pin"`
}

type VerifyPINResponse struct {
	Valid bool `json:"valid"`
}

type ConnectAccountResponse struct {
	MerchantID string `json:"merchant_id"`
	AccountID  string `json:"account_id"`
}

type StripeAccountResponse struct {
	StripeAccountID string `json:"stripe_account_id"`
}

type OnboardingLinkResponse struct {
	URL string `json:"url"`
}

type OnboardingStatus struct {
	OnboardingComplete bool   `json:"onboarding_complete"`
	TerminalLocationID string `json:"terminal_location_id,omitempty"`
}

type TerminalLocationRequest struct {
	MerchantID  string `json:"merchant_id"`
	DisplayName string `json:"display_name,omitempty"`
	Line1       string `json:"address_line1"`
	City        string `json:"city"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
}

type TerminalLocationResponse struct {
	LocationID string `json:"location_id"`
}

type ConnectionTokenResponse struct {
	Secret string `json:"secret"`
}

type PaymentIntentRequest struct {
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
}

type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type PaymentIntentResponse struct {
	PaymentIntent *PaymentIntent `json:"payment_intent"`
}

type Payment struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Created  int64  `json:"created"`
	Refunded bool   `json:"refunded"`
}

type PaymentsSummary struct {
	Count       int   `json:"count"`
	GrossAmount int64 `json:"gross_amount"`
	NetAmount   int64 `json:"net_amount"`
}

type PaymentsPage struct {
	Payments []Payment        `json:"payments"`
	Summary  *PaymentsSummary `json:"summary,omitempty"`
	HasMore  bool             `json:"has_more"`
}

type Payout struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	ArrivalDate int64  `json:"arrival_date"`
}

type Balance struct {
	Available int64 `json:"available"`
	Pending   int64 `json:"pending"`
}

type PayoutsBalance struct {
	Payouts []Payout `json:"payouts"`
	Balance *Balance `json:"balance,omitempty"`
}

type RefundRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount,omitempty"`
}

type RefundResponse struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

type UpdateCurrencyRequest struct {
	MerchantID string `json:"merchant_id"`
	Currency   string `json:"currency"`
}
