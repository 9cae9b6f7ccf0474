package terminal

import (
	"context"
	"encoding/json"

	goeen_log "github.com/eencloud/goeen/log"
)

// Reader is a card-acceptance device as reported by the terminal provider.
// The session never interprets it beyond picking the first one discovered.
type Reader struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	SerialNumber string `json:"serial_number"`
	DeviceType   string `json:"device_type"`
	Simulated    bool   `json:"simulated"`
}

// PaymentIntent is the provider-side object tracking one payment from
// creation to confirmation. Amount is in minor units.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

// Intent statuses as the provider reports them.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresConfirmation  = "requires_confirmation"
	IntentSucceeded             = "succeeded"
)

type DiscoveryConfig struct {
	Method     string `json:"method"`
	Simulated  bool   `json:"simulated"`
	LocationID string `json:"location_id"`
}

type ConnectConfig struct {
	LocationID    string `json:"location_id"`
	AutoReconnect bool   `json:"auto_reconnect"`
}

// Handlers carries the event callbacks a session registers with the provider.
// Providers invoke them from their own goroutines.
type Handlers struct {
	OnReadersDiscovered func(readers []Reader)
	OnDisconnect        func(reader Reader)
}

// Error is a provider error. Message is surfaced to the merchant verbatim.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// TokenProvider fetches a fresh connection token from the merchant backend.
// Providers call it whenever their session with the payment rails needs one.
type TokenProvider func(ctx context.Context) (string, error)

// Terminal abstracts the payment-terminal SDK: reader lifecycle plus the
// retrieve/collect/confirm intent sequence.
type Terminal interface {
	Name() string
	Initialize(ctx context.Context) error
	DiscoverReaders(ctx context.Context, cfg DiscoveryConfig) error
	ConnectReader(ctx context.Context, reader Reader, cfg ConnectConfig) (Reader, error)
	RetrievePaymentIntent(ctx context.Context, clientSecret string) (*PaymentIntent, error)
	CollectPaymentMethod(ctx context.Context, intent *PaymentIntent) (*PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, intent *PaymentIntent) (*PaymentIntent, error)
	SetHandlers(h Handlers)
	Close(ctx context.Context) error
}

// NewFunc is a function signature for creating a new terminal provider.
// It is passed the provider-specific config section and a token provider.
type NewFunc func(logger *goeen_log.Logger, providerConfig json.RawMessage, tokens TokenProvider) (Terminal, error)
