package simulated

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/google/uuid"

	"github.com/zyonstudios/stripe-tap-pay-demo/internal/terminal"
)

const ProviderName = "simulated"

func init() {
	terminal.Register(ProviderName, New)
}

type Settings struct {
	DiscoverDelayMs int    `json:"discover_delay_ms"`
	ReaderLabel     string `json:"reader_label"`
}

// Provider is an in-process stand-in for a tap-to-pay SDK. It presents one
// simulated reader and walks intents through the same retrieve/collect/confirm
// statuses the real rails would, so the whole session path can run without
// hardware.
type Provider struct {
	logger   *goeen_log.Logger
	tokens   terminal.TokenProvider
	settings Settings

	mu          sync.Mutex
	initialized bool
	closed      bool
	handlers    terminal.Handlers
	reader      terminal.Reader
	connected   *terminal.Reader
	intents     map[string]*terminal.PaymentIntent

	failCollect string
	failConfirm string
}

func New(logger *goeen_log.Logger, providerConfig json.RawMessage, tokens terminal.TokenProvider) (terminal.Terminal, error) {
	var s Settings
	if len(providerConfig) > 0 {
		if err := json.Unmarshal(providerConfig, &s); err != nil {
			return nil, err
		}
	}
	if s.DiscoverDelayMs <= 0 {
		s.DiscoverDelayMs = 50
	}
	if s.ReaderLabel == "" {
		s.ReaderLabel = "Simulated Reader"
	}

	return &Provider{
		logger:   logger,
		tokens:   tokens,
		settings: s,
		reader: terminal.Reader{
			ID:           uuid.New().String(),
			Label:        s.ReaderLabel,
			SerialNumber: fmt.Sprintf("SIM-%s", uuid.New().String()[:8]),
			DeviceType:   "tap_to_pay",
			Simulated:    true,
		},
		intents: make(map[string]*terminal.PaymentIntent),
	}, nil
}

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) SetHandlers(h terminal.Handlers) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = h
}

func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &terminal.Error{Code: "closed", Message: "Terminal has been shut down"}
	}
	p.initialized = true
	p.logger.Info("Simulated terminal initialized")
	return nil
}

// DiscoverReaders announces the simulated reader after a short delay,
// mimicking the asynchronous discovery callback of the real SDK.
func (p *Provider) DiscoverReaders(ctx context.Context, cfg terminal.DiscoveryConfig) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return &terminal.Error{Code: "not_initialized", Message: "Terminal must be initialized before discovery"}
	}
	delay := time.Duration(p.settings.DiscoverDelayMs) * time.Millisecond
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		p.mu.Lock()
		h := p.handlers
		closed := p.closed
		reader := p.reader
		p.mu.Unlock()

		if closed || h.OnReadersDiscovered == nil {
			return
		}
		h.OnReadersDiscovered([]terminal.Reader{reader})
	}()

	return nil
}

func (p *Provider) ConnectReader(ctx context.Context, reader terminal.Reader, cfg terminal.ConnectConfig) (terminal.Reader, error) {
	if cfg.LocationID == "" {
		return terminal.Reader{}, &terminal.Error{Code: "invalid_location", Message: "A terminal location is required to connect"}
	}

	// The real SDK authenticates with the payment rails here; exercising the
	// token round-trip keeps the backend handshake honest in simulation too.
	if p.tokens != nil {
		if _, err := p.tokens(ctx); err != nil {
			return terminal.Reader{}, &terminal.Error{Code: "token_error", Message: err.Error()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	connected := reader
	p.connected = &connected
	p.logger.Infof("Simulated reader connected: %s (%s)", reader.Label, reader.SerialNumber)
	return connected, nil
}

func (p *Provider) RetrievePaymentIntent(ctx context.Context, clientSecret string) (*terminal.PaymentIntent, error) {
	if clientSecret == "" {
		return nil, &terminal.Error{Code: "invalid_client_secret", Message: "Client secret is required"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.intents[clientSecret]; ok {
		cp := *existing
		return &cp, nil
	}

	// Unknown secret: fabricate the intent the way the rails would return it.
	intent := &terminal.PaymentIntent{
		ID:           intentIDFromSecret(clientSecret),
		ClientSecret: clientSecret,
		Status:       terminal.IntentRequiresPaymentMethod,
	}
	p.intents[clientSecret] = intent

	cp := *intent
	return &cp, nil
}

func (p *Provider) CollectPaymentMethod(ctx context.Context, intent *terminal.PaymentIntent) (*terminal.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected == nil {
		return nil, &terminal.Error{Code: "not_connected", Message: "No reader connected"}
	}
	if p.failCollect != "" {
		msg := p.failCollect
		p.failCollect = ""
		return nil, &terminal.Error{Code: "card_error", Message: msg}
	}

	updated := *intent
	updated.Status = terminal.IntentRequiresConfirmation
	if stored, ok := p.intents[intent.ClientSecret]; ok {
		stored.Status = updated.Status
	}
	return &updated, nil
}

func (p *Provider) ConfirmPaymentIntent(ctx context.Context, intent *terminal.PaymentIntent) (*terminal.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failConfirm != "" {
		msg := p.failConfirm
		p.failConfirm = ""
		return nil, &terminal.Error{Code: "confirm_error", Message: msg}
	}
	if intent.Status != terminal.IntentRequiresConfirmation {
		return nil, &terminal.Error{Code: "intent_invalid_state", Message: "Payment method has not been collected"}
	}

	updated := *intent
	updated.Status = terminal.IntentSucceeded
	if stored, ok := p.intents[intent.ClientSecret]; ok {
		stored.Status = updated.Status
	}
	return &updated, nil
}

func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.connected = nil
	return nil
}

// FailNextCollect makes the next CollectPaymentMethod call fail with the
// given message, e.g. "Card declined".
func (p *Provider) FailNextCollect(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCollect = message
}

// FailNextConfirm makes the next ConfirmPaymentIntent call fail.
func (p *Provider) FailNextConfirm(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failConfirm = message
}

// TriggerDisconnect drops the connected reader and fires the disconnect
// handler, the same way a reader going out of range would.
func (p *Provider) TriggerDisconnect() {
	p.mu.Lock()
	reader := p.connected
	p.connected = nil
	h := p.handlers
	p.mu.Unlock()

	if reader != nil && h.OnDisconnect != nil {
		h.OnDisconnect(*reader)
	}
}

func intentIDFromSecret(clientSecret string) string {
	if id, _, found := strings.Cut(clientSecret, "_secret"); found && id != "" {
		return id
	}
	return "pi_" + uuid.New().String()
}
