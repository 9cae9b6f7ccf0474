package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goeen_log "github.com/eencloud/goeen/log"
)

// Merchant holds the persisted merchant state. Field names mirror the backend
// payloads so the file doubles as a snapshot of what the backend last told us.
type Merchant struct {
	MerchantID         string `json:"merchant_id"`
	Email              string `json:"email"`
	StripeAccountID    string `json:"stripe_account_id"`
	OnboardingComplete bool   `json:"onboarding_complete"`
	TerminalLocationID string `json:"terminal_location_id"`
	Currency           string `json:"merchant_currency"`
	PINHash            string `json:"pin_hash"`
}

// Configured reports whether the merchant can accept payments: onboarding done
// and a terminal location registered.
func (m *Merchant) Configured() bool {
	return m.MerchantID != "" && m.OnboardingComplete && m.TerminalLocationID != ""
}

// Manager handles the storage and retrieval of merchant settings.
type Manager struct {
	sync.RWMutex
	logger         *goeen_log.Logger
	path           string
	merchant       Merchant
	changeChan     chan struct{}
	updateCallback func(Merchant)
}

// NewManager creates a settings manager backed by settings.json under dataDir.
// A missing or unreadable file starts the manager empty; a merchant then has
// to sign up or log in before anything else works.
func NewManager(dataDir string, logger *goeen_log.Logger) *Manager {
	m := &Manager{
		logger:     logger,
		path:       filepath.Join(dataDir, "settings.json"),
		changeChan: make(chan struct{}, 1),
	}

	if err := m.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warningf("Failed to load settings, starting empty: %v", err)
		}
	}

	return m
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}

	var merchant Merchant
	if err := json.Unmarshal(data, &merchant); err != nil {
		return fmt.Errorf("could not unmarshal settings file: %w", err)
	}

	m.merchant = merchant
	m.logger.Infof("Loaded settings for merchant %s", merchant.MerchantID)
	return nil
}

// Get returns a copy of the current merchant settings.
func (m *Manager) Get() Merchant {
	m.RLock()
	defer m.RUnlock()
	return m.merchant
}

// Update applies fn to the merchant settings, persists the result, and
// notifies watchers. The write is atomic via rename.
func (m *Manager) Update(fn func(*Merchant)) error {
	m.Lock()

	fn(&m.merchant)
	merchant := m.merchant
	callback := m.updateCallback

	data, err := json.MarshalIndent(merchant, "", "  ")
	if err != nil {
		m.Unlock()
		return fmt.Errorf("could not marshal settings: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.Unlock()
		return fmt.Errorf("could not write settings: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.Unlock()
		return fmt.Errorf("could not persist settings: %w", err)
	}
	m.Unlock()

	if callback != nil {
		callback(merchant)
	}
	m.notifyChange()
	return nil
}

// Clear wipes the merchant state (logout).
func (m *Manager) Clear() error {
	return m.Update(func(merchant *Merchant) {
		*merchant = Merchant{}
	})
}

// Changes returns a channel that signals when settings have been updated.
func (m *Manager) Changes() <-chan struct{} {
	return m.changeChan
}

// SetUpdateCallback sets the function to call after each settings update.
func (m *Manager) SetUpdateCallback(callback func(Merchant)) {
	m.Lock()
	defer m.Unlock()
	m.updateCallback = callback
}

func (m *Manager) notifyChange() {
	select {
	case m.changeChan <- struct{}{}:
	default:
	}
}
