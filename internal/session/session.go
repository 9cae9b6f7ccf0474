package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"github.com/zyonstudios/stripe-tap-pay-demo/internal/backend"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/core"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/settings"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/terminal"
)

var (
	// ErrLocationRequired means onboarding has not registered a terminal
	// location yet; discovery cannot start without one.
	ErrLocationRequired = errors.New("terminal location not registered")
	// ErrNotConnected means no reader is connected.
	ErrNotConnected = errors.New("no reader connected")
	// ErrCaptureInFlight means a capture attempt is already running. The
	// second call makes no backend or terminal calls.
	ErrCaptureInFlight = errors.New("capture already in progress")
)

// Config controls discovery and the reconnect policy.
type Config struct {
	DiscoveryMethod       string
	Simulated             bool
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxRetries   int
}

func DefaultConfig() Config {
	return Config{
		DiscoveryMethod:       "tapToPay",
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMaxRetries:   8,
	}
}

// Session owns one reader and sequences the terminal provider from discovery
// through payment capture. At most one capture attempt runs at a time; the
// connected reader is replaced atomically on reconnect, and an attempt in
// flight during a disconnect is abandoned, never resumed.
type Session struct {
	logger   *goeen_log.Logger
	term     terminal.Terminal
	backend  *backend.Client
	settings *settings.Manager
	store    *core.CacheStore
	audit    *core.AuditLogger
	cfg      Config

	mu         sync.Mutex
	state      State
	stage      CaptureStage
	reader     *terminal.Reader
	capturing  bool
	reconnects int

	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger *goeen_log.Logger, term terminal.Terminal, bc *backend.Client, sm *settings.Manager, store *core.CacheStore, audit *core.AuditLogger, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		logger:   logger,
		term:     term,
		backend:  bc,
		settings: sm,
		store:    store,
		audit:    audit,
		cfg:      cfg,
		state:    StateIdle,
		stage:    StageIdle,
		ctx:      ctx,
		cancel:   cancel,
	}

	term.SetHandlers(terminal.Handlers{
		OnReadersDiscovered: s.handleReadersDiscovered,
		OnDisconnect:        s.handleDisconnect,
	})

	return s
}

// Start brings the session from idle to discovering. Connection completes
// asynchronously when the provider reports readers. Fails fast when no
// terminal location is registered, and is a no-op when already running.
//
// ctx bounds only the synchronous Initialize call. Discovery and the
// connect that follows run on the session's own context: callers like an
// HTTP handler cancel theirs as soon as they return, long before the
// provider reports readers.
func (s *Session) Start(ctx context.Context) error {
	merchant := s.settings.Get()
	if merchant.TerminalLocationID == "" {
		return ErrLocationRequired
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.logger.Debugf("Session start ignored in state %s", s.state)
		s.mu.Unlock()
		return nil
	}
	if err := s.transition(StateDiscovering); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.ctx.Err() != nil {
		// Re-arm after a Stop.
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.term.Initialize(ctx); err != nil {
		s.abortStartup()
		return fmt.Errorf("terminal initialize: %w", err)
	}

	err := s.term.DiscoverReaders(runCtx, terminal.DiscoveryConfig{
		Method:     s.cfg.DiscoveryMethod,
		Simulated:  s.cfg.Simulated,
		LocationID: merchant.TerminalLocationID,
	})
	if err != nil {
		s.abortStartup()
		return fmt.Errorf("reader discovery: %w", err)
	}

	s.logger.Infof("Reader discovery started (method=%s simulated=%t)", s.cfg.DiscoveryMethod, s.cfg.Simulated)
	return nil
}

func (s *Session) abortStartup() {
	s.mu.Lock()
	s.forceIdle()
	s.mu.Unlock()
}

// handleReadersDiscovered auto-connects to the first discovered reader.
// First-discovered wins; repeated discovery events while a reader is
// connected or a connect is underway are ignored.
func (s *Session) handleReadersDiscovered(readers []terminal.Reader) {
	s.mu.Lock()
	if len(readers) == 0 || s.reader != nil || s.state != StateDiscovering {
		s.mu.Unlock()
		return
	}
	if err := s.transition(StateConnecting); err != nil {
		s.mu.Unlock()
		return
	}
	target := readers[0]
	s.mu.Unlock()

	merchant := s.settings.Get()
	s.logger.Infof("Auto-connecting to reader %s (%s)", target.Label, target.SerialNumber)
	go s.connect(target, merchant.TerminalLocationID)
}

func (s *Session) connect(reader terminal.Reader, locationID string) {
	connected, err := s.term.ConnectReader(s.runCtx(), reader, terminal.ConnectConfig{
		LocationID:    locationID,
		AutoReconnect: true,
	})

	s.mu.Lock()
	if err != nil {
		s.forceIdle()
		s.mu.Unlock()
		s.logger.Errorf("Reader connection failed: %v", err)
		s.auditEvent("reader_connect_failed", map[string]interface{}{
			"reader": reader.SerialNumber,
			"error":  err.Error(),
		})
		return
	}

	s.reader = &connected
	if err := s.transition(StateConnected); err != nil {
		// Disconnected or shut down while connecting; drop the handle.
		s.reader = nil
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Infof("Connected to reader %s", connected.SerialNumber)
	s.auditEvent("reader_connected", map[string]interface{}{"reader": connected.SerialNumber})
}

// handleDisconnect clears the reader and restarts discovery with backoff.
// Any capture attempt in flight is abandoned: its next terminal call fails
// and the attempt reports the error like any other.
func (s *Session) handleDisconnect(reader terminal.Reader) {
	s.mu.Lock()
	s.reader = nil
	s.forceIdle()
	s.mu.Unlock()

	s.logger.Warningf("Reader disconnected: %s", reader.SerialNumber)
	s.auditEvent("reader_disconnected", map[string]interface{}{"reader": reader.SerialNumber})

	go s.restartWithBackoff()
}

func (s *Session) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Session) restartWithBackoff() {
	ctx := s.runCtx()
	delay := s.cfg.ReconnectInitialDelay

	for attempt := 1; attempt <= s.cfg.ReconnectMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := s.Start(ctx)
		if err == nil {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			return
		}

		s.logger.Errorf("Discovery restart attempt %d/%d failed: %v", attempt, s.cfg.ReconnectMaxRetries, err)
		delay *= 2
		if delay > s.cfg.ReconnectMaxDelay {
			delay = s.cfg.ReconnectMaxDelay
		}
	}

	s.logger.Errorf("Giving up reader reconnection after %d attempts", s.cfg.ReconnectMaxRetries)
}

// Stop disconnects the session, cancelling any in-flight terminal or backend
// calls. The provider stays open: a later Start re-arms the session.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.reader = nil
	s.forceIdle()
	s.mu.Unlock()

	return nil
}

// Shutdown stops the session and closes the terminal provider for good.
// Process exit only; a shut-down provider cannot be restarted.
func (s *Session) Shutdown(ctx context.Context) error {
	_ = s.Stop(ctx)
	return s.term.Close(ctx)
}

// Snapshot is a point-in-time view of the session for status endpoints.
type Snapshot struct {
	State      State            `json:"state"`
	Stage      CaptureStage     `json:"stage"`
	Reader     *terminal.Reader `json:"reader,omitempty"`
	Reconnects int              `json:"reconnects"`
}

func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:      s.state,
		Stage:      s.stage,
		Reconnects: s.reconnects,
	}
	if s.reader != nil {
		r := *s.reader
		snap.Reader = &r
	}
	return snap
}

func (s *Session) auditEvent(event string, detail map[string]interface{}) {
	if s.audit == nil {
		return
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return
	}
	if err := s.audit.Log(event, data); err != nil {
		s.logger.Errorf("Audit write failed: %v", err)
	}
}
