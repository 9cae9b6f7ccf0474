package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"github.com/zyonstudios/stripe-tap-pay-demo/internal/api"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/backend"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/core"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/session"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/settings"
	"github.com/zyonstudios/stripe-tap-pay-demo/internal/terminal"
	_ "github.com/zyonstudios/stripe-tap-pay-demo/internal/terminal/simulated"
)

const defaultBackendURL = "https://joelsapos.com/taptopay"

func main() {
	logger := goeen_log.NewContext(os.Stdout, "", goeen_log.LevelInfo).GetLogger("taptopay-agent", goeen_log.LevelInfo)
	logger.Info("Starting Tap To Pay agent...")

	dataDir := core.GetDataDirectory()
	dbDir := filepath.Join(dataDir, "badger_db")
	store, err := core.NewCacheStore(dbDir, 2, logger)
	if err != nil {
		logger.Fatalf("Failed to create cache store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close cache store: %v", err)
		}
	}()

	audit := core.NewAuditLogger(filepath.Join(dataDir, "audit"), 100, logger)

	settingsManager := settings.NewManager(dataDir, logger)

	backendURL := os.Getenv("TAPTOPAY_BACKEND_URL")
	if backendURL == "" {
		backendURL = defaultBackendURL
	}
	backendClient := backend.New(backendURL, nil)

	tokens := terminal.TokenProvider(func(ctx context.Context) (string, error) {
		merchant := settingsManager.Get()
		return backendClient.ConnectionToken(ctx, merchant.MerchantID)
	})

	providerName := os.Getenv("TERMINAL_PROVIDER")
	if providerName == "" {
		providerName = "simulated"
	}
	newFunc, err := terminal.Get(providerName)
	if err != nil {
		logger.Fatalf("Unknown terminal provider %q: %v", providerName, err)
	}
	term, err := newFunc(logger, providerConfig(), tokens)
	if err != nil {
		logger.Fatalf("Failed to create terminal provider: %v", err)
	}

	sess := session.New(logger, term, backendClient, settingsManager, store, audit, session.DefaultConfig())

	// A fresh install auto-starts the reader session the moment onboarding
	// completes, without waiting for an explicit start request.
	settingsManager.SetUpdateCallback(func(m settings.Merchant) {
		if !m.Configured() {
			return
		}
		go func() {
			if err := sess.Start(context.Background()); err != nil {
				logger.Errorf("Failed to start session: %v", err)
			}
		}()
	})

	apiAddr := ":33490"
	if port := os.Getenv("TAPTOPAY_SERVICE_PORT"); port != "" {
		apiAddr = ":" + port
	}

	server := api.NewServer(apiAddr, logger, settingsManager, store, backendClient, sess, audit, jwtSecret(logger))

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("API Server failed: %v", err)
		}
	}()

	if merchant := settingsManager.Get(); merchant.Configured() {
		go func() {
			if err := sess.Start(context.Background()); err != nil {
				logger.Errorf("Failed to start session: %v", err)
			}
		}()
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.Stop(ctx); err != nil {
		logger.Errorf("API Server stop failed: %v", err)
	}
	if err := sess.Shutdown(ctx); err != nil {
		logger.Errorf("Session shutdown failed: %v", err)
	}
	cancel()
	logger.Info("Tap To Pay agent stopped")
}

func providerConfig() json.RawMessage {
	if raw := os.Getenv("TERMINAL_PROVIDER_CONFIG"); raw != "" {
		return json.RawMessage(raw)
	}
	return nil
}

// jwtSecret comes from the environment in deployments. A missing secret gets
// a random one, which invalidates tokens across restarts.
func jwtSecret(logger *goeen_log.Logger) []byte {
	if secret := os.Getenv("TAPTOPAY_JWT_SECRET"); secret != "" {
		return []byte(secret)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logger.Fatalf("Failed to generate JWT secret: %v", err)
	}
	logger.Warningf("TAPTOPAY_JWT_SECRET not set, using ephemeral secret")
	return []byte(hex.EncodeToString(buf))
}
