package terminal

import (
	"encoding/json"
	"testing"

	goeen_log "github.com/eencloud/goeen/log"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	called := false
	Register("test-provider", func(logger *goeen_log.Logger, cfg json.RawMessage, tokens TokenProvider) (Terminal, error) {
		called = true
		return nil, nil
	})

	newFunc, err := Get("test-provider")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if _, err := newFunc(nil, nil, nil); err != nil {
		t.Errorf("newFunc failed: %v", err)
	}
	if !called {
		t.Error("Registered constructor not invoked")
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	if _, err := Get("no-such-provider"); err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestError_MessageVerbatim(t *testing.T) {
	err := &Error{Code: "card_error", Message: "Card declined"}
	if err.Error() != "Card declined" {
		t.Errorf("Expected 'Card declined', got %q", err.Error())
	}
}
