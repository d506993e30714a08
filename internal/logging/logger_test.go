// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true})
	if err != nil {
		t.Fatalf("New(dev) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("development logger should enable debug")
	}
}

// TestNewProductionLogger ensures the production logger honors the level override.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Level: "warn"})
	if err != nil {
		t.Fatalf("New(prod) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zap.WarnLevel) {
		t.Fatal("warn should be enabled")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Level: "chatty"}); err == nil {
		t.Fatal("expected invalid level error")
	}
}
