// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true})
	if err != nil {
		t.Fatalf("New(dev) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("New(prod) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestDailyLogFile checks entries land in the dated file under a created directory.
func TestDailyLogFile(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "logs")
	day := time.Date(2024, 5, 6, 23, 59, 0, 0, time.UTC)
	logger, err := newAt(Config{Dir: dir}, day)
	if err != nil {
		t.Fatalf("newAt() error = %v", err)
	}
	logger.Info("bulletin saved")
	_ = logger.Sync()

	path := filepath.Join(dir, "2024-05-06.log")
	if got := FilePath(dir, day); got != path {
		t.Fatalf("FilePath() = %q, want %q", got, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "bulletin saved") {
		t.Fatalf("log file missing entry: %q", data)
	}
}

// TestLogDirBlockedByFile reports an error when the directory cannot be created.
func TestLogDirBlockedByFile(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{Dir: filepath.Join(blocker, "logs")}); err == nil {
		t.Fatal("expected error when log dir is blocked by a file")
	}
}
