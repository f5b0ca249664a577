package util

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func(context.Context) error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func(context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanentStopsEarly(t *testing.T) {
	sentinel := errors.New("bad payload")
	attempts := 0

	err := Retry(context.Background(), 5, 0, func(context.Context) error {
		attempts++
		return Permanent(sentinel)
	})

	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("Retry error = %v, want %v", err, sentinel)
	}
	if IsPermanent(err) {
		t.Error("Retry should unwrap the permanent marker")
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, 5, time.Hour, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("boom")
	})
	if err == nil || attempts != 1 {
		t.Errorf("attempts = %d, err = %v; want 1 attempt and an error", attempts, err)
	}
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(10*time.Millisecond, 20*time.Millisecond)
		if d < 10*time.Millisecond || d > 20*time.Millisecond {
			t.Fatalf("Jitter = %v, outside [10ms, 20ms]", d)
		}
	}
	if d := Jitter(0, 0); d != 0 {
		t.Errorf("Jitter(0, 0) = %v, want 0", d)
	}
}

func TestRateLimiterNilNeverBlocks(t *testing.T) {
	rl := NewRateLimiter(0)
	if rl != nil {
		t.Fatal("NewRateLimiter(0) should disable limiting")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Errorf("nil limiter Wait: %v", err)
	}
}

func TestRateLimiterFirstTokenImmediate(t *testing.T) {
	rl := NewRateLimiter(60)
	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("first Wait should not block")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("second Wait within the same second should block until ctx expires")
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	logger, closer := NewLogger(LogOptions{Level: "debug", File: path})
	logger.Debug("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}

func TestNewLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := NewLogger(LogOptions{Level: "warn", Format: "text", Output: &buf})
	defer closer.Close()
	logger.Info("dropped")
	logger.Warn("kept", "code", "2330")
	if strings.Contains(buf.String(), "dropped") {
		t.Error("info record passed a warn logger")
	}
	if !strings.Contains(buf.String(), "code=2330") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
