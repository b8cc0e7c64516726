package sqlite

import (
	"errors"
	"testing"
	"time"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "database is locked", err: errors.New("database is locked (5) (SQLITE_BUSY)"), expected: true},
		{name: "SQLITE_BUSY", err: errors.New("SQLITE_BUSY"), expected: true},
		{name: "other error", err: errors.New("UNIQUE constraint failed"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.expected {
				t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	t.Run("success after retry", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		want := errors.New("constraint failed")
		err := retryOnBusy(func() error {
			calls++
			return want
		})
		if err != want {
			t.Errorf("expected %v, got %v", want, err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		start := time.Now()
		err := retryOnBusy(func() error {
			calls++
			return busy
		})
		if !errors.Is(err, busy) {
			t.Errorf("expected busy error, got %v", err)
		}
		if calls != busyMaxAttempts {
			t.Errorf("expected %d calls, got %d", busyMaxAttempts, calls)
		}
		// 10+20+40+80ms of backoff between the five attempts.
		if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
			t.Errorf("backoff too short: %v", elapsed)
		}
	})
}
