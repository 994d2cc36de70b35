package worker

import (
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	policy := NewRetryPolicy(time.Minute, time.Hour, 42)

	previousBase := time.Duration(0)
	for retryCount := 0; retryCount < 4; retryCount++ {
		base := time.Minute << uint(retryCount)
		delay := policy.Delay(retryCount)
		if delay < base {
			t.Errorf("Delay(%d) = %s, want at least %s", retryCount, delay, base)
		}
		// Jitter adds at most 10%.
		if delay > base+base/10 {
			t.Errorf("Delay(%d) = %s, want at most %s", retryCount, delay, base+base/10)
		}
		if base <= previousBase {
			t.Fatal("test setup broken: base not increasing")
		}
		previousBase = base
	}
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	policy := NewRetryPolicy(time.Minute, 5*time.Minute, 1)

	delay := policy.Delay(10)
	if delay > 5*time.Minute+30*time.Second {
		t.Errorf("Delay(10) = %s, want capped near 5m", delay)
	}
}

func TestRetryPolicy_OverflowFallsBackToCap(t *testing.T) {
	policy := NewRetryPolicy(time.Minute, time.Hour, 1)

	// A shift count large enough to overflow must still produce the cap.
	delay := policy.Delay(62)
	if delay < time.Hour || delay > time.Hour+6*time.Minute {
		t.Errorf("Delay(62) = %s, want about the 1h cap", delay)
	}
}
