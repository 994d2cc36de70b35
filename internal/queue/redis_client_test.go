package queue

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestDelayScore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()

	score := delayScore(now, 90*time.Second)
	want := float64(now.Add(90 * time.Second).UnixMilli())
	if score != want {
		t.Errorf("delayScore = %f, want %f", score, want)
	}

	// A task scheduled with no delay is ripe against the same clock.
	if got := delayScore(now, 0); got > float64(now.UnixMilli()) {
		t.Errorf("zero-delay score %f is after now %d", got, now.UnixMilli())
	}

	// Promotion compares scores against the clock's milliseconds, so the
	// task becomes ripe exactly when the clock passes its ready time.
	clock.Advance(90 * time.Second)
	if cutoff := clock.Now().UnixMilli(); score > float64(cutoff) {
		t.Errorf("score %f still ahead of advanced clock %d", score, cutoff)
	}
}
