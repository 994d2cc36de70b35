// Package ratelimit implements fixed-window admission control for send
// attempts. A window is an ephemeral (scope, count, reset-time) entry with a
// TTL equal to the window length. The increment must be a single atomic
// primitive at the store; a separate read-then-write is a race under
// concurrent workers.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Limiter admits or rejects attempts per scope.
type Limiter interface {
	// Allow atomically counts an attempt against the scope's current
	// window and reports whether it is admitted. A rejected attempt is not
	// counted.
	Allow(ctx context.Context, scope string) (bool, error)

	// RetryAfter returns how long until the scope's window resets. Zero
	// means the scope has no active window.
	RetryAfter(ctx context.Context, scope string) (time.Duration, error)
}

// UserScope keys the per-user window that gates interactive single-message
// creation.
func UserScope(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// TenantScope keys the per-tenant window that paces campaign throughput
// inside the send worker loop.
func TenantScope(tenantID string) string {
	return "tenant:" + tenantID
}
