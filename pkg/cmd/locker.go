package cmd

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loadbay/loadbay/pkg/runlock"
)

// NewLocker selects the run lock backend by the lock URL scheme. A redis://
// or rediss:// URL enables the distributed lock; an empty URL falls back to
// the in-process lock, which is only correct for single-node deployments.
func NewLocker(ctx context.Context, lockURL string, ttl time.Duration, logger *slog.Logger) (runlock.Locker, error) {
	switch {
	case strings.HasPrefix(lockURL, "redis://"),
		strings.HasPrefix(lockURL, "rediss://"):
		return runlock.NewRedisLocker(ctx, lockURL, ttl, logger)
	default:
		return runlock.NewMemoryLocker(), nil
	}
}
