package updateloop

import (
	"context"
	"time"

	"github.com/radiocosmology/alpenhornd/logging"
)

// Run calls Tick once per interval until ctx is cancelled, sleeping
// between ticks in a way the context can interrupt immediately (spec
// §4.7 step 7, §5 "abort signal can interrupt immediately").
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	for {
		if err := l.Tick(ctx); err != nil {
			logging.Errorf("updateloop: tick failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
