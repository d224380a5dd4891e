package scribe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartLimiterCapsEveryWindow(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	limiter := newStartLimiter(cfg.RateLimit, cfg.RateWindow)

	base := time.Now()
	var starts []time.Time
	for at := time.Duration(0); at < 3*cfg.RateWindow; at += 100 * time.Millisecond {
		now := base.Add(at)
		if limiter.AllowN(now, 1) {
			starts = append(starts, now)
		}
	}
	require.NotEmpty(t, starts)

	for i, first := range starts {
		inWindow := 0
		for _, s := range starts[i:] {
			if s.Sub(first) < cfg.RateWindow {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, cfg.RateLimit, "window starting at %s", first.Sub(base))
	}

	firstWindow := 0
	for _, s := range starts {
		if s.Sub(base) < cfg.RateWindow {
			firstWindow++
		}
	}
	assert.GreaterOrEqual(t, firstWindow, cfg.RateLimit-1)
}
