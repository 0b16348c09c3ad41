package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Injector provides deterministic failure injection for exchange calls.
// With a fixed seed the same call sequence produces the same faults, which
// makes breaker and retry-queue behavior reproducible in soak runs.
type Injector struct {
	cfg    *Config
	logger *zap.Logger
	rng    *rand.Rand
	mu     sync.Mutex
	start  time.Time
}

// New creates a new Injector.
func New(cfg *Config, logger *zap.Logger) *Injector {
	inj := &Injector{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}

	// Apply profile if set
	if cfg.Profile != "" {
		failPct, delayMin, delayMax, err := ParseProfile(cfg.Profile)
		if err != nil {
			logger.Warn("failed to parse chaos profile", zap.Error(err))
		} else {
			if failPct > 0 {
				cfg.FailPct = failPct
			}
			if delayMin > 0 || delayMax > 0 {
				cfg.DelayMsMin = delayMin
				cfg.DelayMsMax = delayMax
			}
		}
	}

	return inj
}

// Enabled checks whether chaos is currently active.
func (c *Injector) Enabled() bool {
	if !c.cfg.Enabled {
		return false
	}

	// Check if window expired
	if c.cfg.WindowMs > 0 {
		elapsed := time.Since(c.start).Milliseconds()
		if elapsed > int64(c.cfg.WindowMs) {
			return false
		}
	}

	return true
}

// MaybeDelay injects a random delay if chaos is enabled.
func (c *Injector) MaybeDelay(ctx context.Context, op string) error {
	if !c.Enabled() {
		return nil
	}

	if c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0 {
		return nil
	}

	c.mu.Lock()
	var delayMs int
	if c.cfg.DelayMsMin == c.cfg.DelayMsMax {
		delayMs = c.cfg.DelayMsMin
	} else {
		delayMs = c.cfg.DelayMsMin + c.rng.Intn(c.cfg.DelayMsMax-c.cfg.DelayMsMin+1)
	}
	c.mu.Unlock()

	if delayMs > 0 {
		c.logger.Info("chaos delay injected",
			zap.String("op", op),
			zap.Int("delay_ms", delayMs),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			return nil
		}
	}

	return nil
}

// MaybeFail returns true if the call should fail with a transient error.
func (c *Injector) MaybeFail(op string) bool {
	if !c.Enabled() {
		return false
	}

	if c.cfg.FailPct == 0 {
		return false
	}

	c.mu.Lock()
	fail := c.rng.Intn(100) < c.cfg.FailPct
	c.mu.Unlock()

	if fail {
		c.logger.Info("chaos failure injected",
			zap.String("op", op),
		)
	}

	return fail
}
