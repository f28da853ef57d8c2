// Package govern paces outbound calls per target. Every external touch goes
// through WaitForSlot; observed outcomes feed back through ReportSuccess and
// ReportFailure so each target's pace adapts to how it is treating us.
package govern

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lanterna-data/enrich-cli/internal/classify"
)

// Config tunes the governor. Zero fields fall back to defaults.
type Config struct {
	InitialDelay   time.Duration `mapstructure:"initial_delay"`   // spacing for a fresh target
	MinDelay       time.Duration `mapstructure:"min_delay"`       // recovery floor
	MaxDelay       time.Duration `mapstructure:"max_delay"`       // backoff ceiling
	BackoffFactor  float64       `mapstructure:"backoff_factor"`  // applied on blocking failures, >= 1.5
	GentleFactor   float64       `mapstructure:"gentle_factor"`   // applied on transport failures
	RecoveryFactor float64       `mapstructure:"recovery_factor"` // applied on success, < 1
	TripThreshold  int           `mapstructure:"trip_threshold"`  // consecutive failures before cooldown
	CooldownScale  float64       `mapstructure:"cooldown_scale"`  // cooldown = delay * scale
	MaxCooldown    time.Duration `mapstructure:"max_cooldown"`    // hard cap on any cooldown
	JitterFraction float64       `mapstructure:"jitter_fraction"` // random extra wait, fraction of delay
}

// DefaultConfig returns the production pacing profile.
func DefaultConfig() Config {
	return Config{
		InitialDelay:   1 * time.Second,
		MinDelay:       250 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		GentleFactor:   1.25,
		RecoveryFactor: 0.8,
		TripThreshold:  3,
		CooldownScale:  10,
		MaxCooldown:    2 * time.Minute,
		JitterFraction: 0.1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MinDelay <= 0 {
		c.MinDelay = def.MinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffFactor < 1.5 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.GentleFactor <= 1 {
		c.GentleFactor = def.GentleFactor
	}
	if c.RecoveryFactor <= 0 || c.RecoveryFactor >= 1 {
		c.RecoveryFactor = def.RecoveryFactor
	}
	if c.TripThreshold <= 0 {
		c.TripThreshold = def.TripThreshold
	}
	if c.CooldownScale <= 0 {
		c.CooldownScale = def.CooldownScale
	}
	if c.MaxCooldown <= 0 || c.MaxCooldown > def.MaxCooldown {
		c.MaxCooldown = def.MaxCooldown
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// targetState is the per-target pacing state. Never shared across targets.
type targetState struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	delay         time.Duration
	failures      int // consecutive
	cooldownUntil time.Time
}

// TargetStatus is a read-only view of one target's pacing for diagnostics.
type TargetStatus struct {
	Target        string        `json:"target"`
	Delay         time.Duration `json:"delay"`
	Failures      int           `json:"failures"`
	CoolingUntil  time.Time     `json:"cooling_until,omitempty"`
	InCooldown    bool          `json:"in_cooldown"`
	CooldownLeft  time.Duration `json:"cooldown_left,omitempty"`
}

// Governor holds adaptive pacing state per target. Safe for concurrent use;
// state is created lazily on first touch.
type Governor struct {
	cfg     Config
	nowFunc func() time.Time

	mu      sync.RWMutex
	targets map[string]*targetState
}

// New creates a Governor.
func New(cfg Config) *Governor {
	return &Governor{
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
		targets: make(map[string]*targetState),
	}
}

// target returns the state for a target, creating it on first touch.
func (g *Governor) target(name string) *targetState {
	g.mu.RLock()
	ts, ok := g.targets[name]
	g.mu.RUnlock()
	if ok {
		return ts
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Double-check: another goroutine may have created it.
	if ts, ok = g.targets[name]; ok {
		return ts
	}
	ts = &targetState{
		limiter: rate.NewLimiter(rate.Every(g.cfg.InitialDelay), 1),
		delay:   g.cfg.InitialDelay,
	}
	g.targets[name] = ts
	return ts
}

// WaitForSlot suspends the caller until it is safe to contact the target:
// any active cooldown is waited out first, then the target's limiter spaces
// the call, then a jitter fraction staggers workers. Returns ctx.Err() when
// canceled while waiting.
func (g *Governor) WaitForSlot(ctx context.Context, target string) error {
	ts := g.target(target)

	for {
		ts.mu.Lock()
		wait := ts.cooldownUntil.Sub(g.nowFunc())
		ts.mu.Unlock()
		if wait <= 0 {
			break
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		// Re-check: the cooldown may have been extended while we slept.
	}

	if err := ts.limiter.Wait(ctx); err != nil {
		return err
	}

	if g.cfg.JitterFraction > 0 {
		ts.mu.Lock()
		delay := ts.delay
		ts.mu.Unlock()
		jitter := time.Duration(rand.Float64() * g.cfg.JitterFraction * float64(delay))
		if jitter > 0 {
			if err := sleepCtx(ctx, jitter); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReportSuccess eases the target's pace toward the floor and clears its
// failure streak.
func (g *Governor) ReportSuccess(target string) {
	ts := g.target(target)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.failures = 0
	newDelay := time.Duration(float64(ts.delay) * g.cfg.RecoveryFactor)
	if newDelay < g.cfg.MinDelay {
		newDelay = g.cfg.MinDelay
	}
	if newDelay != ts.delay {
		ts.delay = newDelay
		ts.limiter.SetLimit(rate.Every(newDelay))
	}
}

// ReportFailure backs the target's pace off. Blocking kinds (captcha, WAF,
// rate limit, challenge) use the full backoff factor; transport kinds use
// the gentle one. A streak of TripThreshold failures puts the target in
// cooldown: no dispatch until the deadline, capped at MaxCooldown.
func (g *Governor) ReportFailure(target string, kind classify.Kind) {
	ts := g.target(target)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	factor := g.cfg.GentleFactor
	if kind.Blocking() {
		factor = g.cfg.BackoffFactor
	}
	newDelay := time.Duration(float64(ts.delay) * factor)
	if newDelay > g.cfg.MaxDelay {
		newDelay = g.cfg.MaxDelay
	}
	ts.delay = newDelay
	ts.limiter.SetLimit(rate.Every(newDelay))

	ts.failures++
	if ts.failures < g.cfg.TripThreshold {
		return
	}

	cooldown := time.Duration(float64(ts.delay) * g.cfg.CooldownScale)
	if cooldown > g.cfg.MaxCooldown {
		cooldown = g.cfg.MaxCooldown
	}
	ts.cooldownUntil = g.nowFunc().Add(cooldown)
	ts.failures = 0
	zap.L().Warn("target entering cooldown",
		zap.String("target", target),
		zap.String("kind", string(kind)),
		zap.Duration("cooldown", cooldown),
		zap.Duration("delay", ts.delay),
	)
}

// InCooldown reports whether the target is currently refused dispatch.
func (g *Governor) InCooldown(target string) bool {
	ts := g.target(target)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.cooldownUntil.After(g.nowFunc())
}

// Snapshot returns the pacing state of every known target.
func (g *Governor) Snapshot() []TargetStatus {
	g.mu.RLock()
	names := make([]string, 0, len(g.targets))
	for name := range g.targets {
		names = append(names, name)
	}
	g.mu.RUnlock()
	sort.Strings(names)

	now := g.nowFunc()
	out := make([]TargetStatus, 0, len(names))
	for _, name := range names {
		ts := g.target(name)
		ts.mu.Lock()
		st := TargetStatus{
			Target:   name,
			Delay:    ts.delay,
			Failures: ts.failures,
		}
		if ts.cooldownUntil.After(now) {
			st.InCooldown = true
			st.CoolingUntil = ts.cooldownUntil
			st.CooldownLeft = ts.cooldownUntil.Sub(now)
		}
		ts.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
