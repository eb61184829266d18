package printer

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"
)

// Platform selects the claim policy.
type Platform int

const (
	PlatformDesktop Platform = iota
	PlatformMobile
)

// DetectPlatform returns the platform of the running process.
func DetectPlatform() Platform {
	if runtime.GOOS == "android" {
		return PlatformMobile
	}
	return PlatformDesktop
}

func (p Platform) String() string {
	if p == PlatformMobile {
		return "mobile"
	}
	return "desktop"
}

// RetryPolicy controls the claim-with-retry loop. It is a value chosen once
// per platform.
type RetryPolicy struct {
	MaxAttempts         int
	BaseDelay           time.Duration
	PerAttemptIncrement time.Duration
	PlatformMultiplier  float64
}

// DefaultRetryPolicy returns the policy for platform p.
func DefaultRetryPolicy(p Platform) RetryPolicy {
	rp := RetryPolicy{
		MaxAttempts:         15,
		BaseDelay:           time.Second,
		PerAttemptIncrement: 500 * time.Millisecond,
		PlatformMultiplier:  1.0,
	}
	if p == PlatformMobile {
		// Kernel driver release after a busy interface is slower on OTG hosts
		rp.PlatformMultiplier = 1.5
	}
	return rp
}

// Delay returns the wait before attempt. The first attempt never waits.
func (rp RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	mult := rp.PlatformMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := rp.BaseDelay + time.Duration(attempt)*rp.PerAttemptIncrement
	return time.Duration(float64(d) * mult)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Link is the device link a recovery strategy may manipulate during a claim
// run. Reopen replaces the underlying handle.
type Link interface {
	Release()
	Close()
	Reopen(ctx context.Context) error
	SelectConfiguration() error
	Reset() error
}

// RecoveryStrategy isolates platform-specific recovery actions from the
// claim loop.
type RecoveryStrategy interface {
	// BeforeAttempt runs before each claim attempt.
	BeforeAttempt(ctx context.Context, link Link, attempt int) error
	// OnBusy runs after a claim failed with ErrClaimBusy.
	OnBusy(ctx context.Context, link Link, attempt int) error
}

// RecoveryFor returns the default strategy for platform p.
func RecoveryFor(p Platform, sleep SleepFunc, log *slog.Logger) RecoveryStrategy {
	if p == PlatformMobile {
		return NewMobileRecovery(sleep, log)
	}
	return DesktopRecovery{}
}

// DesktopRecovery does nothing; desktop hosts release claims promptly.
type DesktopRecovery struct{}

func (DesktopRecovery) BeforeAttempt(context.Context, Link, int) error { return nil }
func (DesktopRecovery) OnBusy(context.Context, Link, int) error        { return nil }

// MobileRecovery forces the OTG USB stack to drop stale claims.
type MobileRecovery struct {
	Every       int           // full reset cycle on attempt 1 and every Every-th attempt
	Settle      time.Duration // wait after close
	Reconfigure time.Duration // wait after reopen and configuration
	ResetSettle time.Duration // wait after a hardware reset
	BusyBase    time.Duration
	BusyStep    time.Duration

	sleep SleepFunc
	log   *slog.Logger
}

// NewMobileRecovery returns the recovery used on OTG hosts.
func NewMobileRecovery(sleep SleepFunc, log *slog.Logger) *MobileRecovery {
	if sleep == nil {
		sleep = Sleep
	}
	if log == nil {
		log = slog.Default()
	}
	return &MobileRecovery{
		Every:       3,
		Settle:      time.Second,
		Reconfigure: 500 * time.Millisecond,
		ResetSettle: 500 * time.Millisecond,
		BusyBase:    3 * time.Second,
		BusyStep:    500 * time.Millisecond,
		sleep:       sleep,
		log:         log,
	}
}

// NeedsResetCycle reports whether attempt gets the full reset cycle.
func (m *MobileRecovery) NeedsResetCycle(attempt int) bool {
	return attempt == 1 || (m.Every > 0 && attempt%m.Every == 0)
}

func (m *MobileRecovery) BeforeAttempt(ctx context.Context, link Link, attempt int) error {
	if !m.NeedsResetCycle(attempt) {
		return nil
	}
	m.log.Debug("full reset cycle", "attempt", attempt)

	link.Release()
	link.Close()
	if err := m.sleep(ctx, m.Settle); err != nil {
		return err
	}
	if err := link.Reopen(ctx); err != nil {
		return err
	}
	if err := link.SelectConfiguration(); err != nil {
		m.log.Debug("reselect configuration failed", "error", err)
	}
	if err := m.sleep(ctx, m.Reconfigure); err != nil {
		return err
	}

	switch err := link.Reset(); {
	case err == nil:
		return m.sleep(ctx, m.ResetSettle)
	case errors.Is(err, ErrUnsupported):
	default:
		m.log.Debug("hardware reset failed", "error", err)
	}
	return nil
}

// OnBusyDelay is the wait applied after a busy claim on attempt.
func (m *MobileRecovery) OnBusyDelay(attempt int) time.Duration {
	return m.BusyBase + time.Duration(attempt)*m.BusyStep
}

func (m *MobileRecovery) OnBusy(ctx context.Context, link Link, attempt int) error {
	m.log.Debug("interface busy, closing before retry", "attempt", attempt)
	link.Close()
	if err := m.sleep(ctx, m.OnBusyDelay(attempt)); err != nil {
		return err
	}
	return link.Reopen(ctx)
}
