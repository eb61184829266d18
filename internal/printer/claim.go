package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// releaseSettle is the pause between the defensive release and the claim.
const releaseSettle = 200 * time.Millisecond

// claimRun drives one claim-with-retry sequence for a descriptor. It owns
// the handle until the run returns; on failure nothing is left open.
type claimRun struct {
	backend   Backend
	desc      Descriptor
	policy    RetryPolicy
	recovery  RecoveryStrategy
	platform  Platform
	sleep     SleepFunc
	log       *slog.Logger
	onAttempt func(attempt int)

	handle Handle
	iface  int
	ep     uint8
}

func (r *claimRun) Release() {
	if r.handle != nil {
		r.backend.Release(r.handle, r.iface)
	}
}

func (r *claimRun) Close() {
	if r.handle == nil {
		return
	}
	if err := r.backend.Close(r.handle); err != nil {
		r.log.Debug("close failed", "error", err)
	}
	r.handle = nil
}

func (r *claimRun) Reopen(ctx context.Context) error {
	h, err := r.backend.Open(ctx, r.desc)
	if err != nil {
		return err
	}
	r.handle = h
	return nil
}

func (r *claimRun) SelectConfiguration() error {
	if r.handle == nil {
		return ErrNoDeviceFound
	}
	if r.backend.ConfigurationSet(r.handle) {
		return nil
	}
	return r.backend.SelectConfiguration(r.handle, 1)
}

func (r *claimRun) Reset() error {
	if r.handle == nil {
		return ErrUnsupported
	}
	return r.backend.Reset(r.handle)
}

// run opens the device, locates the bulk OUT endpoint and claims its
// interface according to the retry policy.
func (r *claimRun) run(ctx context.Context) (*Session, error) {
	if err := r.Reopen(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", r.desc, err)
	}
	if err := r.SelectConfiguration(); err != nil {
		r.log.Debug("select configuration failed", "error", err)
	}

	ifaces, err := r.backend.Interfaces(r.handle)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("read interfaces of %s: %w", r.desc, err)
	}
	iface, ep, ok := FindBulkOut(ifaces)
	if !ok {
		r.Close()
		return nil, fmt.Errorf("%s: %w", r.desc, ErrNoEndpoint)
	}
	r.iface, r.ep = iface, ep

	var last error
	attempts := 0
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			r.Close()
			return nil, err
		}
		if d := r.policy.Delay(attempt); d > 0 {
			if err := r.sleep(ctx, d); err != nil {
				r.Close()
				return nil, err
			}
		}

		attempts = attempt
		if r.onAttempt != nil {
			r.onAttempt(attempt)
		}
		r.log.Info("claiming interface", "device", r.desc.String(), "interface", r.iface, "attempt", attempt, "of", r.policy.MaxAttempts)

		err := r.recovery.BeforeAttempt(ctx, r, attempt)
		if err == nil {
			err = r.claimOnce(ctx)
		}
		if err == nil {
			return &Session{
				Descriptor:  r.desc,
				Interface:   r.iface,
				OutEndpoint: r.ep,
				Dialect:     r.desc.Dialect(),
				handle:      r.handle,
			}, nil
		}
		last = err

		switch {
		case ctx.Err() != nil:
			r.Close()
			return nil, ctx.Err()
		case errors.Is(err, ErrNoDeviceFound), errors.Is(err, ErrPermissionDenied):
			// Retrying cannot fix a vanished device or a revoked grant
			r.Close()
			return nil, err
		case errors.Is(err, ErrClaimBusy):
			r.log.Warn("interface busy", "attempt", attempt)
			if rerr := r.recovery.OnBusy(ctx, r, attempt); rerr != nil {
				if ctx.Err() != nil {
					r.Close()
					return nil, ctx.Err()
				}
				if errors.Is(rerr, ErrNoDeviceFound) || errors.Is(rerr, ErrPermissionDenied) {
					r.Close()
					return nil, rerr
				}
				r.log.Debug("busy recovery failed", "error", rerr)
			}
		default:
			r.log.Warn("claim attempt failed", "attempt", attempt, "error", err)
		}
	}

	r.Close()
	return nil, &ClaimFailedError{Attempts: attempts, Mobile: r.platform == PlatformMobile, Last: last}
}

// claimOnce performs the defensive release, the alternate setting and the
// claim itself.
func (r *claimRun) claimOnce(ctx context.Context) error {
	if r.handle == nil {
		if err := r.Reopen(ctx); err != nil {
			return err
		}
	}

	r.Release()
	if err := r.sleep(ctx, releaseSettle); err != nil {
		return err
	}

	if err := r.backend.SelectAlternate(r.handle, r.iface, 0); err != nil && !errors.Is(err, ErrUnsupported) {
		r.log.Debug("select alternate setting failed", "error", err)
	}

	return r.backend.Claim(r.handle, r.iface)
}
