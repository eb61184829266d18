package printer

import (
	"context"
	"log/slog"

	"github.com/thereceipt/printlink/internal/logging"
)

// Candidate is a backend offered to Probe together with the platforms it
// applies to.
type Candidate struct {
	Backend     Backend
	MobileOnly  bool
	DesktopOnly bool
}

func (c Candidate) appliesTo(p Platform) bool {
	if c.MobileOnly && p != PlatformMobile {
		return false
	}
	if c.DesktopOnly && p == PlatformMobile {
		return false
	}
	return true
}

// DefaultCandidates returns the backends in probe order: vendor SDK and
// serial on mobile hosts, libusb everywhere else.
func DefaultCandidates(baud int, log *slog.Logger) []Candidate {
	return []Candidate{
		{Backend: NewVendorSDK(log), MobileOnly: true},
		{Backend: NewSerialBackend(baud, log), MobileOnly: true},
		{Backend: NewHostUSB(log), DesktopOnly: true},
	}
}

// Probe returns the first applicable backend whose Init succeeds. Failures
// fall through silently; ErrNotSupported is returned when none works.
func Probe(ctx context.Context, p Platform, candidates []Candidate, log *slog.Logger) (Backend, error) {
	log = logging.For(log, logging.ComponentBackend)
	for _, c := range candidates {
		if c.Backend == nil || !c.appliesTo(p) {
			continue
		}
		if err := c.Backend.Init(ctx); err != nil {
			log.Debug("backend unavailable", "backend", c.Backend.Name(), "error", err)
			continue
		}
		log.Info("backend selected", "backend", c.Backend.Name(), "platform", p.String())
		return c.Backend, nil
	}
	return nil, ErrNotSupported
}
