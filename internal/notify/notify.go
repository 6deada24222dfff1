// Package notify implements kanyo's notification gate (spec.md §4.8):
// suppress arrival pings during a post-departure cooldown; always deliver
// departures. Delivery itself is a backend's concern — the gate only
// decides whether to invoke it.
package notify

import (
	"time"

	"go.uber.org/zap"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
)

// Backend delivers a notification; kanyo's core treats the actual delivery
// mechanism (Telegram, ntfy, …) as out of scope (spec.md §1) and depends
// only on this interface.
type Backend interface {
	Deliver(title, body, thumbnailPath string) error
}

// Gate tracks last_departure_time and applies the cooldown/suppression
// rules of spec.md §4.8.
type Gate struct {
	cooldown time.Duration
	backend  Backend
	log      *logging.Logger

	lastDepartureTime time.Time
	hasDeparture      bool
}

// New returns a Gate delivering through backend.
func New(cooldown time.Duration, backend Backend, log *logging.Logger) *Gate {
	return &Gate{cooldown: cooldown, backend: backend, log: log}
}

// OnArrival suppresses delivery if ts is within cooldown of the last
// delivered departure; otherwise delivers.
func (g *Gate) OnArrival(ts time.Time, title, body, thumbnailPath string) {
	if g.hasDeparture {
		remaining := g.cooldown - ts.Sub(g.lastDepartureTime)
		if remaining > 0 {
			g.log.Info("arrival notification suppressed by cooldown",
				zap.Duration("remaining", remaining))
			return
		}
	}
	if err := g.backend.Deliver(title, body, thumbnailPath); err != nil {
		g.log.Warning("arrival notification delivery failed", zap.Error(err))
	}
}

// OnDeparture always delivers; on successful delivery last_departure_time
// is updated to ts.
func (g *Gate) OnDeparture(ts time.Time, title, body, thumbnailPath string) {
	if err := g.backend.Deliver(title, body, thumbnailPath); err != nil {
		g.log.Warning("departure notification delivery failed", zap.Error(err))
		return
	}
	g.lastDepartureTime = ts
	g.hasDeparture = true
}

// NoopBackend discards notifications; used when no backend is configured.
type NoopBackend struct{}

func (NoopBackend) Deliver(title, body, thumbnailPath string) error { return nil }
