package quest

import (
	"time"

	"github.com/adhocore/gronx"
)

// CronGate optionally bounds heartbeat ticks to a cron window, layered on
// top of Runtime's cooldown_seconds sleep loop.
type CronGate struct {
	expr string
	gron gronx.Gronx
}

// NewCronGate builds a gate from a standard five-field cron expression. An
// empty expression means "always open" (Allowed always returns true).
func NewCronGate(expr string) *CronGate {
	return &CronGate{expr: expr, gron: *gronx.New()}
}

// Allowed reports whether now falls inside the configured cron window. A gate
// with no expression configured never restricts heartbeat ticks.
func (g *CronGate) Allowed(now time.Time) bool {
	if g == nil || g.expr == "" {
		return true
	}
	due, err := g.gron.IsDue(g.expr, now)
	if err != nil {
		// An invalid expression shouldn't silently starve every heartbeat;
		// fail open and let the cooldown alone govern cadence.
		return true
	}
	return due
}
