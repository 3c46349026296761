package anomaly

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/pulse-obs/pulse/internal/model"
)

// AlertState is the per-(service, alertType) emission state.
type AlertState int

const (
	// StateQuiet means no recent emission; a firing rule may emit.
	StateQuiet AlertState = iota
	// StateCooling means an alert was emitted within the cooldown window;
	// new candidates are suppressed.
	StateCooling
)

// CooldownGate tracks the last emission instant per (service, alertType) and
// suppresses candidates during the cooldown window. Quiet -> Firing happens
// when a rule fires through an open gate; Firing -> Cooling when the sink
// arms the gate after a successful persist; Cooling -> Quiet on expiry.
//
// The gate is concurrency-safe: shard workers and the downtime watcher share
// one instance.
type CooldownGate struct {
	cooldown time.Duration
	last     *xsync.Map[string, int64]
}

// NewCooldownGate creates a gate with the given cooldown interval.
func NewCooldownGate(cooldown time.Duration) *CooldownGate {
	return &CooldownGate{
		cooldown: cooldown,
		last:     xsync.NewMap[string, int64](),
	}
}

// Allow reports whether a candidate for (service, alertType) may be emitted
// at now.
func (g *CooldownGate) Allow(service string, alertType model.AlertType, now time.Time) bool {
	return g.State(service, alertType, now) == StateQuiet
}

// Arm records an emission for (service, alertType) at now, starting the
// cooldown window. Called only after a successful persist so a failed
// delivery can be re-detected.
func (g *CooldownGate) Arm(service string, alertType model.AlertType, now time.Time) {
	g.last.Store(gateKey(service, alertType), now.UnixNano())
}

// State returns the current emission state for (service, alertType).
func (g *CooldownGate) State(service string, alertType model.AlertType, now time.Time) AlertState {
	lastNs, ok := g.last.Load(gateKey(service, alertType))
	if !ok {
		return StateQuiet
	}
	if now.UnixNano()-lastNs < g.cooldown.Nanoseconds() {
		return StateCooling
	}
	return StateQuiet
}

func gateKey(service string, alertType model.AlertType) string {
	return service + ":" + string(alertType)
}
