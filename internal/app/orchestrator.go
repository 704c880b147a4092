package app

import (
	"context"

	"github.com/dkeye/callrelay/internal/core"
	"github.com/dkeye/callrelay/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the connection lifecycle hook: sockets register on connect,
// bind a user on join and lose both on disconnect.
type Orchestrator struct {
	Registry *Registry
	Presence *Presence
	Relay    *Relay
}

func NewOrchestrator(policy Policy, limiter *CallLimiter) *Orchestrator {
	reg := NewRegistry()
	presence := NewPresence()
	return &Orchestrator{
		Registry: reg,
		Presence: presence,
		Relay: &Relay{
			Presence: presence,
			Registry: reg,
			Policy:   policy,
			Limiter:  limiter,
		},
	}
}

func (o *Orchestrator) Connect(cid domain.ConnID, sig core.SignalConnection, cancel context.CancelFunc) {
	o.Registry.BindSignal(cid, sig, cancel)
}

func (o *Orchestrator) Join(cid domain.ConnID, user domain.UserID) {
	o.Presence.Bind(user, cid)
}

func (o *Orchestrator) OnDisconnect(cid domain.ConnID) {
	if user, ok := o.Presence.Unbind(cid); ok {
		log.Info().Str("module", "app.orchestrator").Str("conn", string(cid)).Str("user", string(user)).Msg("user left")
	}
	o.Registry.Unbind(cid)
}

func (o *Orchestrator) OnEnvelope(cid domain.ConnID, env domain.Envelope) error {
	return o.Relay.Relay(cid, env)
}
