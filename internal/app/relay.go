package app

import (
	"errors"
	"fmt"

	"github.com/dkeye/callrelay/internal/core"
	"github.com/dkeye/callrelay/internal/domain"
	"github.com/dkeye/callrelay/internal/wire"
	"github.com/rs/zerolog/log"
)

// Relay forwards call envelopes between users over their current connections.
// It keeps no call state and never looks inside payloads.
type Relay struct {
	Presence *Presence
	Registry *Registry
	Policy   Policy
	// Limiter is optional; nil disables the call rate limit.
	Limiter *CallLimiter
}

func (r *Relay) RelayCall(sender domain.ConnID, env domain.Envelope) error {
	return r.relay(sender, env, domain.KindOffer)
}

func (r *Relay) RelayAnswer(sender domain.ConnID, env domain.Envelope) error {
	return r.relay(sender, env, domain.KindAnswer)
}

func (r *Relay) RelayReject(sender domain.ConnID, env domain.Envelope) error {
	return r.relay(sender, env, domain.KindReject)
}

func (r *Relay) RelayEnd(sender domain.ConnID, env domain.Envelope) error {
	return r.relay(sender, env, domain.KindEnd)
}

// Relay dispatches on env.Kind.
func (r *Relay) Relay(sender domain.ConnID, env domain.Envelope) error {
	return r.relay(sender, env, env.Kind)
}

func (r *Relay) relay(sender domain.ConnID, env domain.Envelope, want domain.Kind) error {
	if env.Kind != want {
		return fmt.Errorf("%w: kind %q, want %q", domain.ErrInvalidEnvelope, env.Kind, want)
	}
	env, err := r.bindSender(sender, env)
	if err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Kind == domain.KindOffer && r.Limiter != nil && !r.Limiter.Allow(env.From) {
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, env.From)
	}

	logger := log.With().
		Str("module", "app.relay").
		Str("kind", string(env.Kind)).
		Str("from", string(env.From)).
		Str("to", string(env.To)).
		Logger()

	target, ok := r.Presence.Resolve(env.To)
	if !ok {
		switch env.Kind {
		case domain.KindOffer, domain.KindAnswer:
			logger.Info().Msg("target offline, reporting delivery failure")
			r.push(sender, domain.Notification{
				Kind:   domain.CallFailed,
				Target: env.To,
				Reason: domain.ReasonTargetOffline,
			})
			return fmt.Errorf("%w: %s is offline", domain.ErrDeliveryFailed, env.To)
		default:
			logger.Debug().Msg("target offline, nothing to tell")
			return nil
		}
	}

	logger.Info().Str("target_conn", string(target)).Msg("forwarding")
	r.push(target, domain.NotificationFor(env))
	return nil
}

// bindSender ties env.From to the user the sending connection joined as.
func (r *Relay) bindSender(sender domain.ConnID, env domain.Envelope) (domain.Envelope, error) {
	user, ok := r.Presence.UserOf(sender)
	if !ok {
		return env, domain.ErrNotJoined
	}
	if env.From == "" {
		env.From = user
	} else if env.From != user {
		return env, fmt.Errorf("%w: from %q on connection of %q", domain.ErrSenderMismatch, env.From, user)
	}
	if env.To == env.From {
		return env, fmt.Errorf("%w: target is the sender", domain.ErrInvalidEnvelope)
	}
	return env, nil
}

// push is fire-and-forget: a vanished or slow connection is logged, never waited on.
func (r *Relay) push(cid domain.ConnID, n domain.Notification) {
	frame, err := wire.EncodeNotification(n)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("encode notification")
		return
	}
	sig, ok := r.Registry.GetSignal(cid)
	if !ok {
		log.Warn().Str("module", "app.relay").Str("conn", string(cid)).Msg("no signal connection")
		return
	}
	err = sig.TrySend(frame)
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(cid)).Str("event", string(n.Kind)).Msg("push failed")
	if !errors.Is(err, core.ErrBackpressure) || r.Policy == nil {
		return
	}
	switch r.Policy.OnBackPressure(cid) {
	case KickMember:
		r.Registry.Cancel(cid)
	case DropFrame, NoAction:
	}
}
