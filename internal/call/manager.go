package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/callrelay/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager holds at most one live Session and routes inbound notifications to it.
// Notifications from anyone but the active remote are dropped, except offers,
// which are rejected while busy.
type Manager struct {
	cfg Config
	obs Observer
	log zerolog.Logger

	mu     sync.Mutex
	active *Session
}

// NewManager wraps cfg.Observer; every session it creates shares cfg.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg: cfg,
		obs: cfg.Observer,
		log: log.With().Str("module", "call").Str("local", string(cfg.Local)).Logger(),
	}
	m.cfg.Observer = managerObserver{m}
	return m
}

func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Call places an outgoing call. It fails with ErrBusy while another session is live.
func (m *Manager) Call(target domain.UserID, kind domain.MediaKind) (*Session, error) {
	s, err := m.claim()
	if err != nil {
		return nil, err
	}
	if err := s.Initiate(target, kind); err != nil {
		_ = s.Terminate()
		return nil, err
	}
	return s, nil
}

// Deliver feeds one relay notification into the state machine.
func (m *Manager) Deliver(n domain.Notification) {
	if n.Kind == domain.IncomingCall {
		m.incoming(n)
		return
	}

	s := m.Active()
	peer := n.From
	if n.Kind == domain.CallFailed {
		peer = n.Target
	}
	if s == nil || s.Remote() != peer {
		m.log.Debug().Str("kind", string(n.Kind)).Str("from", string(peer)).Msg("no session for notification")
		return
	}

	var err error
	switch n.Kind {
	case domain.CallAnswered:
		err = s.ReceiveAnswer(n.Payload)
	case domain.CallRejected:
		err = s.ReceiveReject()
	case domain.CallEnded:
		err = s.ReceiveEnd()
	case domain.CallFailed:
		err = s.ReceiveFailure(domain.FailureError(n.Target, n.Reason))
	default:
		err = fmt.Errorf("unknown notification %q", n.Kind)
	}
	if err != nil {
		m.log.Warn().Err(err).Str("kind", string(n.Kind)).Msg("deliver")
	}
}

func (m *Manager) incoming(n domain.Notification) {
	s, err := m.claim()
	if err != nil {
		m.log.Info().Str("from", string(n.From)).Msg("busy, rejecting incoming call")
		rej := domain.Envelope{Kind: domain.KindReject, From: m.cfg.Local, To: n.From}
		if err := m.cfg.Signaler.Send(context.Background(), rej); err != nil {
			m.log.Error().Err(err).Msg("send busy reject")
		}
		return
	}
	env := domain.Envelope{Kind: domain.KindOffer, From: n.From, To: m.cfg.Local, Payload: n.Payload, Media: n.Media}
	if err := s.ReceiveOffer(env); err != nil {
		m.log.Warn().Err(err).Msg("bad incoming call")
		_ = s.Terminate()
	}
}

// Close hangs up the active session, if any.
func (m *Manager) Close() {
	if s := m.Active(); s != nil {
		_ = s.Terminate()
		<-s.Done()
	}
}

func (m *Manager) claim() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, ErrBusy
	}
	m.active = NewSession(m.cfg)
	return m.active, nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

type managerObserver struct{ m *Manager }

func (o managerObserver) OnState(s *Session, st State, reason error) {
	if st == StateEnded {
		o.m.release(s)
	}
	if o.m.obs != nil {
		o.m.obs.OnState(s, st, reason)
	}
}

func (o managerObserver) OnRemoteStream(s *Session, rs RemoteStream) {
	if o.m.obs != nil {
		o.m.obs.OnRemoteStream(s, rs)
	}
}
