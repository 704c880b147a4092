package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callrelay/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type eventKind int

const (
	evInitiate eventKind = iota
	evReceiveOffer
	evAccept
	evReject
	evTerminate
	evReceiveAnswer
	evReceiveReject
	evReceiveEnd
	evReceiveFailure
	evMediaReady
	evMediaFailed
	evLocalSignal
	evRemoteStream
	evPeerFailed
	evRingTimeout
)

var eventNames = [...]string{
	"initiate", "receive_offer", "accept", "reject", "terminate",
	"receive_answer", "receive_reject", "receive_end", "receive_failure",
	"media_ready", "media_failed", "local_signal", "remote_stream",
	"peer_failed", "ring_timeout",
}

func (k eventKind) String() string { return eventNames[k] }

type event struct {
	kind    eventKind
	peer    domain.UserID
	media   domain.MediaKind
	payload json.RawMessage
	stream  MediaStream
	remote  RemoteStream
	err     error
	done    chan error
}

// Session is one call attempt. It is never reused: once it reaches StateEnded
// a new call needs a new Session. All transitions run on one goroutine in the
// order events arrive.
type Session struct {
	cfg    Config
	q      *eventQueue
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	state  State
	remote domain.UserID
	dir    Direction
	kind   domain.MediaKind
	reason error

	// owned by the run goroutine
	log       zerolog.Logger
	offer     json.RawMessage
	stream    MediaStream
	peer      PeerHandle
	sentLocal bool
	timer     *time.Timer
}

// NewSession returns an idle session and starts its event loop.
func NewSession(cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		q:      newEventQueue(),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("module", "call").Str("local", string(cfg.Local)).Logger(),
	}
	go s.run()
	return s
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Remote() domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

func (s *Session) Direction() Direction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir
}

func (s *Session) MediaKind() domain.MediaKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// Reason is why the session ended, nil while it is live.
func (s *Session) Reason() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Done is closed after the session has ended and released everything.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Initiate(target domain.UserID, kind domain.MediaKind) error {
	return s.do(event{kind: evInitiate, peer: target, media: kind})
}

func (s *Session) ReceiveOffer(env domain.Envelope) error {
	return s.do(event{kind: evReceiveOffer, peer: env.From, media: env.Media, payload: env.Payload})
}

func (s *Session) Accept() error {
	return s.do(event{kind: evAccept})
}

// Reject declines a ringing call. It returns once the session has ended.
func (s *Session) Reject() error {
	return s.do(event{kind: evReject})
}

// Terminate hangs up from any state. It returns once local resources are
// released; calling it on an ended session does nothing.
func (s *Session) Terminate() error {
	return s.do(event{kind: evTerminate})
}

func (s *Session) ReceiveAnswer(payload json.RawMessage) error {
	return s.do(event{kind: evReceiveAnswer, payload: payload})
}

func (s *Session) ReceiveReject() error {
	return s.do(event{kind: evReceiveReject})
}

func (s *Session) ReceiveEnd() error {
	return s.do(event{kind: evReceiveEnd})
}

// ReceiveDeliveryFailed reports that the relay could not reach the remote user.
func (s *Session) ReceiveDeliveryFailed() error {
	return s.ReceiveFailure(fmt.Errorf("%w: %s is offline", domain.ErrDeliveryFailed, s.Remote()))
}

// ReceiveFailure ends the call because the relay refused or could not deliver
// one of its envelopes. reason becomes the session's Reason.
func (s *Session) ReceiveFailure(reason error) error {
	return s.do(event{kind: evReceiveFailure, err: reason})
}

func (s *Session) do(ev event) error {
	ev.done = make(chan error, 1)
	if !s.q.push(ev) {
		return closedResult(ev.kind)
	}
	return <-ev.done
}

// post enqueues without waiting; used by timers, media and peer callbacks.
func (s *Session) post(ev event) {
	if !s.q.push(ev) {
		s.discard(ev)
	}
}

func closedResult(k eventKind) error {
	switch k {
	case evInitiate, evReceiveOffer, evAccept:
		return fmt.Errorf("%w: session ended", ErrInvalidTransition)
	}
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	for range s.q.wake {
		for _, ev := range s.q.take() {
			s.dispatch(ev)
		}
		if s.State() == StateEnded {
			for _, ev := range s.q.close() {
				s.dispatch(ev)
			}
			return
		}
	}
}

func (s *Session) dispatch(ev event) {
	err := s.handle(ev)
	if errors.Is(err, ErrInvalidTransition) {
		s.log.Warn().Str("event", ev.kind.String()).Str("state", s.State().String()).Msg("ignoring event")
	}
	if ev.done != nil {
		ev.done <- err
	}
}

func (s *Session) handle(ev event) error {
	st := s.State()
	if st == StateEnded {
		s.discard(ev)
		return closedResult(ev.kind)
	}

	switch ev.kind {
	case evInitiate:
		if st != StateIdle {
			return s.invalid(ev, st)
		}
		return s.initiate(ev.peer, ev.media)

	case evReceiveOffer:
		if st != StateIdle {
			return s.invalid(ev, st)
		}
		return s.receiveOffer(ev)

	case evAccept:
		if st != StateRinging {
			return s.invalid(ev, st)
		}
		s.stopTimer()
		s.setState(StateAccepted, nil)
		s.acquire()
		return nil

	case evReject:
		if st != StateRinging {
			return s.invalid(ev, st)
		}
		s.send(domain.KindReject, nil)
		s.end(ErrRejected)
		return nil

	case evTerminate:
		switch st {
		case StateIdle:
			s.end(ErrHangup)
		case StateRinging:
			s.send(domain.KindReject, nil)
			s.end(ErrRejected)
		default:
			if s.remoteKnows() {
				s.send(domain.KindEnd, nil)
			}
			s.end(ErrHangup)
		}
		return nil

	case evReceiveAnswer:
		if st != StatePlacing || !s.sentLocal || s.peer == nil {
			return s.invalid(ev, st)
		}
		if err := s.peer.FeedRemoteSignal(ev.payload); err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrPeerNegotiationFailed, err))
			return nil
		}
		s.stopTimer()
		s.setState(StateConnected, nil)
		return nil

	case evReceiveReject:
		if st == StateIdle {
			return s.invalid(ev, st)
		}
		s.end(ErrRejected)
		return nil

	case evReceiveEnd:
		if st == StateIdle {
			return s.invalid(ev, st)
		}
		s.end(ErrRemoteEnded)
		return nil

	case evReceiveFailure:
		if st == StateIdle {
			return s.invalid(ev, st)
		}
		s.end(ev.err)
		return nil

	case evMediaReady:
		if (st != StatePlacing && st != StateAccepted) || s.stream != nil {
			ev.stream.Release()
			return s.invalid(ev, st)
		}
		s.stream = ev.stream
		s.startPeer()
		return nil

	case evMediaFailed:
		if st != StatePlacing && st != StateAccepted {
			return s.invalid(ev, st)
		}
		if st == StateAccepted {
			s.send(domain.KindEnd, nil)
		}
		s.end(fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, ev.err))
		return nil

	case evLocalSignal:
		return s.localSignal(ev, st)

	case evRemoteStream:
		if s.cfg.Observer != nil {
			s.cfg.Observer.OnRemoteStream(s, ev.remote)
		}
		return nil

	case evPeerFailed:
		s.fail(fmt.Errorf("%w: %v", ErrPeerNegotiationFailed, ev.err))
		return nil

	case evRingTimeout:
		switch st {
		case StatePlacing:
			if s.sentLocal {
				s.send(domain.KindEnd, nil)
			}
		case StateRinging:
			s.send(domain.KindReject, nil)
		default:
			return nil
		}
		s.end(ErrRingTimeout)
		return nil
	}
	return s.invalid(ev, st)
}

func (s *Session) initiate(target domain.UserID, kind domain.MediaKind) error {
	if target == "" || target == s.cfg.Local {
		return fmt.Errorf("%w: bad target %q", domain.ErrInvalidEnvelope, target)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: media %q", domain.ErrInvalidEnvelope, kind)
	}
	s.mu.Lock()
	s.remote, s.dir, s.kind = target, Outgoing, kind
	s.mu.Unlock()
	s.log = s.log.With().Str("remote", string(target)).Str("direction", Outgoing.String()).Logger()
	s.setState(StatePlacing, nil)
	s.startTimer()
	s.acquire()
	return nil
}

// receiveOffer only records the offer; media is requested on accept.
func (s *Session) receiveOffer(ev event) error {
	if ev.peer == "" || len(ev.payload) == 0 || !ev.media.Valid() {
		return fmt.Errorf("%w: incomplete offer", domain.ErrInvalidEnvelope)
	}
	s.mu.Lock()
	s.remote, s.dir, s.kind = ev.peer, Incoming, ev.media
	s.mu.Unlock()
	s.offer = ev.payload
	s.log = s.log.With().Str("remote", string(ev.peer)).Str("direction", Incoming.String()).Logger()
	s.setState(StateRinging, nil)
	s.startTimer()
	return nil
}

func (s *Session) localSignal(ev event, st State) error {
	if s.sentLocal {
		s.log.Debug().Msg("dropping extra local signal")
		return nil
	}
	switch {
	case st == StatePlacing && s.dir == Outgoing:
		s.sentLocal = true
		s.send(domain.KindOffer, ev.payload)
	case st == StateAccepted && s.dir == Incoming:
		s.sentLocal = true
		s.send(domain.KindAnswer, ev.payload)
		s.setState(StateConnected, nil)
	default:
		return s.invalid(ev, st)
	}
	return nil
}

func (s *Session) acquire() {
	video := s.MediaKind().WantsVideo()
	ctx := s.ctx
	go func() {
		stream, err := s.cfg.Media.Acquire(ctx, video, true)
		if err != nil {
			s.post(event{kind: evMediaFailed, err: err})
			return
		}
		s.post(event{kind: evMediaReady, stream: stream})
	}()
}

func (s *Session) startPeer() {
	initiator := s.dir == Outgoing
	peer, err := s.cfg.Peers.Create(initiator, s.stream, PeerEvents{
		OnLocalSignal: func(p json.RawMessage) {
			s.post(event{kind: evLocalSignal, payload: p})
		},
		OnRemoteStream: func(rs RemoteStream) {
			s.post(event{kind: evRemoteStream, remote: rs})
		},
		OnFailure: func(err error) {
			s.post(event{kind: evPeerFailed, err: err})
		},
	})
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrPeerNegotiationFailed, err))
		return
	}
	s.peer = peer
	if !initiator {
		if err := peer.FeedRemoteSignal(s.offer); err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrPeerNegotiationFailed, err))
		}
	}
}

// remoteKnows reports whether the far end has heard of this call.
func (s *Session) remoteKnows() bool {
	return s.dir == Incoming || s.sentLocal
}

// fail ends the call on a local error, telling the remote if it is waiting on us.
func (s *Session) fail(reason error) {
	if s.remoteKnows() {
		kind := domain.KindEnd
		if s.State() == StateRinging {
			kind = domain.KindReject
		}
		s.send(kind, nil)
	}
	s.end(reason)
}

func (s *Session) send(kind domain.Kind, payload json.RawMessage) {
	env := domain.Envelope{
		Kind:    kind,
		From:    s.cfg.Local,
		To:      s.Remote(),
		Payload: payload,
	}
	if kind == domain.KindOffer {
		env.Media = s.MediaKind()
	}
	if err := s.cfg.Signaler.Send(s.ctx, env); err != nil {
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("send envelope")
	}
}

// end is the only way into StateEnded and releases the peer and media exactly once.
func (s *Session) end(reason error) {
	if s.State() == StateEnded {
		return
	}
	s.stopTimer()
	s.cancel()
	if s.peer != nil {
		s.peer.Destroy()
		s.peer = nil
	}
	if s.stream != nil {
		s.stream.Release()
		s.stream = nil
	}
	s.log.Info().AnErr("reason", reason).Msg("call ended")
	s.setState(StateEnded, reason)
}

func (s *Session) setState(st State, reason error) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	if st == StateEnded {
		s.reason = reason
	}
	s.mu.Unlock()
	s.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("transition")
	if s.cfg.Observer != nil {
		s.cfg.Observer.OnState(s, st, reason)
	}
}

func (s *Session) startTimer() {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	s.timer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.post(event{kind: evRingTimeout})
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// discard releases anything an event carries once nobody can use it.
func (s *Session) discard(ev event) {
	if ev.kind == evMediaReady && ev.stream != nil {
		ev.stream.Release()
	}
}

func (s *Session) invalid(ev event, st State) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev.kind, st)
}
