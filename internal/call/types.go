// Package call drives one user's side of a call: a Session per call attempt
// running the idle -> placing/ringing -> accepted -> connected -> ended machine,
// and a Manager that owns the live session and routes relay notifications to it.
//
// Media capture, peer negotiation and signaling are collaborators behind the
// interfaces below. Coupling to the websocket client and to pion lives in the
// adapters only.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/callrelay/internal/domain"
)

var (
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrPeerNegotiationFailed  = errors.New("peer negotiation failed")
	ErrRingTimeout            = errors.New("ring timeout")
	ErrRejected               = errors.New("call rejected")
	ErrRemoteEnded            = errors.New("call ended by remote")
	ErrHangup                 = errors.New("call ended locally")
	ErrBusy                   = errors.New("already in a call")
)

type State int

const (
	StateIdle State = iota
	StatePlacing
	StateRinging
	StateAccepted
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlacing:
		return "placing"
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// MediaStream is locally captured audio/video. Release must be safe to call once
// per stream; the session guarantees it calls it at most once.
type MediaStream interface {
	ID() string
	Release()
}

type MediaCapture interface {
	Acquire(ctx context.Context, video, audio bool) (MediaStream, error)
}

// RemoteStream is media surfaced by the peer once the handshake completes.
type RemoteStream interface {
	ID() string
}

// PeerEvents are the callbacks a peer handle reports through. They may run on
// any goroutine.
type PeerEvents struct {
	OnLocalSignal  func(payload json.RawMessage)
	OnRemoteStream func(RemoteStream)
	OnFailure      func(error)
}

type PeerHandle interface {
	FeedRemoteSignal(payload json.RawMessage) error
	Destroy()
}

type PeerFactory interface {
	Create(initiator bool, local MediaStream, ev PeerEvents) (PeerHandle, error)
}

type Signaler interface {
	Send(ctx context.Context, env domain.Envelope) error
}

// Observer receives lifecycle updates for the UI. Methods run on the session
// goroutine and must not call blocking Session methods.
type Observer interface {
	// OnState reports every transition; reason is set only when st is StateEnded.
	OnState(s *Session, st State, reason error)
	OnRemoteStream(s *Session, rs RemoteStream)
}

type Config struct {
	Local    domain.UserID
	Media    MediaCapture
	Peers    PeerFactory
	Signaler Signaler
	// Observer may be nil.
	Observer Observer
	// RingTimeout bounds placing and ringing; zero disables it.
	RingTimeout time.Duration
}
