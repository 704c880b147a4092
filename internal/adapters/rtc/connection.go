// Package rtc implements call.PeerFactory on pion/webrtc. Negotiation is
// non-trickle: each side gathers all candidates before its description is
// handed to the session, so one offer and one answer complete the handshake.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/callrelay/internal/call"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrUnexpectedSignal = errors.New("unexpected session description")
)

// TrackSource is a local stream that can contribute tracks to a peer connection.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

func DefaultWebRTCConfig(iceURLs []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return cfg
}

type PeerFactory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewPeerFactory(cfg webrtc.Configuration) (*PeerFactory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))
	return &PeerFactory{api: api, cfg: cfg}, nil
}

func (f *PeerFactory) Create(initiator bool, local call.MediaStream, ev call.PeerEvents) (call.PeerHandle, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:        pc,
		initiator: initiator,
		ev:        ev,
		ctx:       ctx,
		cancel:    cancel,
		remotes:   make(map[string]struct{}),
		log:       log.With().Str("module", "webrtc").Bool("initiator", initiator).Logger(),
	}

	if src, ok := local.(TrackSource); ok {
		for _, t := range src.Tracks() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				c.Destroy()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			go drainRTCP(ctx, sender)
		}
	}
	c.hook()

	if initiator {
		go c.negotiate(func() (webrtc.SessionDescription, error) { return pc.CreateOffer(nil) })
	}
	return c, nil
}

// Connection is one side of a 1:1 call.
type Connection struct {
	pc        *webrtc.PeerConnection
	initiator bool
	ev        call.PeerEvents
	ctx       context.Context
	cancel    context.CancelFunc
	log       zerolog.Logger

	mu      sync.Mutex
	remotes map[string]struct{}
	fed     bool
	once    sync.Once
}

func (c *Connection) hook() {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed && c.ctx.Err() == nil {
			c.ev.OnFailure(ErrConnectionFailed)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")

		c.mu.Lock()
		_, seen := c.remotes[track.StreamID()]
		c.remotes[track.StreamID()] = struct{}{}
		c.mu.Unlock()
		if !seen {
			c.ev.OnRemoteStream(RemoteStream{id: track.StreamID()})
		}
		go c.drainTrack(track)
	})
}

// FeedRemoteSignal applies the far side's description. The callee then
// answers asynchronously through OnLocalSignal.
func (c *Connection) FeedRemoteSignal(payload json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sd); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedSignal, err)
	}
	want := webrtc.SDPTypeOffer
	if c.initiator {
		want = webrtc.SDPTypeAnswer
	}
	if sd.Type != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedSignal, sd.Type, want)
	}

	c.mu.Lock()
	dup := c.fed
	c.fed = true
	c.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: remote %s already applied", ErrUnexpectedSignal, sd.Type)
	}

	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	if !c.initiator {
		go c.negotiate(func() (webrtc.SessionDescription, error) { return c.pc.CreateAnswer(nil) })
	}
	return nil
}

func (c *Connection) negotiate(create func() (webrtc.SessionDescription, error)) {
	payload, err := c.describe(create)
	if err != nil {
		if c.ctx.Err() == nil {
			c.ev.OnFailure(err)
		}
		return
	}
	c.ev.OnLocalSignal(payload)
}

func (c *Connection) describe(create func() (webrtc.SessionDescription, error)) (json.RawMessage, error) {
	desc, err := create()
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
	return json.Marshal(c.pc.LocalDescription())
}

// Destroy closes the peer connection. Later callbacks are suppressed.
func (c *Connection) Destroy() {
	c.once.Do(func() {
		c.cancel()
		if err := c.pc.Close(); err != nil {
			c.log.Error().Err(err).Msg("close error")
		} else {
			c.log.Info().Msg("closed")
		}
	})
}

func (c *Connection) drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug().Err(err).Str("track_id", track.ID()).Msg("remote track ended")
			}
			return
		}
	}
}

// drainRTCP keeps the sender's interceptors running.
func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type RemoteStream struct{ id string }

func (r RemoteStream) ID() string { return r.id }
