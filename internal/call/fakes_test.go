package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/callrelay/internal/domain"
)

const (
	offerSDP  = `{"type":"offer","sdp":"v=0"}`
	answerSDP = `{"type":"answer","sdp":"v=0"}`
)

type fakeStream struct {
	id       string
	released atomic.Int32
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) Release()   { s.released.Add(1) }

type fakeMedia struct {
	err  error
	gate chan struct{}
	// ignoreCtx keeps waiting on gate after the session has ended.
	ignoreCtx bool

	mu      sync.Mutex
	streams []*fakeStream
	video   []bool
}

func (m *fakeMedia) Acquire(ctx context.Context, video, audio bool) (MediaStream, error) {
	if m.gate != nil && m.ignoreCtx {
		<-m.gate
	} else if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.video = append(m.video, video)
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{id: "local"}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) all() []*fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeStream(nil), m.streams...)
}

type fakeRemote string

func (r fakeRemote) ID() string { return string(r) }

type fakePeer struct {
	initiator bool
	ev        PeerEvents
	feedErr   error

	mu        sync.Mutex
	fed       []string
	destroyed atomic.Int32
}

func (p *fakePeer) FeedRemoteSignal(payload json.RawMessage) error {
	p.mu.Lock()
	p.fed = append(p.fed, string(payload))
	p.mu.Unlock()
	if p.feedErr != nil {
		return p.feedErr
	}
	if !p.initiator {
		p.ev.OnLocalSignal(json.RawMessage(answerSDP))
	}
	p.ev.OnRemoteStream(fakeRemote("remote"))
	return nil
}

func (p *fakePeer) Destroy() { p.destroyed.Add(1) }

type fakePeers struct {
	createErr error
	feedErr   error
	// silent suppresses the initiator's offer.
	silent bool

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) Create(initiator bool, local MediaStream, ev PeerEvents) (PeerHandle, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	p := &fakePeer{initiator: initiator, ev: ev, feedErr: f.feedErr}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	if initiator && !f.silent {
		ev.OnLocalSignal(json.RawMessage(offerSDP))
	}
	return p, nil
}

func (f *fakePeers) last(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		t.Fatal("no peer created")
	}
	return f.peers[len(f.peers)-1]
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.Envelope
	// forward, when set, receives every envelope after it is recorded.
	forward func(domain.Envelope)
}

func (f *fakeSignaler) Send(_ context.Context, env domain.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	fw := f.forward
	f.mu.Unlock()
	if fw != nil {
		fw(env)
	}
	return nil
}

func (f *fakeSignaler) kinds() []domain.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Kind, 0, len(f.sent))
	for _, e := range f.sent {
		out = append(out, e.Kind)
	}
	return out
}

func (f *fakeSignaler) envelopes() []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Envelope(nil), f.sent...)
}

type recorder struct {
	mu      sync.Mutex
	states  []State
	reason  error
	remotes []string
	onState func(*Session, State)
}

func (r *recorder) OnState(s *Session, st State, reason error) {
	r.mu.Lock()
	r.states = append(r.states, st)
	if st == StateEnded {
		r.reason = reason
	}
	hook := r.onState
	r.mu.Unlock()
	if hook != nil {
		hook(s, st)
	}
}

func (r *recorder) OnRemoteStream(_ *Session, rs RemoteStream) {
	r.mu.Lock()
	r.remotes = append(r.remotes, rs.ID())
	r.mu.Unlock()
}

func (r *recorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) remoteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.remotes)
}

type rig struct {
	media *fakeMedia
	peers *fakePeers
	sig   *fakeSignaler
	obs   *recorder
	cfg   Config
}

func newRig(local domain.UserID) *rig {
	r := &rig{
		media: &fakeMedia{},
		peers: &fakePeers{},
		sig:   &fakeSignaler{},
		obs:   &recorder{},
	}
	r.cfg = Config{
		Local:    local,
		Media:    r.media,
		Peers:    r.peers,
		Signaler: r.sig,
		Observer: r.obs,
	}
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return s.State() == want })
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session still %s", s.State())
	}
}

func sameKinds(got []domain.Kind, want ...domain.Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

var errBoom = errors.New("boom")
