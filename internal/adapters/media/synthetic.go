// Package media provides a headless local capture for the call client: an Opus
// track fed with RTP silence and, for video calls, a VP8 track. Real device
// capture is platform specific and stays out of this module.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/callrelay/internal/call"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoTracks = errors.New("neither audio nor video requested")

const (
	opusClockRate = 48000
	frameDuration = 20 * time.Millisecond
	opusPT        = 111
)

// opusSilence is a single Opus frame carrying 20ms of silence.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// Synthetic implements call.MediaCapture without touching any device.
type Synthetic struct{}

func (Synthetic) Acquire(ctx context.Context, video, audio bool) (call.MediaStream, error) {
	if !video && !audio {
		return nil, ErrNoTracks
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Stream{id: uuid.NewString(), stop: make(chan struct{}), done: make(chan struct{})}
	if audio {
		t, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
			"audio", s.id,
		)
		if err != nil {
			return nil, err
		}
		s.audio = t
	}
	if video {
		t, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", s.id,
		)
		if err != nil {
			return nil, err
		}
		s.video = t
	}

	go s.pump()
	log.Debug().Str("module", "media").Str("stream_id", s.id).Bool("video", video).Bool("audio", audio).Msg("stream acquired")
	return s, nil
}

// Stream is a captured set of local tracks. Release stops the generator.
type Stream struct {
	id    string
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns the local tracks to attach to a peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *Stream) Release() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		log.Debug().Str("module", "media").Str("stream_id", s.id).Msg("stream released")
	})
}

func (s *Stream) pump() {
	defer close(s.done)
	if s.audio == nil {
		<-s.stop
		return
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	var seq uint16
	var ts uint32
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.audio.WriteRTP(silencePacket(seq, ts)); err != nil {
				log.Warn().Err(err).Str("module", "media").Str("stream_id", s.id).Msg("write silence")
			}
			seq++
			ts += opusClockRate / uint32(time.Second/frameDuration)
		}
	}
}

func silencePacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPT,
			SequenceNumber: seq,
			Timestamp:      ts,
		},
		Payload: opusSilence,
	}
}
