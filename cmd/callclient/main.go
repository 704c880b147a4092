// Command callclient is a headless peer for the call relay: it joins as one
// user, optionally places a call, answers incoming calls and streams synthetic
// media until the call ends or it is interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/callrelay/internal/adapters/media"
	"github.com/dkeye/callrelay/internal/adapters/rtc"
	"github.com/dkeye/callrelay/internal/call"
	"github.com/dkeye/callrelay/internal/client"
	"github.com/dkeye/callrelay/internal/config"
	"github.com/dkeye/callrelay/internal/domain"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadClient(config.ClientFlags(), os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("bad arguments")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("callclient")
	}
}

// run returns only after the active call is hung up and the relay connection closed.
func run(ctx context.Context, cfg *config.Client) error {
	user, err := domain.ParseUserID(cfg.User)
	if err != nil {
		return fmt.Errorf("bad user: %w", err)
	}
	var target domain.UserID
	if cfg.Call != "" {
		if target, err = domain.ParseUserID(cfg.Call); err != nil {
			return fmt.Errorf("bad call target: %w", err)
		}
	}

	peers, err := rtc.NewPeerFactory(rtc.DefaultWebRTCConfig(cfg.ICEServers))
	if err != nil {
		return fmt.Errorf("webrtc setup: %w", err)
	}

	conn, err := client.Dial(ctx, cfg.Server, user)
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Server, err)
	}
	defer conn.Close()

	ended := make(chan struct{}, 1)
	mgr := call.NewManager(call.Config{
		Local:       user,
		Media:       media.Synthetic{},
		Peers:       peers,
		Signaler:    conn,
		Observer:    &console{autoAccept: cfg.AutoAccept, ended: ended},
		RingTimeout: cfg.RingTimeout,
	})
	defer mgr.Close()

	go func() {
		for n := range conn.Notifications() {
			mgr.Deliver(n)
		}
	}()

	placing := target != ""
	if placing {
		kind := domain.MediaAudio
		if cfg.Video {
			kind = domain.MediaVideo
		}
		if _, err := mgr.Call(target, kind); err != nil {
			return fmt.Errorf("call %s: %w", target, err)
		}
	} else {
		log.Info().Str("user", string(user)).Msg("waiting for calls")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("interrupted")
			return nil
		case <-conn.Done():
			return errors.New("relay connection lost")
		case <-ended:
			// a caller exits after its call; a callee keeps waiting for the next one
			if placing {
				return nil
			}
		}
	}
}

// console logs call progress and answers incoming calls when asked to.
type console struct {
	autoAccept bool
	ended      chan struct{}
}

func (c *console) OnState(s *call.Session, st call.State, reason error) {
	ev := log.Info().Str("module", "callclient").Str("remote", string(s.Remote())).Str("state", st.String())
	if reason != nil {
		ev = ev.AnErr("reason", reason)
	}
	ev.Msg("call state")

	switch st {
	case call.StateRinging:
		// Session methods block on the session goroutine this runs on.
		go func() {
			if c.autoAccept {
				_ = s.Accept()
			} else {
				_ = s.Reject()
			}
		}()
	case call.StateEnded:
		select {
		case c.ended <- struct{}{}:
		default:
		}
	}
}

func (c *console) OnRemoteStream(s *call.Session, rs call.RemoteStream) {
	log.Info().Str("module", "callclient").Str("remote", string(s.Remote())).Str("stream_id", rs.ID()).Msg("receiving media")
}
