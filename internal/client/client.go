// Package client is the signaling side of cmd/callclient: a websocket
// connection to the relay that joins as one user, sends call envelopes and
// surfaces inbound notifications on a channel in arrival order.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callrelay/internal/domain"
	"github.com/dkeye/callrelay/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed     = errors.New("signaling connection closed")
	ErrJoinFailed = errors.New("join failed")
)

const (
	dialTimeout = 10 * time.Second
	writeWait   = 5 * time.Second
	sendBuffer  = 32
)

type Client struct {
	conn  *websocket.Conn
	user  domain.UserID
	log   zerolog.Logger
	notes chan domain.Notification

	send   chan []byte
	joined chan error
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the relay and joins as user. It returns once the relay
// confirms the join.
func Dial(ctx context.Context, url string, user domain.UserID) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:   conn,
		user:   user,
		log:    log.With().Str("module", "client").Str("user", string(user)).Logger(),
		notes:  make(chan domain.Notification, sendBuffer),
		send:   make(chan []byte, sendBuffer),
		joined: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()

	frame, err := wire.Encode(wire.EventJoin, wire.Join{UserID: string(user)})
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := c.enqueue(ctx, frame); err != nil {
		c.Close()
		return nil, err
	}
	select {
	case err := <-c.joined:
		if err != nil {
			c.Close()
			return nil, err
		}
	case <-c.done:
		return nil, fmt.Errorf("%w: connection lost before join", ErrJoinFailed)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	c.log.Info().Msg("joined")
	return c, nil
}

// Send implements call.Signaler.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	frame, err := wire.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, frame)
}

// Ping asks the relay for an application level pong.
func (c *Client) Ping(ctx context.Context) error {
	frame, err := wire.Encode(wire.EventPing, nil)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, frame)
}

func (c *Client) User() domain.UserID { return c.user }

// Notifications yields relay notifications in arrival order. It is closed when
// the connection goes away. Reading stalls while nobody drains it.
func (c *Client) Notifications() <-chan domain.Notification { return c.notes }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *Client) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.notes)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Warn().Err(err).Msg("readPump read error")
				}
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad frame from relay")
		return
	}
	switch f.Event {
	case wire.EventJoined:
		c.signalJoin(nil)
	case wire.EventPong:
		c.log.Debug().Msg("pong")
	case wire.EventError:
		var e wire.Error
		_ = decodeError(f, &e)
		c.log.Warn().Str("code", e.Code).Str("message", e.Message).Str("to", e.To).Msg("relay error")
		if e.To != "" {
			// a refused call envelope fails the call it belonged to
			c.notify(domain.Notification{Kind: domain.CallFailed, Target: domain.UserID(e.To), Reason: e.Code})
			return
		}
		// an untargeted error before joined can only be about the join itself
		c.signalJoin(fmt.Errorf("%w: %s %s", ErrJoinFailed, e.Code, e.Message))
	default:
		n, err := wire.DecodeNotification(f)
		if err != nil {
			c.log.Warn().Err(err).Str("event", string(f.Event)).Msg("unhandled frame")
			return
		}
		c.notify(n)
	}
}

func (c *Client) notify(n domain.Notification) {
	select {
	case c.notes <- n:
	case <-c.done:
	}
}

// signalJoin reports the first join outcome; later ones are dropped.
func (c *Client) signalJoin(err error) {
	select {
	case c.joined <- err:
	default:
	}
}

func decodeError(f wire.Frame, e *wire.Error) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, e)
}
