// Package wire is the JSON frame format spoken over the signaling socket.
//
// Every frame is {"event": <name>, "data": <object>}. Event names and field names
// follow the call gateway of the chat application: call-user carries
// {to, from, signal, type}, incoming-call carries {from, signal, type} and so on.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/callrelay/internal/domain"
)

type Event string

// client -> relay
const (
	EventJoin       Event = "join"
	EventCallUser   Event = "call-user"
	EventAnswerCall Event = "answer-call"
	EventRejectCall Event = "reject-call"
	EventEndCall    Event = "end-call"
	EventPing       Event = "ping"
	EventWhoAmI     Event = "whoami"
)

// relay -> client
const (
	EventJoined       Event = "joined"
	EventIncomingCall Event = "incoming-call"
	EventCallAnswered Event = "call-answered"
	EventCallRejected Event = "call-rejected"
	EventCallEnded    Event = "call-ended"
	EventCallFailed   Event = "call-failed"
	EventPong         Event = "pong"
	EventError        Event = "error"
)

var ErrBadFrame = errors.New("bad frame")

type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Join struct {
	UserID string `json:"userId"`
}

type CallUser struct {
	To     string          `json:"to"`
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
	Type   string          `json:"type"`
}

type AnswerCall struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

// Target is the body of reject-call and end-call.
type Target struct {
	To string `json:"to"`
}

type IncomingCall struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
	Type   string          `json:"type"`
}

type CallAnswered struct {
	From   string          `json:"from,omitempty"`
	Signal json.RawMessage `json:"signal"`
}

// Peer is the body of call-rejected and call-ended.
type Peer struct {
	From string `json:"from,omitempty"`
}

type CallFailed struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
}

type Joined struct {
	UserID string `json:"userId"`
}

type WhoAmI struct {
	UserID string `json:"userId,omitempty"`
	Conn   string `json:"conn"`
}

// Error reports a refused frame. To is set when the frame was a call event
// addressed to a user.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	To      string `json:"to,omitempty"`
}

func Encode(ev Event, v any) ([]byte, error) {
	f := Frame{Event: ev}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrBadFrame)
	}
	return f, nil
}

func decodeData(f Frame, v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrBadFrame, f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadFrame, f.Event, err)
	}
	return nil
}

// DecodeJoin accepts both the bare string form ("alice") and {"userId":"alice"}.
func DecodeJoin(f Frame) (domain.UserID, error) {
	data := bytes.TrimSpace(f.Data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("%w: join: %v", ErrBadFrame, err)
		}
		return domain.ParseUserID(s)
	}
	var j Join
	if err := decodeData(f, &j); err != nil {
		return "", err
	}
	return domain.ParseUserID(j.UserID)
}

// DecodeEnvelope turns a client call frame into an envelope. From is left as sent;
// the relay binds it to the sending connection.
func DecodeEnvelope(f Frame) (domain.Envelope, error) {
	var env domain.Envelope
	switch f.Event {
	case EventCallUser:
		var p CallUser
		if err := decodeData(f, &p); err != nil {
			return env, err
		}
		env = domain.Envelope{
			Kind:    domain.KindOffer,
			From:    domain.UserID(p.From),
			To:      domain.UserID(p.To),
			Payload: nonNull(p.Signal),
			Media:   domain.MediaKind(p.Type),
		}
	case EventAnswerCall:
		var p AnswerCall
		if err := decodeData(f, &p); err != nil {
			return env, err
		}
		env = domain.Envelope{Kind: domain.KindAnswer, To: domain.UserID(p.To), Payload: nonNull(p.Signal)}
	case EventRejectCall, EventEndCall:
		var p Target
		if err := decodeData(f, &p); err != nil {
			return env, err
		}
		kind := domain.KindReject
		if f.Event == EventEndCall {
			kind = domain.KindEnd
		}
		env = domain.Envelope{Kind: kind, To: domain.UserID(p.To)}
	default:
		return env, fmt.Errorf("%w: %s is not a call event", ErrBadFrame, f.Event)
	}
	return env, env.Validate()
}

// EncodeEnvelope is the client side of DecodeEnvelope.
func EncodeEnvelope(e domain.Envelope) ([]byte, error) {
	switch e.Kind {
	case domain.KindOffer:
		return Encode(EventCallUser, CallUser{To: string(e.To), From: string(e.From), Signal: e.Payload, Type: string(e.Media)})
	case domain.KindAnswer:
		return Encode(EventAnswerCall, AnswerCall{To: string(e.To), Signal: e.Payload})
	case domain.KindReject:
		return Encode(EventRejectCall, Target{To: string(e.To)})
	case domain.KindEnd:
		return Encode(EventEndCall, Target{To: string(e.To)})
	}
	return nil, fmt.Errorf("%w: kind %q", domain.ErrInvalidEnvelope, e.Kind)
}

func EncodeNotification(n domain.Notification) ([]byte, error) {
	from := string(n.From)
	switch n.Kind {
	case domain.IncomingCall:
		return Encode(EventIncomingCall, IncomingCall{From: from, Signal: n.Payload, Type: string(n.Media)})
	case domain.CallAnswered:
		return Encode(EventCallAnswered, CallAnswered{From: from, Signal: n.Payload})
	case domain.CallRejected:
		return Encode(EventCallRejected, Peer{From: from})
	case domain.CallEnded:
		return Encode(EventCallEnded, Peer{From: from})
	case domain.CallFailed:
		return Encode(EventCallFailed, CallFailed{To: string(n.Target), Reason: n.Reason})
	}
	return nil, fmt.Errorf("%w: notification %q", ErrBadFrame, n.Kind)
}

// DecodeNotification is the client side of EncodeNotification.
// call-rejected and call-ended may arrive without data.
func DecodeNotification(f Frame) (domain.Notification, error) {
	var n domain.Notification
	switch f.Event {
	case EventIncomingCall:
		var p IncomingCall
		if err := decodeData(f, &p); err != nil {
			return n, err
		}
		n = domain.Notification{Kind: domain.IncomingCall, From: domain.UserID(p.From), Payload: nonNull(p.Signal), Media: domain.MediaKind(p.Type)}
	case EventCallAnswered:
		var p CallAnswered
		if err := decodeData(f, &p); err != nil {
			return n, err
		}
		n = domain.Notification{Kind: domain.CallAnswered, From: domain.UserID(p.From), Payload: nonNull(p.Signal)}
	case EventCallRejected, EventCallEnded:
		var p Peer
		if len(f.Data) > 0 {
			if err := decodeData(f, &p); err != nil {
				return n, err
			}
		}
		kind := domain.CallRejected
		if f.Event == EventCallEnded {
			kind = domain.CallEnded
		}
		n = domain.Notification{Kind: kind, From: domain.UserID(p.From)}
	case EventCallFailed:
		var p CallFailed
		if err := decodeData(f, &p); err != nil {
			return n, err
		}
		n = domain.Notification{Kind: domain.CallFailed, Target: domain.UserID(p.To), Reason: p.Reason}
	default:
		return n, fmt.Errorf("%w: %s is not a notification", ErrBadFrame, f.Event)
	}
	return n, nil
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
