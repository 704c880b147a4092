package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrDeliveryFailed  = errors.New("delivery failed")
	ErrNotJoined       = errors.New("connection has not joined")
	ErrSenderMismatch  = errors.New("sender does not match connection")
	ErrRateLimited     = errors.New("rate limited")
)

type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
	KindReject Kind = "reject"
	KindEnd    Kind = "end"
)

type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

func (m MediaKind) Valid() bool {
	return m == MediaVideo || m == MediaAudio
}

// WantsVideo reports whether capture should include a camera track.
func (m MediaKind) WantsVideo() bool { return m == MediaVideo }

// Envelope is one signaling message from one user to another.
// Payload is opaque and must reach the far end unchanged.
type Envelope struct {
	Kind    Kind
	From    UserID
	To      UserID
	Payload json.RawMessage
	Media   MediaKind
}

func (e Envelope) Validate() error {
	if e.To == "" {
		return fmt.Errorf("%w: missing target", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case KindOffer:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: offer without payload", ErrInvalidEnvelope)
		}
		if !e.Media.Valid() {
			return fmt.Errorf("%w: offer with media %q", ErrInvalidEnvelope, e.Media)
		}
	case KindAnswer:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: answer without payload", ErrInvalidEnvelope)
		}
	case KindReject, KindEnd:
		if len(e.Payload) != 0 {
			return fmt.Errorf("%w: %s carries payload", ErrInvalidEnvelope, e.Kind)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

type NotificationKind string

const (
	IncomingCall NotificationKind = "incoming-call"
	CallAnswered NotificationKind = "call-answered"
	CallRejected NotificationKind = "call-rejected"
	CallEnded    NotificationKind = "call-ended"
	CallFailed   NotificationKind = "call-failed"
)

// Notification is what the relay pushes to a connection.
type Notification struct {
	Kind    NotificationKind
	From    UserID
	Payload json.RawMessage
	Media   MediaKind
	// Target and Reason are set on CallFailed only.
	Target UserID
	Reason string
}

// CallFailed reasons. They double as the relay's error codes, so a client can
// turn a refused envelope into a failure of the call it belonged to.
const (
	// ReasonTargetOffline means the target has no bound connection.
	ReasonTargetOffline  = "target_offline"
	ReasonNotJoined      = "not_joined"
	ReasonSenderMismatch = "sender_mismatch"
	ReasonRateLimited    = "rate_limited"
	ReasonBadPayload     = "bad_payload"
	ReasonInternal       = "internal"
)

// FailureError maps a CallFailed reason to the sentinel a session ends with.
func FailureError(target UserID, reason string) error {
	base := ErrDeliveryFailed
	switch reason {
	case ReasonNotJoined:
		base = ErrNotJoined
	case ReasonSenderMismatch:
		base = ErrSenderMismatch
	case ReasonRateLimited:
		base = ErrRateLimited
	case ReasonBadPayload:
		base = ErrInvalidEnvelope
	}
	return fmt.Errorf("%w: call to %s (%s)", base, target, reason)
}

// NotificationFor maps a relayed envelope to the notification its target receives.
func NotificationFor(e Envelope) Notification {
	n := Notification{From: e.From}
	switch e.Kind {
	case KindOffer:
		n.Kind = IncomingCall
		n.Payload = e.Payload
		n.Media = e.Media
	case KindAnswer:
		n.Kind = CallAnswered
		n.Payload = e.Payload
	case KindReject:
		n.Kind = CallRejected
	case KindEnd:
		n.Kind = CallEnded
	}
	return n
}
