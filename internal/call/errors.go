// Package call implements the client-side call core: the peer session over
// pion, the ICE candidate buffer, SDP audio shaping and the lifecycle
// controller that drives one call on one deal.
package call

import (
	"errors"
	"fmt"

	"github.com/fundline/dealcall/internal/signal"
)

// errNoLocalTrack marks mute or camera toggles on a session that captured no
// such device.
var errNoLocalTrack = errors.New("no local track was captured")

// AuthError covers rejected room admission (bad token, full room, no call).
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("call authorization failed (%d): %s", e.Status, e.Reason)
	}
	return "call authorization failed: " + e.Reason
}

// MediaError reports a failure to acquire or operate local capture devices.
type MediaError struct {
	Device string
	Err    error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media failure on %s: %v", e.Device, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// TransportError reports a lost or failed signaling transport.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// wrapDialError classifies a failed room dial: an HTTP rejection is an
// admission problem, anything else is transport.
func wrapDialError(err error) error {
	var dialErr *signal.DialError
	if errors.As(err, &dialErr) {
		return &AuthError{Status: dialErr.StatusCode, Reason: dialErr.Err.Error()}
	}
	return &TransportError{Err: err}
}

// NegotiationError reports an SDP exchange that could not complete.
type NegotiationError struct {
	Stage string // "offer", "answer", "remote-offer", "remote-answer"
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
