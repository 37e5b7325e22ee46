package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNeedsInteraction = errors.New("playback requires user interaction")
	ErrSessionStale     = errors.New("session replaced")
	ErrPlayerDestroyed  = errors.New("player destroyed")
	ErrDecode           = errors.New("decode failure")
	ErrNothingToPlay    = errors.New("no playback source loaded")
	ErrUnknownRole      = errors.New("unknown role")
)

type DeviceErrorReason string

const (
	DevicePermissionDenied DeviceErrorReason = "permission_denied"
	DeviceNotFound         DeviceErrorReason = "not_found"
	DeviceUnavailable      DeviceErrorReason = "unavailable"
)

// DeviceError reports a capture failure. It is never retried automatically.
type DeviceError struct {
	Reason DeviceErrorReason
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("device error (%s)", e.Reason)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// SignalingError reports a non-success answer from the signaling endpoint.
// Status is zero when the relay could not be reached at all.
type SignalingError struct {
	Status int
	Body   string
	Err    error
}

func (e *SignalingError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("signaling error: relay unreachable: %v", e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("signaling error: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("signaling error: status %d", e.Status)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// Temporary reports whether the failure looks like an unreachable or overloaded relay
// rather than a rejected offer. Used for reporting only; nothing retries on it.
func (e *SignalingError) Temporary() bool {
	return e.Status == 0 || e.Status >= 500
}

// NegotiationError reports a local failure to produce or apply a description.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ConnectivityError is raised from transport state changes after negotiation.
type ConnectivityError struct {
	Transient bool
	State     ConnectivityState
}

func (e *ConnectivityError) Error() string {
	if e.Transient {
		return fmt.Sprintf("connectivity disconnected (%s)", e.State)
	}
	return fmt.Sprintf("connectivity failure (%s)", e.State)
}

type PlaybackErrorClass int

const (
	PlaybackErrorNetwork PlaybackErrorClass = iota
	PlaybackErrorDecode
	PlaybackErrorFatal
)

func (c PlaybackErrorClass) String() string {
	switch c {
	case PlaybackErrorNetwork:
		return "network"
	case PlaybackErrorDecode:
		return "decode"
	case PlaybackErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// PlaybackError is a classified player failure.
type PlaybackError struct {
	Class   PlaybackErrorClass
	Details string
	Err     error
}

func (e *PlaybackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("playback %s error: %s: %v", e.Class, e.Details, e.Err)
	}
	return fmt.Sprintf("playback %s error: %s", e.Class, e.Details)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Terminal reports whether the error class requires explicit user action.
func (e *PlaybackError) Terminal() bool {
	return e.Class == PlaybackErrorFatal
}
