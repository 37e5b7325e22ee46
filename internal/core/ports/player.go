package ports

import (
	"context"
	"time"
)

const MimeTypeHLS = "application/vnd.apple.mpegurl"

type PlayerEventType int

const (
	PlayerManifestParsed PlayerEventType = iota
	PlayerError
	// PlayerMediaResumed follows the first segment decoded after a decoder recovery.
	PlayerMediaResumed
)

type PlayerErrorKind int

const (
	PlayerErrorNetwork PlayerErrorKind = iota
	PlayerErrorMedia
	PlayerErrorOther
)

func (k PlayerErrorKind) String() string {
	switch k {
	case PlayerErrorNetwork:
		return "network"
	case PlayerErrorMedia:
		return "media"
	default:
		return "other"
	}
}

// PlayerErrorInfo is the raw error a player reports before classification.
type PlayerErrorInfo struct {
	Kind    PlayerErrorKind
	Fatal   bool
	Details string
	Err     error
}

// PlayerEvent is delivered by a Player to the handler it was created with.
type PlayerEvent struct {
	Type   PlayerEventType
	Levels int
	Error  *PlayerErrorInfo
}

// Segment is one media segment handed to a sink.
type Segment struct {
	Sequence uint64
	Duration time.Duration
	URI      string
	Data     []byte
}

// VideoSink is the render target of a playback session.
type VideoSink interface {
	SetMuted(muted bool)
	SetVolume(volume float64)
	// Play starts rendering. It returns domain.ErrNeedsInteraction when the
	// platform refuses to start without a user gesture.
	Play() error
	// WriteSegment feeds one segment to the decoder. A decode failure is reported as
	// an error wrapping domain.ErrDecode.
	WriteSegment(ctx context.Context, seg Segment) error
	// Reset discards decoder state after a decode failure.
	Reset()
	// CanPlayType reports native support for a container format.
	CanPlayType(mime string) bool
	// SetSource binds a URL for native playback; the sink does its own buffering.
	SetSource(url string) error
	Release()
}

// Player is a manifest-based player instance.
type Player interface {
	AttachMedia(sink VideoSink)
	LoadSource(url string)
	RecoverMediaError()
	Destroy()
}

// PlayerFactory creates players. Supported reports whether the managed player
// technology is usable at all.
type PlayerFactory interface {
	Supported() bool
	NewPlayer(onEvent func(PlayerEvent)) Player
}
