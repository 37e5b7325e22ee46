package ports

import (
	"context"

	"medlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// VideoConstraints mirrors the capture resolution request.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

// AudioConstraints carries the audio processing flags requested from the device.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CaptureConstraints is passed to a Capturer. A nil section means "not requested".
type CaptureConstraints struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

// MediaStream is an acquired capture stream. Stop must be idempotent.
type MediaStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Stop()
}

// Capturer acquires local capture devices.
type Capturer interface {
	Acquire(ctx context.Context, constraints CaptureConstraints) (MediaStream, error)
}

// PreviewSink shows the local stream. It is owned by the publish session.
type PreviewSink interface {
	Attach(stream MediaStream)
	Detach()
}

// PeerConnection is the subset of a WebRTC peer connection the publish session drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (domain.SessionDescription, error)
	// SetCodecOrder makes later offers list video payload types in the order of desc.
	SetCodecOrder(desc domain.SessionDescription) error
	SetLocalDescription(desc domain.SessionDescription) error
	// LocalDescription waits for candidate gathering and returns the description
	// that is actually sent to the relay.
	LocalDescription(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	Stats() (domain.StatsSnapshot, error)
	Close() error
}

// PeerConnectionFactory creates peer connections. onState may be invoked from any goroutine,
// any number of times, including after Close.
type PeerConnectionFactory interface {
	NewPeerConnection(onState func(domain.ConnectivityState)) (PeerConnection, error)
}

// Signaler exchanges an offer for an answer with the relay.
type Signaler interface {
	Exchange(ctx context.Context, offer domain.SessionDescription, endpoint string) (domain.SessionDescription, error)
}

// EventPublisher fans out session status changes.
type EventPublisher interface {
	PublishStatus(ctx context.Context, view domain.SessionView) error
}

// StatusObserver receives every session view and stats sample, e.g. for metrics.
type StatusObserver interface {
	ObserveSession(view domain.SessionView)
	ObserveStats(stats domain.StatsSnapshot)
}
