package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"
	"medlink/pkg/tracing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Source is one opened capture device feeding a local track.
type Source struct {
	Track webrtc.TrackLocal
	// Frames counts complete video frames written to the track; nil for audio.
	Frames *atomic.Uint32
	Stop   func()
}

// DeviceProvider opens capture devices for the Capturer.
type DeviceProvider interface {
	Name() string
	OpenVideo(ctx context.Context, constraints *ports.VideoConstraints) (*Source, error)
	OpenAudio(ctx context.Context, constraints *ports.AudioConstraints) (*Source, error)
}

// Capturer implements ports.Capturer on top of a DeviceProvider.
type Capturer struct {
	provider DeviceProvider
	logger   *zap.SugaredLogger
}

func NewCapturer(provider DeviceProvider, logger *zap.SugaredLogger) *Capturer {
	return &Capturer{
		provider: provider,
		logger:   logger,
	}
}

// Acquire opens the requested devices. Every failure is a *domain.DeviceError;
// a partially opened stream is stopped before returning.
func (c *Capturer) Acquire(ctx context.Context, constraints ports.CaptureConstraints) (ports.MediaStream, error) {
	ctx, span := tracing.TraceCapture(ctx, c.provider.Name())
	defer span.End()

	if constraints.Video == nil && constraints.Audio == nil {
		err := &domain.DeviceError{Reason: domain.DeviceNotFound, Err: errors.New("no media kind requested")}
		tracing.RecordError(ctx, err)
		return nil, err
	}

	stream := newMediaStream(uuid.New().String())

	if constraints.Video != nil {
		src, err := c.provider.OpenVideo(ctx, constraints.Video)
		if err != nil {
			err = asDeviceError(err)
			tracing.RecordError(ctx, err)
			return nil, fmt.Errorf("failed to open video device: %w", err)
		}
		stream.add(src)
	}

	if constraints.Audio != nil {
		src, err := c.provider.OpenAudio(ctx, constraints.Audio)
		if err != nil {
			stream.Stop()
			err = asDeviceError(err)
			tracing.RecordError(ctx, err)
			return nil, fmt.Errorf("failed to open audio device: %w", err)
		}
		stream.add(src)
	}

	c.logger.Infow("capture stream acquired",
		"stream_id", stream.ID(),
		"provider", c.provider.Name(),
		"tracks", len(stream.Tracks()),
	)
	return stream, nil
}

// asDeviceError classifies a provider error that is not already a DeviceError.
func asDeviceError(err error) error {
	var devErr *domain.DeviceError
	if errors.As(err, &devErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		return &domain.DeviceError{Reason: domain.DevicePermissionDenied, Err: err}
	case errors.Is(err, os.ErrNotExist):
		return &domain.DeviceError{Reason: domain.DeviceNotFound, Err: err}
	default:
		return &domain.DeviceError{Reason: domain.DeviceUnavailable, Err: err}
	}
}

type mediaStream struct {
	id      string
	mu      sync.Mutex
	sources []*Source
	stopped bool
}

func newMediaStream(id string) *mediaStream {
	return &mediaStream{id: id}
}

func (s *mediaStream) add(src *Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

func (s *mediaStream) ID() string { return s.id }

func (s *mediaStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracks := make([]webrtc.TrackLocal, 0, len(s.sources))
	for _, src := range s.sources {
		tracks = append(tracks, src.Track)
	}
	return tracks
}

// FramesEncoded sums frames written by the video sources.
func (s *mediaStream) FramesEncoded() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint32
	for _, src := range s.sources {
		if src.Frames != nil {
			total += src.Frames.Load()
		}
	}
	return total
}

// Stop releases every device. Safe to call more than once.
func (s *mediaStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	sources := s.sources
	s.mu.Unlock()

	for _, src := range sources {
		if src.Stop != nil {
			src.Stop()
		}
	}
}
