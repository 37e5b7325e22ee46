package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	videoErr error
	audioErr error
	stopped  []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) source(kind string) *Source {
	track, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, kind, "test-"+kind)
	src := &Source{Track: track}
	src.Stop = func() { f.stopped = append(f.stopped, kind) }
	return src
}

func (f *fakeProvider) OpenVideo(ctx context.Context, _ *ports.VideoConstraints) (*Source, error) {
	if f.videoErr != nil {
		return nil, f.videoErr
	}
	src := f.source("video")
	src.Frames = &atomic.Uint32{}
	src.Frames.Store(42)
	return src, nil
}

func (f *fakeProvider) OpenAudio(ctx context.Context, _ *ports.AudioConstraints) (*Source, error) {
	if f.audioErr != nil {
		return nil, f.audioErr
	}
	return f.source("audio"), nil
}

var fullConstraints = ports.CaptureConstraints{
	Video: &ports.VideoConstraints{Width: 640, Height: 480, FrameRate: 30},
	Audio: &ports.AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true},
}

func TestAcquire_OpensVideoAndAudio(t *testing.T) {
	provider := &fakeProvider{}
	capturer := NewCapturer(provider, zap.NewNop().Sugar())

	stream, err := capturer.Acquire(context.Background(), fullConstraints)
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 2)
	assert.NotEmpty(t, stream.ID())

	counter, ok := stream.(interface{ FramesEncoded() uint32 })
	require.True(t, ok)
	assert.Equal(t, uint32(42), counter.FramesEncoded())

	stream.Stop()
	stream.Stop()
	assert.Equal(t, []string{"video", "audio"}, provider.stopped)
}

func TestAcquire_AudioFailureReleasesVideo(t *testing.T) {
	provider := &fakeProvider{audioErr: os.ErrPermission}
	capturer := NewCapturer(provider, zap.NewNop().Sugar())

	_, err := capturer.Acquire(context.Background(), fullConstraints)
	require.Error(t, err)

	var devErr *domain.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, domain.DevicePermissionDenied, devErr.Reason)
	assert.Equal(t, []string{"video"}, provider.stopped)
}

func TestAcquire_NothingRequested(t *testing.T) {
	capturer := NewCapturer(&fakeProvider{}, zap.NewNop().Sugar())

	_, err := capturer.Acquire(context.Background(), ports.CaptureConstraints{})
	var devErr *domain.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, domain.DeviceNotFound, devErr.Reason)
}

func TestAsDeviceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.DeviceErrorReason
	}{
		{"permission", fmt.Errorf("open: %w", os.ErrPermission), domain.DevicePermissionDenied},
		{"missing", fmt.Errorf("open: %w", os.ErrNotExist), domain.DeviceNotFound},
		{"other", errors.New("device busy"), domain.DeviceUnavailable},
		{"already classified", &domain.DeviceError{Reason: domain.DeviceNotFound}, domain.DeviceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var devErr *domain.DeviceError
			require.True(t, errors.As(asDeviceError(tt.err), &devErr))
			assert.Equal(t, tt.want, devErr.Reason)
		})
	}

	assert.ErrorIs(t, asDeviceError(context.Canceled), context.Canceled)
}

func TestFileProvider_MissingFile(t *testing.T) {
	provider := NewFileProvider(FileConfig{
		VideoPath: filepath.Join(t.TempDir(), "missing.h264"),
	}, zap.NewNop().Sugar())

	_, err := provider.OpenVideo(context.Background(), fullConstraints.Video)
	var devErr *domain.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, domain.DeviceNotFound, devErr.Reason)
}

func TestFileProvider_NotConfigured(t *testing.T) {
	provider := NewFileProvider(FileConfig{}, zap.NewNop().Sugar())

	_, err := provider.OpenAudio(context.Background(), fullConstraints.Audio)
	var devErr *domain.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, domain.DeviceNotFound, devErr.Reason)
}

func TestFileProvider_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.h264")
	// SPS, PPS, an IDR slice and a non-IDR slice in Annex-B framing
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xc0, 0x1f,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xce, 0x3c, 0x80,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21,
		0x00, 0x00, 0x00, 0x01, 0x41, 0x9a, 0x02, 0x10,
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	provider := NewFileProvider(FileConfig{VideoPath: path, Loop: true}, zap.NewNop().Sugar())
	src, err := provider.OpenVideo(context.Background(), &ports.VideoConstraints{FrameRate: 100})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return src.Frames.Load() > 0 }, time.Second, 10*time.Millisecond)

	src.Stop()
	src.Stop()
}

func TestRTPProvider_NoEncoderTimesOut(t *testing.T) {
	provider := NewRTPProvider(RTPConfig{
		Host:         "127.0.0.1",
		VideoPort:    0,
		ReadyTimeout: 50 * time.Millisecond,
	}, zap.NewNop().Sugar())

	_, err := provider.OpenVideo(context.Background(), fullConstraints.Video)
	var devErr *domain.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, domain.DeviceNotFound, devErr.Reason)
}

func TestRTPProvider_ContextCancelBeforeFirstPacket(t *testing.T) {
	provider := NewRTPProvider(RTPConfig{
		Host:         "127.0.0.1",
		AudioPort:    0,
		ReadyTimeout: 10 * time.Second,
	}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := provider.OpenAudio(ctx, fullConstraints.Audio)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestVideoCapability(t *testing.T) {
	capability, err := videoCapability("video/h264")
	require.NoError(t, err)
	assert.Equal(t, webrtc.MimeTypeH264, capability.MimeType)

	_, err = videoCapability("video/AV1X")
	assert.Error(t, err)
}

func TestPreview_TracksAttachedStream(t *testing.T) {
	capturer := NewCapturer(&fakeProvider{}, zap.NewNop().Sugar())
	stream, err := capturer.Acquire(context.Background(), fullConstraints)
	require.NoError(t, err)
	defer stream.Stop()

	preview := NewPreview(zap.NewNop().Sugar())
	assert.Empty(t, preview.StreamID())

	preview.Attach(stream)
	assert.Equal(t, stream.ID(), preview.StreamID())

	preview.Detach()
	preview.Detach()
	assert.Empty(t, preview.StreamID())
}
