package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/h264reader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

const oggPageDuration = 20 * time.Millisecond

// FileConfig points the file provider at an Annex-B H.264 file and an Ogg/Opus file.
type FileConfig struct {
	VideoPath string
	AudioPath string
	Loop      bool
}

// FileProvider replays recorded media as if it were a live camera and microphone.
type FileProvider struct {
	config FileConfig
	logger *zap.SugaredLogger
}

func NewFileProvider(config FileConfig, logger *zap.SugaredLogger) *FileProvider {
	return &FileProvider{
		config: config,
		logger: logger,
	}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) OpenVideo(ctx context.Context, constraints *ports.VideoConstraints) (*Source, error) {
	if err := checkReadable(p.config.VideoPath); err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeH264,
		ClockRate: 90000,
	}, "video", "medlink-video")
	if err != nil {
		return nil, &domain.DeviceError{Reason: domain.DeviceUnavailable, Err: err}
	}

	frameRate := constraints.FrameRate
	if frameRate <= 0 {
		frameRate = 30
	}
	frameDuration := time.Second / time.Duration(frameRate)

	frames := &atomic.Uint32{}
	src := &Source{Track: track, Frames: frames}
	src.Stop = p.run("video", func(ctx context.Context) error {
		return p.playH264(ctx, track, frameDuration, frames)
	})
	return src, nil
}

func (p *FileProvider) OpenAudio(ctx context.Context, _ *ports.AudioConstraints) (*Source, error) {
	if err := checkReadable(p.config.AudioPath); err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(opusCapability, "audio", "medlink-audio")
	if err != nil {
		return nil, &domain.DeviceError{Reason: domain.DeviceUnavailable, Err: err}
	}

	src := &Source{Track: track}
	src.Stop = p.run("audio", func(ctx context.Context) error {
		return p.playOgg(ctx, track)
	})
	return src, nil
}

// run starts the replay loop and returns an idempotent stop function that waits for it.
func (p *FileProvider) run(kind string, play func(ctx context.Context) error) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			err := play(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil && !errors.Is(err, io.EOF) {
				p.logger.Errorw("file capture stopped", "kind", kind, "error", err)
				return
			}
			if !p.config.Loop {
				p.logger.Infow("file capture finished", "kind", kind)
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (p *FileProvider) playH264(ctx context.Context, track *webrtc.TrackLocalStaticSample, frameDuration time.Duration, frames *atomic.Uint32) error {
	file, err := os.Open(p.config.VideoPath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, err := h264reader.NewReader(file)
	if err != nil {
		return fmt.Errorf("invalid h264 file: %w", err)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		nal, err := reader.NextNAL()
		if err != nil {
			return err
		}

		if err := track.WriteSample(media.Sample{Data: nal.Data, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}

		switch nal.UnitType {
		case h264reader.NalUnitTypeCodedSliceNonIdr, h264reader.NalUnitTypeCodedSliceIdr:
			frames.Add(1)
		default:
			// parameter sets and SEI ride with the next slice
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *FileProvider) playOgg(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
	file, err := os.Open(p.config.AudioPath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("invalid ogg file: %w", err)
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if err != nil {
			return err
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/48000*1000) * time.Millisecond

		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func checkReadable(path string) error {
	if path == "" {
		return &domain.DeviceError{Reason: domain.DeviceNotFound, Err: errors.New("no capture file configured")}
	}
	file, err := os.Open(path)
	if err != nil {
		return asDeviceError(err)
	}
	return file.Close()
}
