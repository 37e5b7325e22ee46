package hls

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"github.com/grafov/m3u8"
	"go.uber.org/zap"
)

const tsPacketSize = 188

var ErrNativeUnsupported = errors.New("sink has no native playback support")

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	OutputDir string
	// Window is the number of segments kept on disk and listed in the local playlist.
	Window uint
	// Autoplay lets Play succeed without a prior user gesture.
	Autoplay bool
}

// SinkState is a snapshot of the render target for diagnostics.
type SinkState struct {
	Muted    bool    `json:"muted"`
	Volume   float64 `json:"volume"`
	Playing  bool    `json:"playing"`
	Segments int     `json:"segments"`
	Resets   int     `json:"resets"`
}

// FileSink renders received segments into a rolling local HLS window that any
// local player can follow. It validates container framing so corrupt segments
// surface as decode failures.
type FileSink struct {
	config FileSinkConfig
	logger *zap.SugaredLogger

	mu            sync.Mutex
	muted         bool
	volume        float64
	playing       bool
	gesture       bool
	playlist      *m3u8.MediaPlaylist
	files         []string
	discontinuity bool
	written       int
	resets        int
}

func NewFileSink(config FileSinkConfig, logger *zap.SugaredLogger) (*FileSink, error) {
	if config.Window == 0 {
		config.Window = 6
	}
	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}

	playlist, err := m3u8.NewMediaPlaylist(config.Window, config.Window)
	if err != nil {
		return nil, err
	}

	return &FileSink{
		config:   config,
		logger:   logger,
		muted:    true,
		playlist: playlist,
	}, nil
}

func (s *FileSink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *FileSink) SetVolume(volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
}

// UserGesture records an explicit user action allowing playback to start.
func (s *FileSink) UserGesture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gesture = true
}

func (s *FileSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.Autoplay && !s.gesture {
		return domain.ErrNeedsInteraction
	}
	s.playing = true
	return nil
}

func (s *FileSink) WriteSegment(ctx context.Context, seg ports.Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateContainer(seg.URI, seg.Data); err != nil {
		return fmt.Errorf("segment %d: %w", seg.Sequence, err)
	}

	ext := path.Ext(stripQuery(seg.URI))
	if ext == "" {
		ext = ".ts"
	}
	name := fmt.Sprintf("segment-%d%s", seg.Sequence, ext)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(filepath.Join(s.config.OutputDir, name), seg.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}

	if uint(len(s.files)) >= s.config.Window {
		evicted := s.files[0]
		s.files = s.files[1:]
		if err := os.Remove(filepath.Join(s.config.OutputDir, evicted)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warnw("failed to remove evicted segment", "file", evicted, "error", err)
		}
	}
	s.files = append(s.files, name)

	s.playlist.Slide(name, seg.Duration.Seconds(), "")
	if s.discontinuity {
		if err := s.playlist.SetDiscontinuity(); err != nil {
			return err
		}
		s.discontinuity = false
	}
	s.written++

	return s.writePlaylist()
}

// Reset drops decoder continuity; the next segment is flagged as a discontinuity.
func (s *FileSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discontinuity = true
	s.resets++
}

func (s *FileSink) CanPlayType(string) bool { return false }

func (s *FileSink) SetSource(string) error { return ErrNativeUnsupported }

func (s *FileSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
}

func (s *FileSink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SinkState{
		Muted:    s.muted,
		Volume:   s.volume,
		Playing:  s.playing,
		Segments: s.written,
		Resets:   s.resets,
	}
}

// PlaylistPath is the local playlist a viewer can open.
func (s *FileSink) PlaylistPath() string {
	return filepath.Join(s.config.OutputDir, "index.m3u8")
}

func (s *FileSink) writePlaylist() error {
	tmp := s.PlaylistPath() + ".tmp"
	if err := os.WriteFile(tmp, s.playlist.Encode().Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	return os.Rename(tmp, s.PlaylistPath())
}

// validateContainer checks MPEG-TS sync bytes or fragmented MP4 box framing.
func validateContainer(uri string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty segment", domain.ErrDecode)
	}

	switch strings.ToLower(path.Ext(stripQuery(uri))) {
	case ".m4s", ".mp4", ".m4v", ".m4a":
		return validateFMP4(data)
	default:
		return validateTS(data)
	}
}

func validateTS(data []byte) error {
	if len(data)%tsPacketSize != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of TS packets", domain.ErrDecode, len(data))
	}
	for off := 0; off < len(data); off += tsPacketSize {
		if data[off] != 0x47 {
			return fmt.Errorf("%w: lost TS sync at offset %d", domain.ErrDecode, off)
		}
	}
	return nil
}

func validateFMP4(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: truncated box header", domain.ErrDecode)
	}
	switch string(data[4:8]) {
	case "ftyp", "styp", "moof", "sidx", "emsg", "prft":
		return nil
	default:
		return fmt.Errorf("%w: unexpected box %q", domain.ErrDecode, data[4:8])
	}
}

func stripQuery(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		return uri[:i]
	}
	return uri
}
