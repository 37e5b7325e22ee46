package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"go.uber.org/zap"
)

// CommandSinkConfig describes an external player process, e.g. ffplay or mpv.
type CommandSinkConfig struct {
	Command string
	Args    []string
	// VolumeFlag receives the volume as an integer percentage, e.g. "-volume".
	VolumeFlag string
	// MuteFlag is passed when muted, e.g. "-an".
	MuteFlag string
	// NativeHLS reports that the process can open an HLS URL itself.
	NativeHLS bool
	Autoplay  bool
}

// CommandSink renders through an external player. Segments are piped to its
// stdin; with native HLS support the source URL is handed over instead.
type CommandSink struct {
	config CommandSinkConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	muted   bool
	volume  float64
	gesture bool
	source  string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
}

func NewCommandSink(config CommandSinkConfig, logger *zap.SugaredLogger) *CommandSink {
	return &CommandSink{
		config: config,
		logger: logger,
		muted:  true,
	}
}

func (s *CommandSink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *CommandSink) SetVolume(volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
}

func (s *CommandSink) UserGesture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gesture = true
}

// Play starts the player process if it is not running yet.
func (s *CommandSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.Autoplay && !s.gesture {
		return domain.ErrNeedsInteraction
	}
	if s.cmd != nil {
		return nil
	}
	return s.startLocked()
}

func (s *CommandSink) startLocked() error {
	args := append([]string{}, s.config.Args...)
	if s.muted && s.config.MuteFlag != "" {
		args = append(args, s.config.MuteFlag)
	}
	if s.config.VolumeFlag != "" {
		args = append(args, s.config.VolumeFlag, strconv.Itoa(int(s.volume*100)))
	}

	input := "-"
	if s.source != "" {
		input = s.source
	}
	args = append(args, input)

	cmd := exec.Command(s.config.Command, args...)
	var stdin io.WriteCloser
	if s.source == "" {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to open player stdin: %w", err)
		}
		stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start player %q: %w", s.config.Command, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.Warnw("player process exited", "command", s.config.Command, "error", err)
		}
		close(exited)
	}()

	s.cmd = cmd
	s.stdin = stdin
	s.exited = exited

	s.logger.Infow("player process started", "command", s.config.Command, "pid", cmd.Process.Pid)
	return nil
}

func (s *CommandSink) WriteSegment(ctx context.Context, seg ports.Segment) error {
	s.mu.Lock()
	stdin := s.stdin
	exited := s.exited
	s.mu.Unlock()

	if stdin == nil {
		// not playing yet, the segment is skipped like an unbuffered element would
		return nil
	}

	select {
	case <-exited:
		return errors.New("player process exited")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := stdin.Write(seg.Data); err != nil {
		return fmt.Errorf("failed to feed player: %w", err)
	}
	return nil
}

// Reset restarts the player process so its demuxer starts from a clean state.
func (s *CommandSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return
	}
	s.stopLocked()
	if err := s.startLocked(); err != nil {
		s.logger.Errorw("failed to restart player", "error", err)
	}
}

func (s *CommandSink) CanPlayType(mime string) bool {
	return s.config.NativeHLS && mime == ports.MimeTypeHLS
}

func (s *CommandSink) SetSource(url string) error {
	if !s.config.NativeHLS {
		return ErrNativeUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.source = url
	return nil
}

func (s *CommandSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.source = ""
}

func (s *CommandSink) stopLocked() {
	if s.cmd == nil {
		return
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	<-s.exited

	s.cmd = nil
	s.stdin = nil
	s.exited = nil
}
