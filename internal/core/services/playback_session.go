package services

import (
	"errors"
	"sync"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"go.uber.org/zap"
)

type PlaybackConfig struct {
	SourceURL   string
	ReloadDelay time.Duration
}

// gestureSink is implemented by sinks that need an explicit user action before playing.
type gestureSink interface {
	UserGesture()
}

// PlaybackSession owns one player instance bound to the remote sink and
// classifies player errors into reload, decoder recovery or terminal failure.
type PlaybackSession struct {
	config   PlaybackConfig
	factory  ports.PlayerFactory
	sink     ports.VideoSink
	schedule Scheduler
	logger   *zap.SugaredLogger
	onChange func()

	mu           sync.Mutex
	gen          uint64
	state        domain.PlaybackState
	player       ports.Player
	native       bool
	retryCount   int
	awaitingUser bool
	lastErr      error
	reload       Timer
}

func NewPlaybackSession(
	config PlaybackConfig,
	factory ports.PlayerFactory,
	sink ports.VideoSink,
	schedule Scheduler,
	logger *zap.SugaredLogger,
) *PlaybackSession {
	if config.ReloadDelay <= 0 {
		config.ReloadDelay = 3 * time.Second
	}
	if schedule == nil {
		schedule = AfterFunc
	}
	return &PlaybackSession{
		config:   config,
		factory:  factory,
		sink:     sink,
		schedule: schedule,
		logger:   logger,
		state:    domain.PlaybackUnbound,
	}
}

func (s *PlaybackSession) OnChange(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = f
}

// Open binds the session to its source. Calling it again behaves like Refresh.
func (s *PlaybackSession) Open() uint64 {
	return s.Refresh()
}

// Refresh destroys the current player, if any, and loads the source from scratch
// with a fresh player instance and a zero retry count.
func (s *PlaybackSession) Refresh() uint64 {
	s.mu.Lock()
	s.teardownLocked()
	s.gen++
	gen := s.gen
	s.retryCount = 0
	s.awaitingUser = false
	s.lastErr = nil
	s.native = false

	switch {
	case s.factory.Supported():
		player := s.factory.NewPlayer(func(event ports.PlayerEvent) {
			s.handleEvent(gen, event)
		})
		s.player = player
		s.state = domain.PlaybackLoading
		player.AttachMedia(s.sink)
		player.LoadSource(s.config.SourceURL)
		s.logger.Infow("playback loading", "session_gen", gen, "url", s.config.SourceURL)

	case s.sink.CanPlayType(ports.MimeTypeHLS):
		s.native = true
		s.state = domain.PlaybackLoading
		if err := s.sink.SetSource(s.config.SourceURL); err != nil {
			s.failLocked(gen, &domain.PlaybackError{Class: domain.PlaybackErrorFatal, Details: "native source rejected", Err: err})
			break
		}
		s.logger.Infow("playback loading with native support", "session_gen", gen, "url", s.config.SourceURL)
		s.startPlayLocked(gen)

	default:
		s.failLocked(gen, &domain.PlaybackError{Class: domain.PlaybackErrorFatal, Details: "hls playback is not supported"})
	}
	s.mu.Unlock()

	s.notify()
	return gen
}

// Play resumes playback that is waiting for user interaction.
func (s *PlaybackSession) Play() error {
	s.mu.Lock()
	if g, ok := s.sink.(gestureSink); ok {
		g.UserGesture()
	}

	switch s.state {
	case domain.PlaybackPlaying, domain.PlaybackRecovering:
		s.mu.Unlock()
		return nil
	case domain.PlaybackLoading:
		if !s.awaitingUser && !s.native {
			// the manifest has not been parsed yet; it will start on its own
			s.mu.Unlock()
			return nil
		}
	default:
		s.mu.Unlock()
		return domain.ErrNothingToPlay
	}

	err := s.startPlayLocked(s.gen)
	s.mu.Unlock()

	s.notify()
	return err
}

// Close releases the player and the sink. The session can be reopened.
func (s *PlaybackSession) Close() {
	s.mu.Lock()
	s.teardownLocked()
	s.gen++
	s.state = domain.PlaybackUnbound
	s.awaitingUser = false
	s.mu.Unlock()

	s.notify()
}

func (s *PlaybackSession) teardownLocked() {
	if s.reload != nil {
		s.reload.Stop()
		s.reload = nil
	}
	if s.player != nil {
		s.player.Destroy()
		s.player = nil
	}
	if s.state != domain.PlaybackUnbound {
		s.sink.Release()
	}
}

func (s *PlaybackSession) handleEvent(gen uint64, event ports.PlayerEvent) {
	s.mu.Lock()
	if gen != s.gen || s.player == nil {
		s.mu.Unlock()
		return
	}

	switch event.Type {
	case ports.PlayerManifestParsed:
		s.logger.Infow("playback manifest parsed", "session_gen", gen, "levels", event.Levels)
		s.startPlayLocked(gen)

	case ports.PlayerMediaResumed:
		if s.state == domain.PlaybackLoading && !s.awaitingUser {
			s.logger.Infow("playback resumed after decoder recovery", "session_gen", gen, "retry", s.retryCount)
			s.state = domain.PlaybackPlaying
			s.retryCount = 0
			s.lastErr = nil
		}

	case ports.PlayerError:
		if event.Error == nil {
			break
		}
		s.handleErrorLocked(gen, event.Error)
	}
	s.mu.Unlock()

	s.notify()
}

// startPlayLocked unmutes, sets full volume and starts the sink.
func (s *PlaybackSession) startPlayLocked(gen uint64) error {
	s.sink.SetMuted(false)
	s.sink.SetVolume(1)

	err := s.sink.Play()
	switch {
	case err == nil:
		s.state = domain.PlaybackPlaying
		s.awaitingUser = false
		s.retryCount = 0
		s.lastErr = nil
		s.logger.Infow("playback started", "session_gen", gen)
	case errors.Is(err, domain.ErrNeedsInteraction):
		s.awaitingUser = true
		s.logger.Infow("playback waiting for user interaction", "session_gen", gen)
	default:
		s.awaitingUser = true
		s.lastErr = err
		s.logger.Warnw("playback could not start", "session_gen", gen, "error", err)
	}
	return err
}

func (s *PlaybackSession) handleErrorLocked(gen uint64, info *ports.PlayerErrorInfo) {
	switch info.Kind {
	case ports.PlayerErrorNetwork:
		s.lastErr = &domain.PlaybackError{Class: domain.PlaybackErrorNetwork, Details: info.Details, Err: info.Err}
		if s.reload != nil {
			s.logger.Debugw("reload already pending", "session_gen", gen, "details", info.Details)
			return
		}
		s.state = domain.PlaybackRecovering
		s.retryCount++
		s.logger.Warnw("playback network error, reloading",
			"session_gen", gen,
			"details", info.Details,
			"retry", s.retryCount,
			"delay", s.config.ReloadDelay,
		)
		s.reload = s.schedule(s.config.ReloadDelay, func() {
			s.reloadSource(gen)
		})

	case ports.PlayerErrorMedia:
		s.lastErr = &domain.PlaybackError{Class: domain.PlaybackErrorDecode, Details: info.Details, Err: info.Err}
		s.state = domain.PlaybackRecovering
		s.retryCount++
		s.logger.Warnw("playback media error, recovering decoder", "session_gen", gen, "details", info.Details)
		s.player.RecoverMediaError()
		s.state = domain.PlaybackLoading

	default:
		if !info.Fatal {
			s.logger.Debugw("ignoring non-fatal player error", "session_gen", gen, "details", info.Details)
			return
		}
		s.failLocked(gen, &domain.PlaybackError{Class: domain.PlaybackErrorFatal, Details: info.Details, Err: info.Err})
	}
}

func (s *PlaybackSession) reloadSource(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.player == nil {
		s.mu.Unlock()
		return
	}
	s.reload = nil
	s.state = domain.PlaybackLoading
	s.player.LoadSource(s.config.SourceURL)
	s.mu.Unlock()

	s.logger.Infow("playback source reloaded", "session_gen", gen, "url", s.config.SourceURL)
	s.notify()
}

// failLocked releases the player entirely; only Refresh leaves Failed.
func (s *PlaybackSession) failLocked(gen uint64, err error) {
	s.teardownLocked()
	s.state = domain.PlaybackFailed
	s.awaitingUser = false
	s.lastErr = err
	s.logger.Errorw("playback failed", "session_gen", gen, "error", err)
}

func (s *PlaybackSession) notify() {
	s.mu.Lock()
	f := s.onChange
	s.mu.Unlock()
	if f != nil {
		f()
	}
}

func (s *PlaybackSession) Snapshot() domain.PlaybackSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := domain.PlaybackSnapshot{
		Generation:   s.gen,
		State:        s.state,
		StateName:    s.state.String(),
		SourceURL:    s.config.SourceURL,
		RetryCount:   s.retryCount,
		Native:       s.native,
		AwaitingUser: s.awaitingUser,
	}
	if s.lastErr != nil {
		snapshot.Error = s.lastErr.Error()
	}
	return snapshot
}

func (s *PlaybackSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *PlaybackSession) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == domain.PlaybackPlaying
}
