package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePlayer struct {
	onEvent   func(ports.PlayerEvent)
	sink      ports.VideoSink
	loads     []string
	recovers  int
	destroyed bool
}

func (p *fakePlayer) AttachMedia(sink ports.VideoSink) { p.sink = sink }
func (p *fakePlayer) LoadSource(url string)            { p.loads = append(p.loads, url) }
func (p *fakePlayer) RecoverMediaError()               { p.recovers++ }
func (p *fakePlayer) Destroy()                         { p.destroyed = true }

func (p *fakePlayer) manifestParsed() {
	p.onEvent(ports.PlayerEvent{Type: ports.PlayerManifestParsed, Levels: 1})
}

func (p *fakePlayer) resumed() {
	p.onEvent(ports.PlayerEvent{Type: ports.PlayerMediaResumed})
}

func (p *fakePlayer) fail(kind ports.PlayerErrorKind, fatal bool, details string) {
	p.onEvent(ports.PlayerEvent{
		Type:  ports.PlayerError,
		Error: &ports.PlayerErrorInfo{Kind: kind, Fatal: fatal, Details: details},
	})
}

type fakePlayerFactory struct {
	supported bool
	players   []*fakePlayer
}

func (f *fakePlayerFactory) Supported() bool { return f.supported }

func (f *fakePlayerFactory) NewPlayer(onEvent func(ports.PlayerEvent)) ports.Player {
	p := &fakePlayer{onEvent: onEvent}
	f.players = append(f.players, p)
	return p
}

func (f *fakePlayerFactory) last() *fakePlayer {
	return f.players[len(f.players)-1]
}

type fakeSink struct {
	muted    bool
	volume   float64
	playErr  error
	plays    int
	native   bool
	source   string
	released int
	gestures int
}

func (s *fakeSink) SetMuted(muted bool)      { s.muted = muted }
func (s *fakeSink) SetVolume(volume float64) { s.volume = volume }
func (s *fakeSink) CanPlayType(string) bool  { return s.native }
func (s *fakeSink) Reset()                   {}
func (s *fakeSink) Release()                 { s.released++ }
func (s *fakeSink) UserGesture()             { s.gestures++; s.playErr = nil }

func (s *fakeSink) Play() error {
	s.plays++
	return s.playErr
}

func (s *fakeSink) WriteSegment(context.Context, ports.Segment) error { return nil }

func (s *fakeSink) SetSource(url string) error {
	s.source = url
	return nil
}

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasPending := !t.stopped
	t.stopped = true
	return wasPending
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
	delays []time.Duration
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{f: f}
	s.timers = append(s.timers, t)
	s.delays = append(s.delays, d)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped {
			pending = append(pending, t)
		}
	}
	return pending
}

// fire runs every pending timer once.
func (s *fakeScheduler) fire() {
	for _, t := range s.pending() {
		t.stopped = true
		t.f()
	}
}

const testSourceURL = "http://relay:8888/doctorStream/index.m3u8"

func newPlaybackFixture(supported bool) (*PlaybackSession, *fakePlayerFactory, *fakeSink, *fakeScheduler) {
	factory := &fakePlayerFactory{supported: supported}
	sink := &fakeSink{}
	scheduler := &fakeScheduler{}
	session := NewPlaybackSession(
		PlaybackConfig{SourceURL: testSourceURL, ReloadDelay: 3 * time.Second},
		factory, sink, scheduler.schedule, zap.NewNop().Sugar(),
	)
	return session, factory, sink, scheduler
}

func TestPlaybackSession_PlaysAfterManifest(t *testing.T) {
	session, factory, sink, _ := newPlaybackFixture(true)

	session.Open()
	require.Len(t, factory.players, 1)
	player := factory.last()
	assert.Equal(t, []string{testSourceURL}, player.loads)
	assert.Equal(t, sink, player.sink)
	assert.Equal(t, domain.PlaybackLoading, session.Snapshot().State)

	player.manifestParsed()
	assert.Equal(t, domain.PlaybackPlaying, session.Snapshot().State)
	assert.True(t, session.Playing())
	assert.False(t, sink.muted)
	assert.Equal(t, 1.0, sink.volume)
}

func TestPlaybackSession_NetworkErrorsReloadOneAtATime(t *testing.T) {
	session, factory, _, scheduler := newPlaybackFixture(true)
	session.Open()
	player := factory.last()
	player.manifestParsed()

	for i := 0; i < 3; i++ {
		player.fail(ports.PlayerErrorNetwork, true, "fragLoadError")
		assert.Len(t, scheduler.pending(), 1)
		assert.Equal(t, domain.PlaybackRecovering, session.Snapshot().State)

		// a second error while the reload is pending does not schedule another
		player.fail(ports.PlayerErrorNetwork, false, "levelLoadError")
		assert.Len(t, scheduler.pending(), 1)

		scheduler.fire()
		assert.Equal(t, domain.PlaybackLoading, session.Snapshot().State)
	}

	assert.Len(t, player.loads, 4)
	assert.Equal(t, 3, session.Snapshot().RetryCount)
	assert.Len(t, factory.players, 1)
	for _, d := range scheduler.delays {
		assert.Equal(t, 3*time.Second, d)
	}

	player.manifestParsed()
	snapshot := session.Snapshot()
	assert.Equal(t, domain.PlaybackPlaying, snapshot.State)
	assert.Zero(t, snapshot.RetryCount)
}

func TestPlaybackSession_MediaErrorRecoversDecoder(t *testing.T) {
	session, factory, _, scheduler := newPlaybackFixture(true)
	session.Open()
	player := factory.last()
	player.manifestParsed()

	player.fail(ports.PlayerErrorMedia, true, "bufferAppendError")
	assert.Equal(t, 1, player.recovers)
	assert.Empty(t, scheduler.pending())
	assert.False(t, player.destroyed)

	var playbackErr *domain.PlaybackError
	require.ErrorAs(t, session.Err(), &playbackErr)
	assert.Equal(t, domain.PlaybackErrorDecode, playbackErr.Class)
	assert.False(t, session.Playing())

	// the next decoded segment puts playback back without a new manifest
	player.resumed()
	assert.Equal(t, domain.PlaybackPlaying, session.Snapshot().State)
	assert.True(t, session.Playing())
	assert.NoError(t, session.Err())
	assert.Len(t, player.loads, 1)
}

func TestPlaybackSession_ResumeWhileAwaitingUserKeepsLoading(t *testing.T) {
	session, factory, sink, _ := newPlaybackFixture(true)
	sink.playErr = domain.ErrNeedsInteraction
	session.Open()
	player := factory.last()
	player.manifestParsed()

	player.fail(ports.PlayerErrorMedia, true, "bufferAppendError")
	player.resumed()

	snapshot := session.Snapshot()
	assert.Equal(t, domain.PlaybackLoading, snapshot.State)
	assert.True(t, snapshot.AwaitingUser)
}

func TestPlaybackSession_FatalErrorThenRefresh(t *testing.T) {
	session, factory, sink, _ := newPlaybackFixture(true)
	session.Open()
	first := factory.last()
	first.manifestParsed()

	first.fail(ports.PlayerErrorOther, false, "internalException")
	assert.Equal(t, domain.PlaybackPlaying, session.Snapshot().State)

	first.fail(ports.PlayerErrorOther, true, "internalException")
	assert.Equal(t, domain.PlaybackFailed, session.Snapshot().State)
	assert.True(t, first.destroyed)
	assert.Equal(t, 1, sink.released)

	var playbackErr *domain.PlaybackError
	require.ErrorAs(t, session.Err(), &playbackErr)
	assert.True(t, playbackErr.Terminal())

	// events of the destroyed instance are ignored
	first.manifestParsed()
	assert.Equal(t, domain.PlaybackFailed, session.Snapshot().State)

	session.Refresh()
	require.Len(t, factory.players, 2)
	second := factory.last()
	assert.NotSame(t, first, second)
	assert.Equal(t, domain.PlaybackLoading, session.Snapshot().State)
	assert.Empty(t, session.Snapshot().Error)

	second.manifestParsed()
	assert.True(t, session.Playing())
}

func TestPlaybackSession_RefreshCancelsPendingReload(t *testing.T) {
	session, factory, _, scheduler := newPlaybackFixture(true)
	session.Open()
	first := factory.last()
	first.fail(ports.PlayerErrorNetwork, true, "manifestLoadError")
	require.Len(t, scheduler.pending(), 1)
	pending := scheduler.pending()[0]

	session.Refresh()
	assert.True(t, pending.stopped)
	assert.True(t, first.destroyed)

	// a late timer of the old generation does nothing
	pending.f()
	assert.Len(t, first.loads, 1)
	assert.Len(t, factory.last().loads, 1)
}

func TestPlaybackSession_NeedsInteraction(t *testing.T) {
	session, factory, sink, _ := newPlaybackFixture(true)
	sink.playErr = domain.ErrNeedsInteraction

	session.Open()
	factory.last().manifestParsed()

	snapshot := session.Snapshot()
	assert.Equal(t, domain.PlaybackLoading, snapshot.State)
	assert.True(t, snapshot.AwaitingUser)
	assert.False(t, session.Playing())

	require.NoError(t, session.Play())
	assert.Equal(t, 1, sink.gestures)
	assert.True(t, session.Playing())
	assert.False(t, session.Snapshot().AwaitingUser)
}

func TestPlaybackSession_NativeFallback(t *testing.T) {
	session, factory, sink, _ := newPlaybackFixture(false)
	sink.native = true

	session.Open()
	assert.Empty(t, factory.players)
	assert.Equal(t, testSourceURL, sink.source)
	assert.True(t, session.Snapshot().Native)
	assert.True(t, session.Playing())
}

func TestPlaybackSession_Unsupported(t *testing.T) {
	session, factory, _, _ := newPlaybackFixture(false)

	session.Open()
	assert.Empty(t, factory.players)
	assert.Equal(t, domain.PlaybackFailed, session.Snapshot().State)

	var playbackErr *domain.PlaybackError
	require.ErrorAs(t, session.Err(), &playbackErr)
	assert.Equal(t, domain.PlaybackErrorFatal, playbackErr.Class)
	assert.ErrorIs(t, session.Play(), domain.ErrNothingToPlay)
}

func TestPlaybackSession_Close(t *testing.T) {
	session, factory, sink, _ := newPlaybackFixture(true)
	assert.ErrorIs(t, session.Play(), domain.ErrNothingToPlay)

	session.Open()
	player := factory.last()
	session.Close()

	assert.True(t, player.destroyed)
	assert.Equal(t, 1, sink.released)
	assert.Equal(t, domain.PlaybackUnbound, session.Snapshot().State)

	player.manifestParsed()
	assert.Equal(t, domain.PlaybackUnbound, session.Snapshot().State)
}
