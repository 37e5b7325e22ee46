package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStream struct {
	mu      sync.Mutex
	stopped int
	tracks  []webrtc.TrackLocal
}

func (s *fakeStream) ID() string                  { return "stream-1" }
func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped > 0
}

type fakeCapturer struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	gate    chan struct{}
}

func (c *fakeCapturer) Acquire(ctx context.Context, _ ports.CaptureConstraints) (ports.MediaStream, error) {
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "stream-1")
	if err != nil {
		return nil, err
	}
	stream := &fakeStream{tracks: []webrtc.TrackLocal{track}}
	c.mu.Lock()
	c.streams = append(c.streams, stream)
	c.mu.Unlock()
	return stream, nil
}

func (c *fakeCapturer) all() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeStream(nil), c.streams...)
}

type fakePreview struct {
	mu       sync.Mutex
	attached int
	detached int
}

func (p *fakePreview) Attach(ports.MediaStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached++
}

func (p *fakePreview) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached++
}

func (p *fakePreview) counts() (attached, detached int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached, p.detached
}

const fakeOffer = "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96 102\r\na=rtpmap:96 VP8/90000\r\na=rtpmap:102 H264/90000\r\n"

type fakePeerConnection struct {
	mu         sync.Mutex
	closed     bool
	onState    func(domain.ConnectivityState)
	tracks     []webrtc.TrackLocal
	offerBody  string
	offers     int
	local      *domain.SessionDescription
	remoteSets int
	// fireBeforeAnswer is reported while the answer is still being applied
	fireBeforeAnswer *domain.ConnectivityState
}

func (pc *fakePeerConnection) AddTrack(track webrtc.TrackLocal) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.tracks = append(pc.tracks, track)
	return nil
}

func (pc *fakePeerConnection) CreateOffer() (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.offers++
	body := pc.offerBody
	if body == "" {
		body = fakeOffer
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, Body: body}, nil
}

func (pc *fakePeerConnection) SetCodecOrder(desc domain.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.offerBody = desc.Body
	return nil
}

func (pc *fakePeerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.local = &desc
	return nil
}

func (pc *fakePeerConnection) LocalDescription(context.Context) (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.local == nil {
		return domain.SessionDescription{}, errors.New("local description not set")
	}
	return *pc.local, nil
}

func (pc *fakePeerConnection) SetRemoteDescription(domain.SessionDescription) error {
	pc.mu.Lock()
	pc.remoteSets++
	pc.mu.Unlock()
	if pc.fireBeforeAnswer != nil {
		pc.onState(*pc.fireBeforeAnswer)
	}
	return nil
}

func (pc *fakePeerConnection) remoteApplied() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remoteSets
}

func (pc *fakePeerConnection) Stats() (domain.StatsSnapshot, error) {
	return domain.StatsSnapshot{BytesSent: 1200, PacketsSent: 10}, nil
}

func (pc *fakePeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *fakePeerConnection) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

type fakeFactory struct {
	mu               sync.Mutex
	pcs              []*fakePeerConnection
	fireBeforeAnswer *domain.ConnectivityState
}

func (f *fakeFactory) NewPeerConnection(onState func(domain.ConnectivityState)) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePeerConnection{onState: onState, fireBeforeAnswer: f.fireBeforeAnswer}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) all() []*fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeerConnection(nil), f.pcs...)
}

func (f *fakeFactory) open() []*fakePeerConnection {
	var open []*fakePeerConnection
	for _, pc := range f.all() {
		if !pc.isClosed() {
			open = append(open, pc)
		}
	}
	return open
}

type fakeSignaler struct {
	mu     sync.Mutex
	calls  int
	offers []domain.SessionDescription
	err    error
	// entered receives a value when Exchange is called; gate holds the answer back
	entered chan struct{}
	gate    chan struct{}
}

func (s *fakeSignaler) Exchange(_ context.Context, offer domain.SessionDescription, _ string) (domain.SessionDescription, error) {
	s.mu.Lock()
	s.calls++
	s.offers = append(s.offers, offer)
	err, entered, gate := s.err, s.entered, s.gate
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, Body: "v=0\r\n"}, nil
}

func (s *fakeSignaler) sent() []domain.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionDescription(nil), s.offers...)
}

type publishFixture struct {
	session  *PublishSession
	capturer *fakeCapturer
	preview  *fakePreview
	factory  *fakeFactory
	signaler *fakeSignaler
}

func newPublishFixture(t *testing.T) *publishFixture {
	t.Helper()
	return newPublishFixtureWithRewrite(t, func(offer domain.SessionDescription, _ string) domain.SessionDescription {
		return offer
	})
}

func newPublishFixtureWithRewrite(
	t *testing.T,
	rewrite func(domain.SessionDescription, string) domain.SessionDescription,
) *publishFixture {
	t.Helper()
	f := &publishFixture{
		capturer: &fakeCapturer{},
		preview:  &fakePreview{},
		factory:  &fakeFactory{},
		signaler: &fakeSignaler{},
	}
	f.session = NewPublishSession(
		PublishConfig{
			Endpoint:       "http://relay:8889/patientStream/whip",
			PreferredCodec: "video/H264",
			StatsInterval:  10 * time.Millisecond,
		},
		f.capturer, f.preview, f.factory, f.signaler,
		rewrite,
		nil,
		zap.NewNop().Sugar(),
	)
	t.Cleanup(f.session.Stop)
	return f
}

func (f *publishFixture) waitState(t *testing.T, state domain.PublishState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.session.Snapshot().State == state
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, got %s", state, f.session.Snapshot().StateName)
}

func (f *publishFixture) current(t *testing.T) *fakePeerConnection {
	t.Helper()
	open := f.factory.open()
	require.Len(t, open, 1)
	return open[0]
}

func TestPublishSession_ReachesLive(t *testing.T) {
	f := newPublishFixture(t)

	f.session.Start()
	f.waitState(t, domain.PublishConnecting)
	assert.False(t, f.session.Publishing())

	pc := f.current(t)
	assert.Len(t, pc.tracks, 1)
	assert.Equal(t, 1, pc.offers)

	pc.onState(domain.ConnectivityConnected)
	f.waitState(t, domain.PublishLive)
	assert.True(t, f.session.Publishing())
	attached, _ := f.preview.counts()
	assert.Equal(t, 1, attached)

	assert.Eventually(t, func() bool {
		stats := f.session.Snapshot().Stats
		return stats != nil && stats.BytesSent == 1200
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPublishSession_DoubleStartKeepsOnePeerConnection(t *testing.T) {
	f := newPublishFixture(t)

	first := f.session.Start()
	second := f.session.Start()
	assert.Greater(t, second, first)

	f.waitState(t, domain.PublishConnecting)
	assert.Eventually(t, func() bool { return len(f.factory.open()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// every stream except the current one has been stopped
	assert.Eventually(t, func() bool {
		live := 0
		for _, s := range f.capturer.all() {
			if !s.isStopped() {
				live++
			}
		}
		return live == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPublishSession_StaleConnectivityIgnored(t *testing.T) {
	f := newPublishFixture(t)

	f.session.Start()
	f.waitState(t, domain.PublishConnecting)
	old := f.current(t)

	f.session.Start()
	f.waitState(t, domain.PublishConnecting)
	assert.True(t, old.isClosed())

	old.onState(domain.ConnectivityFailed)
	assert.Equal(t, domain.PublishConnecting, f.session.Snapshot().State)
}

func TestPublishSession_DisconnectKeepsResources(t *testing.T) {
	f := newPublishFixture(t)

	f.session.Start()
	f.waitState(t, domain.PublishConnecting)
	pc := f.current(t)
	pc.onState(domain.ConnectivityConnected)
	f.waitState(t, domain.PublishLive)

	pc.onState(domain.ConnectivityDisconnected)
	snapshot := f.session.Snapshot()
	assert.Equal(t, domain.PublishDisconnected, snapshot.State)
	assert.False(t, snapshot.Streaming)
	assert.False(t, pc.isClosed())
	assert.False(t, f.capturer.all()[0].isStopped())

	var connErr *domain.ConnectivityError
	require.ErrorAs(t, f.session.Err(), &connErr)
	assert.True(t, connErr.Transient)

	pc.onState(domain.ConnectivityConnected)
	assert.Equal(t, domain.PublishLive, f.session.Snapshot().State)
	assert.True(t, f.session.Publishing())
}

func TestPublishSession_ConnectivityFailed(t *testing.T) {
	f := newPublishFixture(t)

	f.session.Start()
	f.waitState(t, domain.PublishConnecting)
	pc := f.current(t)

	pc.onState(domain.ConnectivityFailed)
	assert.Equal(t, domain.PublishFailed, f.session.Snapshot().State)
	assert.True(t, pc.isClosed())
	assert.True(t, f.capturer.all()[0].isStopped())

	var connErr *domain.ConnectivityError
	require.ErrorAs(t, f.session.Err(), &connErr)
	assert.False(t, connErr.Transient)
}

func TestPublishSession_ConnectedBeforeAnswerApplied(t *testing.T) {
	f := newPublishFixture(t)
	connected := domain.ConnectivityConnected
	f.factory.fireBeforeAnswer = &connected

	f.session.Start()
	f.waitState(t, domain.PublishLive)
	assert.True(t, f.session.Publishing())
}

func TestPublishSession_SignalingServerError(t *testing.T) {
	f := newPublishFixture(t)
	f.signaler.err = &domain.SignalingError{Status: 500, Body: "internal error"}

	f.session.Start()
	f.waitState(t, domain.PublishFailed)

	var sigErr *domain.SignalingError
	require.ErrorAs(t, f.session.Err(), &sigErr)
	assert.Equal(t, 500, sigErr.Status)

	require.Len(t, f.factory.all(), 1)
	assert.Eventually(t, func() bool {
		_, detached := f.preview.counts()
		return f.factory.all()[0].isClosed() && f.capturer.all()[0].isStopped() && detached == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.signaler.calls)
	assert.False(t, f.session.Publishing())
}

func TestPublishSession_DeviceError(t *testing.T) {
	f := newPublishFixture(t)
	f.capturer.err = &domain.DeviceError{Reason: domain.DevicePermissionDenied}

	f.session.Start()
	f.waitState(t, domain.PublishFailed)

	var devErr *domain.DeviceError
	require.ErrorAs(t, f.session.Err(), &devErr)
	assert.Equal(t, domain.DevicePermissionDenied, devErr.Reason)
	assert.Empty(t, f.factory.all())
	attached, _ := f.preview.counts()
	assert.Equal(t, 0, attached)
}

func TestPublishSession_StopWhileCapturing(t *testing.T) {
	f := newPublishFixture(t)
	f.capturer.gate = make(chan struct{})

	f.session.Start()
	assert.Equal(t, domain.PublishCapturing, f.session.Snapshot().State)

	f.session.Stop()
	assert.Equal(t, domain.PublishIdle, f.session.Snapshot().State)

	close(f.capturer.gate)
	require.Eventually(t, func() bool {
		streams := f.capturer.all()
		return len(streams) == 1 && streams[0].isStopped()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.PublishIdle, f.session.Snapshot().State)
	assert.Empty(t, f.factory.all())
	attached, _ := f.preview.counts()
	assert.Equal(t, 0, attached)
}

func TestPublishSession_StopReleasesEverything(t *testing.T) {
	f := newPublishFixture(t)

	f.session.Start()
	f.waitState(t, domain.PublishConnecting)
	pc := f.current(t)

	f.session.Stop()
	snapshot := f.session.Snapshot()
	assert.Equal(t, domain.PublishIdle, snapshot.State)
	assert.Empty(t, snapshot.Error)
	assert.True(t, pc.isClosed())
	assert.True(t, f.capturer.all()[0].isStopped())
	_, detached := f.preview.counts()
	assert.Equal(t, 1, detached)
}

func TestPublishSession_StopWhenIdleIsNoop(t *testing.T) {
	f := newPublishFixture(t)

	changes := 0
	f.session.OnChange(func() { changes++ })
	f.session.Stop()

	snapshot := f.session.Snapshot()
	assert.Equal(t, domain.PublishIdle, snapshot.State)
	assert.Equal(t, uint64(0), snapshot.Generation)
	assert.Equal(t, 0, changes)
}

func TestPublishSession_UnreachableRelay(t *testing.T) {
	f := newPublishFixture(t)
	f.signaler.err = &domain.SignalingError{Err: errors.New("connection refused")}

	f.session.Start()
	f.waitState(t, domain.PublishFailed)

	var sigErr *domain.SignalingError
	require.ErrorAs(t, f.session.Err(), &sigErr)
	assert.True(t, sigErr.Temporary())
	assert.Equal(t, 0, sigErr.Status)
}

func TestPublishSession_PreferredCodecRegeneratesOffer(t *testing.T) {
	f := newPublishFixtureWithRewrite(t, func(offer domain.SessionDescription, _ string) domain.SessionDescription {
		return domain.SessionDescription{Type: offer.Type, Body: strings.Replace(offer.Body, " 96 102", " 102 96", 1)}
	})

	f.session.Start()
	f.waitState(t, domain.PublishConnecting)
	pc := f.current(t)

	// the offer is generated again after the order is applied, never edited in place
	assert.Equal(t, 2, pc.offers)
	require.NotNil(t, pc.local)
	assert.Contains(t, pc.local.Body, "m=video 9 UDP/TLS/RTP/SAVPF 102 96")

	sent := f.signaler.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, pc.local.Body, sent[0].Body)
}

func TestPublishSession_AnswerAfterStopIsDiscarded(t *testing.T) {
	f := newPublishFixture(t)
	f.signaler.entered = make(chan struct{}, 1)
	f.signaler.gate = make(chan struct{})

	f.session.Start()
	select {
	case <-f.signaler.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("exchange never started")
	}
	require.Len(t, f.factory.all(), 1)
	pc := f.factory.all()[0]

	f.session.Stop()
	assert.True(t, pc.isClosed())
	close(f.signaler.gate)

	assert.Never(t, func() bool {
		return pc.remoteApplied() > 0 || f.session.Snapshot().State != domain.PublishIdle
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Nil(t, f.session.Err())
	assert.True(t, f.capturer.all()[0].isStopped())
}

func TestPublishSession_AnswerAfterRestartIsDiscarded(t *testing.T) {
	f := newPublishFixture(t)
	f.signaler.entered = make(chan struct{}, 2)
	f.signaler.gate = make(chan struct{})

	f.session.Start()
	<-f.signaler.entered
	first := f.factory.all()[0]

	second := f.session.Start()
	<-f.signaler.entered
	assert.True(t, first.isClosed())

	close(f.signaler.gate)
	f.waitState(t, domain.PublishConnecting)

	current := f.current(t)
	assert.NotSame(t, first, current)
	assert.Equal(t, 1, current.remoteApplied())
	assert.Equal(t, second, f.session.Snapshot().Generation)

	assert.Never(t, func() bool { return first.remoteApplied() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}
