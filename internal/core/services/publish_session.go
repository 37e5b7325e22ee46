package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"
	"medlink/pkg/tracing"

	"go.uber.org/zap"
)

// OfferRewriter transforms a local offer before it is applied and sent.
type OfferRewriter func(offer domain.SessionDescription, preferredMime string) domain.SessionDescription

// CodecLister extracts the codec inventory of a description for logging.
type CodecLister func(desc domain.SessionDescription) []domain.CodecEntry

type PublishConfig struct {
	Endpoint       string
	PreferredCodec string
	Constraints    ports.CaptureConstraints
	StatsInterval  time.Duration
	// ExchangeTimeout bounds candidate gathering plus the signaling request.
	ExchangeTimeout time.Duration
}

// PublishSession drives capture, negotiation and connectivity of the outbound stream.
// Every asynchronous completion carries the generation it was started for and is
// discarded once that generation is no longer current.
type PublishSession struct {
	config   PublishConfig
	capturer ports.Capturer
	preview  ports.PreviewSink
	factory  ports.PeerConnectionFactory
	signaler ports.Signaler
	rewrite  OfferRewriter
	codecs   CodecLister
	logger   *zap.SugaredLogger
	onChange func()
	onStats  func(domain.StatsSnapshot)

	mu               sync.Mutex
	gen              uint64
	state            domain.PublishState
	streaming        bool
	lastErr          error
	stream           ports.MediaStream
	pc               ports.PeerConnection
	cancel           context.CancelFunc
	statsStop        chan struct{}
	pendingConnected bool
	stats            *domain.StatsSnapshot
}

func NewPublishSession(
	config PublishConfig,
	capturer ports.Capturer,
	preview ports.PreviewSink,
	factory ports.PeerConnectionFactory,
	signaler ports.Signaler,
	rewrite OfferRewriter,
	codecs CodecLister,
	logger *zap.SugaredLogger,
) *PublishSession {
	if config.StatsInterval <= 0 {
		config.StatsInterval = 5 * time.Second
	}
	if config.ExchangeTimeout <= 0 {
		config.ExchangeTimeout = 30 * time.Second
	}
	return &PublishSession{
		config:   config,
		capturer: capturer,
		preview:  preview,
		factory:  factory,
		signaler: signaler,
		rewrite:  rewrite,
		codecs:   codecs,
		logger:   logger,
		state:    domain.PublishIdle,
	}
}

// OnChange registers a callback invoked after every state change, outside the session lock.
func (s *PublishSession) OnChange(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = f
}

// OnStats registers a callback for periodic statistics snapshots.
func (s *PublishSession) OnStats(f func(domain.StatsSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStats = f
}

// resources are detached from the session under the lock and released outside it,
// since closing a peer connection can re-enter the session through state callbacks.
type resources struct {
	stream    ports.MediaStream
	pc        ports.PeerConnection
	cancel    context.CancelFunc
	statsStop chan struct{}
	preview   ports.PreviewSink
}

func (r resources) release() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.statsStop != nil {
		close(r.statsStop)
	}
	if r.pc != nil {
		r.pc.Close()
	}
	if r.stream != nil {
		r.stream.Stop()
	}
	if r.preview != nil && r.stream != nil {
		r.preview.Detach()
	}
}

func (s *PublishSession) detachLocked() resources {
	res := resources{
		stream:    s.stream,
		pc:        s.pc,
		cancel:    s.cancel,
		statsStop: s.statsStop,
		preview:   s.preview,
	}
	s.stream = nil
	s.pc = nil
	s.cancel = nil
	s.statsStop = nil
	s.pendingConnected = false
	s.streaming = false
	return res
}

// Start tears down any current session and begins a new one. It does not block;
// progress is observed through state changes. The new generation is returned.
func (s *PublishSession) Start() uint64 {
	s.mu.Lock()
	old := s.detachLocked()
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = domain.PublishCapturing
	s.lastErr = nil
	s.stats = nil
	s.mu.Unlock()

	old.release()
	s.logger.Infow("publish session starting", "session_gen", gen, "endpoint", s.config.Endpoint)
	s.notify()

	go s.run(ctx, gen)
	return gen
}

// Stop ends the current session from any state. Stopping an idle session is a no-op.
func (s *PublishSession) Stop() {
	s.mu.Lock()
	if s.state == domain.PublishIdle && s.stream == nil && s.pc == nil {
		s.mu.Unlock()
		return
	}
	res := s.detachLocked()
	s.gen++
	s.state = domain.PublishIdle
	s.lastErr = nil
	gen := s.gen
	s.mu.Unlock()

	res.release()
	s.logger.Infow("publish session stopped", "session_gen", gen)
	s.notify()
}

func (s *PublishSession) run(ctx context.Context, gen uint64) {
	ctx, span := tracing.TracePublish(ctx, "start", gen)
	defer span.End()

	stream, err := s.capturer.Acquire(ctx, s.config.Constraints)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.fail(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		stream.Stop()
		s.logger.Debugw("discarding capture for replaced session", "session_gen", gen)
		return
	}
	s.stream = stream
	s.state = domain.PublishNegotiating
	s.preview.Attach(stream)
	s.mu.Unlock()

	s.notify()

	if err := s.negotiate(ctx, gen, stream); err != nil {
		tracing.RecordError(ctx, err)
		s.fail(gen, err)
	}
}

func (s *PublishSession) negotiate(ctx context.Context, gen uint64, stream ports.MediaStream) error {
	pc, err := s.factory.NewPeerConnection(func(state domain.ConnectivityState) {
		s.handleConnectivity(gen, state)
	})
	if err != nil {
		return &domain.NegotiationError{Step: "create_peer_connection", Err: err}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		pc.Close()
		return domain.ErrSessionStale
	}
	s.pc = pc
	s.mu.Unlock()

	for _, track := range stream.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			return &domain.NegotiationError{Step: "add_track", Err: err}
		}
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return &domain.NegotiationError{Step: "create_offer", Err: err}
	}
	if s.rewrite != nil {
		preferred := s.rewrite(offer, s.config.PreferredCodec)
		if preferred.Body != offer.Body {
			if err := pc.SetCodecOrder(preferred); err != nil {
				return &domain.NegotiationError{Step: "set_codec_order", Err: err}
			}
			if offer, err = pc.CreateOffer(); err != nil {
				return &domain.NegotiationError{Step: "create_offer", Err: err}
			}
		}
	}
	s.logCodecs("offer", gen, offer)

	if err := pc.SetLocalDescription(offer); err != nil {
		return &domain.NegotiationError{Step: "set_local_description", Err: err}
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.config.ExchangeTimeout)
	defer cancel()

	local, err := pc.LocalDescription(exchangeCtx)
	if err != nil {
		return &domain.NegotiationError{Step: "gather_candidates", Err: err}
	}

	answer, err := s.signaler.Exchange(exchangeCtx, local, s.config.Endpoint)
	if err != nil {
		return err
	}
	s.logCodecs("answer", gen, answer)

	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		s.logger.Debugw("discarding answer for replaced session", "session_gen", gen)
		return domain.ErrSessionStale
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return &domain.NegotiationError{Step: "set_remote_description", Err: err}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return domain.ErrSessionStale
	}
	s.state = domain.PublishConnecting
	if s.pendingConnected {
		s.goLiveLocked(gen)
	}
	state := s.state
	s.mu.Unlock()

	s.logger.Infow("publish negotiation complete", "session_gen", gen, "state", state.String())
	s.notify()
	return nil
}

// fail moves the session to Failed and releases every resource, unless gen is stale.
func (s *PublishSession) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debugw("discarding failure of replaced session", "session_gen", gen, "error", err)
		return
	}
	res := s.detachLocked()
	s.state = domain.PublishFailed
	s.lastErr = err
	s.mu.Unlock()

	res.release()
	s.logger.Errorw("publish session failed", "session_gen", gen, "error", err)
	s.notify()
}

func (s *PublishSession) handleConnectivity(gen uint64, state domain.ConnectivityState) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	changed := false
	switch state {
	case domain.ConnectivityConnected, domain.ConnectivityCompleted:
		switch s.state {
		case domain.PublishNegotiating:
			// the transport can connect before the answer has been applied locally
			s.pendingConnected = true
		case domain.PublishConnecting, domain.PublishDisconnected:
			s.goLiveLocked(gen)
			changed = true
		}

	case domain.ConnectivityDisconnected:
		switch s.state {
		case domain.PublishNegotiating:
			s.pendingConnected = false
		case domain.PublishConnecting, domain.PublishLive:
			s.state = domain.PublishDisconnected
			s.streaming = false
			s.lastErr = &domain.ConnectivityError{Transient: true, State: state}
			changed = true
			s.logger.Warnw("publish connectivity lost", "session_gen", gen, "ice_state", state.String())
		}

	case domain.ConnectivityFailed:
		switch s.state {
		case domain.PublishNegotiating, domain.PublishConnecting, domain.PublishLive, domain.PublishDisconnected:
			s.mu.Unlock()
			s.fail(gen, &domain.ConnectivityError{State: state})
			return
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *PublishSession) goLiveLocked(gen uint64) {
	s.state = domain.PublishLive
	s.streaming = true
	s.lastErr = nil
	s.pendingConnected = false

	if s.statsStop == nil {
		s.statsStop = make(chan struct{})
		go s.collectStats(gen, s.statsStop)
	}
	s.logger.Infow("publish session live", "session_gen", gen)
}

// collectStats snapshots transport statistics while Live. Failures are logged only.
func (s *PublishSession) collectStats(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(s.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if gen != s.gen || s.state != domain.PublishLive || s.pc == nil {
			s.mu.Unlock()
			continue
		}
		pc := s.pc
		stream := s.stream
		onStats := s.onStats
		s.mu.Unlock()

		snapshot, err := pc.Stats()
		if err != nil {
			s.logger.Debugw("failed to collect publish stats", "session_gen", gen, "error", err)
			continue
		}
		if counter, ok := stream.(interface{ FramesEncoded() uint32 }); ok {
			snapshot.FramesEncoded = counter.FramesEncoded()
		}

		s.mu.Lock()
		if gen == s.gen {
			s.stats = &snapshot
		}
		s.mu.Unlock()

		s.logger.Infow("publish stats",
			"session_gen", gen,
			"bytes_sent", snapshot.BytesSent,
			"packets_sent", snapshot.PacketsSent,
			"frames_encoded", snapshot.FramesEncoded,
			"pli", snapshot.PLICount,
			"nack", snapshot.NACKCount,
		)
		if onStats != nil {
			onStats(snapshot)
		}
	}
}

func (s *PublishSession) logCodecs(kind string, gen uint64, desc domain.SessionDescription) {
	if s.codecs == nil {
		return
	}
	entries := s.codecs(desc)
	names := make([]string, 0, len(entries))
	for _, c := range entries {
		names = append(names, fmt.Sprintf("%d %s", c.PayloadType, c.MimeType))
	}
	s.logger.Debugw("session description codecs", "session_gen", gen, "kind", kind, "codecs", names)
}

func (s *PublishSession) notify() {
	s.mu.Lock()
	f := s.onChange
	s.mu.Unlock()
	if f != nil {
		f()
	}
}

// Snapshot returns the current state for status views.
func (s *PublishSession) Snapshot() domain.PublishSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := domain.PublishSnapshot{
		Generation: s.gen,
		State:      s.state,
		StateName:  s.state.String(),
		Streaming:  s.streaming,
	}
	if s.lastErr != nil {
		snapshot.Error = s.lastErr.Error()
	}
	if s.stats != nil {
		stats := *s.stats
		snapshot.Stats = &stats
	}
	return snapshot
}

// Err returns the error that put the session in its current state, if any.
func (s *PublishSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Publishing reports whether media is currently flowing to the relay.
func (s *PublishSession) Publishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}
