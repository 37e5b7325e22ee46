package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"
	"medlink/pkg/tracing"

	"github.com/grafov/m3u8"
	"go.uber.org/zap"
)

const (
	maxSegmentSize  = 32 << 20
	maxPlaylistSize = 1 << 20
)

// PlayerConfig configures the managed HLS player.
type PlayerConfig struct {
	// Enabled reports whether the managed player may be used; when false the
	// playback session falls back to native sink playback.
	Enabled bool
	// PollInterval overrides the live playlist refresh period; zero uses half the target duration.
	PollInterval   time.Duration
	RequestTimeout time.Duration
	// MaxBandwidth caps variant selection on master playlists; zero picks the highest.
	MaxBandwidth uint32
}

// Factory creates managed players. It implements ports.PlayerFactory.
type Factory struct {
	config PlayerConfig
	client *http.Client
	logger *zap.SugaredLogger
}

func NewFactory(config PlayerConfig, logger *zap.SugaredLogger) *Factory {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	return &Factory{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
	}
}

func (f *Factory) Supported() bool { return f.config.Enabled }

func (f *Factory) NewPlayer(onEvent func(ports.PlayerEvent)) ports.Player {
	return &Player{
		config:  f.config,
		client:  f.client,
		logger:  f.logger,
		onEvent: onEvent,
		recover: make(chan struct{}, 1),
	}
}

// Player fetches a live HLS playlist and feeds its segments to the attached sink.
// Events are delivered from the loader goroutine; none are delivered after Destroy.
type Player struct {
	config  PlayerConfig
	client  *http.Client
	logger  *zap.SugaredLogger
	onEvent func(ports.PlayerEvent)

	mu        sync.Mutex
	sink      ports.VideoSink
	loadID    uint64
	cancel    context.CancelFunc
	destroyed bool
	recover   chan struct{}
}

func (p *Player) AttachMedia(sink ports.VideoSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// LoadSource (re)starts loading from the given manifest URL. Any previous load is abandoned.
func (p *Player) LoadSource(sourceURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.recover:
	default:
	}

	p.loadID++
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	go p.load(ctx, p.loadID, sourceURL)
}

// RecoverMediaError resets the decoder and resumes feeding segments.
func (p *Player) RecoverMediaError() {
	p.mu.Lock()
	sink := p.sink
	destroyed := p.destroyed
	p.mu.Unlock()

	if destroyed {
		return
	}
	if sink != nil {
		sink.Reset()
	}

	select {
	case p.recover <- struct{}{}:
	default:
	}
}

// Destroy stops loading. It does not wait for the loader goroutine.
func (p *Player) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	p.destroyed = true
	p.sink = nil
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// emit delivers an event unless the load it belongs to has been superseded.
func (p *Player) emit(loadID uint64, event ports.PlayerEvent) bool {
	p.mu.Lock()
	current := !p.destroyed && p.loadID == loadID
	p.mu.Unlock()

	if !current || p.onEvent == nil {
		return false
	}
	p.onEvent(event)
	return true
}

func (p *Player) currentSink() ports.VideoSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *Player) networkError(loadID uint64, details string, err error) {
	p.logger.Warnw("hls network error", "details", details, "error", err)
	p.emit(loadID, ports.PlayerEvent{
		Type: ports.PlayerError,
		Error: &ports.PlayerErrorInfo{
			Kind:    ports.PlayerErrorNetwork,
			Fatal:   true,
			Details: details,
			Err:     err,
		},
	})
}

func (p *Player) load(ctx context.Context, loadID uint64, sourceURL string) {
	ctx, span := tracing.TracePlayback(ctx, "load", sourceURL)
	defer span.End()

	mediaURL, levels, err := p.resolveMediaPlaylist(ctx, sourceURL)
	if err != nil {
		if ctx.Err() == nil {
			tracing.RecordError(ctx, err)
			p.networkError(loadID, "manifestLoadError", err)
		}
		return
	}

	if !p.emit(loadID, ports.PlayerEvent{Type: ports.PlayerManifestParsed, Levels: levels}) {
		return
	}

	var next uint64
	started := false
	recovering := false
	for {
		playlist, err := p.fetchMediaPlaylist(ctx, mediaURL)
		if err != nil {
			if ctx.Err() == nil {
				p.networkError(loadID, "levelLoadError", err)
			}
			return
		}

		base := playlist.SeqNo
		if !started {
			// start near the live edge like a browser player would
			next = liveStart(playlist)
			started = true
		}

		for i, seg := range playlist.Segments {
			if seg == nil {
				break
			}
			seq := base + uint64(i)
			if seq < next {
				continue
			}

			written, err := p.deliver(ctx, loadID, mediaURL, seq, seg)
			if err != nil {
				return
			}
			next = seq + 1

			switch {
			case !written:
				recovering = true
			case recovering:
				recovering = false
				if !p.emit(loadID, ports.PlayerEvent{Type: ports.PlayerMediaResumed}) {
					return
				}
			}
		}

		if playlist.Closed {
			p.logger.Infow("hls playlist ended", "url", mediaURL)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval(playlist)):
		}
	}
}

// deliver fetches and writes one segment. written is false when the segment was
// dropped for a decoder recovery. A non-nil error means the loader must stop.
func (p *Player) deliver(
	ctx context.Context,
	loadID uint64,
	mediaURL *url.URL,
	seq uint64,
	seg *m3u8.MediaSegment,
) (written bool, err error) {
	segURL, err := mediaURL.Parse(seg.URI)
	if err != nil {
		p.networkError(loadID, "fragParsingError", err)
		return false, err
	}

	data, err := p.get(ctx, segURL.String(), maxSegmentSize)
	if err != nil {
		if ctx.Err() == nil {
			p.networkError(loadID, "fragLoadError", err)
		}
		return false, err
	}

	sink := p.currentSink()
	if sink == nil {
		return false, domain.ErrPlayerDestroyed
	}

	err = sink.WriteSegment(ctx, ports.Segment{
		Sequence: seq,
		Duration: time.Duration(seg.Duration * float64(time.Second)),
		URI:      segURL.String(),
		Data:     data,
	})
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if !errors.Is(err, domain.ErrDecode) {
		p.emit(loadID, ports.PlayerEvent{
			Type: ports.PlayerError,
			Error: &ports.PlayerErrorInfo{
				Kind:    ports.PlayerErrorOther,
				Fatal:   true,
				Details: "sinkError",
				Err:     err,
			},
		})
		return false, err
	}

	p.emit(loadID, ports.PlayerEvent{
		Type: ports.PlayerError,
		Error: &ports.PlayerErrorInfo{
			Kind:    ports.PlayerErrorMedia,
			Fatal:   true,
			Details: "bufferAppendError",
			Err:     err,
		},
	})

	// wait for the decoder to be recovered; the broken segment is dropped
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-p.recover:
		return false, nil
	}
}

func (p *Player) resolveMediaPlaylist(ctx context.Context, sourceURL string) (*url.URL, int, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid source url: %w", err)
	}

	playlist, listType, err := p.fetchPlaylist(ctx, u)
	if err != nil {
		return nil, 0, err
	}

	if listType == m3u8.MEDIA {
		return u, 1, nil
	}

	master := playlist.(*m3u8.MasterPlaylist)
	variant := selectVariant(master.Variants, p.config.MaxBandwidth)
	if variant == nil {
		return nil, 0, errors.New("master playlist has no variants")
	}

	variantURL, err := u.Parse(variant.URI)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid variant uri: %w", err)
	}

	p.logger.Debugw("selected hls variant",
		"url", variantURL.String(),
		"bandwidth", variant.Bandwidth,
		"resolution", variant.Resolution,
		"levels", len(master.Variants),
	)
	return variantURL, len(master.Variants), nil
}

func (p *Player) fetchMediaPlaylist(ctx context.Context, u *url.URL) (*m3u8.MediaPlaylist, error) {
	playlist, listType, err := p.fetchPlaylist(ctx, u)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected media playlist at %s", u)
	}
	return playlist.(*m3u8.MediaPlaylist), nil
}

func (p *Player) fetchPlaylist(ctx context.Context, u *url.URL) (m3u8.Playlist, m3u8.ListType, error) {
	body, err := p.get(ctx, u.String(), maxPlaylistSize)
	if err != nil {
		return nil, 0, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse playlist: %w", err)
	}
	return playlist, listType, nil
}

func (p *Player) get(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("GET %s: response exceeds %d bytes", rawURL, limit)
	}
	return body, nil
}

func (p *Player) pollInterval(playlist *m3u8.MediaPlaylist) time.Duration {
	if p.config.PollInterval > 0 {
		return p.config.PollInterval
	}
	interval := time.Duration(playlist.TargetDuration * float64(time.Second) / 2)
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	return interval
}

func selectVariant(variants []*m3u8.Variant, maxBandwidth uint32) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range variants {
		if v == nil {
			continue
		}
		if maxBandwidth > 0 && v.Bandwidth > maxBandwidth {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil && len(variants) > 0 {
		// everything is above the cap, take the lowest
		for _, v := range variants {
			if v != nil && (best == nil || v.Bandwidth < best.Bandwidth) {
				best = v
			}
		}
	}
	return best
}

// liveStart returns the sequence number three segments before the live edge.
func liveStart(playlist *m3u8.MediaPlaylist) uint64 {
	if playlist.Closed {
		return playlist.SeqNo
	}
	count := uint64(playlist.Count())
	if count <= 3 {
		return playlist.SeqNo
	}
	return playlist.SeqNo + count - 3
}
