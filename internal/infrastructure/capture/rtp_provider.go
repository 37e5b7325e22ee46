package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const rtpReadBufferSize = 1500

// RTPConfig configures the RTP ingest provider. An external encoder (ffmpeg,
// gstreamer) owns the camera and microphone and sends RTP to these ports.
type RTPConfig struct {
	Host         string
	VideoPort    int
	AudioPort    int
	VideoCodec   string
	ReadyTimeout time.Duration
}

// RTPProvider opens capture devices by listening for RTP from a local encoder.
type RTPProvider struct {
	config RTPConfig
	logger *zap.SugaredLogger
}

func NewRTPProvider(config RTPConfig, logger *zap.SugaredLogger) *RTPProvider {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.VideoCodec == "" {
		config.VideoCodec = webrtc.MimeTypeH264
	}
	return &RTPProvider{
		config: config,
		logger: logger,
	}
}

func (p *RTPProvider) Name() string { return "rtp" }

func (p *RTPProvider) OpenVideo(ctx context.Context, constraints *ports.VideoConstraints) (*Source, error) {
	capability, err := videoCapability(p.config.VideoCodec)
	if err != nil {
		return nil, &domain.DeviceError{Reason: domain.DeviceUnavailable, Err: err}
	}

	p.logger.Infow("waiting for video RTP",
		"addr", net.JoinHostPort(p.config.Host, fmt.Sprint(p.config.VideoPort)),
		"suggested_command", p.videoCommand(constraints),
	)

	return p.open(ctx, capability, "video", p.config.VideoPort)
}

func (p *RTPProvider) OpenAudio(ctx context.Context, constraints *ports.AudioConstraints) (*Source, error) {
	p.logger.Infow("waiting for audio RTP",
		"addr", net.JoinHostPort(p.config.Host, fmt.Sprint(p.config.AudioPort)),
		"suggested_command", p.audioCommand(constraints),
	)

	return p.open(ctx, opusCapability, "audio", p.config.AudioPort)
}

func (p *RTPProvider) open(ctx context.Context, capability webrtc.RTPCodecCapability, kind string, port int) (*Source, error) {
	addr := net.JoinHostPort(p.config.Host, fmt.Sprint(port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, asDeviceError(fmt.Errorf("failed to listen on %s: %w", addr, err))
	}

	first, err := p.awaitFirstPacket(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, kind, "medlink-"+kind)
	if err != nil {
		conn.Close()
		return nil, &domain.DeviceError{Reason: domain.DeviceUnavailable, Err: err}
	}

	src := &Source{Track: track}
	if kind == "video" {
		src.Frames = &atomic.Uint32{}
	}

	done := make(chan struct{})
	var once sync.Once
	src.Stop = func() {
		once.Do(func() {
			conn.Close()
			<-done
		})
	}

	go func() {
		defer close(done)
		p.forward(conn, track, src.Frames, first, kind)
	}()

	return src, nil
}

// awaitFirstPacket waits for the first packet so a missing encoder fails the acquisition.
func (p *RTPProvider) awaitFirstPacket(ctx context.Context, conn net.PacketConn) ([]byte, error) {
	timeout := p.config.ReadyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, &domain.DeviceError{Reason: domain.DeviceUnavailable, Err: err}
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, rtpReadBufferSize)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &domain.DeviceError{
				Reason: domain.DeviceNotFound,
				Err:    fmt.Errorf("no RTP received on %s within %s", conn.LocalAddr(), timeout),
			}
		}
		return nil, &domain.DeviceError{Reason: domain.DeviceUnavailable, Err: err}
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, &domain.DeviceError{Reason: domain.DeviceUnavailable, Err: err}
	}
	return buf[:n], nil
}

func (p *RTPProvider) forward(conn net.PacketConn, track *webrtc.TrackLocalStaticRTP, frames *atomic.Uint32, first []byte, kind string) {
	write := func(raw []byte) {
		packet := &rtp.Packet{}
		if err := packet.Unmarshal(raw); err != nil {
			p.logger.Debugw("dropping malformed RTP packet", "kind", kind, "error", err)
			return
		}
		if frames != nil && packet.Marker {
			frames.Add(1)
		}
		if err := track.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.logger.Debugw("failed to write RTP to track", "kind", kind, "error", err)
		}
	}

	write(first)

	buf := make([]byte, rtpReadBufferSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.logger.Warnw("RTP ingest stopped", "kind", kind, "error", err)
			}
			return
		}
		write(buf[:n])
	}
}

func (p *RTPProvider) videoCommand(c *ports.VideoConstraints) string {
	encoder := "libx264 -tune zerolatency -profile:v baseline -bsf:v h264_mp4toannexb"
	if strings.EqualFold(p.config.VideoCodec, webrtc.MimeTypeVP8) {
		encoder = "libvpx -deadline realtime"
	}
	return fmt.Sprintf("ffmpeg -f v4l2 -video_size %dx%d -framerate %d -i /dev/video0 -c:v %s -f rtp rtp://%s:%d?pkt_size=1200",
		c.Width, c.Height, c.FrameRate, encoder, p.config.Host, p.config.VideoPort)
}

func (p *RTPProvider) audioCommand(c *ports.AudioConstraints) string {
	var filters []string
	if c.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if c.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	filter := ""
	if len(filters) > 0 {
		filter = " -af " + strings.Join(filters, ",")
	}
	// echo cancellation is expected from the capture device (e.g. pulseaudio module-echo-cancel)
	return fmt.Sprintf("ffmpeg -f pulse -i default%s -c:a libopus -f rtp rtp://%s:%d?pkt_size=1200",
		filter, p.config.Host, p.config.AudioPort)
}

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: 48000,
	Channels:  2,
}

func videoCapability(mime string) (webrtc.RTPCodecCapability, error) {
	switch strings.ToLower(mime) {
	case strings.ToLower(webrtc.MimeTypeH264):
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}, nil
	case strings.ToLower(webrtc.MimeTypeVP8):
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case strings.ToLower(webrtc.MimeTypeVP9):
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported capture codec %q", mime)
	}
}
