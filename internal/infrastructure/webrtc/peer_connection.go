package webrtc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// WaitGathering holds the offer until ICE gathering is complete so the
	// relay receives every host/srflx candidate in one request.
	WaitGathering bool
}

// PeerConnectionFactory builds pion peer connections for the publish session.
type PeerConnectionFactory struct {
	config WebRTCConfig
	api    *webrtc.API
	logger *zap.SugaredLogger
}

// NewPeerConnectionFactory creates a factory with default codecs and interceptors.
func NewPeerConnectionFactory(config WebRTCConfig, logger *zap.SugaredLogger) (*PeerConnectionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &PeerConnectionFactory{
		config: config,
		api:    api,
		logger: logger,
	}, nil
}

// NewPeerConnection implements ports.PeerConnectionFactory.
func (f *PeerConnectionFactory) NewPeerConnection(onState func(domain.ConnectivityState)) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peerConnection{
		pc:            pc,
		waitGathering: f.config.WaitGathering,
		logger:        f.logger,
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		f.logger.Infow("publisher ICE connection state changed", "ice_state", state.String())
		if onState != nil {
			onState(mapICEState(state))
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.logger.Debugw("publisher connection state changed", "connection_state", state.String())
	})
	pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		f.logger.Debugw("publisher ICE gathering state changed", "gathering_state", state.String())
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f.logger.Debug("publisher ICE candidate gathering complete")
			return
		}
		f.logger.Debugw("publisher ICE candidate", "candidate", c.String())
	})

	return p, nil
}

func mapICEState(state webrtc.ICEConnectionState) domain.ConnectivityState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return domain.ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return domain.ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return domain.ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return domain.ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return domain.ConnectivityClosed
	default:
		return domain.ConnectivityNew
	}
}

// peerConnection adapts *webrtc.PeerConnection to ports.PeerConnection.
type peerConnection struct {
	pc            *webrtc.PeerConnection
	waitGathering bool
	logger        *zap.SugaredLogger

	pliCount     atomic.Uint32
	nackCount    atomic.Uint32
	fractionLost atomic.Uint32 // last reported value, 0-255

	closeOnce sync.Once
	closeErr  error
}

// AddTrack registers a send-only transceiver for the track.
func (p *peerConnection) AddTrack(track webrtc.TrackLocal) error {
	transceiver, err := p.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	go p.processRTCP(track.ID(), transceiver.Sender())
	return nil
}

func (p *peerConnection) CreateOffer() (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, Body: offer.SDP}, nil
}

// SetCodecOrder applies the m=video payload order of desc to every video
// transceiver. pion only accepts the offer it generated itself, so the order is
// set as codec preferences and picked up by the next CreateOffer.
func (p *peerConnection) SetCodecOrder(desc domain.SessionDescription) error {
	order := videoPayloadOrder(desc)
	if len(order) == 0 {
		return nil
	}
	rank := make(map[webrtc.PayloadType]int, len(order))
	for i, pt := range order {
		rank[webrtc.PayloadType(pt)] = i
	}
	rankOf := func(pt webrtc.PayloadType) int {
		if r, ok := rank[pt]; ok {
			return r
		}
		return len(order)
	}

	for _, transceiver := range p.pc.GetTransceivers() {
		if transceiver.Kind() != webrtc.RTPCodecTypeVideo || transceiver.Sender() == nil {
			continue
		}
		// the parameters may alias the media engine's codec list
		codecs := append([]webrtc.RTPCodecParameters(nil), transceiver.Sender().GetParameters().Codecs...)
		sort.SliceStable(codecs, func(i, j int) bool {
			return rankOf(codecs[i].PayloadType) < rankOf(codecs[j].PayloadType)
		})
		if err := transceiver.SetCodecPreferences(codecs); err != nil {
			return fmt.Errorf("failed to set codec preferences: %w", err)
		}
	}
	return nil
}

func (p *peerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *peerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *peerConnection) LocalDescription(ctx context.Context) (domain.SessionDescription, error) {
	if p.waitGathering {
		gathered := webrtc.GatheringCompletePromise(p.pc)
		select {
		case <-gathered:
		case <-ctx.Done():
			return domain.SessionDescription{}, ctx.Err()
		}
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return domain.SessionDescription{}, fmt.Errorf("local description not set")
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, Body: local.SDP}, nil
}

// Stats sums outbound RTP statistics and merges the RTCP feedback counters.
func (p *peerConnection) Stats() (domain.StatsSnapshot, error) {
	snapshot := domain.StatsSnapshot{
		Timestamp:    time.Now(),
		PLICount:     p.pliCount.Load(),
		NACKCount:    p.nackCount.Load(),
		FractionLost: float64(p.fractionLost.Load()) / 256.0,
	}

	for _, stat := range p.pc.GetStats() {
		outbound, ok := stat.(webrtc.OutboundRTPStreamStats)
		if !ok {
			continue
		}
		snapshot.BytesSent += outbound.BytesSent
		snapshot.PacketsSent += outbound.PacketsSent
	}

	return snapshot, nil
}

func (p *peerConnection) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

// processRTCP drains sender RTCP so interceptors keep running and collects feedback counters.
func (p *peerConnection) processRTCP(trackID string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			p.logger.Debugw("publisher RTCP reader stopped", "track_id", trackID, "error", err)
			return
		}

		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication:
				p.pliCount.Add(1)
			case *rtcp.FullIntraRequest:
				p.pliCount.Add(1)
			case *rtcp.TransportLayerNack:
				p.nackCount.Add(uint32(len(pkt.Nacks)))
			case *rtcp.ReceiverReport:
				for _, report := range pkt.Reports {
					p.fractionLost.Store(uint32(report.FractionLost))
				}
			}
		}
	}
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == domain.SDPTypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.Body}
}
