package services

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"medlink/internal/core/domain"
)

type AddressConfig struct {
	// RelayHost is the relay address, with or without an http scheme.
	RelayHost string
	RTMPPort  int
	HLSPort   int
	WHIPPort  int
}

// Addresses are the relay URLs of one participant.
type Addresses struct {
	Role    domain.Role `json:"role"`
	PushURL string      `json:"pushUrl"`
	// PlayURL is the participant's own stream as served over HLS.
	PlayURL string `json:"playUrl"`
	// WatchURL is the opposite participant's stream, the one to play back.
	WatchURL string `json:"watchUrl"`
	WHIPURL  string `json:"whipUrl"`
}

// AddressService maps a role to relay URLs. It holds no state.
type AddressService struct {
	scheme string
	host   string
	config AddressConfig
}

func NewAddressService(config AddressConfig) (*AddressService, error) {
	if config.RTMPPort == 0 {
		config.RTMPPort = 1935
	}
	if config.HLSPort == 0 {
		config.HLSPort = 8888
	}
	if config.WHIPPort == 0 {
		config.WHIPPort = 8889
	}

	raw := strings.TrimSpace(config.RelayHost)
	if raw == "" {
		return nil, fmt.Errorf("relay host is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid relay host %q: %w", config.RelayHost, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid relay host %q: missing host", config.RelayHost)
	}

	return &AddressService{
		scheme: u.Scheme,
		host:   u.Hostname(),
		config: config,
	}, nil
}

// Resolve returns the addresses of role. An empty role resolves as doctor.
func (s *AddressService) Resolve(role string) (Addresses, error) {
	r := domain.Role(strings.ToLower(strings.TrimSpace(role)))
	if r == "" {
		r = domain.RoleDoctor
	}
	if !r.Valid() {
		return Addresses{}, fmt.Errorf("%w: %q", domain.ErrUnknownRole, role)
	}

	own := r.StreamKey()
	other := r.Opposite().StreamKey()

	return Addresses{
		Role:     r,
		PushURL:  fmt.Sprintf("rtmp://%s/%s", s.hostPort(s.config.RTMPPort), own),
		PlayURL:  s.hlsURL(own),
		WatchURL: s.hlsURL(other),
		WHIPURL:  fmt.Sprintf("%s://%s/%s/whip", s.scheme, s.hostPort(s.config.WHIPPort), own),
	}, nil
}

func (s *AddressService) hlsURL(streamKey string) string {
	return fmt.Sprintf("%s://%s/%s/index.m3u8", s.scheme, s.hostPort(s.config.HLSPort), streamKey)
}

func (s *AddressService) hostPort(port int) string {
	return net.JoinHostPort(s.host, strconv.Itoa(port))
}
