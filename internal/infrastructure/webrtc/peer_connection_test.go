package webrtc

import (
	"strings"
	"testing"

	"medlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConnection(t *testing.T, factory *PeerConnectionFactory) *peerConnection {
	t.Helper()
	conn, err := factory.NewPeerConnection(nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "medlink")
	require.NoError(t, err)
	require.NoError(t, conn.AddTrack(track))
	return conn.(*peerConnection)
}

func mimeOf(desc domain.SessionDescription, pt uint8) string {
	for _, c := range VideoCodecs(desc) {
		if c.PayloadType == pt {
			return c.MimeType
		}
	}
	return ""
}

func TestPeerConnection_PreferredCodecOfferIsAccepted(t *testing.T) {
	factory, err := NewPeerConnectionFactory(WebRTCConfig{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	conn := newTestConnection(t, factory)

	offer, err := conn.CreateOffer()
	require.NoError(t, err)
	preferred := PreferCodec(offer, "video/H264")
	require.NotEqual(t, offer.Body, preferred.Body, "default codecs should not already lead with H264")

	require.NoError(t, conn.SetCodecOrder(preferred))
	regenerated, err := conn.CreateOffer()
	require.NoError(t, err)

	order := videoPayloadOrder(regenerated)
	require.NotEmpty(t, order)
	assert.Equal(t, videoPayloadOrder(preferred), order)
	assert.True(t, strings.EqualFold(mimeOf(regenerated, order[0]), "video/H264"))

	require.NoError(t, conn.SetLocalDescription(regenerated))
}

func TestPeerConnection_CodecOrderDoesNotLeakIntoOtherConnections(t *testing.T) {
	factory, err := NewPeerConnectionFactory(WebRTCConfig{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	first := newTestConnection(t, factory)
	offer, err := first.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, first.SetCodecOrder(PreferCodec(offer, "video/H264")))

	second := newTestConnection(t, factory)
	untouched, err := second.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, videoPayloadOrder(offer), videoPayloadOrder(untouched))
}

func TestPeerConnection_EditedOfferIsRejected(t *testing.T) {
	factory, err := NewPeerConnectionFactory(WebRTCConfig{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	conn := newTestConnection(t, factory)

	offer, err := conn.CreateOffer()
	require.NoError(t, err)
	assert.Error(t, conn.SetLocalDescription(PreferCodec(offer, "video/H264")))
}

func TestPeerConnection_SetCodecOrderWithoutVideoIsNoop(t *testing.T) {
	factory, err := NewPeerConnectionFactory(WebRTCConfig{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	conn := newTestConnection(t, factory)

	assert.NoError(t, conn.SetCodecOrder(domain.SessionDescription{Type: domain.SDPTypeOffer, Body: "v=0\r\n"}))
}
