package domain

import "time"

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is a negotiation document exchanged with the relay.
// Once handed to the signaling client it must not be modified.
type SessionDescription struct {
	Type SDPType
	Body string
}

// CodecEntry is one rtpmap mapping of a media section.
type CodecEntry struct {
	PayloadType uint8
	MimeType    string // e.g. "video/H264"
	ClockRate   uint32
}

// Role is the participant side of a consultation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// StreamKey returns the relay path this role publishes to.
func (r Role) StreamKey() string {
	switch r {
	case RoleDoctor:
		return "doctorStream"
	case RolePatient:
		return "patientStream"
	default:
		return ""
	}
}

// Opposite returns the role whose stream this role plays.
func (r Role) Opposite() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// PublishState is the state of the outbound (WHIP) session.
type PublishState int

const (
	PublishIdle PublishState = iota
	PublishCapturing
	PublishNegotiating
	PublishConnecting
	PublishLive
	PublishDisconnected
	PublishFailed
)

func (s PublishState) String() string {
	switch s {
	case PublishIdle:
		return "idle"
	case PublishCapturing:
		return "capturing"
	case PublishNegotiating:
		return "negotiating"
	case PublishConnecting:
		return "connecting"
	case PublishLive:
		return "live"
	case PublishDisconnected:
		return "disconnected"
	case PublishFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PlaybackState is the state of the inbound (HLS) session.
type PlaybackState int

const (
	PlaybackUnbound PlaybackState = iota
	PlaybackLoading
	PlaybackPlaying
	PlaybackRecovering
	PlaybackFailed
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackUnbound:
		return "unbound"
	case PlaybackLoading:
		return "loading"
	case PlaybackPlaying:
		return "playing"
	case PlaybackRecovering:
		return "recovering"
	case PlaybackFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectivityState is the transport connectivity reported by the peer connection.
type ConnectivityState int

const (
	ConnectivityNew ConnectivityState = iota
	ConnectivityChecking
	ConnectivityConnected
	ConnectivityCompleted
	ConnectivityDisconnected
	ConnectivityFailed
	ConnectivityClosed
)

func (s ConnectivityState) String() string {
	switch s {
	case ConnectivityNew:
		return "new"
	case ConnectivityChecking:
		return "checking"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityCompleted:
		return "completed"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionStatus is derived from the two sub-machines on every read.
type ConnectionStatus struct {
	Publishing bool `json:"publishing"`
	Playing    bool `json:"playing"`
}

// PublishSnapshot is a read-only view of the publish session.
type PublishSnapshot struct {
	Generation uint64         `json:"generation"`
	State      PublishState   `json:"-"`
	StateName  string         `json:"state"`
	Streaming  bool           `json:"streaming"`
	Error      string         `json:"error,omitempty"`
	Stats      *StatsSnapshot `json:"stats,omitempty"`
}

// PlaybackSnapshot is a read-only view of the playback session.
type PlaybackSnapshot struct {
	Generation   uint64        `json:"generation"`
	State        PlaybackState `json:"-"`
	StateName    string        `json:"state"`
	SourceURL    string        `json:"source_url"`
	RetryCount   int           `json:"retry_count"`
	Native       bool          `json:"native"`
	AwaitingUser bool          `json:"awaiting_user"`
	Error        string        `json:"error,omitempty"`
}

// SessionView combines both sub-machines for the control API.
type SessionView struct {
	Status    ConnectionStatus `json:"status"`
	Publish   PublishSnapshot  `json:"publish"`
	Playback  PlaybackSnapshot `json:"playback"`
	Timestamp time.Time        `json:"timestamp"`
}
