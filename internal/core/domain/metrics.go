package domain

import "time"

// StatsSnapshot is one periodic outbound statistics sample.
type StatsSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	BytesSent     uint64    `json:"bytes_sent"`
	PacketsSent   uint32    `json:"packets_sent"`
	FramesEncoded uint32    `json:"frames_encoded"`
	PLICount      uint32    `json:"pli_count"`
	NACKCount     uint32    `json:"nack_count"`
	FractionLost  float64   `json:"fraction_lost"`
}
