package domain

import "time"

// Station describes one running station daemon as announced to other instances.
type Station struct {
	InstanceID string           `json:"instance_id"`
	Role       Role             `json:"role"`
	StreamKey  string           `json:"stream_key"`
	WHIPURL    string           `json:"whip_url"`
	WatchURL   string           `json:"watch_url"`
	StartedAt  time.Time        `json:"started_at"`
	Status     ConnectionStatus `json:"status"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
