package domain

import "time"

// WidgetKind identifies the native widget that reported a status code.
type WidgetKind string

const (
	WidgetPusher WidgetKind = "pusher"
	WidgetPlayer WidgetKind = "player"
)

func (k WidgetKind) Valid() bool {
	return k == WidgetPusher || k == WidgetPlayer
}

type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeFailure NoticeLevel = "failure"
	NoticeInfo    NoticeLevel = "info"
)

// WidgetEvent is one status callback of a native push/pull widget together with
// the user-facing notice derived from it.
type WidgetEvent struct {
	ID          string      `json:"id"`
	Kind        WidgetKind  `json:"kind"`
	Code        int         `json:"code"`
	Message     string      `json:"message,omitempty"`
	Description string      `json:"description"`
	Level       NoticeLevel `json:"level"`
	Notice      string      `json:"notice,omitempty"`
	// Unmute asks the widget owner to unmute and resume the player.
	Unmute    bool      `json:"unmute,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
