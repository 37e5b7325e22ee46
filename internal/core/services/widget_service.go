package services

import (
	"context"
	"fmt"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	pusherStreaming = 1002
	playerStarted   = 2004
)

var pusherCodes = map[int]string{
	1001:  "connected to push server",
	1002:  "handshake complete, streaming started",
	1003:  "camera opened",
	1004:  "screen capture started",
	1005:  "resolution adjusted",
	1006:  "bitrate adjusted",
	1007:  "first frame captured",
	1008:  "encoder started",
	-1301: "failed to open camera",
	-1302: "failed to open microphone",
	-1303: "video encoding failed",
	-1304: "audio encoding failed",
	-1305: "unsupported video resolution",
	-1306: "unsupported audio sample rate",
	-1307: "network disconnected, reconnect attempts exhausted",
	-1308: "screen capture failed",
}

var playerCodes = map[int]string{
	2001:  "connected to server",
	2002:  "connected, pulling stream",
	2003:  "first video packet received",
	2004:  "playback started",
	2005:  "playback progress",
	2006:  "playback ended",
	2007:  "playback loading",
	2008:  "decoder started",
	2009:  "playback loading finished",
	-2301: "network disconnected, reconnect attempts exhausted",
	-2302: "failed to get accelerated pull address",
}

// DescribeWidgetCode maps a native widget status code to a notice. Negative codes
// are failures carrying the platform message; the pusher's streaming milestone and
// the player's start milestone are successes.
func DescribeWidgetCode(kind domain.WidgetKind, code int, message string) domain.WidgetEvent {
	table := pusherCodes
	if kind == domain.WidgetPlayer {
		table = playerCodes
	}

	description, ok := table[code]
	if !ok {
		description = fmt.Sprintf("status %d", code)
	}

	event := domain.WidgetEvent{
		Kind:        kind,
		Code:        code,
		Message:     message,
		Description: description,
		Level:       domain.NoticeInfo,
	}

	switch {
	case code < 0:
		event.Level = domain.NoticeFailure
		if kind == domain.WidgetPlayer {
			event.Notice = "playback failed: " + message
		} else {
			event.Notice = "publishing failed: " + message
		}
	case kind == domain.WidgetPusher && code == pusherStreaming:
		event.Level = domain.NoticeSuccess
		event.Notice = "publishing succeeded"
	case kind == domain.WidgetPlayer && code == playerStarted:
		event.Level = domain.NoticeSuccess
		event.Notice = "playback started"
		event.Unmute = true
	}
	return event
}

// WidgetService records widget status callbacks.
type WidgetService struct {
	repo   ports.WidgetEventRepository
	logger *zap.SugaredLogger
}

func NewWidgetService(repo ports.WidgetEventRepository, logger *zap.SugaredLogger) *WidgetService {
	return &WidgetService{repo: repo, logger: logger}
}

// Report interprets a status code and stores the resulting event.
func (s *WidgetService) Report(ctx context.Context, kind domain.WidgetKind, code int, message string) (*domain.WidgetEvent, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown widget kind %q", kind)
	}

	event := DescribeWidgetCode(kind, code, message)
	event.ID = uuid.NewString()
	event.Timestamp = time.Now()

	s.log(&event)
	if err := s.repo.Append(ctx, &event); err != nil {
		return &event, fmt.Errorf("failed to store widget event: %w", err)
	}
	return &event, nil
}

// ReportError records a widget error callback, which carries no status code.
func (s *WidgetService) ReportError(ctx context.Context, kind domain.WidgetKind, errMsg string) (*domain.WidgetEvent, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown widget kind %q", kind)
	}

	prefix := "publish error: "
	if kind == domain.WidgetPlayer {
		prefix = "playback error: "
	}
	event := domain.WidgetEvent{
		ID:          uuid.NewString(),
		Kind:        kind,
		Code:        -1,
		Message:     errMsg,
		Description: "widget error",
		Level:       domain.NoticeFailure,
		Notice:      prefix + errMsg,
		Timestamp:   time.Now(),
	}

	s.log(&event)
	if err := s.repo.Append(ctx, &event); err != nil {
		return &event, fmt.Errorf("failed to store widget event: %w", err)
	}
	return &event, nil
}

func (s *WidgetService) Recent(ctx context.Context, limit int) ([]*domain.WidgetEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.Recent(ctx, limit)
}

func (s *WidgetService) log(event *domain.WidgetEvent) {
	fields := []interface{}{
		"kind", event.Kind,
		"code", event.Code,
		"message", event.Message,
		"description", event.Description,
	}
	if event.Level == domain.NoticeFailure {
		s.logger.Warnw("widget reported failure", fields...)
		return
	}
	s.logger.Infow("widget state", fields...)
}
