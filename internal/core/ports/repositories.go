package ports

import (
	"context"

	"medlink/internal/core/domain"
)

// WidgetEventRepository keeps the most recent widget events, newest first.
type WidgetEventRepository interface {
	Append(ctx context.Context, event *domain.WidgetEvent) error
	Recent(ctx context.Context, limit int) ([]*domain.WidgetEvent, error)
}
