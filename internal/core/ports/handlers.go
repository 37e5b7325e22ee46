package ports

import (
	"context"

	"medlink/internal/core/domain"

	"github.com/gin-gonic/gin"
)

// HTTPHandler registers its routes on a router group.
type HTTPHandler interface {
	SetupRoutes(router gin.IRoutes)
}

// SessionControl is the control surface of the session controller.
type SessionControl interface {
	Start() uint64
	Stop()
	Refresh() uint64
	Play() error
	Status() domain.ConnectionStatus
	View() domain.SessionView
	// PublishErr and PlaybackErr return the typed error behind each session's current state.
	PublishErr() error
	PlaybackErr() error
	Subscribe(buffer int) (<-chan domain.SessionView, func())
}

// WidgetReporter records native widget callbacks.
type WidgetReporter interface {
	Report(ctx context.Context, kind domain.WidgetKind, code int, message string) (*domain.WidgetEvent, error)
	ReportError(ctx context.Context, kind domain.WidgetKind, errMsg string) (*domain.WidgetEvent, error)
	Recent(ctx context.Context, limit int) ([]*domain.WidgetEvent, error)
}

// StationLister lists the stations currently registered with the relay.
type StationLister interface {
	Stations(ctx context.Context) ([]domain.Station, error)
}
