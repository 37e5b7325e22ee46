package http

import (
	"net/http"

	"medlink/internal/core/ports"
	"medlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

// StationHandler lists the stations known to the shared registry.
type StationHandler struct {
	stations ports.StationLister
}

func NewStationHandler(stations ports.StationLister) *StationHandler {
	return &StationHandler{stations: stations}
}

func (h *StationHandler) SetupRoutes(router gin.IRoutes) {
	router.GET("/stations", h.ListStations)
}

func (h *StationHandler) ListStations(c *gin.Context) {
	stations, err := h.stations.Stations(c.Request.Context())
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "station registry unavailable", http.StatusServiceUnavailable))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stations": stations,
		"count":    len(stations),
	})
}
