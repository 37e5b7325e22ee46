package http

import (
	"net/http"
	"strconv"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"
	"medlink/pkg/errors"
	"medlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

type WidgetHandler struct {
	widgets ports.WidgetReporter
}

func NewWidgetHandler(widgets ports.WidgetReporter) *WidgetHandler {
	return &WidgetHandler{widgets: widgets}
}

func (h *WidgetHandler) SetupRoutes(router gin.IRoutes) {
	router.POST("/widget/:kind", h.ReportStatus)
	router.POST("/widget/:kind/error", h.ReportError)
	router.GET("/widget/events", h.RecentEvents)
}

type StatusRequest struct {
	Code    *int   `json:"code" binding:"required"`
	Message string `json:"message"`
}

type ErrorRequest struct {
	Message string `json:"message" binding:"required"`
}

func widgetKind(c *gin.Context) (domain.WidgetKind, bool) {
	kind := domain.WidgetKind(c.Param("kind"))
	if !kind.Valid() {
		c.Error(errors.NewNotFoundError("widget " + string(kind)))
		return "", false
	}
	return kind, true
}

func (h *WidgetHandler) ReportStatus(c *gin.Context) {
	kind, ok := widgetKind(c)
	if !ok {
		return
	}

	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateWidgetCode(*req.Code); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	event, err := h.widgets.Report(c.Request.Context(), kind, *req.Code, validation.SanitizeMessage(req.Message))
	if err != nil && event == nil {
		c.Error(FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *WidgetHandler) ReportError(c *gin.Context) {
	kind, ok := widgetKind(c)
	if !ok {
		return
	}

	var req ErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	event, err := h.widgets.ReportError(c.Request.Context(), kind, validation.SanitizeMessage(req.Message))
	if err != nil && event == nil {
		c.Error(FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *WidgetHandler) RecentEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.Error(errors.NewInvalidInputError("limit must be a number"))
			return
		}
		limit = n
	}
	if err := validation.ValidateLimit(limit); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	events, err := h.widgets.Recent(c.Request.Context(), limit)
	if err != nil {
		c.Error(FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
