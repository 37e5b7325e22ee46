package http

import (
	"net/http"

	"medlink/internal/core/ports"
	"medlink/internal/infrastructure/middleware"
	"medlink/internal/infrastructure/signal"
	"medlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	control ports.SessionControl
	status  *signal.StatusServer
	limiter *middleware.ConnectionLimiter
}

func NewSessionHandler(
	control ports.SessionControl,
	status *signal.StatusServer,
	limiter *middleware.ConnectionLimiter,
) *SessionHandler {
	return &SessionHandler{
		control: control,
		status:  status,
		limiter: limiter,
	}
}

func (h *SessionHandler) SetupRoutes(router gin.IRoutes) {
	router.GET("/session", h.GetView)
	router.GET("/session/status", h.GetStatus)
	router.GET("/session/errors", h.GetErrors)
	router.POST("/session/start", h.Start)
	router.POST("/session/stop", h.Stop)
	router.GET("/session/ws", h.StatusStream)

	router.POST("/playback/refresh", h.Refresh)
	router.POST("/playback/play", h.Play)
}

func (h *SessionHandler) GetView(c *gin.Context) {
	c.JSON(http.StatusOK, h.control.View())
}

func (h *SessionHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.control.Status())
}

// GetErrors renders the error behind each session's state with the code and
// status a failed request would carry. A healthy session reports null.
func (h *SessionHandler) GetErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"publish":  renderSessionError(h.control.PublishErr()),
		"playback": renderSessionError(h.control.PlaybackErr()),
	})
}

func renderSessionError(err error) gin.H {
	if err == nil {
		return nil
	}
	appErr := FromDomain(err)
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
		"status":  appErr.HTTPStatus,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

// Start returns before capture and negotiation complete; progress is observed
// through the view or the status stream.
func (h *SessionHandler) Start(c *gin.Context) {
	gen := h.control.Start()
	c.JSON(http.StatusAccepted, gin.H{
		"generation": gen,
		"session":    h.control.View(),
	})
}

func (h *SessionHandler) Stop(c *gin.Context) {
	h.control.Stop()
	c.JSON(http.StatusOK, gin.H{
		"session": h.control.View(),
	})
}

func (h *SessionHandler) Refresh(c *gin.Context) {
	gen := h.control.Refresh()
	c.JSON(http.StatusAccepted, gin.H{
		"generation": gen,
		"session":    h.control.View(),
	})
}

func (h *SessionHandler) Play(c *gin.Context) {
	if err := h.control.Play(); err != nil {
		c.Error(FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": h.control.View(),
	})
}

func (h *SessionHandler) StatusStream(c *gin.Context) {
	release, ok := h.limiter.Acquire()
	if !ok {
		c.Error(errors.NewServiceUnavailableError("too many status connections"))
		return
	}
	defer release()

	h.status.HandleWebSocket(c.Writer, c.Request)
}
