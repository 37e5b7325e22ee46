package http

import (
	"net/http"

	"medlink/internal/core/services"
	"medlink/pkg/errors"
	"medlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AddressHandler serves relay addresses per role. It is mounted at the root
// so that existing clients keep calling /url.
type AddressHandler struct {
	addresses *services.AddressService
}

func NewAddressHandler(addresses *services.AddressService) *AddressHandler {
	return &AddressHandler{addresses: addresses}
}

func (h *AddressHandler) SetupRoutes(router gin.IRoutes) {
	router.GET("/url", h.GetAddresses)
	router.GET("/health", h.Health)
}

func (h *AddressHandler) GetAddresses(c *gin.Context) {
	role := c.Query("role")
	if err := validation.ValidateRole(role); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	addrs, err := h.addresses.Resolve(role)
	if err != nil {
		c.Error(FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, addrs)
}

func (h *AddressHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "medlink address resolver",
	})
}
