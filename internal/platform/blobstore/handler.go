package blobstore

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves stored objects for backends without their own HTTP
// surface (memory, bolt).
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts GET /blobs/*. m applies to the route only.
func (h *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/blobs/*", h.handleDownload, m...)
}

func (h *Handler) handleDownload(c echo.Context) error {
	key := c.Param("*")
	if key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": ErrMissingKey.Error()})
	}
	data, obj, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	c.Response().Header().Set("ETag", `"`+obj.Hash+`"`)
	return c.Blob(http.StatusOK, obj.ContentType, data)
}
