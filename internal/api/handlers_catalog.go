// handlers_catalog.go - Category catalog handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pome-analysis/backend/internal/catalog"
)

// CatalogHandlerImpl implements the CatalogHandler interface
type CatalogHandlerImpl struct {
	catalog *catalog.Catalog
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(cat *catalog.Catalog) CatalogHandler {
	return &CatalogHandlerImpl{catalog: cat}
}

// HandleListCategories returns every known category
func (h *CatalogHandlerImpl) HandleListCategories(c echo.Context) error {
	categories := []catalog.Category{}
	if h.catalog != nil {
		categories = h.catalog.All()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"categories": categories,
	})
}

// HandleGetCategory returns one category by key or name
func (h *CatalogHandlerImpl) HandleGetCategory(c echo.Context) error {
	key := c.Param("key")
	if h.catalog == nil {
		return NewNotFoundError("category", key)
	}
	cat, ok := h.catalog.Lookup(key)
	if !ok {
		return NewNotFoundError("category", key)
	}
	return c.JSON(http.StatusOK, cat)
}
