package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/memory"
)

// MemoriesHandler exposes direct read/search/delete access to the user's
// long-term memories. Writes go through the routing pipeline only.
type MemoriesHandler struct {
	Memory *memory.Service
}

func (h *MemoriesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("", h.list)
	g.GET("/categories", h.categories)
	g.POST("/search", h.search)
	g.DELETE("/:id", h.delete)
}

func (h *MemoriesHandler) list(c echo.Context) error {
	var categories []string
	if raw := strings.TrimSpace(c.QueryParam("categories")); raw != "" {
		for _, cat := range strings.Split(raw, ",") {
			if cat = strings.TrimSpace(cat); cat != "" {
				categories = append(categories, cat)
			}
		}
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	items, err := h.Memory.Fetch(c.Request().Context(), userID(c), memory.FetchStrategy{
		Categories:    categories,
		AllCategories: len(categories) == 0,
		Limit:         limit,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *MemoriesHandler) categories(c echo.Context) error {
	cats, err := h.Memory.Categories(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cats)
}

func (h *MemoriesHandler) search(c echo.Context) error {
	var req MemorySearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	items, err := h.Memory.Fetch(c.Request().Context(), userID(c), memory.FetchStrategy{
		Categories:        req.Categories,
		AllCategories:     len(req.Categories) == 0,
		UseSemanticSearch: true,
		Query:             req.Query,
		Limit:             req.Limit,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *MemoriesHandler) delete(c echo.Context) error {
	// deleting a missing or foreign memory is a silent no-op
	if err := h.Memory.Delete(c.Request().Context(), userID(c), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
