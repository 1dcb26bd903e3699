package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/artifacts"
)

// ArtifactsHandler feeds the in-memory artifact index that the topic
// classifier draws loadable candidates from.
type ArtifactsHandler struct {
	Index *artifacts.Index
}

func (h *ArtifactsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.upsert)
	g.DELETE("/:id", h.delete)
}

func (h *ArtifactsHandler) upsert(c echo.Context) error {
	var req ArtifactUpsertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title or content is required")
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	if err := h.Index.Add(artifacts.Artifact{
		ID:      req.ID,
		Kind:    req.Kind,
		Title:   req.Title,
		Content: req.Content,
		TopicID: req.TopicID,
	}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *ArtifactsHandler) delete(c echo.Context) error {
	if err := h.Index.Remove(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
