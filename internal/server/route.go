package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/pipeline"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
)

// Router is the pipeline surface the handler calls.
type Router interface {
	Route(ctx context.Context, turn pipeline.Turn) (*pipeline.Result, error)
}

// RouteHandler exposes the single routing entry point.
type RouteHandler struct {
	Store    *store.Store
	Pipeline Router
}

func (h *RouteHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("/:id/route", h.route)
}

func (h *RouteHandler) route(c echo.Context) error {
	uid := userID(c)
	convID := c.Param("id")
	if _, err := uuid.Parse(convID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}

	// an existing conversation must belong to the caller; a new id is fine
	owner, found, err := h.Store.GetConversationOwner(c.Request().Context(), convID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if found && owner != uid {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}

	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}

	res, err := h.Pipeline.Route(c.Request().Context(), pipeline.Turn{
		UserID:         uid,
		ConversationID: convID,
		Prompt:         req.Prompt,
		Hints:          req.Hints,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
