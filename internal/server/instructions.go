package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
)

// InstructionsHandler manages standing directives outside the pipeline,
// for settings-style UIs.
type InstructionsHandler struct {
	Store *store.Store
}

func (h *InstructionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("", h.list)
	g.POST("", h.create)
	g.DELETE("/:id", h.delete)
}

func (h *InstructionsHandler) list(c echo.Context) error {
	insts, err := h.Store.ListInstructions(c.Request().Context(), userID(c), c.QueryParam("conversation_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, insts)
}

func (h *InstructionsHandler) create(c echo.Context) error {
	var req InstructionCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title and content are required")
	}

	uid := userID(c)
	rec := store.PermanentInstruction{Scope: req.Scope, Title: req.Title, Content: req.Content}
	switch req.Scope {
	case "user":
		rec.UserID = &uid
	case "conversation":
		if strings.TrimSpace(req.ConversationID) == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required for conversation scope")
		}
		owner, found, err := h.Store.GetConversationOwner(c.Request().Context(), req.ConversationID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if !found || owner != uid {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		rec.ConversationID = &req.ConversationID
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "scope must be user or conversation")
	}

	id, err := h.Store.InsertInstruction(c.Request().Context(), rec)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *InstructionsHandler) delete(c echo.Context) error {
	if err := h.Store.DeleteInstruction(c.Request().Context(), c.Param("id"), userID(c)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
