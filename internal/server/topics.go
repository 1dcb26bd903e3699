package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
)

// TopicsHandler exposes read access to a conversation's topic threads.
type TopicsHandler struct {
	Store *store.Store
}

func (h *TopicsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("/:id/topics", h.list)
	g.GET("/:id/messages", h.messages)
}

func (h *TopicsHandler) ownedConversation(c echo.Context) (string, error) {
	convID := c.Param("id")
	if _, err := uuid.Parse(convID); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	owner, found, err := h.Store.GetConversationOwner(c.Request().Context(), convID)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found || owner != userID(c) {
		return "", echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return convID, nil
}

func (h *TopicsHandler) list(c echo.Context) error {
	convID, err := h.ownedConversation(c)
	if err != nil {
		return err
	}
	topics, err := h.Store.ListTopicsByConversation(c.Request().Context(), convID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, topics)
}

func (h *TopicsHandler) messages(c echo.Context) error {
	convID, err := h.ownedConversation(c)
	if err != nil {
		return err
	}
	msgs, err := h.Store.ListAllMessages(c.Request().Context(), convID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, msgs)
}
