package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/pipeline"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/router"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
)

type stubPipeline struct {
	result *pipeline.Result
	turn   pipeline.Turn
}

func (s *stubPipeline) Route(ctx context.Context, turn pipeline.Turn) (*pipeline.Result, error) {
	s.turn = turn
	return s.result, nil
}

const testConvID = "2f6b4a9e-1d3c-4e5f-8a7b-9c0d1e2f3a4b"

func TestRouteSuccess(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	pipe := &stubPipeline{result: &pipeline.Result{
		MessageID: "msg-1",
		Model:     "gpt-4o",
		Decision: router.Decision{
			ModelTier:       router.TierBalanced,
			ReasoningEffort: router.EffortLow,
		},
	}}
	handler := &RouteHandler{Store: &store.Store{DB: db}, Pipeline: pipe}

	mock.ExpectQuery(`SELECT user_id FROM conversations WHERE id=\$1`).
		WithArgs(testConvID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+testConvID+"/route",
		strings.NewReader(`{"prompt": "what should I cook tonight", "hints": {"speed": "instant"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues(testConvID)

	if err := handler.route(ctx); err != nil {
		t.Fatalf("route: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.MessageID != "msg-1" || resp.Model != "gpt-4o" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if pipe.turn.UserID != "user-1" || pipe.turn.ConversationID != testConvID {
		t.Fatalf("pipeline got wrong turn: %+v", pipe.turn)
	}
	if pipe.turn.Hints.Speed != router.SpeedInstant {
		t.Fatalf("hints not forwarded: %+v", pipe.turn.Hints)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRouteForeignConversationHidden(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &RouteHandler{Store: &store.Store{DB: db}, Pipeline: &stubPipeline{}}

	mock.ExpectQuery(`SELECT user_id FROM conversations WHERE id=\$1`).
		WithArgs(testConvID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("someone-else"))

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+testConvID+"/route",
		strings.NewReader(`{"prompt": "hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues(testConvID)

	err = handler.route(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign conversation, got %#v", err)
	}
}

func TestRouteInvalidConversationID(t *testing.T) {
	e := echo.New()
	handler := &RouteHandler{Pipeline: &stubPipeline{}}

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/not-a-uuid/route",
		strings.NewReader(`{"prompt": "hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("not-a-uuid")

	err := handler.route(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %#v", err)
	}
}

func TestRouteRequiresPrompt(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &RouteHandler{Store: &store.Store{DB: db}, Pipeline: &stubPipeline{}}

	mock.ExpectQuery(`SELECT user_id FROM conversations WHERE id=\$1`).
		WithArgs(testConvID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+testConvID+"/route",
		strings.NewReader(`{"prompt": "   "}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues(testConvID)

	err = handler.route(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty prompt, got %#v", err)
	}
}
