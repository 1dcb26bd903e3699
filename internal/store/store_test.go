package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func sampleTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestCreateTopicRejectsNestedParent(t *testing.T) {
	st, mock := mockStore(t)

	parent := "t-child"
	mock.ExpectQuery(`SELECT parent_topic_id FROM topics WHERE id=\$1`).
		WithArgs(parent).
		WillReturnRows(sqlmock.NewRows([]string{"parent_topic_id"}).AddRow("t-root"))

	_, err := st.CreateTopic(context.Background(), Topic{
		ConversationID: "c1",
		ParentTopicID:  &parent,
		Label:          "Too deep",
	})
	if err != ErrParentNested {
		t.Fatalf("expected ErrParentNested, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateTopicDropsMissingParent(t *testing.T) {
	st, mock := mockStore(t)

	parent := "gone"
	mock.ExpectQuery(`SELECT parent_topic_id FROM topics WHERE id=\$1`).
		WithArgs(parent).
		WillReturnRows(sqlmock.NewRows([]string{"parent_topic_id"}))

	mock.ExpectQuery(`INSERT INTO topics`).
		WithArgs("c1", nil, "Orphan", "", "", 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t-1"))

	id, err := st.CreateTopic(context.Background(), Topic{
		ConversationID: "c1",
		ParentTopicID:  &parent,
		Label:          "Orphan",
	})
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if id != "t-1" {
		t.Fatalf("unexpected id %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAddTopicTokenEstimateIncrements(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectExec(`UPDATE topics SET token_estimate=token_estimate\+\$2`).
		WithArgs("t1", 42).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.AddTopicTokenEstimate(context.Background(), "t1", 42); err != nil {
		t.Fatalf("AddTopicTokenEstimate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNearestMemoryEncodesVectorLiteral(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectQuery(`ORDER BY embedding <=> \$3::vector`).
		WithArgs("u1", "preference", "[0.5,-0.25,1]").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "type", "title", "content", "importance", "created_at", "distance"}).
			AddRow("mem-1", "u1", "preference", "Tabs", "prefers tabs", 0.0, sampleTime(), 0.12))

	res, found, err := st.NearestMemory(context.Background(), "u1", "preference", []float32{0.5, -0.25, 1})
	if err != nil {
		t.Fatalf("NearestMemory: %v", err)
	}
	if !found || res.ID != "mem-1" || res.Distance != 0.12 {
		t.Fatalf("unexpected result: %+v found=%v", res, found)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNearestMemoryNoRows(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectQuery(`ORDER BY embedding <=> \$3::vector`).
		WithArgs("u1", "fact", "[1]").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "type", "title", "content", "importance", "created_at", "distance"}))

	_, found, err := st.NearestMemory(context.Background(), "u1", "fact", []float32{1})
	if err != nil {
		t.Fatalf("NearestMemory: %v", err)
	}
	if found {
		t.Fatal("expected no result for empty table")
	}
}

func TestDeleteMemoryIsOwnerScoped(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectExec(`DELETE FROM memories WHERE id=\$1 AND user_id=\$2`).
		WithArgs("mem-1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// zero rows affected is a silent no-op
	if err := st.DeleteMemory(context.Background(), "mem-1", "u1"); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRecentMessagesReordersAscending(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectQuery(`ORDER BY created_at ASC`).
		WithArgs("c1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "topic_id", "created_at"}).
			AddRow("m1", "c1", "user", "older", nil, sampleTime()).
			AddRow("m2", "c1", "assistant", "newer", "t1", sampleTime()))

	msgs, err := st.ListRecentMessages(context.Background(), "c1", 2)
	if err != nil {
		t.Fatalf("ListRecentMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].TopicID == nil {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{0.25, -1, 3.5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if lit != "[0.25,-1,3.5]" {
		t.Fatalf("unexpected literal: %s", lit)
	}
	vec, err := decodeVectorLiteral(lit)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 || vec[1] != -1 || vec[2] != 3.5 {
		t.Fatalf("round trip mismatch: %+v", vec)
	}

	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatal("empty vector must not encode")
	}
	if _, err := decodeVectorLiteral("not a vector"); err == nil {
		t.Fatal("malformed literal must not decode")
	}
}

func TestPQStringArrayEscaping(t *testing.T) {
	if got := pqStringArray(nil); got != "{}" {
		t.Fatalf("empty array literal wrong: %s", got)
	}
	got := pqStringArray([]string{"plain", `quo"te`})
	if got != `{"plain","quo\"te"}` {
		t.Fatalf("escaped literal wrong: %s", got)
	}
}
