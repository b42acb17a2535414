package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/scribe/internal/audio"
)

// getTestDB returns a database pool for testing.
// Skips the test if DATABASE_URL is not set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func TestSessionRoundTrip(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	id := uuid.New()
	createdAt := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.InsertSession(ctx, id, createdAt); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.Exec(context.Background(), `DELETE FROM session_transcripts WHERE session_id = $1`, id)
		_, _ = db.Exec(context.Background(), `DELETE FROM sessions WHERE id = $1`, id)
	})

	rec, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.ID != id {
		t.Errorf("session id = %s, want %s", rec.ID, id)
	}
	if rec.EndedAt != nil {
		t.Errorf("ended_at = %v, want nil before EndSession", rec.EndedAt)
	}

	if err := s.TouchSession(ctx, id, time.Now().UTC()); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}

	lines := []TranscriptLine{
		{CreatedAt: createdAt, Source: audio.SourceMic, Text: "hello there"},
		{CreatedAt: createdAt.Add(time.Second), Source: audio.SourceSystem, Text: "hi"},
		{CreatedAt: createdAt.Add(2 * time.Second), Source: audio.SourceMic, Text: "bye"},
	}
	if err := s.InsertTranscript(ctx, id, lines); err != nil {
		t.Fatalf("InsertTranscript failed: %v", err)
	}
	if err := s.EndSession(ctx, id, time.Now().UTC(), len(lines)); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	rec, err = s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession after end failed: %v", err)
	}
	if rec.EndedAt == nil {
		t.Error("ended_at should be set after EndSession")
	}
	if rec.EntryCount != len(lines) {
		t.Errorf("entry_count = %d, want %d", rec.EntryCount, len(lines))
	}

	got, err := s.ListTranscript(ctx, id)
	if err != nil {
		t.Fatalf("ListTranscript failed: %v", err)
	}
	if len(got) != len(lines) {
		t.Fatalf("transcript length = %d, want %d", len(got), len(lines))
	}
	// Rows come back in insertion order regardless of timestamps.
	for i, line := range got {
		if line.Text != lines[i].Text {
			t.Errorf("line %d text = %q, want %q", i, line.Text, lines[i].Text)
		}
		if line.Source != lines[i].Source {
			t.Errorf("line %d source = %q, want %q", i, line.Source, lines[i].Source)
		}
	}
}

func TestGetSessionUnknownID(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	if _, err := s.GetSession(context.Background(), uuid.New()); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("GetSession of unknown id error = %v, want ErrNoRows", err)
	}
}

func TestInsertTranscriptEmpty(t *testing.T) {
	s := New(nil)
	if err := s.InsertTranscript(context.Background(), uuid.New(), nil); err != nil {
		t.Errorf("empty transcript insert should be a no-op, got %v", err)
	}
}
