package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/scribe/internal/audio"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// SessionRecord is the persisted form of one audio session.
type SessionRecord struct {
	ID         uuid.UUID  `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EntryCount int        `json:"entry_count"`
}

// TranscriptLine is one persisted transcript row, handed off at session
// end as a plain ordered list.
type TranscriptLine struct {
	CreatedAt time.Time    `json:"created_at"`
	Source    audio.Source `json:"source"`
	Text      string       `json:"text"`
}

func (s *Store) InsertSession(ctx context.Context, id uuid.UUID, createdAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, created_at)
		VALUES ($1, $2)
	`, id, createdAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time, entryCount int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sessions SET ended_at = $2, entry_count = $3
		WHERE id = $1
	`, id, endedAt, entryCount)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sessions SET last_keepalive_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// InsertTranscript writes the full ordered transcript in one batch,
// sequence numbers preserving arrival order.
func (s *Store) InsertTranscript(ctx context.Context, sessionID uuid.UUID, lines []TranscriptLine) error {
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, line := range lines {
		batch.Queue(`
			INSERT INTO session_transcripts (id, session_id, seq, created_at, source, text)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		`, sessionID, i, line.CreatedAt, string(line.Source), line.Text)
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range lines {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert transcript: %w", err)
		}
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRow(ctx, `
		SELECT id, created_at, ended_at, COALESCE(entry_count, 0)
		FROM sessions WHERE id = $1
	`, id).Scan(&rec.ID, &rec.CreatedAt, &rec.EndedAt, &rec.EntryCount)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListTranscript(ctx context.Context, sessionID uuid.UUID) ([]TranscriptLine, error) {
	rows, err := s.db.Query(ctx, `
		SELECT created_at, source, text
		FROM session_transcripts
		WHERE session_id = $1
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	defer rows.Close()

	var lines []TranscriptLine
	for rows.Next() {
		var line TranscriptLine
		var source string
		if err := rows.Scan(&line.CreatedAt, &source, &line.Text); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		line.Source = audio.Source(source)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
