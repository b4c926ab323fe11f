package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehrlich-b/duckpond/internal/event"
)

// TurnRecord is a sealed turn as archived.
type TurnRecord struct {
	ID            string
	SessionID     string
	Status        event.TurnStatus
	UserText      string
	AssistantText string
	ToolCalls     int
	ContextTokens int
	Error         string
	StartedAt     time.Time
	EndedAt       time.Time
	Events        []event.Event
}

// ArchiveTurn writes a sealed turn and its events, replacing any earlier
// copy.
func (s *Store) ArchiveTurn(ctx context.Context, r *TurnRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE id = ?`, r.ID); err != nil {
		return fmt.Errorf("archive turn: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO turns
		(id, session_id, status, user_text, assistant_text, tool_calls, context_tokens, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, string(r.Status), r.UserText, r.AssistantText,
		r.ToolCalls, r.ContextTokens, r.Error, r.StartedAt.UTC(), r.EndedAt.UTC())
	if err != nil {
		return fmt.Errorf("archive turn: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO turn_events (turn_id, seq, type, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare events: %w", err)
	}
	defer stmt.Close()
	for i, ev := range r.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, i, string(ev.Type()), string(payload)); err != nil {
			return fmt.Errorf("archive event %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListTurns returns the archived turns of a session, oldest first. Events
// are not loaded.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]*TurnRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, status, user_text, assistant_text,
		tool_calls, context_tokens, error, started_at, ended_at
		FROM (SELECT * FROM turns WHERE session_id = ? ORDER BY started_at DESC LIMIT ?)
		ORDER BY started_at`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	var out []*TurnRecord
	for rows.Next() {
		r, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetTurn returns one archived turn with its events, or nil if absent.
func (s *Store) GetTurn(ctx context.Context, id string) (*TurnRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, status, user_text, assistant_text,
		tool_calls, context_tokens, error, started_at, ended_at FROM turns WHERE id = ?`, id)
	r, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Events, err = s.turnEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) turnEvents(ctx context.Context, turnID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, payload FROM turn_events WHERE turn_id = ? ORDER BY seq`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list turn events: %w", err)
	}
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		var typ, payload string
		if err := rows.Scan(&typ, &payload); err != nil {
			return nil, fmt.Errorf("scan turn event: %w", err)
		}
		ev, err := event.Decode(typ, []byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastContextTokens returns the context size of the session's latest turn
// that reported one.
func (s *Store) LastContextTokens(ctx context.Context, sessionID string) (int, time.Time, bool) {
	var n int
	var at time.Time
	err := s.db.QueryRowContext(ctx, `SELECT context_tokens, ended_at FROM turns
		WHERE session_id = ? AND context_tokens > 0 ORDER BY ended_at DESC LIMIT 1`, sessionID).Scan(&n, &at)
	if err != nil {
		return 0, time.Time{}, false
	}
	return n, at, true
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (*TurnRecord, error) {
	r := &TurnRecord{}
	var status string
	err := row.Scan(&r.ID, &r.SessionID, &status, &r.UserText, &r.AssistantText,
		&r.ToolCalls, &r.ContextTokens, &r.Error, &r.StartedAt, &r.EndedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	r.Status = event.TurnStatus(status)
	return r, nil
}
