package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/thread"
)

// Filter narrows ListThreads.
type Filter struct {
	ProjectID       string // empty means every project
	IncludeArchived bool
	Statuses        []thread.Status // empty means every status
}

// CreateThread inserts a new thread after validating it.
func (s *Store) CreateThread(ctx context.Context, th *thread.Thread) error {
	op := errors.Op("registry.CreateThread")
	if err := th.Validate(); err != nil {
		return err
	}
	data, err := marshalJSON(th)
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads(id, project_id, status, pinned, archived, created_at, data) VALUES(?,?,?,?,?,?,?)`,
		th.ID, th.ProjectID, string(th.Status), th.Pinned, th.Archived, th.CreatedAt.UnixNano(), data)
	if err != nil {
		return errors.E(op, errors.KindIO, fmt.Sprintf("insert thread %s", th.ID), err)
	}
	return nil
}

func scanThread(row interface{ Scan(...any) error }) (*thread.Thread, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	th := &thread.Thread{}
	if err := json.Unmarshal([]byte(data), th); err != nil {
		return nil, err
	}
	return th, nil
}

// GetThread returns the thread with the given ID.
func (s *Store) GetThread(ctx context.Context, id string) (*thread.Thread, error) {
	th, err := scanThread(s.db.QueryRowContext(ctx, `SELECT data FROM threads WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.ThreadNotFound(id)
	}
	if err != nil {
		return nil, errors.E(errors.Op("registry.GetThread"), errors.KindIO, err)
	}
	return th, nil
}

// ListThreads returns threads matching f, pinned first, newest first.
func (s *Store) ListThreads(ctx context.Context, f Filter) ([]*thread.Thread, error) {
	query := `SELECT data FROM threads WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if !f.IncludeArchived {
		query += ` AND archived=0`
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(f.Statuses)-1) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY pinned DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.E(errors.Op("registry.ListThreads"), errors.KindIO, err)
	}
	defer rows.Close()

	out := []*thread.Thread{}
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, errors.E(errors.Op("registry.ListThreads"), errors.KindIO, err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// UpdateThread loads the thread, applies fn to a copy, validates the result
// and writes it back. Nothing is written if fn or validation fails. Calls for
// the same thread are serialized.
func (s *Store) UpdateThread(ctx context.Context, id string, fn func(*thread.Thread) error) (*thread.Thread, error) {
	op := errors.Op("registry.UpdateThread")
	l := s.threadLock(id)
	l.Lock()
	defer l.Unlock()

	current, err := s.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ID != id || next.ProjectID != current.ProjectID {
		return nil, errors.Invalid(op, "thread id and project cannot change")
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	data, err := marshalJSON(next)
	if err != nil {
		return nil, errors.E(op, errors.KindIO, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status=?, pinned=?, archived=?, data=? WHERE id=?`,
		string(next.Status), next.Pinned, next.Archived, data, id)
	if err != nil {
		return nil, errors.E(op, errors.KindIO, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.ThreadNotFound(id)
	}
	return next, nil
}

// DeleteThread removes the thread with its messages and tool calls.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	op := errors.Op("registry.DeleteThread")
	l := s.threadLock(id)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM tool_calls WHERE thread_id=?`,
		`DELETE FROM messages WHERE thread_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return errors.E(op, errors.KindIO, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id=?`, id)
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ThreadNotFound(id)
	}
	if err := tx.Commit(); err != nil {
		return errors.E(op, errors.KindIO, err)
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// ThreadExists reports whether a thread with id is registered.
func (s *Store) ThreadExists(ctx context.Context, id string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id=?`, id).Scan(&one)
	return err == nil
}
