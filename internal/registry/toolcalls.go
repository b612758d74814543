package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/thread"
)

// AppendToolCall attaches tc to its message. ID, Kind and CreatedAt are filled
// in when unset; Seq is assigned in message order.
func (s *Store) AppendToolCall(ctx context.Context, tc *thread.ToolCall) error {
	op := errors.Op("registry.AppendToolCall")
	if tc.Name == "" {
		return errors.Invalid(op, "tool call requires a name")
	}
	if tc.ID == "" {
		tc.ID = thread.NewID()
	}
	if tc.Kind == "" {
		tc.Kind = thread.KindOf(tc.Name)
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	defer tx.Rollback()

	var threadID string
	err = tx.QueryRowContext(ctx, `SELECT thread_id FROM messages WHERE id=?`, tc.MessageID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return errors.E(op, errors.KindNotFound, fmt.Sprintf("message %s not found", tc.MessageID))
	}
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM tool_calls WHERE message_id=?`, tc.MessageID).Scan(&seq); err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tool_calls(id, message_id, thread_id, seq, name, input, output, kind, created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		tc.ID, tc.MessageID, threadID, seq, tc.Name, string(tc.Input), tc.Output, string(tc.Kind), tc.CreatedAt.UnixNano())
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	tc.Seq = seq
	return nil
}

// SetToolCallOutput records the output of a tool call. The first output wins;
// later calls for the same tool call are ignored and report false.
func (s *Store) SetToolCallOutput(ctx context.Context, id, output string) (bool, error) {
	op := errors.Op("registry.SetToolCallOutput")
	res, err := s.db.ExecContext(ctx, `UPDATE tool_calls SET output=? WHERE id=? AND output IS NULL`, output, id)
	if err != nil {
		return false, errors.E(op, errors.KindIO, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.GetToolCall(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// GetToolCall returns a single tool call.
func (s *Store) GetToolCall(ctx context.Context, id string) (*thread.ToolCall, error) {
	op := errors.Op("registry.GetToolCall")
	tc, err := scanToolCall(s.db.QueryRowContext(ctx,
		`SELECT id, message_id, seq, name, input, output, kind, created_at FROM tool_calls WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.E(op, errors.KindNotFound, fmt.Sprintf("tool call %s not found", id))
	}
	if err != nil {
		return nil, errors.E(op, errors.KindIO, err)
	}
	return tc, nil
}

// PendingInteractiveCall returns the newest question or plan tool call of the
// thread that has no output yet, or nil.
func (s *Store) PendingInteractiveCall(ctx context.Context, threadID string) (*thread.ToolCall, error) {
	tc, err := scanToolCall(s.db.QueryRowContext(ctx,
		`SELECT id, message_id, seq, name, input, output, kind, created_at FROM tool_calls
		 WHERE thread_id=? AND output IS NULL AND kind IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		threadID, string(thread.KindQuestion), string(thread.KindPlan)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(errors.Op("registry.PendingInteractiveCall"), errors.KindIO, err)
	}
	return tc, nil
}

func scanToolCall(row interface{ Scan(...any) error }) (*thread.ToolCall, error) {
	var (
		tc      thread.ToolCall
		input   string
		output  sql.NullString
		kind    string
		created int64
	)
	if err := row.Scan(&tc.ID, &tc.MessageID, &tc.Seq, &tc.Name, &input, &output, &kind, &created); err != nil {
		return nil, err
	}
	if input != "" {
		tc.Input = []byte(input)
	}
	if output.Valid {
		out := output.String
		tc.Output = &out
	}
	tc.Kind = thread.ToolKind(kind)
	tc.CreatedAt = time.Unix(0, created)
	return &tc, nil
}

func (s *Store) toolCallsFor(ctx context.Context, messageIDs []string) (map[string][]thread.ToolCall, error) {
	out := make(map[string][]thread.ToolCall)
	if len(messageIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, seq, name, input, output, kind, created_at FROM tool_calls
		 WHERE message_id IN (`+placeholders+`) ORDER BY message_id, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		out[tc.MessageID] = append(out[tc.MessageID], *tc)
	}
	return out, rows.Err()
}
