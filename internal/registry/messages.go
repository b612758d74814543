package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/thread"
)

// DefaultPageSize is used when ListMessages is called without a limit.
const DefaultPageSize = 50

// Page selects a window of a thread's messages. BeforeSeq of zero means the
// newest messages.
type Page struct {
	BeforeSeq int64
	Limit     int
}

// AppendMessage stores m as the thread's next message. ID, Seq and CreatedAt
// are assigned when unset; Seq is always assigned.
func (s *Store) AppendMessage(ctx context.Context, m *thread.Message) error {
	op := errors.Op("registry.AppendMessage")
	if m.Role != thread.RoleUser && m.Role != thread.RoleAssistant {
		return errors.Invalid(op, fmt.Sprintf("unknown role %q", m.Role))
	}
	if m.ID == "" {
		m.ID = thread.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	images, err := marshalJSON(nonNil(m.Images))
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id=?`, m.ThreadID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return errors.ThreadNotFound(m.ThreadID)
		}
		return errors.E(op, errors.KindIO, err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id=?`, m.ThreadID).Scan(&seq); err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages(id, thread_id, seq, role, content, images, model, permission_mode, created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ThreadID, seq, string(m.Role), m.Content, images, m.Model, m.PermissionMode, m.CreatedAt.UnixNano())
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	m.Seq = seq
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetMessage returns one message with its tool calls.
func (s *Store) GetMessage(ctx context.Context, id string) (*thread.Message, error) {
	op := errors.Op("registry.GetMessage")
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, seq, role, content, images, model, permission_mode, created_at FROM messages WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.E(op, errors.KindNotFound, fmt.Sprintf("message %s not found", id))
	}
	if err != nil {
		return nil, errors.E(op, errors.KindIO, err)
	}
	calls, err := s.toolCallsFor(ctx, []string{m.ID})
	if err != nil {
		return nil, errors.E(op, errors.KindIO, err)
	}
	m.ToolCalls = calls[m.ID]
	return m, nil
}

func scanMessage(row interface{ Scan(...any) error }) (*thread.Message, error) {
	var (
		m       thread.Message
		role    string
		images  string
		created int64
	)
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Seq, &role, &m.Content, &images, &m.Model, &m.PermissionMode, &created); err != nil {
		return nil, err
	}
	m.Role = thread.Role(role)
	m.CreatedAt = time.Unix(0, created)
	if err := json.Unmarshal([]byte(images), &m.Images); err != nil {
		return nil, err
	}
	if len(m.Images) == 0 {
		m.Images = nil
	}
	return &m, nil
}

// ListMessages returns up to p.Limit messages older than p.BeforeSeq in
// ascending Seq order, and whether older messages remain.
func (s *Store) ListMessages(ctx context.Context, threadID string, p Page) ([]thread.Message, bool, error) {
	op := errors.Op("registry.ListMessages")
	if !s.ThreadExists(ctx, threadID) {
		return nil, false, errors.ThreadNotFound(threadID)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	before := p.BeforeSeq
	if before <= 0 {
		before = 1<<63 - 1
	}

	// One extra row tells us whether there is an older page.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, seq, role, content, images, model, permission_mode, created_at
		 FROM messages WHERE thread_id=? AND seq<? ORDER BY seq DESC LIMIT ?`,
		threadID, before, limit+1)
	if err != nil {
		return nil, false, errors.E(op, errors.KindIO, err)
	}
	var msgs []thread.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, false, errors.E(op, errors.KindIO, err)
		}
		msgs = append(msgs, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, errors.E(op, errors.KindIO, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	calls, err := s.toolCallsFor(ctx, ids)
	if err != nil {
		return nil, false, errors.E(op, errors.KindIO, err)
	}
	for i := range msgs {
		msgs[i].ToolCalls = calls[msgs[i].ID]
	}
	if msgs == nil {
		msgs = []thread.Message{}
	}
	return msgs, hasMore, nil
}
