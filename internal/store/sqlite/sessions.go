package sqlite

import (
	"context"
	"database/sql"
	"time"

	"maabo/internal/model"
)

func (s *Store) RecordSession(ctx context.Context, rec model.SessionRecord) error {
	var code sql.NullInt64
	if rec.ExitCode != nil {
		code = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, config_name, task_count, started_at, ended_at, reason, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			reason = excluded.reason,
			exit_code = excluded.exit_code
	`, rec.ID, rec.ConfigName, rec.TaskCount, rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(), string(rec.Reason), code)
	return err
}

// ListSessions 按开始时间倒序返回最近的会话。
func (s *Store) ListSessions(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_name, task_count, started_at, ended_at, reason, exit_code
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.SessionRecord, 0)
	for rows.Next() {
		var (
			rec       model.SessionRecord
			reason    string
			startedAt int64
			endedAt   int64
			code      sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.ConfigName, &rec.TaskCount, &startedAt, &endedAt, &reason, &code); err != nil {
			return nil, err
		}
		rec.Reason = model.ExitReason(reason)
		rec.StartedAt = time.UnixMilli(startedAt)
		rec.EndedAt = time.UnixMilli(endedAt)
		if code.Valid {
			c := int(code.Int64)
			rec.ExitCode = &c
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
