package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"maabo/internal/model"
)

type profileRow interface {
	Scan(dest ...any) error
}

func scanProfile(r profileRow) (model.UserTaskProfile, error) {
	var row struct {
		id        string
		name      string
		tasks     string
		createdAt int64
		updatedAt int64
	}
	if err := r.Scan(&row.id, &row.name, &row.tasks, &row.createdAt, &row.updatedAt); err != nil {
		return model.UserTaskProfile{}, err
	}
	var tasks []model.TaskEntry
	if err := json.Unmarshal([]byte(row.tasks), &tasks); err != nil {
		return model.UserTaskProfile{}, err
	}
	if tasks == nil {
		tasks = []model.TaskEntry{}
	}
	return model.UserTaskProfile{
		ID:        row.id,
		Name:      row.name,
		Tasks:     tasks,
		CreatedAt: time.UnixMilli(row.createdAt),
		UpdatedAt: time.UnixMilli(row.updatedAt),
	}, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]model.UserTaskProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, tasks_json, created_at, updated_at
		FROM profiles ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.UserTaskProfile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, name string) (model.UserTaskProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `
		SELECT id, name, tasks_json, created_at, updated_at
		FROM profiles WHERE name = ?
	`, strings.TrimSpace(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.UserTaskProfile{}, model.Errorf("store.GetProfile", model.ErrNotFound, "profile %q", name)
	}
	return p, err
}

// SaveProfile 按名称 upsert，首次保存时分配 ulid。
func (s *Store) SaveProfile(ctx context.Context, p model.UserTaskProfile) (model.UserTaskProfile, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return model.UserTaskProfile{}, model.NewError("store.SaveProfile", model.ErrInvalidInput, "name is required")
	}
	if p.Tasks == nil {
		p.Tasks = []model.TaskEntry{}
	}
	tasksJSON, err := json.Marshal(p.Tasks)
	if err != nil {
		return model.UserTaskProfile{}, err
	}
	now := time.Now()
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, tasks_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			tasks_json = excluded.tasks_json,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, string(tasksJSON), p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return model.UserTaskProfile{}, err
	}
	return s.GetProfile(ctx, p.Name)
}

func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.Errorf("store.DeleteProfile", model.ErrNotFound, "profile %q", name)
	}
	return nil
}
