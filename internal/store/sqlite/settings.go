package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"maabo/internal/model"
)

const (
	emailSettingsKey  = "email_settings"
	notifySettingsKey = "notify_settings"
	updateStateKey    = "update_state"
	coreOptionsKey    = "core_options"
)

// getJSON 读取 key 对应的设置并解码到 out，不存在时返回 false。
func (s *Store) getJSON(ctx context.Context, key string, out any) (bool, error) {
	var valueJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT value_json FROM settings WHERE key = ?
	`, key).Scan(&valueJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(valueJSON), out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at
	`, key, string(b), time.Now().UnixMilli())
	return err
}

func (s *Store) GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error) {
	var out model.EmailSettings
	ok, err := s.getJSON(ctx, emailSettingsKey, &out)
	if err != nil {
		return model.EmailSettings{}, false, err
	}
	return out, ok, nil
}

func (s *Store) UpsertEmailSettings(ctx context.Context, v model.EmailSettings) (model.EmailSettings, error) {
	if err := s.putJSON(ctx, emailSettingsKey, v); err != nil {
		return model.EmailSettings{}, err
	}
	return v, nil
}

func (s *Store) GetNotifySettings(ctx context.Context) (model.NotifySettings, error) {
	var out model.NotifySettings
	if _, err := s.getJSON(ctx, notifySettingsKey, &out); err != nil {
		return model.NotifySettings{}, err
	}
	return out, nil
}

func (s *Store) UpsertNotifySettings(ctx context.Context, v model.NotifySettings) (model.NotifySettings, error) {
	if v.MinRunSeconds < 0 {
		v.MinRunSeconds = 0
	}
	if err := s.putJSON(ctx, notifySettingsKey, v); err != nil {
		return model.NotifySettings{}, err
	}
	return v, nil
}

func (s *Store) GetUpdateState(ctx context.Context) (model.UpdateState, error) {
	var out model.UpdateState
	if _, err := s.getJSON(ctx, updateStateKey, &out); err != nil {
		return model.UpdateState{}, err
	}
	if out.Ignored == nil {
		out.Ignored = []string{}
	}
	return out, nil
}

func (s *Store) SaveUpdateState(ctx context.Context, st model.UpdateState) error {
	return s.putJSON(ctx, updateStateKey, st)
}

func (s *Store) GetCoreOptions(ctx context.Context) (model.CoreOptions, error) {
	var out model.CoreOptions
	if _, err := s.getJSON(ctx, coreOptionsKey, &out); err != nil {
		return model.CoreOptions{}, err
	}
	return out, nil
}

func (s *Store) SaveCoreOptions(ctx context.Context, v model.CoreOptions) error {
	return s.putJSON(ctx, coreOptionsKey, v)
}
