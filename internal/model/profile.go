package model

import "time"

type UserTaskProfile struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Tasks     []TaskEntry `json:"tasks"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (p UserTaskProfile) EnabledTasks() []TaskEntry {
	out := make([]TaskEntry, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}
