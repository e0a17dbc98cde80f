package model

import "time"

type Item struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ClassifyType string `json:"classifyType,omitempty"`
	SortID       int    `json:"sortId,omitempty"`
	Icon         string `json:"icon,omitempty"`
}

type Stage struct {
	Code    string   `json:"code"`
	StageID string   `json:"stageId,omitempty"`
	Zone    string   `json:"zone,omitempty"`
	Drops   []string `json:"drops,omitempty"`
}

type Sidestory struct {
	Name   string    `json:"name"`
	Tip    string    `json:"tip,omitempty"`
	Stages []Stage   `json:"stages"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

func (s Sidestory) Open(now time.Time) bool {
	if !s.Start.IsZero() && now.Before(s.Start) {
		return false
	}
	if !s.End.IsZero() && !now.Before(s.End) {
		return false
	}
	return true
}
