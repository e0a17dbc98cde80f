package notify

import (
	"context"
	"time"

	"maabo/internal/model"
)

type SessionEndedEvent struct {
	SessionID  string           `json:"sessionId"`
	ConfigName string           `json:"configName,omitempty"`
	TaskCount  int              `json:"taskCount"`
	StartedAt  int64            `json:"startedAtMs"`
	EndedAt    int64            `json:"endedAtMs"`
	Reason     model.ExitReason `json:"reason"`
	ExitCode   *int             `json:"exitCode,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (e SessionEndedEvent) Duration() time.Duration {
	if e.EndedAt <= e.StartedAt {
		return 0
	}
	return time.Duration(e.EndedAt-e.StartedAt) * time.Millisecond
}

type Notifier interface {
	NotifySessionEnded(ctx context.Context, evt SessionEndedEvent)
}

// ShouldNotify 异常退出总是通知；正常结束需开启 OnFinish；用户主动停止不通知。
func ShouldNotify(s model.NotifySettings, evt SessionEndedEvent) bool {
	if s.MinRunSeconds > 0 && evt.Duration() < time.Duration(s.MinRunSeconds)*time.Second {
		return false
	}
	switch evt.Reason {
	case model.ExitCrashed:
		return true
	case model.ExitNormal:
		return s.OnFinish
	default:
		return false
	}
}
