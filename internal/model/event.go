package model

type EventKind string

const (
	EventProgress      EventKind = "progress"
	EventTaskCompleted EventKind = "task_completed"
	EventWarning       EventKind = "warning"
	EventError         EventKind = "error"
	EventLog           EventKind = "log"
	EventEngineExited  EventKind = "engine_exited"
)

// StatusEvent is one relayed unit of engine output. Seq is strictly increasing
// within a session starting at 1.
type StatusEvent struct {
	SessionID string         `json:"sessionId"`
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Time      int64          `json:"time"`
}

func (e StatusEvent) Terminal() bool {
	return e.Kind == EventEngineExited
}
