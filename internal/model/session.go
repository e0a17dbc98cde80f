package model

import "time"

type SessionState string

const (
	StateIdle     SessionState = "idle"
	StateStarting SessionState = "starting"
	StateRunning  SessionState = "running"
	StateStopping SessionState = "stopping"
)

type ExitReason string

const (
	ExitNormal  ExitReason = "normal"
	ExitCrashed ExitReason = "crashed"
	ExitKilled  ExitReason = "killed"
)

type ExitInfo struct {
	Reason ExitReason `json:"reason"`
	Code   *int       `json:"code,omitempty"`
	Error  string     `json:"error,omitempty"`
}

type Session struct {
	ID        string        `json:"id"`
	PID       int           `json:"pid"`
	State     SessionState  `json:"state"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	Exit      *ExitInfo     `json:"exit,omitempty"`
	Config    *EngineConfig `json:"config,omitempty"`
}

type EngineState struct {
	State         SessionState `json:"state"`
	Session       *Session     `json:"session,omitempty"`
	BinaryLocked  bool         `json:"binaryLocked"`
	LastExit      *ExitInfo    `json:"lastExit,omitempty"`
	LastSessionID string       `json:"lastSessionId,omitempty"`
}

// SessionRecord is the persisted summary of a finished session.
type SessionRecord struct {
	ID         string     `json:"id"`
	ConfigName string     `json:"configName"`
	TaskCount  int        `json:"taskCount"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    time.Time  `json:"endedAt"`
	Reason     ExitReason `json:"reason"`
	ExitCode   *int       `json:"exitCode,omitempty"`
}
