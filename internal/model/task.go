package model

import "time"

type TaskKind string

const (
	TaskStartUp   TaskKind = "startup"
	TaskInfrast   TaskKind = "infrast"
	TaskRecruit   TaskKind = "recruit"
	TaskMall      TaskKind = "mall"
	TaskAward     TaskKind = "award"
	TaskCombat    TaskKind = "combat"
	TaskItemFarm  TaskKind = "item_farm"
	TaskSidestory TaskKind = "sidestory"
	TaskCopilot   TaskKind = "copilot"
)

// TaskEntry is one user-editable task toggle inside a profile. Only the fields
// relevant to Kind are read.
type TaskEntry struct {
	Kind    TaskKind `json:"kind" yaml:"kind"`
	Enabled bool     `json:"enabled" yaml:"enabled"`

	// combat / sidestory / item_farm
	Stage    string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Times    int    `json:"times,omitempty" yaml:"times,omitempty"`
	Medicine int    `json:"medicine,omitempty" yaml:"medicine,omitempty"`
	Stone    int    `json:"stone,omitempty" yaml:"stone,omitempty"`
	Item     string `json:"item,omitempty" yaml:"item,omitempty"`
	Count    int    `json:"count,omitempty" yaml:"count,omitempty"`

	// copilot
	Script    string `json:"script,omitempty" yaml:"script,omitempty"`
	Formation bool   `json:"formation,omitempty" yaml:"formation,omitempty"`

	// startup
	ClientType string `json:"clientType,omitempty" yaml:"clientType,omitempty"`
	Account    string `json:"account,omitempty" yaml:"account,omitempty"`

	// infrast / recruit / mall and anything the engine accepts verbatim
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// TaskDescriptor is a compiled task as the engine reads it from the task file.
type TaskDescriptor struct {
	Kind   TaskKind       `json:"kind" yaml:"-"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

type GlobalOptions struct {
	ConfigDir   string `json:"configDir"`
	ResourceDir string `json:"resourceDir"`
	Profile     string `json:"profile"`
	ClientType  string `json:"clientType,omitempty"`
	Account     string `json:"account,omitempty"`
}

type ConnectionOptions struct {
	Preset  string `json:"preset,omitempty" yaml:"preset,omitempty"`
	AdbPath string `json:"adbPath,omitempty" yaml:"adb_path,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	Config  string `json:"config,omitempty" yaml:"config,omitempty"`
}

type ResourceOptions struct {
	GlobalResource       string `json:"globalResource,omitempty" yaml:"global_resource,omitempty"`
	PlatformDiffResource string `json:"platformDiffResource,omitempty" yaml:"platform_diff_resource,omitempty"`
	UserResource         bool   `json:"userResource,omitempty" yaml:"user_resource,omitempty"`
}

type StaticOptions struct {
	CPUOCR bool `json:"cpuOcr,omitempty" yaml:"cpu_ocr,omitempty"`
	GPUOCR *int `json:"gpuOcr,omitempty" yaml:"gpu_ocr,omitempty"`
}

type InstanceOptions struct {
	TouchMode           string `json:"touchMode,omitempty" yaml:"touch_mode,omitempty"`
	DeploymentWithPause bool   `json:"deploymentWithPause,omitempty" yaml:"deployment_with_pause,omitempty"`
	AdbLiteEnabled      bool   `json:"adbLiteEnabled,omitempty" yaml:"adb_lite_enabled,omitempty"`
	KillAdbOnExit       bool   `json:"killAdbOnExit,omitempty" yaml:"kill_adb_on_exit,omitempty"`
}

// CoreOptions is the engine tuning written to the engine's profile file.
type CoreOptions struct {
	Connection      ConnectionOptions `json:"connection" yaml:"connection"`
	Resource        ResourceOptions   `json:"resource" yaml:"resource"`
	StaticOptions   StaticOptions     `json:"staticOptions" yaml:"static_options"`
	InstanceOptions InstanceOptions   `json:"instanceOptions" yaml:"instance_options"`
}

type EngineConfig struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Tasks        []TaskDescriptor `json:"tasks"`
	Options      GlobalOptions    `json:"options"`
	Core         CoreOptions      `json:"core"`
	ArtifactPath string           `json:"artifactPath,omitempty"`
	ProfilePath  string           `json:"profilePath,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}
