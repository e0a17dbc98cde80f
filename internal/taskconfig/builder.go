package taskconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"maabo/internal/catalog"
	"maabo/internal/maacli"
	"maabo/internal/model"
	"maabo/internal/utils"
)

type Mode string

const (
	ModeOneKey  Mode = "one_key"
	ModeCopilot Mode = "copilot"
)

// Selection is what the user asked to run. Profile tasks come first, then
// Entries; only enabled entries are compiled.
type Selection struct {
	Name    string
	Mode    Mode
	Profile *model.UserTaskProfile
	Entries []model.TaskEntry
}

type Options struct {
	Catalog     catalog.Catalog
	Layout      maacli.Layout
	ResourceDir string
	CopilotDir  string
	TaskName    string
	Profile     string
	Now         func() time.Time
}

type Builder struct {
	catalog     catalog.Catalog
	layout      maacli.Layout
	resourceDir string
	copilotDir  string
	taskName    string
	profile     string
	now         func() time.Time
}

func New(opts Options) *Builder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TaskName == "" {
		opts.TaskName = "maabo"
	}
	if opts.Profile == "" {
		opts.Profile = "default"
	}
	return &Builder{
		catalog:     opts.Catalog,
		layout:      opts.Layout,
		resourceDir: opts.ResourceDir,
		copilotDir:  opts.CopilotDir,
		taskName:    opts.TaskName,
		profile:     opts.Profile,
		now:         opts.Now,
	}
}

// 日常 < 刷图 < 抄作业；同类任务保持用户给出的顺序。
var rank = map[model.TaskKind]int{
	model.TaskStartUp:   0,
	model.TaskInfrast:   1,
	model.TaskRecruit:   2,
	model.TaskMall:      3,
	model.TaskAward:     4,
	model.TaskCombat:    10,
	model.TaskItemFarm:  11,
	model.TaskSidestory: 12,
	model.TaskCopilot:   20,
}

func Rank(kind model.TaskKind) (int, bool) {
	r, ok := rank[kind]
	return r, ok
}

const op = "taskconfig.Build"

// Build compiles a selection into an engine configuration. It performs no
// writes; call Write before handing the result to the supervisor.
func (b *Builder) Build(sel Selection, core model.CoreOptions) (*model.EngineConfig, error) {
	var entries []model.TaskEntry
	if sel.Profile != nil {
		entries = append(entries, sel.Profile.EnabledTasks()...)
	}
	for _, e := range sel.Entries {
		if e.Enabled {
			entries = append(entries, e)
		}
	}
	if sel.Mode == ModeCopilot {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Kind == model.TaskCopilot {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if len(entries) == 0 {
		return nil, model.NewError(op, model.ErrEmptyTaskList, "")
	}
	for _, e := range entries {
		if _, ok := rank[e.Kind]; !ok {
			return nil, model.Errorf(op, model.ErrInvalidInput, "unknown task kind %q", e.Kind)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return rank[entries[i].Kind] < rank[entries[j].Kind]
	})

	opts := model.GlobalOptions{
		ConfigDir:   b.layout.ConfigDir,
		ResourceDir: b.resourceDir,
		Profile:     b.profile,
	}
	tasks := make([]model.TaskDescriptor, 0, len(entries))
	for _, e := range entries {
		d, err := b.describe(e)
		if err != nil {
			return nil, err
		}
		if e.Kind == model.TaskStartUp {
			opts.ClientType = fmt.Sprint(d.Params["client_type"])
			opts.Account = e.Account
		}
		tasks = append(tasks, d)
	}

	name := strings.TrimSpace(sel.Name)
	if name == "" {
		name = b.taskName
	}
	if !safeName.MatchString(name) {
		return nil, model.Errorf(op, model.ErrInvalidInput, "task name %q", name)
	}
	return &model.EngineConfig{
		ID:           uuid.NewString(),
		Name:         name,
		Tasks:        tasks,
		Options:      opts,
		Core:         core,
		ArtifactPath: b.layout.TaskPath(name),
		ProfilePath:  b.layout.ProfilePath(b.profile),
		CreatedAt:    b.now(),
	}, nil
}

var safeName = regexp.MustCompile(`^[0-9A-Za-z_.-]+$`)

func (b *Builder) describe(e model.TaskEntry) (model.TaskDescriptor, error) {
	switch e.Kind {
	case model.TaskStartUp:
		client := firstNonEmpty(e.ClientType, "Official")
		params := merge(map[string]any{
			"enable":             true,
			"client_type":        client,
			"start_game_enabled": true,
		}, e.Params)
		if e.Account != "" {
			params["account_name"] = e.Account
		}
		return model.TaskDescriptor{Kind: e.Kind, Name: "开始唤醒", Type: "StartUp", Params: params}, nil
	case model.TaskInfrast:
		return model.TaskDescriptor{Kind: e.Kind, Name: "基建换班", Type: "Infrast", Params: merge(map[string]any{
			"facility": []string{"Mfg", "Trade", "Control", "Power", "Reception", "Office", "Dorm"},
			"drones":   "Money",
		}, e.Params)}, nil
	case model.TaskRecruit:
		return model.TaskDescriptor{Kind: e.Kind, Name: "自动公招", Type: "Recruit", Params: merge(map[string]any{
			"refresh": true,
			"select":  []int{4},
			"confirm": []int{3, 4},
			"times":   4,
		}, e.Params)}, nil
	case model.TaskMall:
		return model.TaskDescriptor{Kind: e.Kind, Name: "信用收支", Type: "Mall", Params: merge(map[string]any{
			"shopping": true,
		}, e.Params)}, nil
	case model.TaskAward:
		return model.TaskDescriptor{Kind: e.Kind, Name: "领取奖励", Type: "Award", Params: merge(map[string]any{
			"award": true,
		}, e.Params)}, nil
	case model.TaskCombat:
		return b.describeCombat(e)
	case model.TaskItemFarm:
		return b.describeItemFarm(e)
	case model.TaskSidestory:
		return b.describeSidestory(e)
	case model.TaskCopilot:
		path, err := b.ResolveScript(e.Script)
		if err != nil {
			return model.TaskDescriptor{}, err
		}
		return model.TaskDescriptor{Kind: e.Kind, Name: "自动战斗", Type: "Copilot", Params: merge(map[string]any{
			"filename":  path,
			"formation": e.Formation,
		}, e.Params)}, nil
	}
	return model.TaskDescriptor{}, model.Errorf(op, model.ErrInvalidInput, "unknown task kind %q", e.Kind)
}

func (b *Builder) lookupStage(code string) (model.Stage, error) {
	if b.catalog == nil {
		return model.Stage{}, model.Errorf(op, model.ErrUnknownReference, "stage %q: catalog unavailable", code)
	}
	st, ok := b.catalog.Stage(code)
	if !ok {
		return model.Stage{}, model.Errorf(op, model.ErrUnknownReference, "stage %q", code)
	}
	return st, nil
}

func fightParams(e model.TaskEntry, stage string) map[string]any {
	params := map[string]any{"stage": stage}
	if e.Times > 0 {
		params["times"] = e.Times
	}
	if e.Medicine > 0 {
		params["medicine"] = e.Medicine
	}
	if e.Stone > 0 {
		params["stone"] = e.Stone
	}
	return params
}

// 关卡为空时由引擎使用当前/上次关卡。
func (b *Builder) describeCombat(e model.TaskEntry) (model.TaskDescriptor, error) {
	code := strings.TrimSpace(e.Stage)
	if code != "" {
		st, err := b.lookupStage(code)
		if err != nil {
			return model.TaskDescriptor{}, err
		}
		code = st.Code
	}
	return model.TaskDescriptor{
		Kind:   e.Kind,
		Name:   strings.TrimSpace("刷理智 " + code),
		Type:   "Fight",
		Params: merge(fightParams(e, code), e.Params),
	}, nil
}

func (b *Builder) describeItemFarm(e model.TaskEntry) (model.TaskDescriptor, error) {
	if strings.TrimSpace(e.Item) == "" {
		return model.TaskDescriptor{}, model.NewError(op, model.ErrInvalidInput, "item farm requires an item")
	}
	if b.catalog == nil {
		return model.TaskDescriptor{}, model.Errorf(op, model.ErrUnknownReference, "item %q: catalog unavailable", e.Item)
	}
	item, ok := b.catalog.Item(e.Item)
	if !ok {
		return model.TaskDescriptor{}, model.Errorf(op, model.ErrUnknownReference, "item %q", e.Item)
	}

	code := strings.TrimSpace(e.Stage)
	if code != "" {
		st, err := b.lookupStage(code)
		if err != nil {
			return model.TaskDescriptor{}, err
		}
		code = st.Code
	} else {
		code = b.stageDropping(item.ID)
	}

	params := fightParams(e, code)
	if e.Count > 0 {
		params["drops"] = map[string]int{item.ID: e.Count}
	}
	return model.TaskDescriptor{
		Kind:   e.Kind,
		Name:   "刷材料 " + item.Name,
		Type:   "Fight",
		Params: merge(params, e.Params),
	}, nil
}

// stageDropping 返回目录中第一个掉落该材料的关卡，找不到时交给引擎用当前关卡。
func (b *Builder) stageDropping(itemID string) string {
	for _, st := range b.catalog.Stages() {
		for _, d := range st.Drops {
			if d == itemID {
				return st.Code
			}
		}
	}
	return ""
}

func (b *Builder) describeSidestory(e model.TaskEntry) (model.TaskDescriptor, error) {
	if b.catalog == nil {
		return model.TaskDescriptor{}, model.NewError(op, model.ErrUnknownReference, "sidestory: catalog unavailable")
	}
	side, ok := b.catalog.CurrentSidestory(b.now())
	if !ok {
		return model.TaskDescriptor{}, model.NewError(op, model.ErrUnknownReference, "no sidestory is open")
	}
	if len(side.Stages) == 0 {
		return model.TaskDescriptor{}, model.Errorf(op, model.ErrUnknownReference, "sidestory %q has no stages", side.Name)
	}
	code := strings.TrimSpace(e.Stage)
	if code == "" {
		code = side.Stages[len(side.Stages)-1].Code
	}
	found := false
	for _, st := range side.Stages {
		if strings.EqualFold(st.Code, code) {
			code, found = st.Code, true
			break
		}
	}
	if !found {
		return model.TaskDescriptor{}, model.Errorf(op, model.ErrUnknownReference, "stage %q is not in sidestory %q", code, side.Name)
	}
	return model.TaskDescriptor{
		Kind:   e.Kind,
		Name:   "活动关卡 " + code,
		Type:   "Fight",
		Params: merge(fightParams(e, code), e.Params),
	}, nil
}

var copilotID = regexp.MustCompile(`^[0-9A-Za-z_-]+$`)

// ResolveScript maps a copilot reference to an existing file. References are
// a path (relative ones are taken from the copilot dir) or maa://<id>.
func (b *Builder) ResolveScript(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", model.NewError(op, model.ErrMissingAsset, "copilot script not set")
	}
	var path string
	if id, ok := strings.CutPrefix(ref, "maa://"); ok {
		if !copilotID.MatchString(id) {
			return "", model.Errorf(op, model.ErrInvalidInput, "copilot id %q", id)
		}
		path = filepath.Join(b.copilotDir, id+".json")
	} else if filepath.IsAbs(ref) {
		path = ref
	} else {
		path = filepath.Join(b.copilotDir, ref)
	}
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return "", model.Errorf(op, model.ErrMissingAsset, "copilot script %s", path)
	}
	return path, nil
}

type taskFile struct {
	Tasks []model.TaskDescriptor `yaml:"tasks"`
}

// Write serializes the task file and the engine profile, each with an atomic
// temp-then-rename.
func (b *Builder) Write(cfg *model.EngineConfig) error {
	if cfg == nil {
		return model.NewError("taskconfig.Write", model.ErrInvalidInput, "nil config")
	}
	tasks, err := yaml.Marshal(taskFile{Tasks: cfg.Tasks})
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	profile, err := yaml.Marshal(cfg.Core)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := utils.WriteFileAtomic(cfg.ProfilePath, profile, 0o644); err != nil {
		return err
	}
	return utils.WriteFileAtomic(cfg.ArtifactPath, tasks, 0o644)
}

func merge(base, over map[string]any) map[string]any {
	for k, v := range over {
		base[k] = v
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
