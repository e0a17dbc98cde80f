package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maabo/internal/catalog"
	"maabo/internal/logbus"
	"maabo/internal/maacli"
	"maabo/internal/model"
	"maabo/internal/taskconfig"
	"maabo/internal/utils"
)

type Store interface {
	ListProfiles(ctx context.Context) ([]model.UserTaskProfile, error)
	GetProfile(ctx context.Context, name string) (model.UserTaskProfile, error)
	SaveProfile(ctx context.Context, p model.UserTaskProfile) (model.UserTaskProfile, error)
	DeleteProfile(ctx context.Context, name string) error
	GetCoreOptions(ctx context.Context) (model.CoreOptions, error)
	SaveCoreOptions(ctx context.Context, v model.CoreOptions) error
	ListSessions(ctx context.Context, limit int) ([]model.SessionRecord, error)
}

type Supervisor interface {
	Start(ctx context.Context, cfg *model.EngineConfig) (model.Session, error)
	Stop(ctx context.Context) error
	KillAll()
	State() model.EngineState
}

type Updater interface {
	Check(ctx context.Context) (model.CheckResult, error)
	Ignore(ctx context.Context, version string) error
	ApplyAsync(version string) error
	State(ctx context.Context) (model.UpdateState, error)
}

// CatalogSource is the reference catalog plus reload.
type CatalogSource interface {
	catalog.Catalog
	Reload() error
}

type Options struct {
	Store      Store
	Catalog    CatalogSource
	Builder    *taskconfig.Builder
	Layout     maacli.Layout
	Binary     string
	Supervisor Supervisor
	Updater    Updater
	Bus        *logbus.Bus
	Logger     *slog.Logger
	Version    string
	// OnQuit 由宿主提供，负责关闭 HTTP 服务并退出进程。
	OnQuit func()
}

// App is the command surface the desktop front end calls into. It owns the
// supervisor and updater handles for the lifetime of the process.
type App struct {
	store      Store
	catalog    CatalogSource
	builder    *taskconfig.Builder
	layout     maacli.Layout
	binary     string
	supervisor Supervisor
	updater    Updater
	bus        *logbus.Bus
	log        *slog.Logger
	version    string
	onQuit     func()

	// startMu 串行化 构建→写入→启动，运行中的任务文件不会被覆盖
	startMu  sync.Mutex
	quitOnce sync.Once
}

func New(opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &App{
		store:      opts.Store,
		catalog:    opts.Catalog,
		builder:    opts.Builder,
		layout:     opts.Layout,
		binary:     opts.Binary,
		supervisor: opts.Supervisor,
		updater:    opts.Updater,
		bus:        opts.Bus,
		log:        opts.Logger,
		version:    opts.Version,
		onQuit:     opts.OnQuit,
	}
}

type InitResult struct {
	Version         string            `json:"version"`
	EngineInstalled bool              `json:"engineInstalled"`
	Engine          model.EngineState `json:"engine"`
	Update          model.UpdateState `json:"update"`
}

// InitProcess 准备 maa-cli 配置目录、重新加载资源目录，并在后台检查一次更新。
func (a *App) InitProcess(ctx context.Context) (InitResult, error) {
	if err := a.layout.Ensure(); err != nil {
		return InitResult{}, err
	}
	if !utils.FileExists(a.layout.CLIConfigPath()) {
		if err := maacli.SaveCLIConfig(a.layout, maacli.DefaultCLIConfig()); err != nil {
			return InitResult{}, err
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Reload(); err != nil {
			a.log.Warn("reload catalog failed", "err", err)
			a.logBus("warn", "资源数据加载失败", map[string]any{"error": err.Error()})
		}
	}

	res := InitResult{
		Version:         a.version,
		EngineInstalled: utils.FileExists(a.binary),
		Engine:          a.supervisor.State(),
	}
	if a.updater != nil {
		st, err := a.updater.State(ctx)
		if err != nil {
			a.log.Warn("load update state failed", "err", err)
		}
		res.Update = st
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_, _ = a.updater.Check(cctx)
		}()
	}
	return res, nil
}

func (a *App) GetCLIConfig(_ context.Context) (maacli.CLIConfig, error) {
	return maacli.LoadCLIConfig(a.layout)
}

func (a *App) SaveCLIConfig(_ context.Context, cfg maacli.CLIConfig) error {
	return maacli.SaveCLIConfig(a.layout, cfg)
}

func (a *App) GetCoreConfig(ctx context.Context) (model.CoreOptions, error) {
	return a.store.GetCoreOptions(ctx)
}

func (a *App) SaveCoreConfig(ctx context.Context, core model.CoreOptions) error {
	return a.store.SaveCoreOptions(ctx, core)
}

func (a *App) GetUserConfigs(ctx context.Context) ([]model.UserTaskProfile, error) {
	return a.store.ListProfiles(ctx)
}

// SaveTaskConfig 校验任务类型后按名称保存。引用的关卡等在运行时才校验，资源可能尚未下载。
func (a *App) SaveTaskConfig(ctx context.Context, p model.UserTaskProfile) (model.UserTaskProfile, error) {
	for i, t := range p.Tasks {
		if _, ok := taskconfig.Rank(t.Kind); !ok {
			return model.UserTaskProfile{}, model.Errorf("app.SaveTaskConfig", model.ErrInvalidInput, "tasks[%d]: unknown kind %q", i, t.Kind)
		}
	}
	return a.store.SaveProfile(ctx, p)
}

func (a *App) DeleteUserConfig(ctx context.Context, name string) error {
	return a.store.DeleteProfile(ctx, name)
}

type OneKeyRequest struct {
	// Profile 已保存配置的名称；为空时只使用 Tasks。
	Profile string            `json:"profile,omitempty"`
	Tasks   []model.TaskEntry `json:"tasks,omitempty"`
}

type CopilotRequest struct {
	Script    string `json:"script"`
	Formation bool   `json:"formation"`
}

// OneKey 构建任务并启动引擎，引擎运行后立即返回，进度通过事件推送。
func (a *App) OneKey(ctx context.Context, req OneKeyRequest) (model.Session, error) {
	sel := taskconfig.Selection{Mode: taskconfig.ModeOneKey, Entries: req.Tasks}
	if name := strings.TrimSpace(req.Profile); name != "" {
		p, err := a.store.GetProfile(ctx, name)
		if err != nil {
			return model.Session{}, err
		}
		sel.Profile = &p
	}
	return a.run(ctx, sel)
}

func (a *App) Copilot(ctx context.Context, req CopilotRequest) (model.Session, error) {
	sel := taskconfig.Selection{
		Mode: taskconfig.ModeCopilot,
		Entries: []model.TaskEntry{{
			Kind:      model.TaskCopilot,
			Enabled:   true,
			Script:    req.Script,
			Formation: req.Formation,
		}},
	}
	return a.run(ctx, sel)
}

func (a *App) run(ctx context.Context, sel taskconfig.Selection) (model.Session, error) {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	st := a.supervisor.State()
	if st.BinaryLocked {
		return model.Session{}, model.NewError("app.run", model.ErrUpdating, "")
	}
	if st.State != model.StateIdle {
		id := ""
		if st.Session != nil {
			id = st.Session.ID
		}
		return model.Session{}, model.NewError("app.run", model.ErrAlreadyRunning, id)
	}

	core, err := a.store.GetCoreOptions(ctx)
	if err != nil {
		return model.Session{}, err
	}
	cfg, err := a.builder.Build(sel, core)
	if err != nil {
		a.logBus("error", "任务配置无效", map[string]any{"error": err.Error()})
		return model.Session{}, err
	}
	if err := a.layout.Ensure(); err != nil {
		return model.Session{}, err
	}
	if err := a.builder.Write(cfg); err != nil {
		return model.Session{}, err
	}
	return a.supervisor.Start(ctx, cfg)
}

func (a *App) Stop(ctx context.Context) error {
	return a.supervisor.Stop(ctx)
}

func (a *App) IgnoreMaaCLIUpdate(ctx context.Context, version string) error {
	return a.updater.Ignore(ctx, version)
}

// MaaCLIUpdateProcess 校验互斥后在后台更新引擎。
func (a *App) MaaCLIUpdateProcess(_ context.Context, version string) error {
	return a.updater.ApplyAsync(version)
}

func (a *App) CheckUpdate(ctx context.Context) (model.CheckResult, error) {
	res, err := a.updater.Check(ctx)
	if errors.Is(err, model.ErrCheckFailed) {
		// 检查失败以结果形式返回给前端
		return res, nil
	}
	return res, err
}

func (a *App) UpdateState(ctx context.Context) (model.UpdateState, error) {
	return a.updater.State(ctx)
}

func (a *App) GetItemIndex() []model.Item {
	if a.catalog == nil {
		return []model.Item{}
	}
	return a.catalog.Items()
}

func (a *App) GetFightStages() []model.Stage {
	if a.catalog == nil {
		return []model.Stage{}
	}
	return a.catalog.Stages()
}

func (a *App) GetCurrentSidestory(now time.Time) (model.Sidestory, bool) {
	if a.catalog == nil {
		return model.Sidestory{}, false
	}
	return a.catalog.CurrentSidestory(now)
}

func (a *App) EngineState() model.EngineState {
	return a.supervisor.State()
}

func (a *App) Sessions(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	return a.store.ListSessions(ctx, limit)
}

// KillAll 无条件结束引擎进程树，退出路径上调用。
func (a *App) KillAll() {
	a.supervisor.KillAll()
}

// Quit 先结束引擎再通知宿主退出，多次调用只生效一次。
func (a *App) Quit() {
	a.quitOnce.Do(func() {
		a.log.Info("quit requested")
		a.supervisor.KillAll()
		if a.onQuit != nil {
			a.onQuit()
		}
	})
}

func (a *App) logBus(level, msg string, fields map[string]any) {
	if a.bus != nil {
		a.bus.Log(level, msg, fields)
	}
}
