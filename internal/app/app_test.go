package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maabo/internal/catalog"
	"maabo/internal/maacli"
	"maabo/internal/model"
	"maabo/internal/store/sqlite"
	"maabo/internal/taskconfig"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	state   model.EngineState
	started []*model.EngineConfig
	stops   int
	kills   int
}

func (f *fakeSupervisor) Start(_ context.Context, cfg *model.EngineConfig) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.State != model.StateIdle {
		return model.Session{}, model.NewError("engine.Start", model.ErrAlreadyRunning, "")
	}
	f.started = append(f.started, cfg)
	s := model.Session{ID: "s1", PID: 42, State: model.StateRunning, Config: cfg}
	f.state = model.EngineState{State: model.StateRunning, Session: &s}
	return s, nil
}

func (f *fakeSupervisor) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = model.EngineState{State: model.StateIdle}
	return nil
}

func (f *fakeSupervisor) KillAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	f.state = model.EngineState{State: model.StateIdle}
}

func (f *fakeSupervisor) State() model.EngineState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

type fakeUpdater struct {
	mu      sync.Mutex
	checks  int
	ignored []string
	applied []string
}

func (f *fakeUpdater) Check(context.Context) (model.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return model.CheckResult{Status: model.CheckFailed, Error: "offline"}, model.NewError("updater.Check", model.ErrCheckFailed, "offline")
}

func (f *fakeUpdater) Ignore(_ context.Context, v string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored = append(f.ignored, v)
	return nil
}

func (f *fakeUpdater) ApplyAsync(v string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, v)
	return nil
}

func (f *fakeUpdater) State(context.Context) (model.UpdateState, error) {
	return model.UpdateState{Installed: "0.4.0"}, nil
}

func (f *fakeUpdater) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

type fixture struct {
	app    *App
	sup    *fakeSupervisor
	upd    *fakeUpdater
	layout maacli.Layout
	root   string
	quits  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	resDir := filepath.Join(root, "resource")
	require.NoError(t, os.MkdirAll(resDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resDir, catalog.ItemIndexFile), []byte(`{"4001":{"name":"龙门币"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(resDir, catalog.StagesFile), []byte(`[{"code":"1-7"},{"code":"CE-6","drops":["4001"]}]`), 0o644))

	cat, err := catalog.Open(resDir, nil)
	require.NoError(t, err)
	store, err := sqlite.Open(ctx, filepath.Join(root, "maabo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	layout := maacli.Layout{ConfigDir: filepath.Join(root, "maa")}
	f := &fixture{sup: &fakeSupervisor{state: model.EngineState{State: model.StateIdle}}, upd: &fakeUpdater{}, layout: layout, root: root}
	f.app = New(Options{
		Store:   store,
		Catalog: cat,
		Builder: taskconfig.New(taskconfig.Options{
			Catalog:     cat,
			Layout:      layout,
			ResourceDir: resDir,
			CopilotDir:  filepath.Join(root, "copilot"),
		}),
		Layout:     layout,
		Binary:     filepath.Join(root, "bin", "maa"),
		Supervisor: f.sup,
		Updater:    f.upd,
		Version:    "1.0.0",
		OnQuit:     func() { f.quits++ },
	})
	return f
}

func TestInitProcess(t *testing.T) {
	f := newFixture(t)
	res, err := f.app.InitProcess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Version)
	assert.False(t, res.EngineInstalled)
	assert.Equal(t, "0.4.0", res.Update.Installed)
	assert.FileExists(t, f.layout.CLIConfigPath())
	assert.DirExists(t, f.layout.TasksDir())
	require.Eventually(t, func() bool { return f.upd.checkCount() == 1 }, time.Second, 10*time.Millisecond)

	cfg, err := f.app.GetCLIConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, maacli.DefaultCLIConfig(), cfg)
	cfg.Core.Channel = "Beta"
	require.NoError(t, f.app.SaveCLIConfig(context.Background(), cfg))
	cfg, err = f.app.GetCLIConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Beta", cfg.Core.Channel)
}

func TestProfileCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.app.SaveTaskConfig(ctx, model.UserTaskProfile{Name: "daily", Tasks: []model.TaskEntry{{Kind: "bogus"}}})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	saved, err := f.app.SaveTaskConfig(ctx, model.UserTaskProfile{Name: "daily", Tasks: []model.TaskEntry{
		{Kind: model.TaskCombat, Enabled: true, Stage: "1-7"},
		{Kind: model.TaskStartUp, Enabled: true},
	}})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	list, err := f.app.GetUserConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.app.DeleteUserConfig(ctx, "daily"))
	assert.ErrorIs(t, f.app.DeleteUserConfig(ctx, "daily"), model.ErrNotFound)
}

func TestOneKeyBuildsWritesAndStarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.app.SaveCoreConfig(ctx, model.CoreOptions{Connection: model.ConnectionOptions{Address: "127.0.0.1:5555"}}))
	_, err := f.app.SaveTaskConfig(ctx, model.UserTaskProfile{Name: "daily", Tasks: []model.TaskEntry{
		{Kind: model.TaskItemFarm, Enabled: true, Item: "龙门币"},
		{Kind: model.TaskCombat, Enabled: true, Stage: "1-7"},
		{Kind: model.TaskAward, Enabled: true},
	}})
	require.NoError(t, err)

	sess, err := f.app.OneKey(ctx, OneKeyRequest{Profile: "daily"})
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	require.Len(t, f.sup.started, 1)
	cfg := f.sup.started[0]
	kinds := []model.TaskKind{}
	for _, d := range cfg.Tasks {
		kinds = append(kinds, d.Kind)
	}
	assert.Equal(t, []model.TaskKind{model.TaskAward, model.TaskCombat, model.TaskItemFarm}, kinds)
	assert.Equal(t, "127.0.0.1:5555", cfg.Core.Connection.Address)
	assert.FileExists(t, cfg.ArtifactPath)
	assert.FileExists(t, cfg.ProfilePath)

	// 运行中再次启动：不重写任务文件，原会话不受影响
	before, err := os.ReadFile(cfg.ArtifactPath)
	require.NoError(t, err)
	_, err = f.app.OneKey(ctx, OneKeyRequest{Tasks: []model.TaskEntry{{Kind: model.TaskMall, Enabled: true}}})
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)
	after, err := os.ReadFile(cfg.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, f.sup.started, 1)

	require.NoError(t, f.app.Stop(ctx))
	require.NoError(t, f.app.Stop(ctx))
	assert.Equal(t, model.StateIdle, f.app.EngineState().State)
}

func TestOneKeyErrorsBeforeLaunch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.app.OneKey(ctx, OneKeyRequest{Profile: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.app.OneKey(ctx, OneKeyRequest{Tasks: []model.TaskEntry{{Kind: model.TaskCombat, Enabled: true, Stage: "9-99"}}})
	assert.ErrorIs(t, err, model.ErrUnknownReference)

	_, err = f.app.Copilot(ctx, CopilotRequest{Script: "maa://12345"})
	assert.ErrorIs(t, err, model.ErrMissingAsset)
	assert.Empty(t, f.sup.started)

	f.sup.state.BinaryLocked = true
	_, err = f.app.OneKey(ctx, OneKeyRequest{Tasks: []model.TaskEntry{{Kind: model.TaskMall, Enabled: true}}})
	assert.ErrorIs(t, err, model.ErrUpdating)
}

func TestCopilotStarts(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "copilot")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "12345.json"), []byte(`{}`), 0o644))

	_, err := f.app.Copilot(context.Background(), CopilotRequest{Script: "maa://12345", Formation: true})
	require.NoError(t, err)
	require.Len(t, f.sup.started, 1)
	assert.Equal(t, "Copilot", f.sup.started[0].Tasks[0].Type)
}

func TestUpdateCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.app.CheckUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CheckFailed, res.Status)

	require.NoError(t, f.app.IgnoreMaaCLIUpdate(ctx, "0.5.0"))
	require.NoError(t, f.app.MaaCLIUpdateProcess(ctx, "0.5.0"))
	assert.Equal(t, []string{"0.5.0"}, f.upd.ignored)
	assert.Equal(t, []string{"0.5.0"}, f.upd.applied)
}

func TestCatalogCommands(t *testing.T) {
	f := newFixture(t)
	items := f.app.GetItemIndex()
	require.Len(t, items, 1)
	assert.Equal(t, "龙门币", items[0].Name)
	assert.Len(t, f.app.GetFightStages(), 2)
	_, ok := f.app.GetCurrentSidestory(time.Now())
	assert.False(t, ok)
}

func TestQuitKillsOnce(t *testing.T) {
	f := newFixture(t)
	f.app.Quit()
	f.app.Quit()
	assert.Equal(t, 1, f.sup.kills)
	assert.Equal(t, 1, f.quits)
}
