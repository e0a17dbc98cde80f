package taskconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"maabo/internal/catalog"
	"maabo/internal/maacli"
	"maabo/internal/model"
)

var fixedNow = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

func newBuilder(t *testing.T) (*Builder, string) {
	t.Helper()
	root := t.TempDir()
	cat := catalog.NewMemory(
		[]model.Item{{ID: "4001", Name: "龙门币"}, {ID: "30012", Name: "固源岩"}},
		[]model.Stage{{Code: "1-7", Drops: []string{"30012"}}, {Code: "CE-6", Drops: []string{"4001"}}},
		&model.Sidestory{
			Name:   "孤星",
			Start:  fixedNow.Add(-24 * time.Hour),
			End:    fixedNow.Add(24 * time.Hour),
			Stages: []model.Stage{{Code: "CW-7"}, {Code: "CW-8"}},
		},
	)
	b := New(Options{
		Catalog:     cat,
		Layout:      maacli.Layout{ConfigDir: filepath.Join(root, "maa")},
		ResourceDir: filepath.Join(root, "resource"),
		CopilotDir:  filepath.Join(root, "copilot"),
		Now:         func() time.Time { return fixedNow },
	})
	return b, root
}

func kinds(cfg *model.EngineConfig) []model.TaskKind {
	out := make([]model.TaskKind, 0, len(cfg.Tasks))
	for _, d := range cfg.Tasks {
		out = append(out, d.Kind)
	}
	return out
}

func TestOneKeyOrderingIsDeterministic(t *testing.T) {
	b, _ := newBuilder(t)
	combat := model.TaskEntry{Kind: model.TaskCombat, Enabled: true, Stage: "1-7"}
	farm := model.TaskEntry{Kind: model.TaskItemFarm, Enabled: true, Item: "龙门币"}
	startup := model.TaskEntry{Kind: model.TaskStartUp, Enabled: true}
	award := model.TaskEntry{Kind: model.TaskAward, Enabled: true}
	infrast := model.TaskEntry{Kind: model.TaskInfrast, Enabled: true}

	orders := [][]model.TaskEntry{
		{combat, farm, startup, award, infrast},
		{farm, combat, infrast, award, startup},
		{award, farm, startup, combat, infrast},
	}
	want := []model.TaskKind{model.TaskStartUp, model.TaskInfrast, model.TaskAward, model.TaskCombat, model.TaskItemFarm}

	var first *model.EngineConfig
	for _, entries := range orders {
		cfg, err := b.Build(Selection{Mode: ModeOneKey, Entries: entries}, model.CoreOptions{})
		require.NoError(t, err)
		assert.Equal(t, want, kinds(cfg))
		if first == nil {
			first = cfg
			continue
		}
		assert.Equal(t, first.Tasks, cfg.Tasks)
	}

	assert.Equal(t, "Fight", first.Tasks[3].Type)
	assert.Equal(t, "1-7", first.Tasks[3].Params["stage"])
	assert.Equal(t, "Fight", first.Tasks[4].Type)
	assert.Equal(t, "CE-6", first.Tasks[4].Params["stage"])
}

func TestSameKindKeepsUserOrder(t *testing.T) {
	b, _ := newBuilder(t)
	cfg, err := b.Build(Selection{Entries: []model.TaskEntry{
		{Kind: model.TaskCombat, Enabled: true, Stage: "CE-6"},
		{Kind: model.TaskStartUp, Enabled: true},
		{Kind: model.TaskCombat, Enabled: true, Stage: "1-7"},
	}}, model.CoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, "CE-6", cfg.Tasks[1].Params["stage"])
	assert.Equal(t, "1-7", cfg.Tasks[2].Params["stage"])
}

func TestItemFarmDrops(t *testing.T) {
	b, _ := newBuilder(t)
	cfg, err := b.Build(Selection{Entries: []model.TaskEntry{
		{Kind: model.TaskItemFarm, Enabled: true, Item: "30012", Count: 20, Medicine: 1},
	}}, model.CoreOptions{})
	require.NoError(t, err)
	p := cfg.Tasks[0].Params
	assert.Equal(t, "1-7", p["stage"])
	assert.Equal(t, map[string]int{"30012": 20}, p["drops"])
	assert.Equal(t, 1, p["medicine"])
}

func TestUnknownReferences(t *testing.T) {
	b, _ := newBuilder(t)

	_, err := b.Build(Selection{Entries: []model.TaskEntry{{Kind: model.TaskCombat, Enabled: true, Stage: "9-99"}}}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrUnknownReference)

	_, err = b.Build(Selection{Entries: []model.TaskEntry{{Kind: model.TaskItemFarm, Enabled: true, Item: "不存在的材料"}}}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrUnknownReference)

	_, err = b.Build(Selection{Entries: []model.TaskEntry{{Kind: model.TaskSidestory, Enabled: true, Stage: "1-7"}}}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrUnknownReference)
}

func TestSidestory(t *testing.T) {
	b, _ := newBuilder(t)
	cfg, err := b.Build(Selection{Entries: []model.TaskEntry{{Kind: model.TaskSidestory, Enabled: true}}}, model.CoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, "CW-8", cfg.Tasks[0].Params["stage"])

	b.now = func() time.Time { return fixedNow.Add(72 * time.Hour) }
	_, err = b.Build(Selection{Entries: []model.TaskEntry{{Kind: model.TaskSidestory, Enabled: true}}}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrUnknownReference)
}

func TestEmptySelection(t *testing.T) {
	b, _ := newBuilder(t)
	_, err := b.Build(Selection{}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrEmptyTaskList)

	profile := &model.UserTaskProfile{Name: "p", Tasks: []model.TaskEntry{{Kind: model.TaskAward, Enabled: false}}}
	_, err = b.Build(Selection{Profile: profile}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrEmptyTaskList)

	_, err = b.Build(Selection{Mode: ModeCopilot, Entries: []model.TaskEntry{{Kind: model.TaskAward, Enabled: true}}}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrEmptyTaskList)
}

func TestMissingCopilotScript(t *testing.T) {
	b, _ := newBuilder(t)
	cfg, err := b.Build(Selection{Mode: ModeCopilot, Entries: []model.TaskEntry{
		{Kind: model.TaskCopilot, Enabled: true, Script: "maa://12345"},
	}}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrMissingAsset)
	assert.Nil(t, cfg)
	_, statErr := os.Stat(b.layout.TasksDir())
	assert.True(t, os.IsNotExist(statErr))

	_, err = b.ResolveScript("")
	assert.ErrorIs(t, err, model.ErrMissingAsset)
	_, err = b.ResolveScript("maa://../../etc/passwd")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestCopilotBuildAndWrite(t *testing.T) {
	b, root := newBuilder(t)
	script := filepath.Join(root, "copilot", "12345.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(script), 0o755))
	require.NoError(t, os.WriteFile(script, []byte(`{"stage_name":"1-7"}`), 0o644))

	core := model.CoreOptions{Connection: model.ConnectionOptions{Preset: "MuMuPro", Address: "127.0.0.1:16384"}}
	cfg, err := b.Build(Selection{Mode: ModeCopilot, Entries: []model.TaskEntry{
		{Kind: model.TaskCopilot, Enabled: true, Script: "maa://12345", Formation: true},
	}}, core)
	require.NoError(t, err)
	require.Len(t, cfg.Tasks, 1)
	assert.Equal(t, script, cfg.Tasks[0].Params["filename"])
	assert.Equal(t, "maabo", cfg.Name)
	assert.Equal(t, fixedNow, cfg.CreatedAt)

	require.NoError(t, b.Write(cfg))

	raw, err := os.ReadFile(cfg.ArtifactPath)
	require.NoError(t, err)
	var file struct {
		Tasks []struct {
			Type   string         `yaml:"type"`
			Params map[string]any `yaml:"params"`
		} `yaml:"tasks"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &file))
	require.Len(t, file.Tasks, 1)
	assert.Equal(t, "Copilot", file.Tasks[0].Type)
	assert.Equal(t, true, file.Tasks[0].Params["formation"])

	prof, err := os.ReadFile(cfg.ProfilePath)
	require.NoError(t, err)
	assert.Contains(t, string(prof), "127.0.0.1:16384")
}

func TestInvalidInput(t *testing.T) {
	b, _ := newBuilder(t)
	_, err := b.Build(Selection{Entries: []model.TaskEntry{{Kind: "dance", Enabled: true}}}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = b.Build(Selection{Name: "../evil", Entries: []model.TaskEntry{{Kind: model.TaskAward, Enabled: true}}}, model.CoreOptions{})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
