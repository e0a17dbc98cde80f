package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestOpenAndLookups(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ItemIndexFile, `{
		"4001": {"name": "龙门币", "classifyType": "NORMAL", "sortId": 3},
		"2001": {"name": "基础作战记录", "sortId": 1}
	}`)
	writeFile(t, dir, StagesFile, `[
		{"code": "1-7", "stageId": "main_01-07", "zone": "main_1", "drops": ["30012"]},
		{"code": "CE-6", "zone": "weekly"}
	]`)
	writeFile(t, dir, SidestoryFile, `{
		"name": "孤星",
		"start": "2024-01-01T00:00:00Z",
		"end": "2024-02-01T00:00:00Z",
		"stages": [{"code": "CW-8"}]
	}`)

	s, err := Open(dir, nil)
	require.NoError(t, err)

	st, ok := s.Stage(" ce-6 ")
	require.True(t, ok)
	assert.Equal(t, "CE-6", st.Code)

	st, ok = s.Stage("CW-8")
	require.True(t, ok)
	assert.Equal(t, "孤星", st.Zone)

	_, ok = s.Stage("9-99")
	assert.False(t, ok)

	it, ok := s.Item("龙门币")
	require.True(t, ok)
	assert.Equal(t, "4001", it.ID)
	it, ok = s.Item("2001")
	require.True(t, ok)
	assert.Equal(t, "基础作战记录", it.Name)

	items := s.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "2001", items[0].ID)
	assert.Len(t, s.Stages(), 3)

	side, ok := s.CurrentSidestory(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "孤星", side.Name)
	_, ok = s.CurrentSidestory(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestOpenMissingFilesIsEmpty(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, s.Items())
	assert.Empty(t, s.Stages())
	_, ok := s.CurrentSidestory(time.Now())
	assert.False(t, ok)
}

func TestOpenMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, StagesFile, `{not json`)
	_, err := Open(dir, nil)
	assert.ErrorContains(t, err, StagesFile)
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	_, ok := s.Stage("1-7")
	assert.False(t, ok)

	writeFile(t, dir, StagesFile, `[{"code": "1-7"}]`)
	require.NoError(t, s.Reload())
	_, ok = s.Stage("1-7")
	assert.True(t, ok)
}
