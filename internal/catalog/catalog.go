package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"maabo/internal/model"
)

const (
	ItemIndexFile = "item_index.json"
	StagesFile    = "stages.json"
	SidestoryFile = "sidestory.json"
)

// Catalog is the read-only reference data the configuration builder checks
// identifiers against.
type Catalog interface {
	Stage(code string) (model.Stage, bool)
	Item(nameOrID string) (model.Item, bool)
	CurrentSidestory(now time.Time) (model.Sidestory, bool)
	Items() []model.Item
	Stages() []model.Stage
}

type Store struct {
	dir string
	log *slog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

type snapshot struct {
	items     map[string]model.Item
	byName    map[string]string
	itemList  []model.Item
	stages    map[string]model.Stage
	stageList []model.Stage
	sidestory *model.Sidestory
}

// Open loads the catalog files from dir. Missing files leave that part of the
// catalog empty; malformed files are an error.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{dir: dir, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory builds a catalog from in-memory data.
func NewMemory(items []model.Item, stages []model.Stage, side *model.Sidestory) *Store {
	return &Store{log: slog.Default(), snap: buildSnapshot(items, stages, side)}
}

func (s *Store) Reload() error {
	if s.dir == "" {
		return errors.New("catalog dir is empty")
	}
	items, err := s.loadItems()
	if err != nil {
		return err
	}
	var stages []model.Stage
	if err := s.loadJSON(StagesFile, &stages); err != nil {
		return err
	}
	var side *model.Sidestory
	var raw model.Sidestory
	if err := s.loadJSON(SidestoryFile, &raw); err != nil {
		return err
	}
	if raw.Name != "" {
		side = &raw
	}

	snap := buildSnapshot(items, stages, side)
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.log.Info("catalog loaded", "dir", s.dir, "items", len(snap.itemList), "stages", len(snap.stageList), "sidestory", raw.Name)
	return nil
}

func (s *Store) loadItems() ([]model.Item, error) {
	var index map[string]model.Item
	if err := s.loadJSON(ItemIndexFile, &index); err != nil {
		return nil, err
	}
	items := make([]model.Item, 0, len(index))
	for id, it := range index {
		it.ID = id
		items = append(items, it)
	}
	return items, nil
}

func (s *Store) loadJSON(name string, v any) error {
	path := filepath.Join(s.dir, name)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warn("catalog file missing", "path", path)
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func buildSnapshot(items []model.Item, stages []model.Stage, side *model.Sidestory) *snapshot {
	snap := &snapshot{
		items:  make(map[string]model.Item, len(items)),
		byName: make(map[string]string, len(items)),
		stages: make(map[string]model.Stage, len(stages)),
	}
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		snap.items[it.ID] = it
		if it.Name != "" {
			snap.byName[it.Name] = it.ID
		}
		snap.itemList = append(snap.itemList, it)
	}
	sort.SliceStable(snap.itemList, func(i, j int) bool {
		a, b := snap.itemList[i], snap.itemList[j]
		if a.SortID != b.SortID {
			return a.SortID < b.SortID
		}
		return a.ID < b.ID
	})
	add := func(st model.Stage) {
		key := normalizeCode(st.Code)
		if key == "" {
			return
		}
		if _, ok := snap.stages[key]; ok {
			return
		}
		snap.stages[key] = st
		snap.stageList = append(snap.stageList, st)
	}
	for _, st := range stages {
		add(st)
	}
	if side != nil {
		cp := *side
		snap.sidestory = &cp
		for _, st := range side.Stages {
			if st.Zone == "" {
				st.Zone = side.Name
			}
			add(st)
		}
	}
	return snap
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Store) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return buildSnapshot(nil, nil, nil)
	}
	return s.snap
}

func (s *Store) Stage(code string) (model.Stage, bool) {
	st, ok := s.current().stages[normalizeCode(code)]
	return st, ok
}

// Item resolves an item by id or by display name.
func (s *Store) Item(nameOrID string) (model.Item, bool) {
	snap := s.current()
	key := strings.TrimSpace(nameOrID)
	if it, ok := snap.items[key]; ok {
		return it, true
	}
	if id, ok := snap.byName[key]; ok {
		return snap.items[id], true
	}
	return model.Item{}, false
}

func (s *Store) CurrentSidestory(now time.Time) (model.Sidestory, bool) {
	snap := s.current()
	if snap.sidestory == nil || !snap.sidestory.Open(now) {
		return model.Sidestory{}, false
	}
	return *snap.sidestory, true
}

func (s *Store) Items() []model.Item {
	return append([]model.Item(nil), s.current().itemList...)
}

func (s *Store) Stages() []model.Stage {
	return append([]model.Stage(nil), s.current().stageList...)
}
