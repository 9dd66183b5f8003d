package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"meterdesk/internal/model"
	"meterdesk/internal/schema"
	"meterdesk/internal/service/calculator"
)

var (
	ErrUnknownField    = errors.New("unknown field")
	ErrNotApplicable   = errors.New("field does not apply to this level")
	ErrComputedField   = errors.New("field is computed")
	ErrInvalidValue    = errors.New("invalid value")
	ErrReadOnlyPart    = errors.New("auto part client is read-only")
	ErrTooManySubs     = errors.New("sub client limit reached")
	ErrConfirmRequired = errors.New("removing a persisted record requires confirmation")
	ErrUnsupported     = errors.New("operation not supported for this level")
	ErrEmpty           = errors.New("no hierarchy loaded")
)

// DefaultMaxSubClients 每个 main 下 sub 数量上限
const DefaultMaxSubClients = 20

// MemoryStore 内存中的客户层级：工作副本 + 上次持久化快照
type MemoryStore struct {
	reg     *schema.Registry
	engine  *calculator.Engine
	maxSubs int

	working   *model.Hierarchy
	persisted *model.Hierarchy
	mu        sync.RWMutex
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(reg *schema.Registry, engine *calculator.Engine, maxSubs int) *MemoryStore {
	if maxSubs <= 0 {
		maxSubs = DefaultMaxSubClients
	}
	return &MemoryStore{
		reg:     reg,
		engine:  engine,
		maxSubs: maxSubs,
	}
}

// Registry 字段注册表
func (s *MemoryStore) Registry() *schema.Registry {
	return s.reg
}

// Load 载入后端数据。快照保持后端原值，工作副本重算派生字段，
// 后端中过期的派生值会在下次保存时被修正。
func (s *MemoryStore) Load(h *model.Hierarchy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h = h.Clone()
	h.Walk(func(r *model.Record) { r.Persisted = true })
	s.persisted = h.Clone()
	s.engine.RecomputeAll(h)
	s.working = h
}

// Restore 用草稿替换工作副本（快照不变）
func (s *MemoryStore) Restore(h *model.Hierarchy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persisted != nil && h.MainID != s.persisted.MainID {
		return fmt.Errorf("draft belongs to main client %s, session holds %s", h.MainID, s.persisted.MainID)
	}
	h = h.Clone()
	s.engine.RecomputeAll(h)
	s.working = h
	if s.persisted == nil {
		s.persisted = model.NewHierarchy(nil)
	}
	return nil
}

// Working 工作副本（深拷贝）
func (s *MemoryStore) Working() *model.Hierarchy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.working.Clone()
}

// Persisted 上次持久化快照（深拷贝）
func (s *MemoryStore) Persisted() *model.Hierarchy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persisted.Clone()
}

// Discard 丢弃全部未保存修改
func (s *MemoryStore) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working = s.persisted.Clone()
	s.engine.RecomputeAll(s.working)
}

// SetField 写入原始字段并执行联动计算，返回被改写的计算字段
func (s *MemoryStore) SetField(level model.Level, id, fieldID, value string) ([]model.FieldRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		return nil, ErrEmpty
	}
	rec, err := s.working.Find(level, id)
	if err != nil {
		return nil, err
	}
	def, ok := s.reg.Lookup(fieldID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, fieldID)
	}
	if !def.AppliesToLevel(level) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotApplicable, fieldID, level)
	}
	if level == model.LevelPart && rec.Role == model.RoleAuto {
		return nil, ErrReadOnlyPart
	}
	if def.IsComputed(level) && !(level == model.LevelMain && def.Overridable) {
		return nil, fmt.Errorf("%w: %s on %s", ErrComputedField, fieldID, level)
	}

	normalized, ok := schema.Normalize(def, value)
	if !ok {
		return nil, fmt.Errorf("%w for %s: %q", ErrInvalidValue, def.Label, value)
	}

	if level == model.LevelSub && fieldID == model.FieldHasSplit {
		return s.toggleLocked(rec, normalized == "yes")
	}

	if def.IsComputed(level) {
		rec.SetOverride(fieldID, true)
	}
	rec.Set(fieldID, normalized)
	ref := model.FieldRef{Level: level, ID: id, Field: fieldID}
	return s.engine.Apply(s.working, ref), nil
}

// ClearOverride main 计算字段退出手工覆盖，恢复自动汇总
func (s *MemoryStore) ClearOverride(fieldID string) ([]model.FieldRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		return nil, ErrEmpty
	}
	def, ok := s.reg.Lookup(fieldID)
	if !ok || !def.Overridable {
		return nil, fmt.Errorf("%w: %s is not overridable", ErrUnknownField, fieldID)
	}
	s.working.Main().SetOverride(fieldID, false)
	return s.engine.RecomputeAll(s.working), nil
}

// AddChild 在 main 下追加 sub。part 只能通过 TogglePartSplit 成对创建。
func (s *MemoryStore) AddChild(parentLevel model.Level, parentID string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		return nil, ErrEmpty
	}
	if parentLevel != model.LevelMain {
		return nil, fmt.Errorf("%w: add child under %s", ErrUnsupported, parentLevel)
	}
	parent, err := s.working.Find(parentLevel, parentID)
	if err != nil {
		return nil, err
	}
	if len(parent.Children) >= s.maxSubs {
		return nil, fmt.Errorf("%w (%d)", ErrTooManySubs, s.maxSubs)
	}

	sub := model.NewRecord(uuid.NewString(), model.LevelSub, parentID)
	s.reg.ApplyDefaults(sub)
	if err := s.working.Attach(parentID, sub); err != nil {
		return nil, err
	}
	s.engine.RecomputeAll(s.working)
	return sub.Clone(), nil
}

// RemoveChild 移除未持久化的 sub（连同其 part）；已持久化的需走确认删除
func (s *MemoryStore) RemoveChild(level model.Level, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		return ErrEmpty
	}
	if level != model.LevelSub {
		return fmt.Errorf("%w: remove %s", ErrUnsupported, level)
	}
	rec, err := s.working.Find(level, id)
	if err != nil {
		return err
	}
	if rec.Persisted {
		return ErrConfirmRequired
	}
	s.working.Detach(id)
	s.engine.RecomputeAll(s.working)
	return nil
}

// ForgetSub 后端删除成功后，从工作副本与快照中同时移除 sub
func (s *MemoryStore) ForgetSub(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		return ErrEmpty
	}
	if _, err := s.working.Find(model.LevelSub, id); err != nil {
		return err
	}
	s.working.Detach(id)
	s.persisted.Detach(id)
	s.engine.RecomputeAll(s.working)
	return nil
}

// TogglePartSplit 开启/关闭 sub 的拆分：part 成对创建、成对销毁
func (s *MemoryStore) TogglePartSplit(subID string, enabled bool) ([]model.FieldRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		return nil, ErrEmpty
	}
	sub, err := s.working.Find(model.LevelSub, subID)
	if err != nil {
		return nil, err
	}
	return s.toggleLocked(sub, enabled)
}

func (s *MemoryStore) toggleLocked(sub *model.Record, enabled bool) ([]model.FieldRef, error) {
	hasPair := len(sub.Children) > 0
	switch {
	case enabled && !hasPair:
		auto := model.NewRecord(uuid.NewString(), model.LevelPart, sub.ID)
		auto.Role = model.RoleAuto
		manual := model.NewRecord(uuid.NewString(), model.LevelPart, sub.ID)
		manual.Role = model.RoleManual
		s.reg.ApplyDefaults(auto)
		s.reg.ApplyDefaults(manual)
		for _, f := range s.reg.ForLevel(model.LevelPart) {
			if f.Identity {
				if v := sub.Get(f.ID); v != "" {
					auto.Set(f.ID, v)
				}
			}
		}
		auto.Set(model.FieldSharingPercentage, "100")
		manual.Set(model.FieldSharingPercentage, "")
		if err := s.working.Attach(sub.ID, auto); err != nil {
			return nil, err
		}
		if err := s.working.Attach(sub.ID, manual); err != nil {
			return nil, err
		}
	case !enabled && hasPair:
		for _, cid := range append([]string(nil), sub.Children...) {
			s.working.Detach(cid)
		}
	}

	flag := "no"
	if enabled {
		flag = "yes"
	}
	sub.Set(model.FieldHasSplit, flag)
	return s.engine.RecomputeAll(s.working), nil
}

// Count sub 数量
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.working == nil {
		return 0
	}
	return len(s.working.Subs())
}

// Mutate 在写锁内直接修改工作副本（导入等批量操作使用），结束后全量重算
func (s *MemoryStore) Mutate(fn func(h *model.Hierarchy) error) ([]model.FieldRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		return nil, ErrEmpty
	}
	draft := s.working.Clone()
	if err := fn(draft); err != nil {
		return nil, err
	}
	s.reconcileSplits(draft)
	s.working = draft
	return s.engine.RecomputeAll(s.working), nil
}

// reconcileSplits 批量写入后让 part 结构与 hasSplit 标记一致
func (s *MemoryStore) reconcileSplits(h *model.Hierarchy) {
	saved := s.working
	s.working = h
	defer func() { s.working = saved }()

	for _, sub := range h.Subs() {
		want := strings.EqualFold(sub.Get(model.FieldHasSplit), "yes")
		if want != (len(sub.Children) > 0) {
			_, _ = s.toggleLocked(sub, want)
		}
	}
}

// MaxSubs sub 数量上限
func (s *MemoryStore) MaxSubs() int {
	return s.maxSubs
}
