package store

import (
	"fmt"
	"maps"

	"meterdesk/internal/model"
)

// Patch 单字段变更（一次 patchField 调用）
type Patch struct {
	Level    model.Level `json:"level"`
	ID       string      `json:"id"`
	Field    string      `json:"field"`
	OldValue string      `json:"oldValue"`
	NewValue string      `json:"newValue"`
}

// Ref 变更定位
func (p Patch) Ref() model.FieldRef {
	return model.FieldRef{Level: p.Level, ID: p.ID, Field: p.Field}
}

func (p Patch) String() string {
	return fmt.Sprintf("%s %q -> %q", p.Ref().Key(), p.OldValue, p.NewValue)
}

// Plan 工作副本相对快照的全部待保存操作
type Plan struct {
	Deletes []*model.Record `json:"deletes"` // 快照中存在、工作副本中已不存在
	Creates []*model.Record `json:"creates"` // 未持久化记录：sub 在前，随后其 part
	Patches []Patch         `json:"patches"` // main、各 sub、各 part 顺序，字段按 schema 顺序

	// Overrides main 覆盖标记有变化时为新的标记集合
	Overrides        map[string]bool `json:"overrides,omitempty"`
	OverridesChanged bool            `json:"overridesChanged"`
}

// Empty 无待保存内容
func (p *Plan) Empty() bool {
	return p.Size() == 0
}

// Size 操作总数
func (p *Plan) Size() int {
	n := len(p.Deletes) + len(p.Creates) + len(p.Patches)
	if p.OverridesChanged {
		n++
	}
	return n
}

// Diff 计算工作副本与快照的差异
func (s *MemoryStore) Diff() *Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan := &Plan{}
	if s.working == nil || s.persisted == nil {
		return plan
	}

	s.persisted.Walk(func(old *model.Record) {
		if _, ok := s.working.Get(old.ID); ok {
			return
		}
		// 父 sub 一并删除时由后端级联
		if old.Level == model.LevelPart {
			if _, ok := s.working.Get(old.ParentID); !ok {
				return
			}
		}
		plan.Deletes = append(plan.Deletes, old.Clone())
	})

	for _, sub := range s.working.Subs() {
		if !sub.Persisted {
			plan.Creates = append(plan.Creates, sub.Clone())
		}
		for _, part := range s.working.Parts(sub.ID) {
			if !part.Persisted {
				plan.Creates = append(plan.Creates, part.Clone())
			}
		}
	}

	if cur, old := s.working.Main(), s.persisted.Main(); cur != nil && old != nil &&
		!maps.Equal(cur.Overrides, old.Overrides) {
		plan.Overrides = maps.Clone(cur.Overrides)
		plan.OverridesChanged = true
	}

	s.working.Walk(func(cur *model.Record) {
		if !cur.Persisted {
			return
		}
		old, ok := s.persisted.Get(cur.ID)
		if !ok {
			return
		}
		for _, f := range s.reg.ForLevel(cur.Level) {
			oldValue, newValue := old.Get(f.ID), cur.Get(f.ID)
			if oldValue == newValue {
				continue
			}
			plan.Patches = append(plan.Patches, Patch{
				Level:    cur.Level,
				ID:       cur.ID,
				Field:    f.ID,
				OldValue: oldValue,
				NewValue: newValue,
			})
		}
	})
	return plan
}

// Dirty 是否存在未保存修改
func (s *MemoryStore) Dirty() bool {
	return !s.Diff().Empty()
}

// MarkSaved 单字段保存成功后推进快照
func (s *MemoryStore) MarkSaved(p Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.persisted.Get(p.ID); ok {
		rec.Set(p.Field, p.NewValue)
	}
}

// MarkOverridesSaved 覆盖标记保存成功
func (s *MemoryStore) MarkOverridesSaved(overrides map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if main := s.persisted.Main(); main != nil {
		main.Overrides = maps.Clone(overrides)
		if len(main.Overrides) == 0 {
			main.Overrides = nil
		}
	}
}

// MarkCreated 记录创建成功：换成后端 id，并把记录写入快照
func (s *MemoryStore) MarkCreated(tempID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.working.Get(tempID)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrRecordNotFound, tempID)
	}
	s.working.Rekey(tempID, newID)
	rec.Persisted = true

	snap := rec.Clone()
	snap.Children = nil
	return s.persisted.Attach(rec.ParentID, snap)
}

// MarkDeleted 记录删除成功：从快照中移除
func (s *MemoryStore) MarkDeleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted.Detach(id)
}
