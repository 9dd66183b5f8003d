package model

import (
	"errors"
	"fmt"
	"sort"
)

// ErrRecordNotFound 记录不存在
var ErrRecordNotFound = errors.New("record not found")

// Hierarchy 一个 main 客户及其 sub / part 记录。
// 记录按 id 存放在 Records 中，父子关系通过 ParentID / Children 维护。
type Hierarchy struct {
	MainID  string             `json:"mainId"`
	Records map[string]*Record `json:"records"`
}

// NewHierarchy 以 main 记录创建层级
func NewHierarchy(main *Record) *Hierarchy {
	h := &Hierarchy{Records: map[string]*Record{}}
	if main != nil {
		main.Level = LevelMain
		h.MainID = main.ID
		h.Records[main.ID] = main
	}
	return h
}

// Main main 记录
func (h *Hierarchy) Main() *Record {
	return h.Records[h.MainID]
}

// Get 按 id 获取记录
func (h *Hierarchy) Get(id string) (*Record, bool) {
	r, ok := h.Records[id]
	return r, ok
}

// Find 按层级 + id 获取记录
func (h *Hierarchy) Find(level Level, id string) (*Record, error) {
	r, ok := h.Records[id]
	if !ok || r.Level != level {
		return nil, fmt.Errorf("%w: %s %s", ErrRecordNotFound, level, id)
	}
	return r, nil
}

// Subs 有序 sub 列表
func (h *Hierarchy) Subs() []*Record {
	main := h.Main()
	if main == nil {
		return nil
	}
	return h.childrenOf(main)
}

// Parts sub 的 part 列表，auto 在前（[auto, manual] 或空）
func (h *Hierarchy) Parts(subID string) []*Record {
	sub, ok := h.Records[subID]
	if !ok {
		return nil
	}
	parts := h.childrenOf(sub)
	SortParts(parts)
	return parts
}

// SortParts 按角色排序：auto、manual，其余保持原顺序
func SortParts(parts []*Record) {
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].Role.rank() < parts[j].Role.rank()
	})
}

// Pair 按角色返回 sub 的 auto / manual part；没有完整配对时 ok=false。
// 两条记录都没有角色时按位置取。
func (h *Hierarchy) Pair(subID string) (auto, manual *Record, ok bool) {
	parts := h.Parts(subID)
	if len(parts) != 2 {
		return nil, nil, false
	}
	if parts[0].Role == "" && parts[1].Role == "" {
		return parts[0], parts[1], true
	}
	if parts[0].Role != RoleAuto || parts[1].Role != RoleManual {
		return nil, nil, false
	}
	return parts[0], parts[1], true
}

func (h *Hierarchy) childrenOf(r *Record) []*Record {
	out := make([]*Record, 0, len(r.Children))
	for _, id := range r.Children {
		if c, ok := h.Records[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// SubIndex sub 在 main 下的位置（从 0 开始），不存在返回 -1
func (h *Hierarchy) SubIndex(subID string) int {
	main := h.Main()
	if main == nil {
		return -1
	}
	for i, id := range main.Children {
		if id == subID {
			return i
		}
	}
	return -1
}

// Attach 挂载子记录到父记录末尾
func (h *Hierarchy) Attach(parentID string, child *Record) error {
	parent, ok := h.Records[parentID]
	if !ok {
		return fmt.Errorf("%w: parent %s", ErrRecordNotFound, parentID)
	}
	child.ParentID = parentID
	h.Records[child.ID] = child
	parent.Children = append(parent.Children, child.ID)
	return nil
}

// Detach 移除记录及其全部后代
func (h *Hierarchy) Detach(id string) []*Record {
	r, ok := h.Records[id]
	if !ok {
		return nil
	}
	removed := []*Record{}
	for _, cid := range r.Children {
		removed = append(removed, h.Detach(cid)...)
	}
	if parent, ok := h.Records[r.ParentID]; ok {
		parent.Children = removeID(parent.Children, id)
	}
	delete(h.Records, id)
	return append(removed, r)
}

// Rekey 将记录 id 从 oldID 改为 newID（后端分配 id 后调用）
func (h *Hierarchy) Rekey(oldID, newID string) {
	if oldID == newID {
		return
	}
	r, ok := h.Records[oldID]
	if !ok {
		return
	}
	delete(h.Records, oldID)
	r.ID = newID
	h.Records[newID] = r
	if h.MainID == oldID {
		h.MainID = newID
	}
	if parent, ok := h.Records[r.ParentID]; ok {
		for i, cid := range parent.Children {
			if cid == oldID {
				parent.Children[i] = newID
			}
		}
	}
	for _, cid := range r.Children {
		if c, ok := h.Records[cid]; ok {
			c.ParentID = newID
		}
	}
}

// Walk 按 main、各 sub、各 sub 的 part 顺序遍历
func (h *Hierarchy) Walk(fn func(r *Record)) {
	main := h.Main()
	if main == nil {
		return
	}
	fn(main)
	subs := h.Subs()
	for _, s := range subs {
		fn(s)
	}
	for _, s := range subs {
		for _, p := range h.Parts(s.ID) {
			fn(p)
		}
	}
}

// Clone 深拷贝
func (h *Hierarchy) Clone() *Hierarchy {
	if h == nil {
		return nil
	}
	out := &Hierarchy{MainID: h.MainID, Records: make(map[string]*Record, len(h.Records))}
	for id, r := range h.Records {
		out.Records[id] = r.Clone()
	}
	return out
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
