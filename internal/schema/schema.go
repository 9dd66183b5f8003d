package schema

import (
	"fmt"
	"strings"

	"meterdesk/internal/model"
)

// ValueType 字段值类型
type ValueType string

const (
	TypeText   ValueType = "text"
	TypeNumber ValueType = "number"
	TypePhone  ValueType = "phone"
	TypeEmail  ValueType = "email"
	TypeEnum   ValueType = "enum"
)

// Option 枚举选项
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// FieldDefinition 字段定义
type FieldDefinition struct {
	ID          string         `json:"id"`    // 点路径
	Label       string         `json:"label"` // 表格行标签
	Type        ValueType      `json:"valueType"`
	AppliesTo   model.LevelSet `json:"-"`
	Required    bool           `json:"required"`
	ComputedAt  model.LevelSet `json:"-"`
	Overridable bool           `json:"overridable"` // main 上的计算字段允许手工覆盖
	Identity    bool           `json:"identity"`    // 开启拆分时复制到 auto part
	Default     string         `json:"defaultValue,omitempty"`
	Options     []Option       `json:"options,omitempty"`
}

// AppliesToLevel 字段是否适用于层级
func (f *FieldDefinition) AppliesToLevel(l model.Level) bool {
	return f.AppliesTo.Has(l)
}

// IsComputed 字段在该层级是否为计算字段
func (f *FieldDefinition) IsComputed(l model.Level) bool {
	return f.ComputedAt.Has(l)
}

// OptionFor 按标签或值匹配枚举选项（忽略大小写）
func (f *FieldDefinition) OptionFor(raw string) (Option, bool) {
	raw = strings.TrimSpace(raw)
	for _, o := range f.Options {
		if strings.EqualFold(o.Value, raw) || strings.EqualFold(o.Label, raw) {
			return o, true
		}
	}
	return Option{}, false
}

// Registry 字段注册表（构造后只读）
type Registry struct {
	fields  []*FieldDefinition
	byID    map[string]*FieldDefinition
	byLabel map[string]*FieldDefinition
}

// NewRegistry 创建注册表；id 或标签重复时报错
func NewRegistry(defs []FieldDefinition) (*Registry, error) {
	r := &Registry{
		byID:    make(map[string]*FieldDefinition, len(defs)),
		byLabel: make(map[string]*FieldDefinition, len(defs)),
	}
	for i := range defs {
		def := defs[i]
		if def.ID == "" {
			return nil, fmt.Errorf("field #%d: empty id", i)
		}
		if def.AppliesTo.Empty() {
			return nil, fmt.Errorf("field %s: applies to no level", def.ID)
		}
		if def.Label == "" {
			def.Label = def.ID
		}
		if _, dup := r.byID[def.ID]; dup {
			return nil, fmt.Errorf("field %s: duplicate id", def.ID)
		}
		labelKey := normalizeLabel(def.Label)
		if _, dup := r.byLabel[labelKey]; dup {
			return nil, fmt.Errorf("field %s: duplicate label %q", def.ID, def.Label)
		}
		r.fields = append(r.fields, &def)
		r.byID[def.ID] = &def
		r.byLabel[labelKey] = &def
	}
	return r, nil
}

// MustRegistry 同 NewRegistry，出错时 panic（用于内置目录）
func MustRegistry(defs []FieldDefinition) *Registry {
	r, err := NewRegistry(defs)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup 按 id 查找
func (r *Registry) Lookup(id string) (*FieldDefinition, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// ByLabel 按表格标签查找（忽略大小写与首尾空白），找不到时再按 id 匹配
func (r *Registry) ByLabel(label string) (*FieldDefinition, bool) {
	key := normalizeLabel(label)
	if key == "" {
		return nil, false
	}
	if f, ok := r.byLabel[key]; ok {
		return f, true
	}
	for _, f := range r.fields {
		if strings.EqualFold(f.ID, key) {
			return f, true
		}
	}
	return nil, false
}

// Fields 全部字段（目录顺序）
func (r *Registry) Fields() []*FieldDefinition {
	return append([]*FieldDefinition(nil), r.fields...)
}

// ForLevel 适用于该层级的字段，name 排在最前
func (r *Registry) ForLevel(l model.Level) []*FieldDefinition {
	out := make([]*FieldDefinition, 0, len(r.fields))
	if f, ok := r.byID[model.FieldName]; ok && f.AppliesToLevel(l) {
		out = append(out, f)
	}
	for _, f := range r.fields {
		if f.ID == model.FieldName || !f.AppliesToLevel(l) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Ordered 全部字段，name 排在最前（表格导出顺序）
func (r *Registry) Ordered() []*FieldDefinition {
	out := make([]*FieldDefinition, 0, len(r.fields))
	if f, ok := r.byID[model.FieldName]; ok {
		out = append(out, f)
	}
	for _, f := range r.fields {
		if f.ID != model.FieldName {
			out = append(out, f)
		}
	}
	return out
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
