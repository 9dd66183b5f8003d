package model

import "time"

// ChangeRecord 字段变更记录（由持久化层追加，核心只读）
type ChangeRecord struct {
	FieldName string    `json:"fieldName"`
	OldValue  string    `json:"oldValue"`
	NewValue  string    `json:"newValue"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Record 客户记录（main / sub / part 共用）
type Record struct {
	ID        string   `json:"id"`
	Level     Level    `json:"level"`
	ParentID  string   `json:"parentId,omitempty"` // sub -> main, part -> sub
	Children  []string `json:"children,omitempty"` // 有序子记录 id
	Role      PartRole `json:"role,omitempty"`     // 仅 part
	Persisted bool     `json:"persisted"`          // 后端是否已存在
	Attrs     Attrs    `json:"attrs"`

	// Overrides main 上处于手工覆盖状态的计算字段
	Overrides map[string]bool `json:"overrides,omitempty"`

	History []ChangeRecord `json:"history,omitempty"`
}

// NewRecord 创建空记录
func NewRecord(id string, level Level, parentID string) *Record {
	return &Record{
		ID:       id,
		Level:    level,
		ParentID: parentID,
		Attrs:    Attrs{},
	}
}

// Name 记录名称（身份字段）
func (r *Record) Name() string {
	return r.Attrs.Get(FieldName)
}

// Get 读取字段
func (r *Record) Get(fieldID string) string {
	return r.Attrs.Get(fieldID)
}

// Set 写入字段
func (r *Record) Set(fieldID, value string) {
	if r.Attrs == nil {
		r.Attrs = Attrs{}
	}
	r.Attrs.Set(fieldID, value)
}

// Overridden main 字段是否处于手工覆盖
func (r *Record) Overridden(fieldID string) bool {
	return r.Overrides[fieldID]
}

// SetOverride 设置/清除覆盖标记
func (r *Record) SetOverride(fieldID string, on bool) {
	if on {
		if r.Overrides == nil {
			r.Overrides = map[string]bool{}
		}
		r.Overrides[fieldID] = true
		return
	}
	delete(r.Overrides, fieldID)
}

// Clone 深拷贝
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Attrs = r.Attrs.Clone()
	out.Children = append([]string(nil), r.Children...)
	if r.Overrides != nil {
		out.Overrides = make(map[string]bool, len(r.Overrides))
		for k, v := range r.Overrides {
			out.Overrides[k] = v
		}
	}
	out.History = append([]ChangeRecord(nil), r.History...)
	return &out
}

// FieldRef 指向某条记录的某个字段
type FieldRef struct {
	Level Level  `json:"level"`
	ID    string `json:"id"`
	Field string `json:"field"`
}

// Key 形如 sub.<id>.acCapacity，供校验错误与界面定位使用
func (f FieldRef) Key() string {
	return string(f.Level) + "." + f.ID + "." + f.Field
}

// 核心字段 id（派生规则依赖）
const (
	FieldName              = "name"
	FieldACCapacity        = "acCapacity"
	FieldDCCapacity        = "dcCapacity"
	FieldDCACRatio         = "dcAcRatio"
	FieldModuleCount       = "moduleCount"
	FieldInverterCount     = "inverterCount"
	FieldSharingPercentage = "sharingPercentage"
	FieldHasSplit          = "hasSplit"
)
