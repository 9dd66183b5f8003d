package history

import (
	"sort"
	"strings"

	"meterdesk/internal/model"
)

// Overlay 字段变更记录的只读投影：(level, id, field) -> 按时间排序的变更
type Overlay struct {
	entries map[string][]model.ChangeRecord
}

// Build 从层级中各记录携带的 History 建立索引（不修改层级）
func Build(h *model.Hierarchy) *Overlay {
	o := &Overlay{entries: map[string][]model.ChangeRecord{}}
	if h == nil {
		return o
	}
	h.Walk(func(r *model.Record) {
		for _, c := range r.History {
			k := key(r.Level, r.ID, c.FieldName)
			o.entries[k] = append(o.entries[k], c)
		}
	})
	for _, list := range o.entries {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].UpdatedAt.Before(list[j].UpdatedAt)
		})
	}
	return o
}

// For 某字段的变更记录，旧在前；没有记录时返回 nil
func (o *Overlay) For(level model.Level, id, fieldID string) []model.ChangeRecord {
	if o == nil {
		return nil
	}
	list := o.entries[key(level, id, fieldID)]
	if len(list) == 0 {
		return nil
	}
	return append([]model.ChangeRecord(nil), list...)
}

// Latest 最近一次变更
func (o *Overlay) Latest(level model.Level, id, fieldID string) (model.ChangeRecord, bool) {
	list := o.For(level, id, fieldID)
	if len(list) == 0 {
		return model.ChangeRecord{}, false
	}
	return list[len(list)-1], true
}

// Fields 有变更记录的字段（已归一化），用于界面标记
func (o *Overlay) Fields(level model.Level, id string) []string {
	prefix := string(level) + "|" + id + "|"
	var out []string
	for k := range o.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(out)
	return out
}

// Len 有记录的字段数
func (o *Overlay) Len() int {
	return len(o.entries)
}

func key(level model.Level, id, fieldID string) string {
	return string(level) + "|" + id + "|" + normalizeField(fieldID)
}

// normalizeField 逐段小写：变更日志里的字段大小写可能与当前 schema 不同
func normalizeField(fieldID string) string {
	segs := model.SplitPath(strings.TrimSpace(fieldID))
	for i, s := range segs {
		segs[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return strings.Join(segs, ".")
}
