package v1

import (
	"meterdesk/internal/model"
	"meterdesk/internal/schema"
	"meterdesk/internal/service/calculator"
	"meterdesk/internal/service/history"
	"meterdesk/internal/service/session"
	"meterdesk/internal/service/tabular"
)

type recordView struct {
	ID        string            `json:"id"`
	Level     model.Level       `json:"level"`
	ParentID  string            `json:"parentId,omitempty"`
	Role      model.PartRole    `json:"role,omitempty"`
	Persisted bool              `json:"persisted"`
	Values    map[string]string `json:"values"`
	Overrides []string          `json:"overrides,omitempty"`
	Edited    []string          `json:"edited,omitempty"` // 有变更历史的字段
}

type subView struct {
	recordView
	Column string       `json:"column"` // 导出表格中的列名
	Parts  []recordView `json:"parts"`
}

type sessionView struct {
	Session session.Info `json:"session"`
	Main    recordView   `json:"main"`
	Subs    []subView    `json:"subs"`
}

// newSessionView 会话当前工作副本；百分比格式化为 "NN.NN%"
func newSessionView(s *session.Session) sessionView {
	reg := s.Store().Registry()
	h := s.Store().Working()
	overlay := s.Overlay()

	view := sessionView{
		Session: s.Info(),
		Main:    newRecordView(reg, overlay, h.Main()),
		Subs:    []subView{},
	}
	for _, sub := range h.Subs() {
		sv := subView{
			recordView: newRecordView(reg, overlay, sub),
			Column:     tabular.SubHeader(h.SubIndex(sub.ID)),
			Parts:      []recordView{},
		}
		for _, part := range h.Parts(sub.ID) {
			sv.Parts = append(sv.Parts, newRecordView(reg, overlay, part))
		}
		view.Subs = append(view.Subs, sv)
	}
	return view
}

func newRecordView(reg *schema.Registry, overlay *history.Overlay, r *model.Record) recordView {
	v := recordView{
		ID:        r.ID,
		Level:     r.Level,
		ParentID:  r.ParentID,
		Role:      r.Role,
		Persisted: r.Persisted,
		Values:    map[string]string{},
		Edited:    overlay.Fields(r.Level, r.ID),
	}
	for _, f := range reg.ForLevel(r.Level) {
		value := r.Get(f.ID)
		if f.ID == model.FieldSharingPercentage {
			value = calculator.FormatPercent(value)
		}
		v.Values[f.ID] = value
		if r.Overridden(f.ID) {
			v.Overrides = append(v.Overrides, f.ID)
		}
	}
	return v
}

type fieldView struct {
	schema.FieldDefinition
	AppliesTo  []model.Level `json:"appliesTo"`
	ComputedAt []model.Level `json:"computedAt,omitempty"`
}

func newFieldView(f *schema.FieldDefinition) fieldView {
	v := fieldView{FieldDefinition: *f, AppliesTo: []model.Level{}}
	for _, l := range model.Levels {
		if f.AppliesTo.Has(l) {
			v.AppliesTo = append(v.AppliesTo, l)
		}
		if f.ComputedAt.Has(l) {
			v.ComputedAt = append(v.ComputedAt, l)
		}
	}
	return v
}
