package calculator

import (
	"github.com/shopspring/decimal"

	"meterdesk/internal/model"
)

// Engine 派生字段计算引擎：汇总、比值与互补百分比
type Engine struct {
	dag *Dag
}

// NewEngine 创建计算引擎
func NewEngine() *Engine {
	return &Engine{dag: NewDag()}
}

// Apply 某个原始字段变化后执行联动计算，返回被改写的计算字段
func (e *Engine) Apply(h *model.Hierarchy, changed model.FieldRef) []model.FieldRef {
	w := &writer{}
	for _, s := range e.dag.Downstream(changed.Level, changed.Field) {
		e.run(h, s, changed, w)
	}
	return w.touched
}

// RecomputeAll 全量重算（幂等），用于导入、结构变化与草稿恢复之后
func (e *Engine) RecomputeAll(h *model.Hierarchy) []model.FieldRef {
	w := &writer{}
	for _, s := range fullPass {
		e.run(h, s, model.FieldRef{}, w)
	}
	return w.touched
}

func (e *Engine) run(h *model.Hierarchy, s step, changed model.FieldRef, w *writer) {
	main := h.Main()
	if main == nil {
		return
	}
	switch s {
	case stepSubRatio:
		if changed.Level == model.LevelSub {
			if sub, ok := h.Get(changed.ID); ok {
				w.set(sub, model.FieldDCACRatio, ratio(sub.Get(model.FieldDCCapacity), sub.Get(model.FieldACCapacity)))
			}
			return
		}
		for _, sub := range h.Subs() {
			w.set(sub, model.FieldDCACRatio, ratio(sub.Get(model.FieldDCCapacity), sub.Get(model.FieldACCapacity)))
		}
	case stepMainCapacity:
		subs := h.Subs()
		if !main.Overridden(model.FieldACCapacity) {
			w.set(main, model.FieldACCapacity, sumField(subs, model.FieldACCapacity, FormatNumber))
		}
		if !main.Overridden(model.FieldDCCapacity) {
			w.set(main, model.FieldDCCapacity, sumField(subs, model.FieldDCCapacity, Round2))
		}
	case stepMainCounts:
		subs := h.Subs()
		w.set(main, model.FieldModuleCount, sumField(subs, model.FieldModuleCount, FormatNumber))
		w.set(main, model.FieldInverterCount, sumField(subs, model.FieldInverterCount, FormatNumber))
	case stepMainRatio:
		w.set(main, model.FieldDCACRatio, ratio(main.Get(model.FieldDCCapacity), main.Get(model.FieldACCapacity)))
	case stepMainShare:
		w.set(main, model.FieldSharingPercentage, FormatNumber(hundred))
	case stepSubShares:
		// 分母取各 sub 的汇总值；main 处于手工覆盖时也如此，保证 sub 占比之和为 100
		subs := h.Subs()
		total, ok := sum(values(subs, model.FieldACCapacity))
		for _, sub := range subs {
			w.set(sub, model.FieldSharingPercentage, share(sub.Get(model.FieldACCapacity), total, ok))
		}
	case stepPartComplement:
		if changed.Level == model.LevelPart {
			e.complementFrom(h, changed.ID, w)
			return
		}
		for _, sub := range h.Subs() {
			auto, manual, ok := h.Pair(sub.ID)
			if !ok {
				continue
			}
			w.set(auto, model.FieldSharingPercentage, complement(manual.Get(model.FieldSharingPercentage)))
		}
	}
}

// complementFrom 以被编辑的 part 为准，改写同组另一条记录
func (e *Engine) complementFrom(h *model.Hierarchy, partID string, w *writer) {
	part, ok := h.Get(partID)
	if !ok {
		return
	}
	auto, manual, ok := h.Pair(part.ParentID)
	if !ok {
		return
	}
	other := manual
	if part.ID == manual.ID {
		other = auto
	}
	w.set(other, model.FieldSharingPercentage, complement(part.Get(model.FieldSharingPercentage)))
}

// SharingTotal part 组的占比之和（空白按 0 计）
func SharingTotal(parts ...*model.Record) decimal.Decimal {
	total, _ := sum(values(parts, model.FieldSharingPercentage))
	return total
}

func values(records []*model.Record, field string) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Get(field))
	}
	return out
}

func sumField(records []*model.Record, field string, format func(decimal.Decimal) string) string {
	total, ok := sum(values(records, field))
	if !ok {
		return ""
	}
	return format(total)
}

// writer 只在值真正变化时写入，并记录被改写的字段
type writer struct {
	touched []model.FieldRef
}

func (w *writer) set(r *model.Record, field, value string) {
	if r.Get(field) == value {
		return
	}
	r.Set(field, value)
	w.touched = append(w.touched, model.FieldRef{Level: r.Level, ID: r.ID, Field: field})
}
