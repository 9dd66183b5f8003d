package calculator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"meterdesk/internal/model"
	"meterdesk/internal/schema"
)

var validate = validator.New()

// Validate 保存前校验：必填字段、取值格式与 part 配对结构。
// 只检查已填写名称的 sub；part 只在其 sub 处于拆分状态时检查。返回完整错误表。
func Validate(reg *schema.Registry, h *model.Hierarchy) *model.ValidationResult {
	res := model.NewValidationResult()
	main := h.Main()
	if main == nil {
		res.Add("main", "main client is missing")
		return res
	}

	checkRecord(reg, main, res)

	for _, sub := range h.Subs() {
		if strings.TrimSpace(sub.Name()) == "" {
			continue
		}
		checkRecord(reg, sub, res)
		checkSplit(reg, h, sub, res)
	}
	return res
}

func checkSplit(reg *schema.Registry, h *model.Hierarchy, sub *model.Record, res *model.ValidationResult) {
	parts := h.Parts(sub.ID)
	split := sub.Get(model.FieldHasSplit) == "yes"
	subRef := model.FieldRef{Level: model.LevelSub, ID: sub.ID, Field: "parts"}

	switch {
	case !split && len(parts) == 0:
		return
	case !split:
		res.Add(subRef.Key(), "part clients exist but the split is turned off")
		return
	case len(parts) != 2:
		res.Add(subRef.Key(), fmt.Sprintf("a split needs exactly two part clients, found %d", len(parts)))
		return
	}

	for _, p := range parts {
		checkRecord(reg, p, res)
		v, ok := ParseNumber(p.Get(model.FieldSharingPercentage))
		if ok && (v.IsNegative() || v.GreaterThan(hundred)) {
			ref := model.FieldRef{Level: model.LevelPart, ID: p.ID, Field: model.FieldSharingPercentage}
			res.Add(ref.Key(), "sharing percentage must be between 0 and 100")
		}
	}

	total := SharingTotal(parts...)
	if !total.Equal(hundred) {
		ref := model.FieldRef{Level: model.LevelSub, ID: sub.ID, Field: "parts." + model.FieldSharingPercentage}
		res.Add(ref.Key(), fmt.Sprintf("part sharing percentages must total 100, got %s", total.String()))
	}
}

func checkRecord(reg *schema.Registry, r *model.Record, res *model.ValidationResult) {
	for _, f := range reg.ForLevel(r.Level) {
		if f.IsComputed(r.Level) {
			continue
		}
		ref := model.FieldRef{Level: r.Level, ID: r.ID, Field: f.ID}
		v := strings.TrimSpace(r.Get(f.ID))
		if v == "" {
			if f.Required {
				res.Add(ref.Key(), f.Label+" is required")
			}
			continue
		}
		if msg := checkValue(f, v); msg != "" {
			res.Add(ref.Key(), msg)
		}
	}
}

// checkValue 非空值的格式校验，合法时返回空串
func checkValue(f *schema.FieldDefinition, v string) string {
	switch f.Type {
	case schema.TypeNumber:
		if _, ok := ParseNumber(v); !ok {
			return f.Label + " must be a number"
		}
	case schema.TypeEmail:
		if err := validate.Var(v, "email"); err != nil {
			return f.Label + " must be a valid email address"
		}
	case schema.TypePhone:
		if err := validate.Var(v, "numeric,min=10,max=15"); err != nil {
			return f.Label + " must contain 10 to 15 digits"
		}
	case schema.TypeEnum:
		if _, ok := f.OptionFor(v); !ok {
			return f.Label + " has an unknown option"
		}
	}
	return ""
}
