package schema

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"meterdesk/internal/model"
)

var (
	numberToken = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)
	nonDigit    = regexp.MustCompile(`\D`)
)

// Normalize 把外部输入转换为字段的存储形式。
// 数值：去掉千分位与单位，支持科学计数法；电话：只保留数字；
// 枚举：按标签或值匹配（忽略大小写）。无法解析时 ok=false。
func Normalize(f *FieldDefinition, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", true
	}
	switch f.Type {
	case TypeNumber:
		return NormalizeNumber(raw)
	case TypePhone:
		digits := nonDigit.ReplaceAllString(raw, "")
		return digits, digits != ""
	case TypeEnum:
		if o, ok := f.OptionFor(raw); ok {
			return o.Value, true
		}
		return "", false
	case TypeEmail:
		return strings.ToLower(raw), true
	}
	return raw, true
}

// MaxExponent 数值指数（含小数位）允许的范围
const MaxExponent = 30

// InRange 指数在 ±MaxExponent 以内
func InRange(d decimal.Decimal) bool {
	exp := d.Exponent()
	return exp >= -MaxExponent && exp <= MaxExponent
}

// NormalizeNumber "1,234.50 kW" -> "1234.5"，"6E+01" -> "60"；指数越界的值不接受
func NormalizeNumber(raw string) (string, bool) {
	cleaned := strings.NewReplacer(",", "", "_", "", " ", "", "\u00a0", "").Replace(raw)
	token := numberToken.FindString(cleaned)
	if token == "" {
		return "", false
	}
	d, err := decimal.NewFromString(token)
	if err != nil || !InRange(d) {
		return "", false
	}
	return d.String(), true
}

// ApplyDefaults 按字段默认值初始化新记录（计算字段除外）
func (r *Registry) ApplyDefaults(rec *model.Record) {
	for _, f := range r.ForLevel(rec.Level) {
		if f.Default != "" && !f.IsComputed(rec.Level) {
			rec.Set(f.ID, f.Default)
		}
	}
}
