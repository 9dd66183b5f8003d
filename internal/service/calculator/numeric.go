package calculator

import (
	"strings"

	"github.com/shopspring/decimal"

	"meterdesk/internal/schema"
)

var hundred = decimal.NewFromInt(100)

// ParseNumber 解析规范化数值字符串；空白或非法返回 ok=false
func ParseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !schema.InRange(d) {
		return decimal.Zero, false
	}
	return d, true
}

// FormatNumber 数值的存储形式（不补尾零）
func FormatNumber(d decimal.Decimal) string {
	return d.String()
}

// Round2 保留两位小数后的存储形式
func Round2(d decimal.Decimal) string {
	return d.Round(2).String()
}

// FormatPercent 展示用百分比："42.86%"，空白保持空白
func FormatPercent(stored string) string {
	d, ok := ParseNumber(stored)
	if !ok {
		return ""
	}
	return d.StringFixed(2) + "%"
}

// ratio 计算 num/den 并保留两位小数；分母为零或任一操作数为空时返回空白
func ratio(num, den string) string {
	n, okN := ParseNumber(num)
	d, okD := ParseNumber(den)
	if !okN || !okD || d.IsZero() {
		return ""
	}
	return Round2(n.Div(d))
}

// share 计算 part/total*100，规则同 ratio
func share(part string, total decimal.Decimal, haveTotal bool) string {
	p, ok := ParseNumber(part)
	if !ok || !haveTotal || total.IsZero() {
		return ""
	}
	return Round2(p.Mul(hundred).Div(total))
}

// complement 100 - v，不做舍入，两者之和恒为 100；v 为空白时视为 0
func complement(v string) string {
	d, ok := ParseNumber(v)
	if !ok {
		return FormatNumber(hundred)
	}
	return FormatNumber(hundred.Sub(d))
}

// sum 汇总一组值，忽略空白；全部为空白时 ok=false
func sum(values []string) (decimal.Decimal, bool) {
	total := decimal.Zero
	found := false
	for _, v := range values {
		d, ok := ParseNumber(v)
		if !ok {
			continue
		}
		total = total.Add(d)
		found = true
	}
	return total, found
}
