package tabular

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"meterdesk/internal/metrics"
	"meterdesk/internal/model"
	"meterdesk/internal/schema"
	"meterdesk/internal/service/calculator"
)

const (
	headerField = "FIELD"
	headerMain  = "MAIN"

	// NotApplicable 字段不适用于该层级时的单元格内容
	NotApplicable = "N/A"
)

// SubHeader 第 i 个 sub 的列头（从 0 开始）：SUB-01, SUB-02 ...
func SubHeader(i int) string {
	return fmt.Sprintf("SUB-%02d", i+1)
}

// Encode 把层级序列化为表格：每个字段一行，每个实体一列
func Encode(reg *schema.Registry, h *model.Hierarchy) [][]string {
	subs := h.Subs()
	header := make([]string, 0, len(subs)+2)
	header = append(header, headerField, headerMain)
	for i := range subs {
		header = append(header, SubHeader(i))
	}

	entities := append([]*model.Record{h.Main()}, subs...)
	rows := [][]string{header}
	for _, f := range reg.Ordered() {
		row := make([]string, 0, len(header))
		row = append(row, f.Label)
		for _, rec := range entities {
			if !f.AppliesToLevel(rec.Level) {
				row = append(row, NotApplicable)
				continue
			}
			row = append(row, rec.Get(f.ID))
		}
		rows = append(rows, row)
	}
	return rows
}

// Options 解析选项
type Options struct {
	// MaxSubs 表格列数超过现有 sub 时最多追加到的 sub 数量，<=0 不限制
	MaxSubs int
}

// DecodeReport 解析结果
type DecodeReport struct {
	Applied        int      `json:"applied"`        // 写入的单元格数
	SkippedRows    []string `json:"skippedRows"`    // 无法匹配字段的行标签
	IgnoredCells   int      `json:"ignoredCells"`   // 计算字段等被忽略的单元格
	Rejected       []string `json:"rejected"`       // 无法解析的值（<level>.<id>.<field>）
	AddedSubs      []string `json:"addedSubs"`      // 按额外列追加的 sub
	DroppedColumns int      `json:"droppedColumns"` // 超出上限被丢弃的列
}

// Decode 把表格写回层级：第 0 列为字段标签，第 1 列为 main，其后依次为各 sub。
// 写入结束后整体重算一次派生字段。
func Decode(reg *schema.Registry, rows [][]string, h *model.Hierarchy, opts Options) *DecodeReport {
	report := &DecodeReport{}
	if len(rows) == 0 || h.Main() == nil {
		return report
	}
	if isHeader(rows[0]) {
		rows = rows[1:]
	}

	entities := columnTargets(reg, rows, h, opts, report)

	for _, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		def, ok := reg.ByLabel(row[0])
		if !ok {
			log.Debug().Str("label", row[0]).Msg("import row matches no field, skipped")
			report.SkippedRows = append(report.SkippedRows, row[0])
			metrics.ImportRowsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		metrics.ImportRowsTotal.WithLabelValues("matched").Inc()

		for col, rec := range entities {
			if rec == nil || col+1 >= len(row) {
				continue
			}
			cell := row[col+1]
			if skipCell(cell) || !def.AppliesToLevel(rec.Level) {
				continue
			}
			if def.IsComputed(rec.Level) {
				report.IgnoredCells++
				metrics.ImportCellsTotal.WithLabelValues("ignored").Inc()
				continue
			}
			value, ok := schema.Normalize(def, cell)
			if !ok && def.Type == schema.TypeEnum && def.Default != "" {
				value, ok = def.Default, true
			}
			if !ok {
				key := model.FieldRef{Level: rec.Level, ID: rec.ID, Field: def.ID}.Key()
				log.Warn().Str("field", key).Str("value", cell).Msg("import value not understood, left unchanged")
				report.Rejected = append(report.Rejected, key)
				metrics.ImportCellsTotal.WithLabelValues("rejected").Inc()
				continue
			}
			rec.Set(def.ID, value)
			report.Applied++
			metrics.ImportCellsTotal.WithLabelValues("applied").Inc()
		}
	}

	calculator.NewEngine().RecomputeAll(h)
	return report
}

// columnTargets 把数据列映射到记录：列 0 为 main，其后为 sub；缺少的 sub 按需追加
func columnTargets(reg *schema.Registry, rows [][]string, h *model.Hierarchy, opts Options, report *DecodeReport) []*model.Record {
	width := 0
	for _, row := range rows {
		if len(row)-1 > width {
			width = len(row) - 1
		}
	}
	if width <= 0 {
		return nil
	}

	main := h.Main()
	subs := h.Subs()
	targets := make([]*model.Record, width)
	targets[0] = main
	for col := 1; col < width; col++ {
		if i := col - 1; i < len(subs) {
			targets[col] = subs[i]
			continue
		}
		if !columnHasData(rows, col+1) {
			continue
		}
		if opts.MaxSubs > 0 && len(main.Children) >= opts.MaxSubs {
			report.DroppedColumns++
			continue
		}
		sub := model.NewRecord(uuid.NewString(), model.LevelSub, main.ID)
		reg.ApplyDefaults(sub)
		if err := h.Attach(main.ID, sub); err != nil {
			continue
		}
		targets[col] = sub
		report.AddedSubs = append(report.AddedSubs, sub.ID)
	}
	if report.DroppedColumns > 0 {
		log.Warn().Int("dropped", report.DroppedColumns).Int("max", opts.MaxSubs).Msg("import has more sub columns than allowed")
	}
	return targets
}

func columnHasData(rows [][]string, idx int) bool {
	for _, row := range rows {
		if idx < len(row) && !skipCell(row[idx]) {
			return true
		}
	}
	return false
}

func isHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}
	first := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(row[0], "\ufeff")))
	if first == headerField {
		return true
	}
	return len(row) > 1 && strings.EqualFold(strings.TrimSpace(row[1]), headerMain)
}

// skipCell 空白、N/A、null 单元格不写入
func skipCell(cell string) bool {
	v := strings.TrimSpace(cell)
	return v == "" || strings.EqualFold(v, NotApplicable) || strings.EqualFold(v, "null")
}
