package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImportRowsTotal 导入表格的行数，按标签是否匹配到字段统计（matched / skipped）
	ImportRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterdesk_import_rows_total",
		Help: "Tabular import rows by whether the label matched a field",
	}, []string{"result"})

	// ImportCellsTotal 导入表格的单元格，按结果统计（applied / rejected / ignored）
	ImportCellsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterdesk_import_cells_total",
		Help: "Tabular import cells by result",
	}, []string{"result"})

	// SaveTotal 保存次数，按结果统计（ok / partial / invalid / noop）
	SaveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterdesk_save_total",
		Help: "Session saves by result",
	}, []string{"result"})

	// SaveOpsTotal 保存过程中的后端调用，按类型与结果统计
	SaveOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterdesk_save_ops_total",
		Help: "Persistence operations issued during save by kind and result",
	}, []string{"kind", "result"})

	// SaveDuration 保存耗时
	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meterdesk_save_duration_seconds",
		Help:    "Session save duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// OpenSessions 当前打开的编辑会话
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meterdesk_open_sessions",
		Help: "Edit sessions currently open",
	})

	// DraftWritesTotal 草稿写入，按后端与结果统计
	DraftWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterdesk_draft_writes_total",
		Help: "Draft writes by backend and result",
	}, []string{"backend", "result"})
)

// Result 把 error 映射为 ok / error 标签
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
