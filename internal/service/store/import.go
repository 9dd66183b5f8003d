package store

import (
	"meterdesk/internal/model"
	"meterdesk/internal/service/tabular"
)

// ImportTable 把表格写入工作副本；part 结构按 hasSplit 调整后整体重算
func (s *MemoryStore) ImportTable(rows [][]string) (*tabular.DecodeReport, error) {
	var report *tabular.DecodeReport
	_, err := s.Mutate(func(h *model.Hierarchy) error {
		report = tabular.Decode(s.reg, rows, h, tabular.Options{MaxSubs: s.maxSubs})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ExportTable 工作副本的表格形式
func (s *MemoryStore) ExportTable() [][]string {
	return tabular.Encode(s.reg, s.Working())
}
