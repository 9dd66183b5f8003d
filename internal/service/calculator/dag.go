package calculator

import "meterdesk/internal/model"

// step 派生计算步骤
type step string

const (
	stepSubRatio       step = "sub.dcAcRatio"
	stepMainCapacity   step = "main.capacity"
	stepMainCounts     step = "main.counts"
	stepMainRatio      step = "main.dcAcRatio"
	stepMainShare      step = "main.sharingPercentage"
	stepSubShares      step = "sub.sharingPercentage"
	stepPartComplement step = "part.sharingPercentage"
)

type trigger struct {
	level model.Level
	field string
}

// Dag 原始字段 -> 需要重算的步骤（按执行顺序）
type Dag struct {
	edges map[trigger][]step
}

// NewDag 创建联动依赖图
func NewDag() *Dag {
	capacity := []step{stepSubRatio, stepMainCapacity, stepMainRatio, stepSubShares}
	counts := []step{stepMainCounts}
	return &Dag{
		edges: map[trigger][]step{
			{model.LevelSub, model.FieldACCapacity}:         capacity,
			{model.LevelSub, model.FieldDCCapacity}:         capacity,
			{model.LevelSub, model.FieldModuleCount}:        counts,
			{model.LevelSub, model.FieldInverterCount}:      counts,
			{model.LevelMain, model.FieldACCapacity}:        {stepMainRatio},
			{model.LevelMain, model.FieldDCCapacity}:        {stepMainRatio},
			{model.LevelPart, model.FieldSharingPercentage}: {stepPartComplement},
		},
	}
}

// Downstream 字段变化后需要执行的步骤；无依赖时返回 nil
func (d *Dag) Downstream(level model.Level, field string) []step {
	return d.edges[trigger{level: level, field: field}]
}

// fullPass 全量重算的步骤顺序
var fullPass = []step{
	stepSubRatio,
	stepMainCapacity,
	stepMainCounts,
	stepMainRatio,
	stepMainShare,
	stepSubShares,
	stepPartComplement,
}
