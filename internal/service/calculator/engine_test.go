package calculator

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterdesk/internal/model"
)

// 创建测试用层级：main + 若干 sub（给定 AC 容量）
func createTestHierarchy(t *testing.T, acCapacities ...string) *model.Hierarchy {
	t.Helper()
	h := model.NewHierarchy(model.NewRecord("m1", model.LevelMain, ""))
	for i, ac := range acCapacities {
		sub := model.NewRecord(fmt.Sprintf("s%d", i+1), model.LevelSub, "")
		sub.Set(model.FieldName, fmt.Sprintf("Unit %d", i+1))
		sub.Set(model.FieldACCapacity, ac)
		require.NoError(t, h.Attach("m1", sub))
	}
	return h
}

func setAndApply(e *Engine, h *model.Hierarchy, level model.Level, id, field, value string) []model.FieldRef {
	r, _ := h.Get(id)
	r.Set(field, value)
	return e.Apply(h, model.FieldRef{Level: level, ID: id, Field: field})
}

func TestSubCapacityEditRedistributesShares(t *testing.T) {
	e := NewEngine()
	h := createTestHierarchy(t, "60", "40")
	e.RecomputeAll(h)

	main := h.Main()
	s1, _ := h.Get("s1")
	s2, _ := h.Get("s2")
	assert.Equal(t, "100", main.Get(model.FieldACCapacity))
	assert.Equal(t, "60.00%", FormatPercent(s1.Get(model.FieldSharingPercentage)))
	assert.Equal(t, "40.00%", FormatPercent(s2.Get(model.FieldSharingPercentage)))
	assert.Equal(t, "100", main.Get(model.FieldSharingPercentage))

	touched := setAndApply(e, h, model.LevelSub, "s1", model.FieldACCapacity, "30")

	assert.Equal(t, "70", main.Get(model.FieldACCapacity))
	assert.Equal(t, "42.86", s1.Get(model.FieldSharingPercentage))
	assert.Equal(t, "57.14", s2.Get(model.FieldSharingPercentage))
	assert.Contains(t, touched, model.FieldRef{Level: model.LevelSub, ID: "s2", Field: model.FieldSharingPercentage},
		"the sibling share changes because the denominator changed")
}

func TestAggregationHoldsAfterEveryEdit(t *testing.T) {
	e := NewEngine()
	h := createTestHierarchy(t, "10", "20", "30", "40")
	e.RecomputeAll(h)

	rng := rand.New(rand.NewSource(7))
	ids := []string{"s1", "s2", "s3", "s4"}
	for i := 0; i < 200; i++ {
		id := ids[rng.Intn(len(ids))]
		value := fmt.Sprintf("%d.%02d", rng.Intn(500), rng.Intn(100))
		setAndApply(e, h, model.LevelSub, id, model.FieldACCapacity, value)

		want, _ := sum(values(h.Subs(), model.FieldACCapacity))
		got, ok := ParseNumber(h.Main().Get(model.FieldACCapacity))
		require.True(t, ok)
		require.True(t, want.Equal(got), "edit %d: main=%s sum=%s", i, got, want)

		shares, _ := sum(values(h.Subs(), model.FieldSharingPercentage))
		diff, _ := shares.Sub(hundred).Abs().Float64()
		require.LessOrEqual(t, diff, 0.05, "edit %d: shares total %s", i, shares)
	}
}

func TestDivisionByZeroYieldsBlank(t *testing.T) {
	e := NewEngine()
	h := createTestHierarchy(t, "0", "0")
	for _, sub := range h.Subs() {
		sub.Set(model.FieldDCCapacity, "0")
	}
	e.RecomputeAll(h)

	main := h.Main()
	assert.Equal(t, "0", main.Get(model.FieldACCapacity))
	assert.Equal(t, "", main.Get(model.FieldDCACRatio))
	for _, sub := range h.Subs() {
		assert.Equal(t, "", sub.Get(model.FieldSharingPercentage), sub.ID)
		assert.Equal(t, "", sub.Get(model.FieldDCACRatio), sub.ID)
	}
	assert.Equal(t, "", FormatPercent(""))
}

func TestDCRatioRoundsToTwoDecimals(t *testing.T) {
	e := NewEngine()
	h := createTestHierarchy(t, "30", "70")
	setAndApply(e, h, model.LevelSub, "s1", model.FieldDCCapacity, "40.005")
	setAndApply(e, h, model.LevelSub, "s2", model.FieldDCCapacity, "91")

	s1, _ := h.Get("s1")
	assert.Equal(t, "1.33", s1.Get(model.FieldDCACRatio))
	assert.Equal(t, "131.01", h.Main().Get(model.FieldDCCapacity))
	assert.Equal(t, "1.31", h.Main().Get(model.FieldDCACRatio))
}

func TestCountEditsOnlyTouchMainCounts(t *testing.T) {
	e := NewEngine()
	h := createTestHierarchy(t, "60", "40")
	e.RecomputeAll(h)

	setAndApply(e, h, model.LevelSub, "s1", model.FieldModuleCount, "120")
	touched := setAndApply(e, h, model.LevelSub, "s2", model.FieldModuleCount, "80")

	assert.Equal(t, "200", h.Main().Get(model.FieldModuleCount))
	assert.Equal(t, []model.FieldRef{{Level: model.LevelMain, ID: "m1", Field: model.FieldModuleCount}}, touched)
}

func TestMainOverrideSurvivesChildEditsUntilCleared(t *testing.T) {
	e := NewEngine()
	h := createTestHierarchy(t, "60", "40")
	e.RecomputeAll(h)
	main := h.Main()
	main.Set(model.FieldDCCapacity, "150")

	main.SetOverride(model.FieldACCapacity, true)
	setAndApply(e, h, model.LevelMain, "m1", model.FieldACCapacity, "120")
	assert.Equal(t, "1.25", main.Get(model.FieldDCACRatio))

	setAndApply(e, h, model.LevelSub, "s1", model.FieldACCapacity, "30")
	assert.Equal(t, "120", main.Get(model.FieldACCapacity), "override is kept")
	s1, _ := h.Get("s1")
	assert.Equal(t, "42.86", s1.Get(model.FieldSharingPercentage), "shares still use the child total")

	main.SetOverride(model.FieldACCapacity, false)
	e.RecomputeAll(h)
	assert.Equal(t, "70", main.Get(model.FieldACCapacity))
}

func TestPartShareComplementBothDirections(t *testing.T) {
	e := NewEngine()
	h := createTestHierarchy(t, "50")
	auto := model.NewRecord("p1", model.LevelPart, "")
	auto.Role = model.RoleAuto
	auto.Set(model.FieldSharingPercentage, "100")
	manual := model.NewRecord("p2", model.LevelPart, "")
	manual.Role = model.RoleManual
	require.NoError(t, h.Attach("s1", auto))
	require.NoError(t, h.Attach("s1", manual))

	setAndApply(e, h, model.LevelPart, "p2", model.FieldSharingPercentage, "35")
	assert.Equal(t, "65", auto.Get(model.FieldSharingPercentage))

	setAndApply(e, h, model.LevelPart, "p1", model.FieldSharingPercentage, "80.5")
	assert.Equal(t, "19.5", manual.Get(model.FieldSharingPercentage))

	setAndApply(e, h, model.LevelPart, "p2", model.FieldSharingPercentage, "")
	assert.Equal(t, "100", auto.Get(model.FieldSharingPercentage))
	assert.True(t, SharingTotal(auto, manual).Equal(hundred))

	s1, _ := h.Get("s1")
	assert.Equal(t, "", s1.Get(model.FieldSharingPercentage), "part edits do not feed back upwards")
}

func TestPartShareComplementKeepsPrecision(t *testing.T) {
	e := NewEngine()
	h := createTestHierarchy(t, "50")
	auto := model.NewRecord("p1", model.LevelPart, "")
	auto.Role = model.RoleAuto
	manual := model.NewRecord("p2", model.LevelPart, "")
	manual.Role = model.RoleManual
	require.NoError(t, h.Attach("s1", auto))
	require.NoError(t, h.Attach("s1", manual))

	for _, v := range []string{"33.333", "0.0001", "66.6666667", "12.5"} {
		setAndApply(e, h, model.LevelPart, "p2", model.FieldSharingPercentage, v)
		assert.True(t, SharingTotal(auto, manual).Equal(hundred), "manual %s gives auto %s", v, auto.Get(model.FieldSharingPercentage))
	}
	setAndApply(e, h, model.LevelPart, "p2", model.FieldSharingPercentage, "33.333")
	assert.Equal(t, "66.667", auto.Get(model.FieldSharingPercentage))

	setAndApply(e, h, model.LevelPart, "p1", model.FieldSharingPercentage, "12.3456")
	assert.Equal(t, "87.6544", manual.Get(model.FieldSharingPercentage))
	assert.Equal(t, "12.35%", FormatPercent(auto.Get(model.FieldSharingPercentage)))

	e.RecomputeAll(h)
	assert.True(t, SharingTotal(auto, manual).Equal(hundred))
}

func TestParseNumberRejectsOutOfRangeExponent(t *testing.T) {
	_, ok := ParseNumber("1e999999999")
	assert.False(t, ok)
	d, ok := ParseNumber("1.5e6")
	require.True(t, ok)
	assert.Equal(t, "1500000", FormatNumber(d))
}

func TestRecomputeAllIsIdempotent(t *testing.T) {
	e := NewEngine()
	h := createTestHierarchy(t, "12.5", "7.25", "")
	s2, _ := h.Get("s2")
	s2.Set(model.FieldDCCapacity, "9.1")
	s2.Set(model.FieldInverterCount, "3")

	first := e.RecomputeAll(h)
	assert.NotEmpty(t, first)
	snapshot := h.Clone()

	second := e.RecomputeAll(h)
	assert.Empty(t, second)
	assert.Equal(t, snapshot, h)
}
