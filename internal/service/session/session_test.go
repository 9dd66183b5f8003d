package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterdesk/internal/model"
	"meterdesk/internal/persistence"
	"meterdesk/internal/schema"
	"meterdesk/internal/service/calculator"
	"meterdesk/internal/service/store"
)

// flakyAdapter 在 SQLite 之上注入失败并记录调用
type flakyAdapter struct {
	*persistence.SQLite

	mu         sync.Mutex
	failPatch  map[string]error
	failCreate error
	failPart   model.PartRole
	calls      []string
}

func (f *flakyAdapter) PatchField(ctx context.Context, level model.Level, id, fieldID, value string) error {
	key := model.FieldRef{Level: level, ID: id, Field: fieldID}.Key()
	f.mu.Lock()
	f.calls = append(f.calls, "patch "+key)
	err := f.failPatch[key]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.SQLite.PatchField(ctx, level, id, fieldID, value)
}

func (f *flakyAdapter) CreateSub(ctx context.Context, rec *model.Record) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "create sub")
	err := f.failCreate
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.SQLite.CreateSub(ctx, rec)
}

func (f *flakyAdapter) CreatePart(ctx context.Context, rec *model.Record) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "create part "+string(rec.Role))
	fail := f.failPart != "" && f.failPart == rec.Role
	f.mu.Unlock()
	if fail {
		return "", errors.New("backend unavailable")
	}
	return f.SQLite.CreatePart(ctx, rec)
}

func (f *flakyAdapter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPatch = map[string]error{}
	f.failCreate = nil
	f.failPart = ""
	f.calls = nil
}

func (f *flakyAdapter) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *flakyAdapter) {
	t.Helper()
	db, err := persistence.NewSQLite(filepath.Join(t.TempDir(), "meterdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := &flakyAdapter{SQLite: db}
	adapter.reset()
	return NewManager(adapter, schema.Default(), calculator.NewEngine(), opts), adapter
}

func mustSet(t *testing.T, s *Session, level model.Level, id string, values map[string]string) {
	t.Helper()
	for field, v := range values {
		_, err := s.SetField(level, id, field, v)
		require.NoError(t, err, "%s.%s", id, field)
	}
}

// 创建 main 并补全必填字段，追加一个填写完整的 sub
func newFilledSession(t *testing.T, m *Manager) (*Session, string) {
	t.Helper()
	ctx := context.Background()

	s, err := m.Create(ctx, "Sunrise Agro")
	require.NoError(t, err)
	mustSet(t, s, model.LevelMain, s.MainID, map[string]string{
		"clientCode":    "SA-001",
		"contact.phone": "9876543210",
		"address.city":  "Pune",
		"address.state": "Maharashtra",
	})

	sub, err := s.AddSub()
	require.NoError(t, err)
	fillSub(t, s, sub.ID, "Unit 1", "60", "72")
	return s, sub.ID
}

func fillSub(t *testing.T, s *Session, id, name, ac, dc string) {
	t.Helper()
	mustSet(t, s, model.LevelSub, id, map[string]string{
		model.FieldName:       name,
		"contact.phone":       "9123456780",
		"address.city":        "Pune",
		"address.state":       "Maharashtra",
		"consumerNumber":      "CN-" + name,
		"meterNumber":         "MT-" + name,
		model.FieldACCapacity: ac,
		model.FieldDCCapacity: dc,
	})
}

// TestSaveRoundTrip 测试保存后重新打开数据一致
func TestSaveRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, adapter := newTestManager(t, Options{})
	s, _ := newFilledSession(t, m)

	report, err := s.Save(ctx)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.NotEmpty(t, report.Applied)
	assert.False(t, s.Store().Dirty())

	subs := s.Store().Working().Subs()
	require.Len(t, subs, 1)
	assert.True(t, subs[0].Persisted)
	assert.Len(t, s.History(model.LevelMain, s.MainID, "clientCode"), 1)

	report, err = s.Save(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Applied, "nothing left to save")

	fresh := NewManager(adapter, schema.Default(), calculator.NewEngine(), Options{})
	reopened, err := fresh.Open(ctx, s.MainID)
	require.NoError(t, err)
	h := reopened.Store().Working()
	assert.Equal(t, "60", h.Main().Get(model.FieldACCapacity))
	assert.Equal(t, "1.2", h.Main().Get(model.FieldDCACRatio))
	assert.Equal(t, "100", h.Subs()[0].Get(model.FieldSharingPercentage))
	assert.False(t, reopened.Store().Dirty())
}

// TestSaveBlockedByValidation 测试校验失败时不调用后端
func TestSaveBlockedByValidation(t *testing.T) {
	ctx := context.Background()
	m, adapter := newTestManager(t, Options{})
	s, err := m.Create(ctx, "Sunrise Agro")
	require.NoError(t, err)
	adapter.reset()

	_, err = s.Save(ctx)
	var vf *ValidationFailedError
	require.ErrorAs(t, err, &vf)
	assert.Contains(t, vf.Result.Errors, "main."+s.MainID+".clientCode")
	assert.Empty(t, adapter.recorded())
}

// TestSavePartialFailureRetriesOnlyFailed 测试部分失败后再次保存只重试失败项
func TestSavePartialFailureRetriesOnlyFailed(t *testing.T) {
	ctx := context.Background()
	m, adapter := newTestManager(t, Options{})
	s, subID := newFilledSession(t, m)
	_, err := s.Save(ctx)
	require.NoError(t, err)
	subID = s.Store().Working().Subs()[0].ID

	mustSet(t, s, model.LevelMain, s.MainID, map[string]string{"remarks": "priority"})
	mustSet(t, s, model.LevelSub, subID, map[string]string{"remarks": "rooftop"})

	adapter.reset()
	failing := "sub." + subID + ".remarks"
	adapter.failPatch[failing] = errors.New("backend unavailable")

	report, err := s.Save(ctx)
	require.NoError(t, err)
	assert.True(t, report.Partial())
	require.Len(t, report.Failed, 1)
	assert.Equal(t, failing, report.Failed[0].Key())
	assert.Equal(t, "backend unavailable", report.Failed[0].Error)
	assert.True(t, s.Store().Dirty())

	adapter.reset()
	report, err = s.Save(ctx)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, []string{"patch " + failing}, adapter.recorded())
	assert.False(t, s.Store().Dirty())
}

// TestSaveCreateFailureSkipsParts 测试 sub 创建失败时其 part 不提交，重试后一并创建
func TestSaveCreateFailureSkipsParts(t *testing.T) {
	ctx := context.Background()
	m, adapter := newTestManager(t, Options{})
	s, subID := newFilledSession(t, m)

	_, err := s.ToggleSplit(subID, true)
	require.NoError(t, err)
	_, manual, ok := s.Store().Working().Pair(subID)
	require.True(t, ok)
	mustSet(t, s, model.LevelPart, manual.ID, map[string]string{
		model.FieldName:              "Unit 1 B",
		"discom":                     "msedcl",
		"address.city":               "Pune",
		"address.state":              "Maharashtra",
		"consumerNumber":             "CN-B",
		model.FieldSharingPercentage: "40",
	})
	auto, _, _ := s.Store().Working().Pair(subID)
	assert.Equal(t, "60", auto.Get(model.FieldSharingPercentage))

	adapter.failCreate = errors.New("quota exceeded")
	report, err := s.Save(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 3, "the sub and both parts")
	for _, op := range report.Failed {
		assert.Equal(t, OpCreate, op.Kind)
	}

	adapter.reset()
	report, err = s.Save(ctx)
	require.NoError(t, err)
	assert.True(t, report.Complete())

	subs := s.Store().Working().Subs()
	require.Len(t, subs, 1)
	parts, err := adapter.FetchPartsOf(ctx, subs[0].ID)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

// TestPartRolesSurviveRetriedCreate 测试 auto part 重试创建后，重新载入仍按角色配对
func TestPartRolesSurviveRetriedCreate(t *testing.T) {
	ctx := context.Background()
	m, adapter := newTestManager(t, Options{})
	s, _ := newFilledSession(t, m)
	_, err := s.Save(ctx)
	require.NoError(t, err)
	subID := s.Store().Working().Subs()[0].ID

	_, err = s.ToggleSplit(subID, true)
	require.NoError(t, err)
	_, manual, ok := s.Store().Working().Pair(subID)
	require.True(t, ok)
	mustSet(t, s, model.LevelPart, manual.ID, map[string]string{
		model.FieldName:              "Unit 1 B",
		"discom":                     "msedcl",
		"address.city":               "Pune",
		"address.state":              "Maharashtra",
		"consumerNumber":             "CN-B",
		model.FieldSharingPercentage: "40",
	})

	adapter.failPart = model.RoleAuto
	report, err := s.Save(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, OpCreate, report.Failed[0].Kind)

	adapter.reset()
	report, err = s.Save(ctx)
	require.NoError(t, err)
	require.True(t, report.Complete())

	stored, err := adapter.FetchPartsOf(ctx, subID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, model.RoleManual, stored[0].Role, "the manual part reached the backend first")

	reopened, err := m.Open(ctx, s.MainID)
	require.NoError(t, err)
	h := reopened.Store().Working()
	parts := h.Parts(subID)
	require.Len(t, parts, 2)
	assert.Equal(t, model.RoleAuto, parts[0].Role)
	auto, manual, ok := h.Pair(subID)
	require.True(t, ok)
	assert.Equal(t, model.RoleAuto, auto.Role)
	assert.Equal(t, "60", auto.Get(model.FieldSharingPercentage))
	assert.Equal(t, "40", manual.Get(model.FieldSharingPercentage))
	assert.False(t, reopened.Store().Dirty())
}

// TestDeleteSubNeedsConfirmation 测试删除已保存 sub 需要确认
func TestDeleteSubNeedsConfirmation(t *testing.T) {
	ctx := context.Background()
	m, adapter := newTestManager(t, Options{})
	s, _ := newFilledSession(t, m)
	_, err := s.Save(ctx)
	require.NoError(t, err)
	subID := s.Store().Working().Subs()[0].ID

	assert.ErrorIs(t, s.DeleteSub(ctx, subID, false), store.ErrConfirmRequired)
	require.NoError(t, s.DeleteSub(ctx, subID, true))
	assert.Empty(t, s.Store().Working().Subs())

	subs, err := adapter.FetchSubsOf(ctx, s.MainID)
	require.NoError(t, err)
	assert.Empty(t, subs)

	draft, err := s.AddSub()
	require.NoError(t, err)
	require.NoError(t, s.DeleteSub(ctx, draft.ID, false), "unsaved subs go without confirmation")
	assert.ErrorIs(t, s.DeleteSub(ctx, "missing", true), model.ErrRecordNotFound)
}

// TestManagerSessions 测试会话打开、复用与关闭
func TestManagerSessions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Options{})
	s, err := m.Create(ctx, "Sunrise Agro")
	require.NoError(t, err)

	again, err := m.Open(ctx, s.MainID)
	require.NoError(t, err)
	assert.Same(t, s, again)

	infos := m.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "Sunrise Agro", infos[0].Name)

	mains, err := m.ListMains(ctx)
	require.NoError(t, err)
	assert.Len(t, mains, 1)

	require.NoError(t, m.Close(s.ID))
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Close(s.ID), ErrSessionNotFound)

	_, err = m.Open(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

// TestFileDrafts 测试草稿保存与恢复
func TestFileDrafts(t *testing.T) {
	ctx := context.Background()
	drafts, err := NewFileDrafts(filepath.Join(t.TempDir(), "drafts"))
	require.NoError(t, err)
	m, _ := newTestManager(t, Options{Drafts: drafts, AutosaveDelay: time.Hour})

	s, err := m.Create(ctx, "Sunrise Agro")
	require.NoError(t, err)
	_, err = s.RestoreDraft(ctx)
	assert.ErrorIs(t, err, ErrNoDraft)

	mustSet(t, s, model.LevelMain, s.MainID, map[string]string{"clientCode": "SA-001"})
	require.NoError(t, s.SaveDraft(ctx))
	require.NoError(t, m.Close(s.ID))

	reopened, err := m.Open(ctx, s.MainID)
	require.NoError(t, err)
	assert.False(t, reopened.Store().Dirty())

	draft, err := reopened.RestoreDraft(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.MainID, draft.MainID)
	assert.Equal(t, "SA-001", reopened.Store().Working().Main().Get("clientCode"))
	assert.True(t, reopened.Store().Dirty())

	require.NoError(t, reopened.Discard(ctx))
	assert.False(t, reopened.Store().Dirty())
	_, err = drafts.Load(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNoDraft)
}

// TestFileDraftsOnDisk 测试草稿文件写入不留临时文件，损坏的文件报错而非视为无草稿
func TestFileDraftsOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	drafts, err := NewFileDrafts(dir)
	require.NoError(t, err)

	require.NoError(t, drafts.Save(ctx, &Draft{SessionID: "m1", MainID: "m1", SavedAt: time.Now()}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1.json", entries[0].Name())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "m2.json"), []byte("{not json"), 0644))
	_, err = drafts.Load(ctx, "m2")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoDraft)
	assert.Contains(t, err.Error(), "decode draft")

	require.NoError(t, drafts.Delete(ctx, "m1"))
	require.NoError(t, drafts.Delete(ctx, "m1"))
}

// TestScheduleDraft 测试编辑后自动保存草稿
func TestScheduleDraft(t *testing.T) {
	ctx := context.Background()
	drafts, err := NewFileDrafts(t.TempDir())
	require.NoError(t, err)
	m, _ := newTestManager(t, Options{Drafts: drafts, AutosaveDelay: 10 * time.Millisecond})

	s, err := m.Create(ctx, "Sunrise Agro")
	require.NoError(t, err)
	for _, code := range []string{"A", "B", "C"} {
		mustSet(t, s, model.LevelMain, s.MainID, map[string]string{"clientCode": code})
	}

	assert.Eventually(t, func() bool {
		d, err := drafts.Load(ctx, s.ID)
		return err == nil && d.Hierarchy.Main().Get("clientCode") == "C"
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRedisDrafts 需要设置 METERDESK_TEST_REDIS_URL
func TestRedisDrafts(t *testing.T) {
	url := os.Getenv("METERDESK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("METERDESK_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := NewRedis(ctx, url)
	require.NoError(t, err)
	defer rdb.Close()

	drafts := NewRedisDrafts(rdb, time.Minute)
	main := model.NewRecord("m-redis-test", model.LevelMain, "")
	main.Set("clientCode", "SA-001")
	d := &Draft{SessionID: main.ID, MainID: main.ID, SavedAt: time.Now().UTC(), Hierarchy: model.NewHierarchy(main)}

	require.NoError(t, drafts.Save(ctx, d))
	got, err := drafts.Load(ctx, main.ID)
	require.NoError(t, err)
	assert.Equal(t, "SA-001", got.Hierarchy.Main().Get("clientCode"))

	require.NoError(t, drafts.Delete(ctx, main.ID))
	_, err = drafts.Load(ctx, main.ID)
	assert.ErrorIs(t, err, ErrNoDraft)
}
