package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"meterdesk/internal/metrics"
	"meterdesk/internal/model"
	"meterdesk/internal/persistence"
	"meterdesk/internal/service/calculator"
	"meterdesk/internal/service/history"
	"meterdesk/internal/service/store"
	"meterdesk/internal/service/tabular"
)

// Session 一个 main 客户的编辑会话：编辑在内存中缓冲，保存时按差异逐字段提交
type Session struct {
	ID       string
	MainID   string
	OpenedAt time.Time

	manager *Manager
	store   *store.MemoryStore

	saveMu sync.Mutex

	mu         sync.RWMutex
	overlay    *history.Overlay
	draftTimer *time.Timer
}

func newSession(m *Manager, h *model.Hierarchy) *Session {
	s := &Session{
		ID:       h.MainID,
		MainID:   h.MainID,
		OpenedAt: time.Now().UTC(),
		manager:  m,
		store:    m.newStore(),
	}
	s.store.Load(h)
	s.overlay = history.Build(h)
	return s
}

// Store 会话的层级存储
func (s *Session) Store() *store.MemoryStore {
	return s.store
}

// Info 会话概要
func (s *Session) Info() Info {
	h := s.store.Working()
	return Info{
		ID:       s.ID,
		MainID:   s.MainID,
		Name:     h.Main().Name(),
		OpenedAt: s.OpenedAt,
		Dirty:    s.store.Dirty(),
		Subs:     len(h.Subs()),
	}
}

// History 字段变更记录，没有时返回 nil
func (s *Session) History(level model.Level, id, fieldID string) []model.ChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overlay.For(level, id, fieldID)
}

// Overlay 当前历史投影
func (s *Session) Overlay() *history.Overlay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overlay
}

// Validate 校验工作副本
func (s *Session) Validate() *model.ValidationResult {
	return calculator.Validate(s.manager.reg, s.store.Working())
}

// SetField 写入字段；成功后安排草稿保存
func (s *Session) SetField(level model.Level, id, fieldID, value string) ([]model.FieldRef, error) {
	return s.edited(s.store.SetField(level, id, fieldID, value))
}

// ClearOverride main 字段恢复自动汇总
func (s *Session) ClearOverride(fieldID string) ([]model.FieldRef, error) {
	return s.edited(s.store.ClearOverride(fieldID))
}

// ToggleSplit 开启 / 关闭 sub 拆分
func (s *Session) ToggleSplit(subID string, enabled bool) ([]model.FieldRef, error) {
	return s.edited(s.store.TogglePartSplit(subID, enabled))
}

// AddSub 追加 sub
func (s *Session) AddSub() (*model.Record, error) {
	rec, err := s.store.AddChild(model.LevelMain, s.MainID)
	if err == nil {
		s.ScheduleDraft()
	}
	return rec, err
}

// Import 导入表格到工作副本
func (s *Session) Import(rows [][]string) (*tabular.DecodeReport, error) {
	report, err := s.store.ImportTable(rows)
	if err == nil {
		s.ScheduleDraft()
		log.Info().Str("session", s.ID).Int("applied", report.Applied).
			Int("skipped", len(report.SkippedRows)).Int("rejected", len(report.Rejected)).Msg("table imported")
	}
	return report, err
}

func (s *Session) edited(refs []model.FieldRef, err error) ([]model.FieldRef, error) {
	if err == nil {
		s.ScheduleDraft()
	}
	return refs, err
}

// DeleteSub 删除 sub。未持久化的直接移除；已持久化的需要 confirmed，随后调用后端删除。
func (s *Session) DeleteSub(ctx context.Context, subID string, confirmed bool) error {
	rec, err := s.store.Working().Find(model.LevelSub, subID)
	if err != nil {
		return err
	}
	if !rec.Persisted {
		if err := s.store.RemoveChild(model.LevelSub, subID); err != nil {
			return err
		}
		s.ScheduleDraft()
		return nil
	}
	if !confirmed {
		return store.ErrConfirmRequired
	}
	if err := s.manager.adapter.DeleteSub(ctx, subID); err != nil {
		return fmt.Errorf("delete sub %s: %w", subID, err)
	}
	log.Info().Str("session", s.ID).Str("sub", subID).Msg("sub client deleted")
	if err := s.store.ForgetSub(subID); err != nil {
		return err
	}
	s.ScheduleDraft()
	return nil
}

// Discard 丢弃全部未保存修改并删除草稿
func (s *Session) Discard(ctx context.Context) error {
	s.stopDraftTimer()
	s.store.Discard()
	if d := s.manager.opts.Drafts; d != nil {
		return d.Delete(ctx, s.ID)
	}
	return nil
}

// Save 校验通过后把差异提交到后端：先删除，再创建（新 id 回写），最后逐字段 patch。
// 成功的操作立即推进快照；有失败时返回的报告列出失败项，再次调用只会重试它们。
func (s *Session) Save(ctx context.Context) (*SaveReport, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	start := time.Now()
	defer func() { metrics.SaveDuration.Observe(time.Since(start).Seconds()) }()

	if res := s.Validate(); !res.OK {
		metrics.SaveTotal.WithLabelValues("invalid").Inc()
		return nil, &ValidationFailedError{Result: res}
	}

	plan := s.store.Diff()
	report := &SaveReport{}
	if plan.Empty() {
		metrics.SaveTotal.WithLabelValues("noop").Inc()
		return report, nil
	}

	adapter := s.manager.adapter
	for _, rec := range plan.Deletes {
		op := OpResult{Kind: OpDelete, Level: rec.Level, ID: rec.ID}
		var err error
		if rec.Level == model.LevelSub {
			err = adapter.DeleteSub(ctx, rec.ID)
		} else {
			err = adapter.DeletePart(ctx, rec.ID)
		}
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			s.record(report, op, err)
			continue
		}
		s.store.MarkDeleted(rec.ID)
		s.record(report, op, nil)
	}

	remap := map[string]string{}
	failed := map[string]bool{}
	for _, rec := range plan.Creates {
		op := OpResult{Kind: OpCreate, Level: rec.Level, ID: rec.ID}
		if failed[rec.ParentID] {
			s.record(report, op, fmt.Errorf("parent %s was not created", rec.ParentID))
			continue
		}
		if id, ok := remap[rec.ParentID]; ok {
			rec.ParentID = id
		}
		var id string
		var err error
		if rec.Level == model.LevelSub {
			id, err = adapter.CreateSub(ctx, rec)
		} else {
			id, err = adapter.CreatePart(ctx, rec)
		}
		if err == nil {
			err = s.store.MarkCreated(rec.ID, id)
		}
		if err != nil {
			failed[rec.ID] = true
			s.record(report, op, err)
			continue
		}
		remap[rec.ID] = id
		op.NewID = id
		s.record(report, op, nil)
	}

	for _, p := range plan.Patches {
		op := OpResult{Kind: OpPatch, Level: p.Level, ID: p.ID, Field: p.Field, Value: p.NewValue}
		err := adapter.PatchField(ctx, p.Level, p.ID, p.Field, p.NewValue)
		if err == nil {
			s.store.MarkSaved(p)
		}
		s.record(report, op, err)
	}

	if plan.OverridesChanged {
		op := OpResult{Kind: OpOverrides, Level: model.LevelMain, ID: s.MainID}
		var err error
		if w, ok := adapter.(persistence.OverrideWriter); ok {
			err = w.SetOverrides(ctx, s.MainID, plan.Overrides)
		}
		if err == nil {
			s.store.MarkOverridesSaved(plan.Overrides)
		}
		s.record(report, op, err)
	}

	if !report.Complete() {
		metrics.SaveTotal.WithLabelValues("partial").Inc()
		log.Warn().Str("session", s.ID).Int("applied", len(report.Applied)).Int("failed", len(report.Failed)).
			Msg("save finished with failures")
		s.ScheduleDraft()
		return report, nil
	}

	metrics.SaveTotal.WithLabelValues("ok").Inc()
	log.Info().Str("session", s.ID).Int("ops", len(report.Applied)).Msg("session saved")

	// 保存期间没有新的编辑时，重新读取后端数据并刷新历史
	if s.store.Diff().Empty() {
		if err := s.Refresh(ctx); err != nil {
			log.Warn().Err(err).Str("session", s.ID).Msg("re-fetch after save failed")
		}
		if d := s.manager.opts.Drafts; d != nil {
			s.stopDraftTimer()
			if err := d.Delete(ctx, s.ID); err != nil {
				log.Warn().Err(err).Str("session", s.ID).Msg("failed to delete draft")
			}
		}
	}
	return report, nil
}

func (s *Session) record(report *SaveReport, op OpResult, err error) {
	metrics.SaveOpsTotal.WithLabelValues(string(op.Kind), metrics.Result(err)).Inc()
	if err != nil {
		log.Warn().Err(err).Str("session", s.ID).Str("op", string(op.Kind)).Str("target", op.Key()).Msg("save operation failed")
		report.fail(op, err)
		return
	}
	report.ok(op)
}

// Refresh 重新读取后端数据（丢弃工作副本）并重建历史投影。
// 后端不保存覆盖标记时沿用内存中的标记。
func (s *Session) Refresh(ctx context.Context) error {
	h, err := s.manager.fetch(ctx, s.MainID)
	if err != nil {
		return err
	}
	if _, ok := s.manager.adapter.(persistence.OverrideWriter); !ok {
		h.Main().Overrides = s.store.Working().Main().Overrides
	}
	s.store.Load(h)

	s.mu.Lock()
	s.overlay = history.Build(h)
	s.mu.Unlock()
	return nil
}

// SaveDraft 立即保存草稿
func (s *Session) SaveDraft(ctx context.Context) error {
	d := s.manager.opts.Drafts
	if d == nil {
		return nil
	}
	return d.Save(ctx, &Draft{
		SessionID: s.ID,
		MainID:    s.MainID,
		SavedAt:   time.Now().UTC(),
		Hierarchy: s.store.Working(),
	})
}

// RestoreDraft 用草稿替换工作副本；没有草稿时返回 ErrNoDraft
func (s *Session) RestoreDraft(ctx context.Context) (*Draft, error) {
	d := s.manager.opts.Drafts
	if d == nil {
		return nil, ErrNoDraft
	}
	draft, err := d.Load(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if draft.Hierarchy == nil {
		return nil, ErrNoDraft
	}
	if err := s.store.Restore(draft.Hierarchy); err != nil {
		return nil, err
	}
	log.Info().Str("session", s.ID).Time("savedAt", draft.SavedAt).Msg("draft restored")
	return draft, nil
}

// ScheduleDraft 编辑后延迟保存草稿，连续编辑只保存最后一次
func (s *Session) ScheduleDraft() {
	if s.manager.opts.Drafts == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draftTimer != nil {
		s.draftTimer.Stop()
	}
	s.draftTimer = time.AfterFunc(s.manager.opts.AutosaveDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SaveDraft(ctx); err != nil {
			log.Warn().Err(err).Str("session", s.ID).Msg("autosave draft failed")
		}
	})
}

func (s *Session) stopDraftTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draftTimer != nil {
		s.draftTimer.Stop()
		s.draftTimer = nil
	}
}
