package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"meterdesk/internal/metrics"
	"meterdesk/internal/model"
	"meterdesk/internal/persistence"
	"meterdesk/internal/schema"
	"meterdesk/internal/service/calculator"
	"meterdesk/internal/service/store"
)

const (
	defaultAutosaveDelay = time.Second
	partFetchConcurrency = 4
)

// Options 会话管理器选项
type Options struct {
	MaxSubs       int
	AutosaveDelay time.Duration
	Drafts        DraftStore // nil 表示不保存草稿
}

// Manager 会话管理器：每个 main 至多一个打开的编辑会话
type Manager struct {
	adapter persistence.Adapter
	reg     *schema.Registry
	engine  *calculator.Engine
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager 创建会话管理器
func NewManager(adapter persistence.Adapter, reg *schema.Registry, engine *calculator.Engine, opts Options) *Manager {
	if opts.AutosaveDelay <= 0 {
		opts.AutosaveDelay = defaultAutosaveDelay
	}
	return &Manager{
		adapter:  adapter,
		reg:      reg,
		engine:   engine,
		opts:     opts,
		sessions: map[string]*Session{},
	}
}

// Registry 字段注册表
func (m *Manager) Registry() *schema.Registry {
	return m.reg
}

// Create 在后端创建 main 并打开会话
func (m *Manager) Create(ctx context.Context, name string) (*Session, error) {
	if name == "" {
		return nil, errors.New("name is required")
	}
	main := model.NewRecord("", model.LevelMain, "")
	m.reg.ApplyDefaults(main)
	main.Set(model.FieldName, name)
	main.Set(model.FieldSharingPercentage, "100")

	id, err := m.adapter.CreateMain(ctx, main)
	if err != nil {
		return nil, fmt.Errorf("create main client: %w", err)
	}
	log.Info().Str("main", id).Str("name", name).Msg("main client created")
	return m.Open(ctx, id)
}

// Open 打开（或返回已打开的）会话
func (m *Manager) Open(ctx context.Context, mainID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[mainID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	h, err := m.fetch(ctx, mainID)
	if err != nil {
		return nil, err
	}

	s := newSession(m, h)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[mainID]; ok {
		return existing, nil
	}
	m.sessions[mainID] = s
	metrics.OpenSessions.Inc()
	log.Info().Str("session", s.ID).Int("subs", len(h.Subs())).Msg("session opened")
	return s, nil
}

// Get 获取已打开的会话
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Sessions 已打开的会话概要
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Close 关闭会话（未保存的修改仅保留在草稿中）
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.stopDraftTimer()
	metrics.OpenSessions.Dec()
	log.Info().Str("session", id).Msg("session closed")
	return nil
}

// ListMains 列出后端全部 main
func (m *Manager) ListMains(ctx context.Context) ([]*model.Record, error) {
	lister, ok := m.adapter.(persistence.MainLister)
	if !ok {
		return nil, ErrListUnsupported
	}
	return lister.ListMains(ctx)
}

// fetch 读取完整层级：main、sub，再并发读取各 sub 的 part
func (m *Manager) fetch(ctx context.Context, mainID string) (*model.Hierarchy, error) {
	main, err := m.adapter.FetchMain(ctx, mainID)
	if err != nil {
		return nil, fmt.Errorf("fetch main %s: %w", mainID, err)
	}
	subs, err := m.adapter.FetchSubsOf(ctx, mainID)
	if err != nil {
		return nil, fmt.Errorf("fetch subs of %s: %w", mainID, err)
	}

	parts := make([][]*model.Record, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(partFetchConcurrency)
	for i, sub := range subs {
		g.Go(func() error {
			list, err := m.adapter.FetchPartsOf(gctx, sub.ID)
			if err != nil {
				return fmt.Errorf("fetch parts of %s: %w", sub.ID, err)
			}
			parts[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	main.Children = nil
	h := model.NewHierarchy(main)
	for i, sub := range subs {
		sub.Children = nil
		if err := h.Attach(main.ID, sub); err != nil {
			return nil, err
		}
		model.SortParts(parts[i])
		for _, part := range parts[i] {
			part.Children = nil
			if err := h.Attach(sub.ID, part); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func (m *Manager) newStore() *store.MemoryStore {
	return store.NewMemoryStore(m.reg, m.engine, m.opts.MaxSubs)
}
