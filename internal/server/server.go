package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	v1 "meterdesk/internal/api/v1"
	"meterdesk/internal/config"
	"meterdesk/internal/persistence"
	"meterdesk/internal/schema"
	"meterdesk/internal/service/calculator"
	"meterdesk/internal/service/session"
)

// Server HTTP服务器
type Server struct {
	router   *gin.Engine
	db       *persistence.SQLite
	sessions *session.Manager
	closers  []func() error

	mu   sync.Mutex
	http *http.Server
}

// NewServer 创建服务器：打开 SQLite、草稿存储与会话管理器
func NewServer(ctx context.Context, cfg *config.AppConfig) (*Server, error) {
	if !cfg.Server.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}

	dataDir, err := config.EnsureDataDir(cfg)
	if err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}

	db, err := persistence.NewSQLite(config.DBPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Server{db: db, closers: []func() error{db.Close}}

	drafts, closeDrafts, err := OpenDrafts(ctx, cfg, dataDir)
	if err != nil {
		s.Close()
		return nil, err
	}
	if closeDrafts != nil {
		s.closers = append(s.closers, closeDrafts)
	}

	s.sessions = session.NewManager(db, schema.Default(), calculator.NewEngine(), session.Options{
		MaxSubs:       cfg.Hierarchy.MaxSubClients,
		AutosaveDelay: cfg.Drafts.AutosaveDelay.Duration,
		Drafts:        drafts,
	})
	s.router = NewRouter(cfg.Server.DevMode, v1.NewHandler(s.sessions))
	return s, nil
}

// NewRouter 创建 gin 引擎并注册中间件与路由
func NewRouter(devMode bool, handler *v1.Handler) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Recovery(), Logger())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		handler.RegisterRoutes(api)
	}

	if devMode {
		// 开发模式：代理到前端开发服务器
		r.NoRoute(func(c *gin.Context) {
			c.Redirect(http.StatusTemporaryRedirect, "http://localhost:5173"+c.Request.URL.Path)
		})
	}
	return r
}

// OpenDrafts 按配置创建草稿存储；backend 为 none 时返回 nil
func OpenDrafts(ctx context.Context, cfg *config.AppConfig, dataDir string) (session.DraftStore, func() error, error) {
	switch cfg.Drafts.Backend {
	case "redis":
		rdb, err := session.NewRedis(ctx, cfg.Drafts.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info().Str("backend", "redis").Msg("draft store ready")
		return session.NewRedisDrafts(rdb, cfg.Drafts.TTL.Duration), rdb.Close, nil
	case "file":
		dir := filepath.Join(dataDir, "drafts")
		drafts, err := session.NewFileDrafts(dir)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("backend", "file").Str("dir", dir).Msg("draft store ready")
		return drafts, nil, nil
	}
	return nil, nil, nil
}

// Handler 路由（用于测试）
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions 会话管理器
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Run 启动服务器，阻塞到 Shutdown
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 停止接收请求，打开的会话先写一次草稿
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, info := range s.sessions.Sessions() {
		sess, getErr := s.sessions.Get(info.ID)
		if getErr != nil || !info.Dirty {
			continue
		}
		if draftErr := sess.SaveDraft(ctx); draftErr != nil {
			log.Warn().Err(draftErr).Str("session", info.ID).Msg("failed to write draft on shutdown")
		}
	}
	return err
}

// Close 释放数据库与草稿连接
func (s *Server) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
