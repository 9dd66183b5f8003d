package v1

import (
	"github.com/gin-gonic/gin"

	"meterdesk/internal/service/session"
)

// Handler V1 API 处理器
type Handler struct {
	sessions *session.Manager
}

// NewHandler 创建 V1 API 处理器
func NewHandler(sessions *session.Manager) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes 注册 V1 API 路由
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	// 系统状态
	router.GET("/status", h.GetStatus)
	// 字段定义
	router.GET("/schema", h.GetSchema)

	// main 客户
	router.GET("/clients", h.ListClients)
	router.POST("/clients", h.CreateClient)

	// 编辑会话
	router.GET("/sessions", h.ListSessions)
	router.POST("/sessions/:id", h.OpenSession)
	router.GET("/sessions/:id", h.GetSession)
	router.DELETE("/sessions/:id", h.CloseSession)

	// 编辑
	router.PATCH("/sessions/:id/fields", h.SetField)
	router.DELETE("/sessions/:id/overrides/:field", h.ClearOverride)
	router.POST("/sessions/:id/subs", h.AddSub)
	router.DELETE("/sessions/:id/subs/:subId", h.DeleteSub)
	router.PUT("/sessions/:id/subs/:subId/split", h.ToggleSplit)

	// 校验与保存
	router.GET("/sessions/:id/validate", h.Validate)
	router.GET("/sessions/:id/changes", h.PendingChanges)
	router.POST("/sessions/:id/save", h.Save)
	router.POST("/sessions/:id/discard", h.Discard)

	// 草稿
	router.POST("/sessions/:id/draft", h.SaveDraft)
	router.POST("/sessions/:id/draft/restore", h.RestoreDraft)

	// 变更历史
	router.GET("/sessions/:id/history", h.GetHistory)

	// 表格导入导出
	router.POST("/sessions/:id/import", h.Import)
	router.GET("/sessions/:id/export", h.Export)
}
