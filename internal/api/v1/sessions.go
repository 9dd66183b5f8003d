package v1

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"meterdesk/internal/model"
	"meterdesk/internal/service/session"
)

// StatusResponse 系统状态响应
type StatusResponse struct {
	OpenSessions  int `json:"openSessions"`
	DirtySessions int `json:"dirtySessions"`
	SchemaFields  int `json:"schemaFields"`
}

// GetStatus 获取系统状态
// GET /api/status
func (h *Handler) GetStatus(c *gin.Context) {
	infos := h.sessions.Sessions()
	dirty := 0
	for _, info := range infos {
		if info.Dirty {
			dirty++
		}
	}
	c.JSON(http.StatusOK, StatusResponse{
		OpenSessions:  len(infos),
		DirtySessions: dirty,
		SchemaFields:  len(h.sessions.Registry().Fields()),
	})
}

// GetSchema 字段定义；?level= 过滤适用层级
// GET /api/schema
func (h *Handler) GetSchema(c *gin.Context) {
	reg := h.sessions.Registry()
	fields := reg.Ordered()
	if raw := strings.TrimSpace(c.Query("level")); raw != "" {
		level, err := model.ParseLevel(raw)
		if err != nil {
			respondError(c, err)
			return
		}
		fields = reg.ForLevel(level)
	}

	items := make([]fieldView, 0, len(fields))
	for _, f := range fields {
		items = append(items, newFieldView(f))
	}
	c.JSON(http.StatusOK, gin.H{"fields": items})
}

type clientSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListClients 列出 main 客户
// GET /api/clients
func (h *Handler) ListClients(c *gin.Context) {
	mains, err := h.sessions.ListMains(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	keyword := strings.ToLower(strings.TrimSpace(c.Query("keyword")))
	items := make([]clientSummary, 0, len(mains))
	for _, m := range mains {
		if keyword != "" && !strings.Contains(strings.ToLower(m.Name()), keyword) {
			continue
		}
		items = append(items, clientSummary{ID: m.ID, Name: m.Name()})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

type createClientRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateClient 创建 main 客户并打开会话
// POST /api/clients
func (h *Handler) CreateClient(c *gin.Context) {
	var req createClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	s, err := h.sessions.Create(c.Request.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSessionView(s))
}

// ListSessions 已打开的会话
// GET /api/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.sessions.Sessions()})
}

// OpenSession 打开 main 客户的编辑会话（已打开时直接返回）
// POST /api/sessions/:id
func (h *Handler) OpenSession(c *gin.Context) {
	s, err := h.sessions.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(s))
}

// GetSession 会话当前数据
// GET /api/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSessionView(s))
}

// CloseSession 关闭会话
// DELETE /api/sessions/:id
func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.sessions.Close(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) session(c *gin.Context) (*session.Session, bool) {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return s, true
}
