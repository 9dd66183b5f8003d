package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"meterdesk/internal/model"
	"meterdesk/internal/service/session"
)

type setFieldRequest struct {
	Level string `json:"level" binding:"required"`
	ID    string `json:"id" binding:"required"`
	Field string `json:"field" binding:"required"`
	Value string `json:"value"`
}

type editResponse struct {
	Touched []string    `json:"touched"`
	Session sessionView `json:"session"`
}

func touchedKeys(refs []model.FieldRef) []string {
	keys := make([]string, 0, len(refs))
	for _, r := range refs {
		keys = append(keys, r.Key())
	}
	return keys
}

func (h *Handler) respondEdit(c *gin.Context, s *session.Session, refs []model.FieldRef, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, editResponse{Touched: touchedKeys(refs), Session: newSessionView(s)})
}

// SetField 写入单个字段，返回联动修改的字段
// PATCH /api/sessions/:id/fields
func (h *Handler) SetField(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req setFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level, id and field are required"})
		return
	}
	level, err := model.ParseLevel(req.Level)
	if err != nil {
		respondError(c, err)
		return
	}
	refs, err := s.SetField(level, req.ID, req.Field, req.Value)
	h.respondEdit(c, s, refs, err)
}

// ClearOverride main 计算字段恢复自动汇总
// DELETE /api/sessions/:id/overrides/:field
func (h *Handler) ClearOverride(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	refs, err := s.ClearOverride(c.Param("field"))
	h.respondEdit(c, s, refs, err)
}

// AddSub 追加 sub
// POST /api/sessions/:id/subs
func (h *Handler) AddSub(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	rec, err := s.AddSub()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID, "session": newSessionView(s)})
}

// DeleteSub 删除 sub；已保存的 sub 需要 ?confirm=true
// DELETE /api/sessions/:id/subs/:subId
func (h *Handler) DeleteSub(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	confirmed, _ := strconv.ParseBool(c.DefaultQuery("confirm", "false"))
	if err := s.DeleteSub(c.Request.Context(), c.Param("subId"), confirmed); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(s))
}

type splitRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ToggleSplit 开启 / 关闭 sub 拆分
// PUT /api/sessions/:id/subs/:subId/split
func (h *Handler) ToggleSplit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	refs, err := s.ToggleSplit(c.Param("subId"), *req.Enabled)
	h.respondEdit(c, s, refs, err)
}
