package v1

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"meterdesk/internal/model"
)

// Validate 校验工作副本，返回完整错误表
// GET /api/sessions/:id/validate
func (h *Handler) Validate(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Validate())
}

type changesResponse struct {
	Size             int      `json:"size"`
	Deletes          []string `json:"deletes"`
	Creates          []string `json:"creates"`
	Patches          []string `json:"patches"`
	OverridesChanged bool     `json:"overridesChanged"`
}

// PendingChanges 待保存的操作
// GET /api/sessions/:id/changes
func (h *Handler) PendingChanges(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	plan := s.Store().Diff()
	resp := changesResponse{
		Size:             plan.Size(),
		Deletes:          []string{},
		Creates:          []string{},
		Patches:          []string{},
		OverridesChanged: plan.OverridesChanged,
	}
	for _, r := range plan.Deletes {
		resp.Deletes = append(resp.Deletes, string(r.Level)+"."+r.ID)
	}
	for _, r := range plan.Creates {
		resp.Creates = append(resp.Creates, string(r.Level)+"."+r.ID)
	}
	for _, p := range plan.Patches {
		resp.Patches = append(resp.Patches, p.String())
	}
	c.JSON(http.StatusOK, resp)
}

// Save 保存：校验失败 422，部分失败 207（再次调用只重试失败项）
// POST /api/sessions/:id/save
func (h *Handler) Save(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	report, err := s.Save(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if !report.Complete() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"report": report, "session": newSessionView(s)})
}

// Discard 丢弃未保存修改
// POST /api/sessions/:id/discard
func (h *Handler) Discard(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Discard(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(s))
}

// SaveDraft 立即保存草稿
// POST /api/sessions/:id/draft
func (h *Handler) SaveDraft(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.SaveDraft(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RestoreDraft 用草稿替换工作副本
// POST /api/sessions/:id/draft/restore
func (h *Handler) RestoreDraft(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	draft, err := s.RestoreDraft(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"savedAt": draft.SavedAt, "session": newSessionView(s)})
}

// GetHistory 字段变更记录，按时间排序
// GET /api/sessions/:id/history?level=sub&record=<id>&field=acCapacity
func (h *Handler) GetHistory(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	level, err := model.ParseLevel(c.Query("level"))
	if err != nil {
		respondError(c, err)
		return
	}
	recordID := strings.TrimSpace(c.Query("record"))
	field := strings.TrimSpace(c.Query("field"))
	if recordID == "" || field == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record and field are required"})
		return
	}
	entries := s.History(level, recordID, field)
	if entries == nil {
		entries = []model.ChangeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"items": entries})
}
