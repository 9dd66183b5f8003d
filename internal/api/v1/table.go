package v1

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"meterdesk/internal/service/tabular"
)

// Import 上传 CSV / XLSX 合并到工作副本（不会自动保存）
// POST /api/sessions/:id/import
func (h *Handler) Import(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	upload, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	format, err := tabular.FormatFromName(upload.Filename)
	if raw := c.PostForm("format"); raw != "" {
		format, err = tabular.ParseFormat(raw)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	f, err := upload.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	rows, err := tabular.Read(f, format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read table: " + err.Error()})
		return
	}

	report, err := s.Import(rows)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "session": newSessionView(s)})
}

// Export 下载工作副本的表格（默认 CSV）
// GET /api/sessions/:id/export?format=xlsx
func (h *Handler) Export(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	format, err := tabular.ParseFormat(c.DefaultQuery("format", string(tabular.FormatCSV)))
	if err != nil {
		respondError(c, err)
		return
	}

	rows := s.Store().ExportTable()
	name := s.Store().Working().Main().Name()
	c.Header("Content-Disposition", buildExportContentDisposition(name, format))
	c.Header("Content-Type", format.ContentType())
	c.Status(http.StatusOK)

	if err := tabular.Write(c.Writer, format, rows); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write table: " + err.Error()})
		return
	}
}

// buildExportContentDisposition ASCII 文件名加 RFC 5987 的 UTF-8 文件名
func buildExportContentDisposition(clientName string, format tabular.Format) string {
	base := strings.TrimSpace(clientName)
	if base == "" {
		base = "clients"
	}
	filename := fmt.Sprintf("%s.%s", base, format)
	ascii := strings.Map(func(r rune) rune {
		if r > 0x7e || r < 0x20 || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, filename)
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", ascii, url.PathEscape(filename))
}
