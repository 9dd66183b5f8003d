package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"meterdesk/internal/model"
	"meterdesk/internal/persistence"
	"meterdesk/internal/service/session"
	"meterdesk/internal/service/store"
	"meterdesk/internal/service/tabular"
)

// statusFor 错误到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrNoDraft),
		errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, model.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnknownField),
		errors.Is(err, store.ErrNotApplicable),
		errors.Is(err, store.ErrComputedField),
		errors.Is(err, store.ErrInvalidValue),
		errors.Is(err, store.ErrReadOnlyPart),
		errors.Is(err, store.ErrUnsupported),
		errors.Is(err, model.ErrInvalidLevel),
		errors.Is(err, tabular.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrTooManySubs),
		errors.Is(err, store.ErrConfirmRequired),
		errors.Is(err, persistence.ErrWrongLevel):
		return http.StatusConflict
	case errors.Is(err, session.ErrListUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// respondError 以 {"error": ...} 返回错误；校验失败附带完整错误表
func respondError(c *gin.Context, err error) {
	var vf *session.ValidationFailedError
	if errors.As(err, &vf) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "errors": vf.Result.Errors})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	body := gin.H{"error": err.Error()}
	if errors.Is(err, store.ErrConfirmRequired) {
		body["confirmRequired"] = true
	}
	c.JSON(status, body)
}
