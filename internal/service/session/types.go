package session

import (
	"errors"
	"fmt"
	"time"

	"meterdesk/internal/model"
)

var (
	// ErrSessionNotFound 会话不存在或已关闭
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoDraft 没有可恢复的草稿
	ErrNoDraft = errors.New("no draft saved")
	// ErrListUnsupported 后端不支持列出 main
	ErrListUnsupported = errors.New("persistence backend cannot list clients")
)

// ValidationFailedError 保存前校验失败；未调用任何后端接口
type ValidationFailedError struct {
	Result *model.ValidationResult
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) need attention", len(e.Result.Errors))
}

// OpKind 保存过程中的后端操作类型
type OpKind string

const (
	OpDelete    OpKind = "delete"
	OpCreate    OpKind = "create"
	OpPatch     OpKind = "patch"
	OpOverrides OpKind = "overrides"
)

// OpResult 单个后端操作的结果
type OpResult struct {
	Kind  OpKind      `json:"kind"`
	Level model.Level `json:"level"`
	ID    string      `json:"id"`
	Field string      `json:"field,omitempty"`
	Value string      `json:"value,omitempty"`
	NewID string      `json:"newId,omitempty"` // create 成功时后端分配的 id
	Error string      `json:"error,omitempty"`
}

// Key 形如 sub.<id>.<field>
func (r OpResult) Key() string {
	if r.Field == "" {
		return string(r.Level) + "." + r.ID
	}
	return model.FieldRef{Level: r.Level, ID: r.ID, Field: r.Field}.Key()
}

// SaveReport 一次保存的逐项结果。失败项保留在工作副本中，再次保存只会重试它们。
type SaveReport struct {
	Applied []OpResult `json:"applied"`
	Failed  []OpResult `json:"failed"`
}

// Complete 全部成功（含无事可做）
func (r *SaveReport) Complete() bool {
	return len(r.Failed) == 0
}

// Partial 部分成功
func (r *SaveReport) Partial() bool {
	return len(r.Failed) > 0 && len(r.Applied) > 0
}

func (r *SaveReport) ok(op OpResult) {
	r.Applied = append(r.Applied, op)
}

func (r *SaveReport) fail(op OpResult, err error) {
	op.Error = err.Error()
	r.Failed = append(r.Failed, op)
}

// Draft 未保存的工作副本快照
type Draft struct {
	SessionID string           `json:"sessionId"`
	MainID    string           `json:"mainId"`
	SavedAt   time.Time        `json:"savedAt"`
	Hierarchy *model.Hierarchy `json:"hierarchy"`
}

// Info 会话概要
type Info struct {
	ID       string    `json:"id"`
	MainID   string    `json:"mainId"`
	Name     string    `json:"name"`
	OpenedAt time.Time `json:"openedAt"`
	Dirty    bool      `json:"dirty"`
	Subs     int       `json:"subs"`
}
