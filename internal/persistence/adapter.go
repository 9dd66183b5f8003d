package persistence

import (
	"context"
	"errors"

	"meterdesk/internal/model"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("client not found")
	// ErrWrongLevel 记录存在但层级不符
	ErrWrongLevel = errors.New("client has a different level")
)

// Adapter 后端持久化边界。返回的记录带有完整的 History。
// patchField 每次只改一个字段，变更记录由后端追加；删除 sub 时由后端级联删除其 part。
type Adapter interface {
	FetchMain(ctx context.Context, id string) (*model.Record, error)
	FetchSubsOf(ctx context.Context, mainID string) ([]*model.Record, error)
	FetchPartsOf(ctx context.Context, subID string) ([]*model.Record, error)

	CreateMain(ctx context.Context, rec *model.Record) (string, error)
	CreateSub(ctx context.Context, rec *model.Record) (string, error)
	CreatePart(ctx context.Context, rec *model.Record) (string, error)

	PatchField(ctx context.Context, level model.Level, id, fieldID, value string) error

	DeleteSub(ctx context.Context, id string) error
	DeletePart(ctx context.Context, id string) error
}

// MainLister 可列出全部 main 客户的后端
type MainLister interface {
	ListMains(ctx context.Context) ([]*model.Record, error)
}

// OverrideWriter 可保存 main 计算字段覆盖标记的后端
type OverrideWriter interface {
	SetOverrides(ctx context.Context, mainID string, overrides map[string]bool) error
}
