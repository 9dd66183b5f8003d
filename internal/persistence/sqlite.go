package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"meterdesk/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

// 定长时间格式，保证按字符串排序即按时间排序
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite 基于 SQLite 的持久化实现
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ Adapter        = (*SQLite)(nil)
	_ MainLister     = (*SQLite)(nil)
	_ OverrideWriter = (*SQLite)(nil)
)

// NewSQLite 打开（必要时创建）数据库并初始化表结构
func NewSQLite(dbPath string) (*SQLite, error) {
	// 确保 data 目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite 建议单连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := s.db.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping 健康检查
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectClient = `SELECT id, level, COALESCE(parent_id, ''), role, attrs, overrides FROM clients`

// FetchMain 读取 main 记录
func (s *SQLite) FetchMain(ctx context.Context, id string) (*model.Record, error) {
	rec, err := s.fetchOne(ctx, id, model.LevelMain)
	if err != nil {
		return nil, err
	}
	if err := s.attachHistory(ctx, []*model.Record{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// FetchSubsOf 按顺序读取 main 下的 sub
func (s *SQLite) FetchSubsOf(ctx context.Context, mainID string) ([]*model.Record, error) {
	return s.fetchChildren(ctx, mainID, model.LevelSub)
}

// FetchPartsOf 按顺序读取 sub 下的 part（auto 在前）
func (s *SQLite) FetchPartsOf(ctx context.Context, subID string) ([]*model.Record, error) {
	return s.fetchChildren(ctx, subID, model.LevelPart)
}

// ListMains 列出全部 main（不含历史）
func (s *SQLite) ListMains(ctx context.Context) ([]*model.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectClient+` WHERE level = ? ORDER BY created_at, id`, model.LevelMain)
	if err != nil {
		return nil, fmt.Errorf("list mains: %w", err)
	}
	defer rows.Close()
	return scanClients(rows)
}

func (s *SQLite) fetchOne(ctx context.Context, id string, level model.Level) (*model.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectClient+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", level, id, err)
	}
	defer rows.Close()

	list, err := scanClients(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, level, id)
	}
	if list[0].Level != level {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrWrongLevel, id, list[0].Level, level)
	}
	return list[0], nil
}

func (s *SQLite) fetchChildren(ctx context.Context, parentID string, level model.Level) ([]*model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectClient+` WHERE parent_id = ? AND level = ? ORDER BY position, created_at`, parentID, level)
	if err != nil {
		return nil, fmt.Errorf("fetch %s of %s: %w", level, parentID, err)
	}
	list, err := scanClients(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := s.attachHistory(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func scanClients(rows *sql.Rows) ([]*model.Record, error) {
	var out []*model.Record
	for rows.Next() {
		var (
			rec                  model.Record
			level, role          string
			attrsJSON, overrides string
		)
		if err := rows.Scan(&rec.ID, &level, &rec.ParentID, &role, &attrsJSON, &overrides); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		rec.Level = model.Level(level)
		rec.Role = model.PartRole(role)
		rec.Persisted = true
		if err := json.Unmarshal([]byte(attrsJSON), &rec.Attrs); err != nil {
			return nil, fmt.Errorf("decode attrs of %s: %w", rec.ID, err)
		}
		if rec.Attrs == nil {
			rec.Attrs = model.Attrs{}
		}
		if err := json.Unmarshal([]byte(overrides), &rec.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides of %s: %w", rec.ID, err)
		}
		if len(rec.Overrides) == 0 {
			rec.Overrides = nil
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// attachHistory 为记录加载变更历史（按时间升序）
func (s *SQLite) attachHistory(ctx context.Context, recs []*model.Record) error {
	for _, rec := range recs {
		rows, err := s.db.QueryContext(ctx,
			`SELECT field_name, old_value, new_value, updated_at FROM change_records
			 WHERE client_id = ? ORDER BY updated_at, id`, rec.ID)
		if err != nil {
			return fmt.Errorf("fetch history of %s: %w", rec.ID, err)
		}
		for rows.Next() {
			var c model.ChangeRecord
			var at string
			if err := rows.Scan(&c.FieldName, &c.OldValue, &c.NewValue, &at); err != nil {
				rows.Close()
				return fmt.Errorf("scan history: %w", err)
			}
			c.UpdatedAt, _ = time.Parse(timeLayout, at)
			rec.History = append(rec.History, c)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateMain 新建 main，返回分配的 id
func (s *SQLite) CreateMain(ctx context.Context, rec *model.Record) (string, error) {
	return s.create(ctx, rec, model.LevelMain, "")
}

// CreateSub 在 rec.ParentID 指向的 main 下追加 sub
func (s *SQLite) CreateSub(ctx context.Context, rec *model.Record) (string, error) {
	return s.create(ctx, rec, model.LevelSub, model.LevelMain)
}

// CreatePart 在 rec.ParentID 指向的 sub 下追加 part
func (s *SQLite) CreatePart(ctx context.Context, rec *model.Record) (string, error) {
	return s.create(ctx, rec, model.LevelPart, model.LevelSub)
}

func (s *SQLite) create(ctx context.Context, rec *model.Record, level, parentLevel model.Level) (string, error) {
	attrs, err := json.Marshal(rec.Attrs)
	if err != nil {
		return "", fmt.Errorf("encode attrs: %w", err)
	}
	overrides, err := encodeOverrides(rec.Overrides)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var parent sql.NullString
	position := 0
	if parentLevel != "" {
		var got string
		err := tx.QueryRowContext(ctx, `SELECT level FROM clients WHERE id = ?`, rec.ParentID).Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: parent %s %s", ErrNotFound, parentLevel, rec.ParentID)
		}
		if err != nil {
			return "", err
		}
		if model.Level(got) != parentLevel {
			return "", fmt.Errorf("%w: parent %s is %s", ErrWrongLevel, rec.ParentID, got)
		}
		parent = sql.NullString{String: rec.ParentID, Valid: true}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM clients WHERE parent_id = ?`, rec.ParentID).Scan(&position); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	now := s.now().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO clients (id, level, parent_id, position, role, attrs, overrides, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, level, parent, position, rec.Role, string(attrs), overrides, now, now); err != nil {
		return "", fmt.Errorf("insert %s: %w", level, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// PatchField 修改单个字段并追加变更记录（同一事务）
func (s *SQLite) PatchField(ctx context.Context, level model.Level, id, fieldID, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var got, attrsJSON string
	err = tx.QueryRowContext(ctx, `SELECT level, attrs FROM clients WHERE id = ?`, id).Scan(&got, &attrsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, level, id)
	}
	if err != nil {
		return err
	}
	if model.Level(got) != level {
		return fmt.Errorf("%w: %s is %s, not %s", ErrWrongLevel, id, got, level)
	}

	attrs := model.Attrs{}
	if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
		return fmt.Errorf("decode attrs of %s: %w", id, err)
	}
	old := attrs.Get(fieldID)
	if old == value {
		return tx.Commit()
	}
	attrs.Set(fieldID, value)
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return err
	}

	now := s.now().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `UPDATE clients SET attrs = ?, updated_at = ? WHERE id = ?`, string(encoded), now, id); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO change_records (client_id, field_name, old_value, new_value, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, fieldID, old, value, now); err != nil {
		return fmt.Errorf("append change record: %w", err)
	}
	return tx.Commit()
}

// SetOverrides 保存 main 的覆盖标记
func (s *SQLite) SetOverrides(ctx context.Context, mainID string, overrides map[string]bool) error {
	encoded, err := encodeOverrides(overrides)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET overrides = ?, updated_at = ? WHERE id = ? AND level = ?`,
		encoded, s.now().Format(timeLayout), mainID, model.LevelMain)
	if err != nil {
		return fmt.Errorf("update overrides: %w", err)
	}
	return expectOne(res, model.LevelMain, mainID)
}

// DeleteSub 删除 sub，其 part 与变更记录随外键级联删除
func (s *SQLite) DeleteSub(ctx context.Context, id string) error {
	return s.delete(ctx, model.LevelSub, id)
}

// DeletePart 删除 part
func (s *SQLite) DeletePart(ctx context.Context, id string) error {
	return s.delete(ctx, model.LevelPart, id)
}

func (s *SQLite) delete(ctx context.Context, level model.Level, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ? AND level = ?`, id, level)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", level, id, err)
	}
	return expectOne(res, level, id)
}

func expectOne(res sql.Result, level model.Level, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, level, id)
	}
	return nil
}

func encodeOverrides(overrides map[string]bool) (string, error) {
	if len(overrides) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(overrides)
	if err != nil {
		return "", fmt.Errorf("encode overrides: %w", err)
	}
	return string(b), nil
}
