package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"meterdesk/internal/metrics"
)

// DraftStore 草稿存取，按会话 id 区分
type DraftStore interface {
	Save(ctx context.Context, d *Draft) error
	Load(ctx context.Context, sessionID string) (*Draft, error)
	Delete(ctx context.Context, sessionID string) error
}

// FileDrafts 草稿保存为 <dir>/<sessionID>.json（原子替换）
type FileDrafts struct {
	dir string
}

// NewFileDrafts 创建文件草稿存储
func NewFileDrafts(dir string) (*FileDrafts, error) {
	if dir == "" {
		return nil, errors.New("draft dir is required")
	}
	if err := ensureDraftDir(dir); err != nil {
		return nil, err
	}
	return &FileDrafts{dir: dir}, nil
}

func (f *FileDrafts) path(sessionID string) string {
	return filepath.Join(f.dir, filepath.Base(sessionID)+".json")
}

func (f *FileDrafts) Save(_ context.Context, d *Draft) error {
	err := writeDraftFile(f.path(d.SessionID), d)
	metrics.DraftWritesTotal.WithLabelValues("file", metrics.Result(err)).Inc()
	return err
}

func (f *FileDrafts) Load(_ context.Context, sessionID string) (*Draft, error) {
	return readDraftFile(f.path(sessionID))
}

func (f *FileDrafts) Delete(_ context.Context, sessionID string) error {
	return removeDraftFile(f.path(sessionID))
}

const redisDraftPrefix = "meterdesk:draft:"

// RedisDrafts 草稿保存在 redis，键为 meterdesk:draft:<sessionID>
type RedisDrafts struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis 解析 URL 创建客户端并检查连通性
func NewRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// NewRedisDrafts ttl<=0 表示不过期
func NewRedisDrafts(rdb *redis.Client, ttl time.Duration) *RedisDrafts {
	return &RedisDrafts{rdb: rdb, ttl: ttl}
}

func (r *RedisDrafts) Save(ctx context.Context, d *Draft) error {
	b, err := json.Marshal(d)
	if err == nil {
		err = r.rdb.Set(ctx, redisDraftPrefix+d.SessionID, b, r.ttl).Err()
	}
	metrics.DraftWritesTotal.WithLabelValues("redis", metrics.Result(err)).Inc()
	return err
}

func (r *RedisDrafts) Load(ctx context.Context, sessionID string) (*Draft, error) {
	b, err := r.rdb.Get(ctx, redisDraftPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoDraft
	}
	if err != nil {
		return nil, err
	}
	var d Draft
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", sessionID, err)
	}
	return &d, nil
}

func (r *RedisDrafts) Delete(ctx context.Context, sessionID string) error {
	return r.rdb.Del(ctx, redisDraftPrefix+sessionID).Err()
}
