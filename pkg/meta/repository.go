package meta

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrStateConflict 表示记录已经不在预期的状态 (被另一个 sweep 或请求推进了)
	ErrStateConflict = errors.New("transfer state changed concurrently")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Begin 记录一次新的上传，状态为 Received
// t.ID 为空时自动生成
func (r *Repository) Begin(ctx context.Context, t *Transfer) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.State = StateReceived
	if err := r.db.GetConn().WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

// Get 按 ID 读取
func (r *Repository) Get(ctx context.Context, id string) (*Transfer, error) {
	var t Transfer
	err := r.db.GetConn().WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Advance 原子地把状态从 from 推进到 to (CAS)
// SQL: UPDATE transfers SET state = ? WHERE id = ? AND state = ?
func (r *Repository) Advance(ctx context.Context, id string, from, to TransferState) error {
	result := r.db.GetConn().WithContext(ctx).
		Model(&Transfer{}).
		Where("id = ? AND state = ?", id, from).
		Update("state", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// 区分 "不存在" 和 "状态已变"
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

// RecordFailure 记录一次转发失败，状态不变
func (r *Repository) RecordFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	result := r.db.GetConn().WithContext(ctx).
		Model(&Transfer{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// Pending 返回所有未结束的记录 (Received 和 Forwarded)，按创建时间排序
func (r *Repository) Pending(ctx context.Context) ([]Transfer, error) {
	var out []Transfer
	err := r.db.GetConn().WithContext(ctx).
		Where("state IN ?", []TransferState{StateReceived, StateForwarded}).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// PendingFor 返回发往同一个目标文件的未结束记录
// remoteDest 是改写后的目标目录 (例如 "~S3/docs")
func (r *Repository) PendingFor(ctx context.Context, fileName, remoteDest string) ([]Transfer, error) {
	var out []Transfer
	err := r.db.GetConn().WithContext(ctx).
		Where("file_name = ? AND remote_dest = ?", fileName, remoteDest).
		Where("state IN ?", []TransferState{StateReceived, StateForwarded}).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// CountByState 统计每个状态的记录数
func (r *Repository) CountByState(ctx context.Context) (map[TransferState]int64, error) {
	var rows []struct {
		State TransferState
		N     int64
	}
	err := r.db.GetConn().WithContext(ctx).
		Model(&Transfer{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[TransferState]int64, len(rows))
	for _, row := range rows {
		out[row.State] = row.N
	}
	return out, nil
}
