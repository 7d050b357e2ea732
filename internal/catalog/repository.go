// Package catalog 维护 file 表：新镜像入库以及校验和的状态变更
package catalog

import (
	"context"
	"errors"

	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Candidate 等待计算校验和的目录记录
type Candidate struct {
	ID   uint
	Name string
}

// Repository file 表的读写
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// 记录执行的 SQL 和参数，便于事后排查
func sqlFields(tx *gorm.DB) []zap.Field {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	return []zap.Field{
		zap.String("sql", tx.Statement.SQL.String()),
		zap.Any("vars", tx.Statement.Vars),
	}
}

func validateEntry(f *models.File) error {
	switch {
	case f.Name == "":
		return errs.InvalidArgument("缺少 name")
	case f.Label == "":
		return errs.InvalidArgument("缺少 label")
	case f.Size <= 0:
		return errs.InvalidArgument("size 非法: %d", f.Size)
	case f.Type != models.FileTypeVM && f.Type != models.FileTypeUSB:
		return errs.InvalidArgument("type 非法: %q", f.Type)
	case f.Owner == "":
		return errs.InvalidArgument("缺少 owner")
	}
	return nil
}

// Insert 插入新的目录记录，name 重复返回 Conflict，其他数据库错误返回 InternalError
func (r *Repository) Insert(ctx context.Context, f *models.File) (uint, error) {
	if err := validateEntry(f); err != nil {
		return 0, err
	}

	tx := r.db.WithContext(ctx).Create(f)
	if err := tx.Error; err != nil {
		fields := append([]zap.Field{zap.String("name", f.Name), zap.Error(err)}, sqlFields(tx)...)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			logger.Error("插入 file 记录失败: 名称重复", fields...)
			return 0, errs.Wrap(errs.KindConflict, err, "文件 '%s' 已在目录中", f.Name)
		}
		logger.Error("插入 file 记录失败", fields...)
		return 0, errs.Internal(err, "插入 file 记录失败")
	}
	if tx.RowsAffected != 1 {
		return 0, errs.RowCount(1, tx.RowsAffected, "插入 file 记录")
	}
	return f.ID, nil
}

func (r *Repository) Get(ctx context.Context, id uint) (*models.File, error) {
	var f models.File
	err := r.db.WithContext(ctx).First(&f, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("文件不存在: %d", id)
	}
	if err != nil {
		logger.Error("查询 file 记录失败", zap.Uint("id", id), zap.Error(err))
		return nil, errs.Internal(err, "查询 file 记录失败")
	}
	return &f, nil
}

func (r *Repository) FindByName(ctx context.Context, name string) (*models.File, error) {
	var f models.File
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("文件不存在: %s", name)
	}
	if err != nil {
		logger.Error("查询 file 记录失败", zap.String("name", name), zap.Error(err))
		return nil, errs.Internal(err, "查询 file 记录失败")
	}
	return &f, nil
}

// FindIDByName 供状态推送使用，找不到时返回 false 而不是错误
func (r *Repository) FindIDByName(ctx context.Context, name string) (uint, bool, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.File{}).Where("name = ?", name).Limit(2).Pluck("id", &ids).Error
	if err != nil {
		return 0, false, err
	}
	switch len(ids) {
	case 0:
		return 0, false, nil
	case 1:
		return ids[0], true, nil
	default:
		return 0, false, errs.RowCount(1, int64(len(ids)), "名称 '%s' 对应多条记录", name)
	}
}

// ListByType includeRestricted 为 false 时只返回所有人可下载的记录
func (r *Repository) ListByType(ctx context.Context, typ string, includeRestricted bool) ([]models.File, error) {
	q := r.db.WithContext(ctx).Model(&models.File{})
	if typ != "" {
		q = q.Where("type = ?", typ)
	}
	if !includeRestricted {
		q = q.Where("downloadable_to = ?", models.AudienceAnyone)
	}

	var files []models.File
	if err := q.Order("name").Find(&files).Error; err != nil {
		logger.Error("查询目录列表失败", zap.String("type", typ), zap.Error(err))
		return nil, errs.Internal(err, "查询目录列表失败")
	}
	return files, nil
}

// ListNames 返回所有已入库的文件名
func (r *Repository) ListNames(ctx context.Context) (map[string]struct{}, error) {
	var names []string
	if err := r.db.WithContext(ctx).Model(&models.File{}).Pluck("name", &names).Error; err != nil {
		return nil, errs.Internal(err, "查询文件名失败")
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set, nil
}

// PendingChecksums 校验和为 NULL 的记录
func (r *Repository) PendingChecksums(ctx context.Context) ([]Candidate, error) {
	var rows []Candidate
	err := r.db.WithContext(ctx).Model(&models.File{}).
		Select("id", "name").
		Where("checksum IS NULL").
		Order("id").
		Scan(&rows).Error
	if err != nil {
		logger.Error("查询待计算校验和的记录失败", zap.Error(err))
		return nil, errs.Internal(err, "查询待计算校验和的记录失败")
	}
	return rows, nil
}

// updateOne 执行单行 UPDATE，受影响行数不为 1 视为错误
func (r *Repository) updateOne(ctx context.Context, op string, id uint, value any, where string, args ...any) error {
	q := r.db.WithContext(ctx).Model(&models.File{}).Where("id = ?", id)
	if where != "" {
		q = q.Where(where, args...)
	}
	tx := q.Update("checksum", value)
	if tx.Error != nil {
		logger.Error(op+"失败", append([]zap.Field{zap.Uint("id", id), zap.Error(tx.Error)}, sqlFields(tx)...)...)
		return errs.Internal(tx.Error, "%s失败", op)
	}
	if tx.RowsAffected != 1 {
		logger.Error(op+"受影响行数异常",
			append([]zap.Field{zap.Uint("id", id), zap.Int64("rows", tx.RowsAffected)}, sqlFields(tx)...)...)
		return errs.RowCount(1, tx.RowsAffected, "%s (id=%d)", op, id)
	}
	return nil
}

// TagScheduled 把 NULL 校验和标记为计算中，防止并发任务重复计算
func (r *Repository) TagScheduled(ctx context.Context, id uint, tag string) error {
	return r.updateOne(ctx, "标记校验和计算中", id, tag, "checksum IS NULL")
}

// SetChecksum 写入计算结果
func (r *Repository) SetChecksum(ctx context.Context, id uint, digest string) error {
	return r.updateOne(ctx, "写入校验和", id, digest, "")
}

// RevertChecksum 计算失败时恢复为 NULL，下一次任务会重新计算
func (r *Repository) RevertChecksum(ctx context.Context, id uint) error {
	return r.updateOne(ctx, "恢复校验和为 NULL", id, gorm.Expr("NULL"), "")
}
