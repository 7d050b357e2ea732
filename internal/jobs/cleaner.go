package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/upload"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CleanSummary 清理统计
type CleanSummary struct {
	Uploads int // 被放弃的上传
	Files   int // 删除的分片和临时文件
	Rows    int64
}

// Cleaner 删除长时间没有进展的上传留下的分片，并撤销对应的上传许可
type Cleaner struct {
	layout       upload.Layout
	db           *gorm.DB
	abandonAfter time.Duration
	now          func() time.Time
	log          *zap.Logger
}

func NewCleaner(layout upload.Layout, db *gorm.DB, abandonAfter time.Duration, log *zap.Logger) *Cleaner {
	return &Cleaner{layout: layout, db: db, abandonAfter: abandonAfter, now: time.Now, log: log}
}

type staleUpload struct {
	files  []string
	newest time.Time
}

// Run 有任务文件（待处理、已认领或失败）的上传不会被清理，错误标记需要人工删除
func (c *Cleaner) Run(ctx context.Context) (CleanSummary, error) {
	var sum CleanSummary
	cutoff := c.now().Add(-c.abandonAfter)

	entries, err := os.ReadDir(c.layout.UploadDir)
	if err != nil {
		c.log.Error("读取上传目录失败", zap.String("dir", c.layout.UploadDir), zap.Error(err))
		return sum, errs.Internal(err, "读取上传目录失败")
	}

	uploads := map[string]*staleUpload{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		info, err := e.Info()
		if err != nil {
			continue
		}

		// 写入中断留下的临时文件
		if strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-") {
			if info.ModTime().Before(cutoff) && c.remove(filepath.Join(c.layout.UploadDir, name)) {
				sum.Files++
			}
			continue
		}

		upid, _, ok := upload.ParseChunkName(name)
		if !ok {
			continue
		}
		u := uploads[upid]
		if u == nil {
			u = &staleUpload{}
			uploads[upid] = u
		}
		u.files = append(u.files, filepath.Join(c.layout.UploadDir, name))
		if info.ModTime().After(u.newest) {
			u.newest = info.ModTime()
		}
	}

	for upid, u := range uploads {
		if !u.newest.Before(cutoff) || c.hasMarker(upid) {
			continue
		}
		for _, f := range u.files {
			if c.remove(f) {
				sum.Files++
			}
		}
		rows, err := c.revoke(ctx, upid)
		if err != nil {
			continue
		}
		sum.Uploads++
		sum.Rows += rows
		c.log.Info("已清理被放弃的上传",
			zap.String("upid", upid), zap.Int("chunks", len(u.files)), zap.Time("last_activity", u.newest))
	}

	// 从未上传过分片的许可
	var idle []string
	err = c.db.WithContext(ctx).Model(&models.Upload{}).
		Where("updated_at < ?", cutoff).
		Pluck("id", &idle).Error
	if err != nil {
		c.log.Error("查询过期上传许可失败", zap.Error(err))
		return sum, errs.Internal(err, "查询过期上传许可失败")
	}
	for _, upid := range idle {
		if _, seen := uploads[upid]; seen || c.layout.HasAnyFile(upid) {
			continue
		}
		rows, err := c.revoke(ctx, upid)
		if err == nil {
			sum.Rows += rows
		}
	}

	return sum, nil
}

func (c *Cleaner) hasMarker(upid string) bool {
	if _, err := os.Stat(c.layout.MarkerPath(upid)); err == nil {
		return true
	}
	if _, err := os.Stat(c.layout.ErrorPath(upid)); err == nil {
		return true
	}
	return len(c.layout.ClaimedMarkers(upid)) > 0
}

func (c *Cleaner) remove(path string) bool {
	if err := os.Remove(path); err != nil {
		c.log.Warn("删除文件失败", zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

// revoke 删除上传许可，所有者可以重新上传同名文件
func (c *Cleaner) revoke(ctx context.Context, upid string) (int64, error) {
	tx := c.db.WithContext(ctx).Where("id = ?", upid).Delete(&models.Upload{})
	if tx.Error != nil {
		c.log.Error("删除上传许可失败", zap.String("upid", upid), zap.Error(tx.Error))
		return 0, tx.Error
	}
	return tx.RowsAffected, nil
}
