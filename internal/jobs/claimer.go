// Package jobs 后台任务：认领上传完成的任务、组装镜像、写入目录、导入与清理
package jobs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/myysophia/coursevm-backend/internal/upload"
	"go.uber.org/zap"
)

// ClaimedJob 已被当前进程认领的任务
type ClaimedJob struct {
	UploadID string
	Path     string
}

// Claimer 通过重命名任务文件认领任务，同一个任务只会被一个进程认领
type Claimer struct {
	layout   upload.Layout
	claimant string
	log      *zap.Logger
}

// NewClaimer claimant 为空时使用进程号
func NewClaimer(layout upload.Layout, claimant string, log *zap.Logger) *Claimer {
	if claimant == "" {
		claimant = strconv.Itoa(os.Getpid())
	}
	return &Claimer{layout: layout, claimant: claimant, log: log}
}

// Claimant 认领者标识
func (c *Claimer) Claimant() string {
	return c.claimant
}

// ClaimPending 认领上传目录中所有待处理的任务，按路径排序返回
func (c *Claimer) ClaimPending() ([]ClaimedJob, error) {
	markers, err := filepath.Glob(filepath.Join(c.layout.UploadDir, "*"+upload.MarkerSuffix))
	if err != nil {
		return nil, err
	}

	claimed := make([]ClaimedJob, 0, len(markers))
	for _, marker := range markers {
		upid := strings.TrimSuffix(filepath.Base(marker), upload.MarkerSuffix)
		if !upload.ValidUploadID(upid) {
			c.log.Warn("忽略无法识别的任务文件", zap.String("path", marker))
			continue
		}
		// 已失败的上传需要人工处理
		if _, err := os.Stat(c.layout.ErrorPath(upid)); err == nil {
			c.log.Debug("任务存在错误标记，跳过", zap.String("upid", upid))
			continue
		}

		target := c.layout.ClaimedPath(upid, c.claimant)
		if err := os.Rename(marker, target); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// 被其他进程抢先认领
				continue
			}
			c.log.Error("认领任务失败", zap.String("path", marker), zap.Error(err))
			continue
		}
		claimed = append(claimed, ClaimedJob{UploadID: upid, Path: target})
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].Path < claimed[j].Path })
	if len(claimed) > 0 {
		c.log.Info("已认领任务", zap.Int("count", len(claimed)), zap.String("claimant", c.claimant))
	}
	return claimed, nil
}

// Release 把认领的任务文件改回 {upid}.job
func (c *Claimer) Release(cj ClaimedJob) error {
	if err := os.Rename(cj.Path, c.layout.MarkerPath(cj.UploadID)); err != nil {
		return err
	}
	c.log.Info("已交还任务", zap.String("upid", cj.UploadID), zap.String("claimant", c.claimant))
	return nil
}
