package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/myysophia/coursevm-backend/internal/catalog"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"go.uber.org/zap"
)

// Importer 为下载目录中没有目录记录的文件补建记录
type Importer struct {
	cfg     *config.UploadConfig
	attrs   *AttributeBuilder
	catalog *catalog.Repository
	log     *zap.Logger
}

func NewImporter(cfg *config.UploadConfig, attrs *AttributeBuilder, repo *catalog.Repository, log *zap.Logger) *Importer {
	return &Importer{cfg: cfg, attrs: attrs, catalog: repo, log: log}
}

func (im *Importer) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	if im.cfg.ImportOwner == "" {
		return sum, errs.InvalidArgument("未配置 upload.import_owner")
	}

	entries, err := os.ReadDir(im.cfg.DownloadDir)
	if err != nil {
		im.log.Error("读取下载目录失败", zap.String("dir", im.cfg.DownloadDir), zap.Error(err))
		return sum, errs.Internal(err, "读取下载目录失败")
	}
	known, err := im.catalog.ListNames(ctx)
	if err != nil {
		return sum, err
	}

	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || !im.cfg.IsAllowedExt(name) {
			continue
		}
		if _, ok := known[name]; ok {
			continue
		}
		sum.Total++

		entry, err := im.attrs.Build(filepath.Join(im.cfg.DownloadDir, name), im.cfg.ImportOwner)
		if err != nil {
			sum.Failed++
			im.log.Error("生成目录属性失败", zap.String("name", name), zap.Error(err))
			continue
		}
		id, err := im.catalog.Insert(ctx, entry)
		if err != nil {
			sum.Failed++
			continue
		}
		sum.Succeeded++
		im.log.Info("已导入文件", zap.String("name", name), zap.Uint("file_id", id))
	}
	return sum, nil
}
