package jobs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/ovf"
	"go.uber.org/zap"
)

// AttributeBuilder 根据下载目录中的文件生成目录记录
type AttributeBuilder struct {
	cfg *config.UploadConfig
	log *zap.Logger
}

func NewAttributeBuilder(cfg *config.UploadConfig, log *zap.Logger) *AttributeBuilder {
	return &AttributeBuilder{cfg: cfg, log: log}
}

// Build 生成基本属性；.ova 文件再合并 OVF 描述中的属性，提取失败时保留基本属性
func (b *AttributeBuilder) Build(path, owner string) (*models.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, err, "读取文件信息失败: %s", path)
	}
	if !info.Mode().IsRegular() {
		return nil, errs.InvalidArgument("不是普通文件: %s", path)
	}

	name := filepath.Base(path)
	entry := &models.File{
		Name:     name,
		Label:    name,
		Size:     info.Size(),
		Type:     b.fileType(path, name),
		Owner:    owner,
		Audience: models.AudienceAnyone,
	}

	if strings.EqualFold(filepath.Ext(name), ".ova") {
		attrs, err := ovf.Extract(path)
		if err != nil {
			b.log.Error("提取 OVF 信息失败，使用基本属性", zap.String("path", path), zap.Error(err))
			return entry, nil
		}
		mergeOVF(entry, attrs)
	}
	return entry, nil
}

// fileType U 盘镜像和 zip 归档归为 usb，其余为 vm
func (b *AttributeBuilder) fileType(path, name string) string {
	if b.cfg.IsUSBExt(name) {
		return models.FileTypeUSB
	}
	if mt, err := mimetype.DetectFile(path); err == nil && mt.Is("application/zip") {
		return models.FileTypeUSB
	}
	return models.FileTypeVM
}

func mergeOVF(entry *models.File, attrs *ovf.Attributes) {
	if attrs.Name != "" {
		entry.Label = attrs.Name
	}
	if attrs.Description != nil {
		entry.Description = attrs.Description
	}
	if attrs.CPUs != nil {
		entry.Cores = attrs.CPUs
	}
	if attrs.RAM != nil {
		entry.RAM = attrs.RAM
	}
	if attrs.DiskSize != nil {
		entry.DiskSize = attrs.DiskSize
	}
	if attrs.OSType != nil {
		entry.OSType = attrs.OSType
		entry.OSID = attrs.OSID
	}
}
