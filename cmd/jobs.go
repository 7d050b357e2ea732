package main

import (
	"fmt"

	"github.com/myysophia/coursevm-backend/internal/catalog"
	"github.com/myysophia/coursevm-backend/internal/checksum"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/db"
	"github.com/myysophia/coursevm-backend/internal/jobs"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"github.com/myysophia/coursevm-backend/internal/oss"
	"github.com/myysophia/coursevm-backend/internal/upload"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 后台任务由 cron 或 systemd timer 调度，每次调用处理当前积压的全部工作

func layout(cfg *config.Config) upload.Layout {
	return upload.Layout{UploadDir: cfg.Upload.UploadDir, DownloadDir: cfg.Upload.DownloadDir}
}

func assembleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "assemble",
		Short: "认领已完成的上传，组装镜像并写入目录",
		RunE: withConfig(configPath, func(cmd *cobra.Command, cfg *config.Config) error {
			log := logger.Named("assemble")

			mirror, err := oss.NewStorageFactory(&cfg.OSS).Mirror()
			if err != nil {
				return fmt.Errorf("初始化对象存储失败: %w", err)
			}

			p := jobs.NewProcessor(
				jobs.NewClaimer(layout(cfg), "", log),
				jobs.NewAssembler(layout(cfg), cfg.Upload.BlockSize, log),
				jobs.NewAttributeBuilder(&cfg.Upload, log),
				catalog.NewRepository(db.GetDB()),
				mirror,
				log,
			)
			sum, err := p.Run(cmd.Context())
			if err != nil {
				return err
			}
			if sum.Failed > 0 {
				return fmt.Errorf("%d/%d 个任务失败", sum.Failed, sum.Total)
			}
			return nil
		}),
	}
}

func checksumCmd(configPath *string) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "checksum",
		Short: "为没有校验和的目录记录计算 SHA1",
		RunE: withConfig(configPath, func(cmd *cobra.Command, cfg *config.Config) error {
			if workers <= 0 {
				workers = cfg.Checksum.WorkerCount()
			}
			pool := checksum.NewPool(
				catalog.NewRepository(db.GetDB()),
				func() (*gorm.DB, error) { return db.Open(&cfg.Database) },
				cfg.Upload.DownloadDir,
				cfg.Upload.BlockSize,
				workers,
			)
			sum, err := pool.Run(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("校验和计算结束",
				zap.Int("eligible", sum.Eligible),
				zap.Int("completed", sum.Completed),
				zap.Int("failed", sum.Failed))
			return nil
		}),
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "工作协程数量上限 (默认使用 checksum.workers)")
	return cmd
}

func importCmd(configPath *string) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "为下载目录中没有目录记录的文件补建记录",
		RunE: withConfig(configPath, func(cmd *cobra.Command, cfg *config.Config) error {
			if owner != "" {
				cfg.Upload.ImportOwner = owner
			}
			log := logger.Named("import")
			im := jobs.NewImporter(&cfg.Upload, jobs.NewAttributeBuilder(&cfg.Upload, log), catalog.NewRepository(db.GetDB()), log)
			sum, err := im.Run(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("导入结束", zap.Int("succeeded", sum.Succeeded), zap.Int("failed", sum.Failed))
			return nil
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "导入文件的所有者 (默认使用 upload.import_owner)")
	return cmd
}

func cleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "删除被放弃的上传留下的分片",
		RunE: withConfig(configPath, func(cmd *cobra.Command, cfg *config.Config) error {
			log := logger.Named("cleanup")
			c := jobs.NewCleaner(layout(cfg), db.GetDB(), cfg.Upload.AbandonAfter, log)
			sum, err := c.Run(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("清理结束",
				zap.Int("uploads", sum.Uploads),
				zap.Int("files", sum.Files),
				zap.Int64("rows", sum.Rows))
			return nil
		}),
	}
}
