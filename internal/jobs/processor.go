package jobs

import (
	"context"
	"os"
	"time"

	"github.com/myysophia/coursevm-backend/internal/catalog"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/oss"
	"github.com/myysophia/coursevm-backend/internal/upload"
	"github.com/myysophia/coursevm-backend/internal/utils"
	"go.uber.org/zap"
)

// Summary 一次后台任务的统计
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Processor 认领任务、组装镜像并写入目录
type Processor struct {
	claimer   *Claimer
	assembler *Assembler
	attrs     *AttributeBuilder
	catalog   *catalog.Repository
	mirror    oss.Storage
	log       *zap.Logger
}

// NewProcessor mirror 为 nil 时不同步到对象存储
func NewProcessor(claimer *Claimer, assembler *Assembler, attrs *AttributeBuilder, repo *catalog.Repository, mirror oss.Storage, log *zap.Logger) *Processor {
	return &Processor{
		claimer:   claimer,
		assembler: assembler,
		attrs:     attrs,
		catalog:   repo,
		mirror:    mirror,
		log:       log,
	}
}

// Run 处理所有待处理任务，单个任务失败不影响其他任务
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	claimed, err := p.claimer.ClaimPending()
	if err != nil {
		p.log.Error("生成任务列表失败", zap.Error(err))
		return sum, errs.Internal(err, "生成任务列表失败")
	}
	sum.Total = len(claimed)

	for i, cj := range claimed {
		if ctx.Err() != nil {
			// 未处理的任务交还给下一次运行
			for _, rest := range claimed[i:] {
				p.release(rest)
				sum.Failed++
			}
			p.log.Warn("任务被取消", zap.Int("released", len(claimed)-i), zap.Error(ctx.Err()))
			return sum, errs.Wrap(errs.KindTimeout, ctx.Err(), "任务被取消，%d 个任务未处理", len(claimed)-i)
		}
		jobStart := time.Now()
		id, ok := p.process(ctx, cj)
		if !ok {
			sum.Failed++
			continue
		}
		sum.Succeeded++
		p.log.Info("镜像处理完成",
			zap.String("upid", cj.UploadID),
			zap.Uint("file_id", id),
			zap.Duration("elapsed", time.Since(jobStart)))
	}

	if sum.Total > 0 {
		p.log.Info("任务处理结束",
			zap.Int("succeeded", sum.Succeeded),
			zap.Int("total", sum.Total),
			zap.Duration("elapsed", time.Since(start)))
	}
	return sum, nil
}

// release 交还认领，失败时写入错误标记，避免任务一直停留在认领状态
func (p *Processor) release(cj ClaimedJob) {
	err := p.claimer.Release(cj)
	if err == nil {
		return
	}
	p.log.Error("交还任务失败", zap.String("path", cj.Path), zap.Error(err))
	if werr := WriteFailure(p.claimer.layout, Failure{
		Time: time.Now(), Stage: StageRead, UploadID: cj.UploadID, Error: "任务被取消且无法交还: " + err.Error(),
	}); werr != nil {
		p.log.Error("写入错误标记失败", zap.String("upid", cj.UploadID), zap.Error(werr))
	}
}

func (p *Processor) process(ctx context.Context, cj ClaimedJob) (uint, bool) {
	job, err := upload.ReadJob(cj.Path)
	if err != nil {
		p.log.Error("读取任务文件失败", zap.String("path", cj.Path), zap.Error(err))
		if werr := WriteFailure(p.claimer.layout, Failure{
			Time: time.Now(), Stage: StageRead, UploadID: cj.UploadID, Error: err.Error(),
		}); werr != nil {
			p.log.Error("写入错误标记失败", zap.String("upid", cj.UploadID), zap.Error(werr))
		}
		return 0, false
	}

	target, err := p.assembler.Assemble(job)
	if err != nil {
		// 错误信息已写入错误标记文件
		return 0, false
	}
	if err := os.Remove(cj.Path); err != nil {
		p.log.Warn("删除任务文件失败", zap.String("path", cj.Path), zap.Error(err))
	}

	entry, err := p.attrs.Build(target, job.Owner)
	if err != nil {
		p.log.Error("生成目录属性失败", zap.String("path", target), zap.Error(err))
		return 0, false
	}

	id, err := p.catalog.Insert(ctx, entry)
	if err != nil {
		if errs.Is(err, errs.KindConflict) {
			p.log.Error("目录中已有同名文件，需要重命名后重新导入",
				zap.String("name", entry.Name), zap.String("path", target), zap.Error(err))
		} else {
			p.log.Error("写入目录失败", zap.String("name", entry.Name), zap.Error(err))
		}
		return 0, false
	}

	p.mirrorFile(ctx, target, job.Owner, entry.Size)
	return id, true
}

// mirrorFile 同步到对象存储，失败只记录日志
func (p *Processor) mirrorFile(ctx context.Context, path, owner string, size int64) {
	if p.mirror == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		p.log.Error("打开镜像文件失败", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	key := utils.MirrorObjectKey(owner, path, time.Now())
	if err := p.mirror.Upload(ctx, key, f, size); err != nil {
		p.log.Error("同步镜像到对象存储失败",
			zap.String("storage", p.mirror.GetType()), zap.String("key", key), zap.Error(err))
		return
	}
	p.log.Info("镜像已同步到对象存储",
		zap.String("storage", p.mirror.GetType()),
		zap.String("bucket", p.mirror.GetBucketName()),
		zap.String("key", key))
}
