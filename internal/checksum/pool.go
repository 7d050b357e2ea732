// Package checksum 为目录中缺少校验和的镜像计算 SHA1
package checksum

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/myysophia/coursevm-backend/internal/catalog"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type TaskKind int

const (
	TaskCompute TaskKind = iota
	TaskShutdown
)

// Task 队列中的任务，TaskShutdown 通知工作协程退出
type Task struct {
	Kind TaskKind
	ID   uint
	Name string
}

// Result 工作协程上报的结果；Done 为 true 表示该协程已退出
type Result struct {
	Worker    int
	Task      Task
	Digest    string
	Err       error
	Done      bool
	Completed int
}

// ConnFactory 为每个工作协程打开独立的数据库连接
type ConnFactory func() (*gorm.DB, error)

// Summary 一次运行的统计
type Summary struct {
	Eligible  int
	Scheduled int
	Workers   int
	Completed int
	Failed    int
}

type Pool struct {
	repo        *catalog.Repository
	open        ConnFactory
	downloadDir string
	blockSize   int
	maxWorkers  int
	pid         int
	now         func() time.Time
	log         *zap.Logger
}

// NewPool repo 用于协调者自身的查询和标记，工作协程通过 open 获取各自的连接
func NewPool(repo *catalog.Repository, open ConnFactory, downloadDir string, blockSize, maxWorkers int) *Pool {
	if blockSize <= 0 {
		blockSize = 1 << 20
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Pool{
		repo:        repo,
		open:        open,
		downloadDir: downloadDir,
		blockSize:   blockSize,
		maxWorkers:  maxWorkers,
		pid:         os.Getpid(),
		now:         time.Now,
		log:         logger.Named("checksum"),
	}
}

// ScheduledTag 写入 checksum 列的占位内容，表示该记录正在计算
func ScheduledTag(pid int, at time.Time) string {
	return fmt.Sprintf("Process (%d) scheduled SHA1 calculation on %s", pid, at.Format(time.RFC3339))
}

// Run 标记所有待计算的记录，然后用工作协程并行计算
func (p *Pool) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	candidates, err := p.repo.PendingChecksums(ctx)
	if err != nil {
		return sum, err
	}
	sum.Eligible = len(candidates)
	if len(candidates) == 0 {
		p.log.Debug("没有需要计算校验和的文件")
		return sum, nil
	}
	p.log.Info("发现需要计算校验和的文件", zap.Int("count", len(candidates)))

	tag := ScheduledTag(p.pid, p.now())
	tasks := make([]Task, 0, len(candidates))
	for _, c := range candidates {
		if err := p.repo.TagScheduled(ctx, c.ID, tag); err != nil {
			// 其他进程可能已经抢先标记
			p.log.Warn("标记校验和计算中失败，跳过", zap.Uint("id", c.ID), zap.String("name", c.Name), zap.Error(err))
			continue
		}
		tasks = append(tasks, Task{Kind: TaskCompute, ID: c.ID, Name: c.Name})
	}
	sum.Scheduled = len(tasks)
	if len(tasks) == 0 {
		return sum, nil
	}

	workers := min(p.maxWorkers, len(tasks))
	sum.Workers = workers

	queue := make(chan Task, len(tasks)+workers)
	for _, t := range tasks {
		queue <- t
	}
	for i := 0; i < workers; i++ {
		queue <- Task{Kind: TaskShutdown}
	}
	results := make(chan Result, len(tasks)+workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			p.worker(gctx, id, queue, results)
			return nil
		})
	}

	pending := make(map[uint]Task, len(tasks))
	for _, t := range tasks {
		pending[t.ID] = t
	}
	for done := 0; done < workers; {
		r := <-results
		if r.Done {
			done++
			if r.Err != nil {
				p.log.Error("校验和工作协程异常退出", zap.Int("worker", r.Worker), zap.Error(r.Err))
			} else {
				p.log.Debug("校验和工作协程退出", zap.Int("worker", r.Worker), zap.Int("completed", r.Completed))
			}
			continue
		}
		delete(pending, r.Task.ID)
		if r.Err != nil {
			sum.Failed++
			p.log.Error("计算校验和失败",
				zap.Int("worker", r.Worker), zap.Uint("id", r.Task.ID), zap.String("name", r.Task.Name), zap.Error(r.Err))
			continue
		}
		sum.Completed++
	}
	_ = g.Wait()

	// 没有被任何工作协程处理的任务（连接失败或被取消）恢复为 NULL
	if len(pending) > 0 {
		bg := context.WithoutCancel(ctx)
		for id, t := range pending {
			sum.Failed++
			if err := p.repo.RevertChecksum(bg, id); err != nil {
				p.log.Error("恢复校验和为 NULL 失败", zap.Uint("id", id), zap.String("name", t.Name), zap.Error(err))
			}
		}
	}

	p.log.Info("校验和计算结束",
		zap.Int("scheduled", sum.Scheduled),
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed),
		zap.Int("workers", sum.Workers))
	return sum, nil
}

// worker 从队列取任务直到收到 TaskShutdown
func (p *Pool) worker(ctx context.Context, id int, queue <-chan Task, results chan<- Result) {
	conn, err := p.open()
	if err != nil {
		results <- Result{Worker: id, Done: true, Err: fmt.Errorf("打开数据库连接失败: %w", err)}
		return
	}
	if sqlDB, err := conn.DB(); err == nil {
		defer sqlDB.Close()
	}
	repo := catalog.NewRepository(conn)
	// 已取到的任务要写回结果，不能随取消中断
	wctx := context.WithoutCancel(ctx)

	completed := 0
	for {
		select {
		case <-ctx.Done():
			results <- Result{Worker: id, Done: true, Completed: completed}
			return
		case task := <-queue:
			if task.Kind == TaskShutdown {
				results <- Result{Worker: id, Done: true, Completed: completed}
				return
			}

			digest, err := p.compute(wctx, repo, task)
			if err != nil {
				if rerr := repo.RevertChecksum(wctx, task.ID); rerr != nil {
					p.log.Error("恢复校验和为 NULL 失败", zap.Int("worker", id), zap.Uint("id", task.ID), zap.Error(rerr))
				}
				results <- Result{Worker: id, Task: task, Err: err}
				continue
			}
			completed++
			results <- Result{Worker: id, Task: task, Digest: digest}
		}
	}
}

func (p *Pool) compute(ctx context.Context, repo *catalog.Repository, task Task) (string, error) {
	if task.Name == "" || filepath.Base(task.Name) != task.Name {
		return "", errs.InvalidArgument("文件名非法: %q", task.Name)
	}
	path := filepath.Join(p.downloadDir, task.Name)

	start := time.Now()
	digest, err := HashFile(path, p.blockSize)
	if err != nil {
		return "", err
	}
	if err := repo.SetChecksum(ctx, task.ID, digest); err != nil {
		return "", err
	}
	p.log.Info("文件校验和计算完成",
		zap.Uint("id", task.ID),
		zap.String("name", task.Name),
		zap.String("sha1", digest),
		zap.Duration("elapsed", time.Since(start)))
	return digest, nil
}

// HashFile 按块读取文件计算 SHA1，返回十六进制字符串
func HashFile(path string, blockSize int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.KindNotFound, err, "打开文件失败: %s", path)
	}
	defer f.Close()

	h := sha1.New()
	buf := make([]byte, blockSize)
	for {
		n, err := f.Read(buf)
		h.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errs.Internal(err, "读取文件失败: %s", path)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
