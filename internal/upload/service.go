package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/myysophia/coursevm-backend/internal/auth"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Permission 上传许可
type Permission struct {
	UploadID  string `json:"upid"`
	ChunkSize int64  `json:"chunksize"`
	LastChunk int    `json:"lastchunk"`
}

// ChunkRequest Flow.js 每个分片请求携带的参数
type ChunkRequest struct {
	ChunkNumber      int    `form:"flowChunkNumber" json:"flowChunkNumber" binding:"required,min=1"`
	ChunkSize        int64  `form:"flowChunkSize" json:"flowChunkSize" binding:"required,min=1"`
	CurrentChunkSize int64  `form:"flowCurrentChunkSize" json:"flowCurrentChunkSize" binding:"min=0"`
	TotalSize        int64  `form:"flowTotalSize" json:"flowTotalSize" binding:"required,min=1"`
	Identifier       string `form:"flowIdentifier" json:"flowIdentifier" binding:"required,uuid"`
	Filename         string `form:"flowFilename" json:"flowFilename" binding:"required"`
	RelativePath     string `form:"flowRelativePath" json:"flowRelativePath"`
	TotalChunks      int    `form:"flowTotalChunks" json:"flowTotalChunks" binding:"required,min=1"`
	Checksum         string `form:"sha1" json:"sha1" binding:"omitempty,len=40,hexadecimal"`
}

// Service 分片上传会话
type Service struct {
	cfg      *config.UploadConfig
	layout   Layout
	db       *gorm.DB
	resolver auth.PrincipalResolver
	progress *Manager

	// 同一进程内串行更新 chunk_list
	chunkMu sync.Mutex
}

func NewService(cfg *config.UploadConfig, db *gorm.DB, resolver auth.PrincipalResolver, progress *Manager) *Service {
	return &Service{
		cfg:      cfg,
		layout:   Layout{UploadDir: cfg.UploadDir, DownloadDir: cfg.DownloadDir},
		db:       db,
		resolver: resolver,
		progress: progress,
	}
}

func (s *Service) Layout() Layout {
	return s.layout
}

func (s *Service) Progress() *Manager {
	return s.progress
}

// totalChunks ceil(size / chunkSize)
func totalChunks(size, chunkSize int64) int {
	return int((size + chunkSize - 1) / chunkSize)
}

// RequestPermission 申请上传许可，相同 (owner, filename, filesize) 重复调用返回相同的 upid
func (s *Service) RequestPermission(ctx context.Context, owner, filename string, filesize int64) (*Permission, error) {
	if err := s.resolver.ResolveActive(ctx, owner); err != nil {
		return nil, err
	}
	if !ValidFilename(filename) {
		return nil, errs.InvalidArgument("文件名非法: %q", filename)
	}
	if !s.cfg.IsAllowedExt(filename) {
		return nil, errs.InvalidArgument("不支持的文件类型: %s", filename)
	}
	if filesize <= 0 {
		return nil, errs.InvalidArgument("文件大小非法: %d", filesize)
	}
	if filesize > s.cfg.MaxSize {
		return nil, errs.InvalidArgument("文件大小超过上限: %d > %d", filesize, s.cfg.MaxSize)
	}

	up, err := s.findPermission(ctx, owner, filename)
	if err != nil {
		return nil, err
	}
	if up == nil {
		up, err = s.createPermission(ctx, owner, filename, filesize)
		if err != nil {
			return nil, err
		}
	}

	if up.Size != filesize {
		logger.Warn("上传许可已存在但文件大小不一致",
			zap.String("owner", owner),
			zap.String("filename", filename),
			zap.Int64("recorded", up.Size),
			zap.Int64("requested", filesize))
		return nil, errs.Conflict("'%s' 的上传许可已存在，但文件大小不同", filename)
	}

	return &Permission{UploadID: up.ID, ChunkSize: up.ChunkSize, LastChunk: up.Chunks}, nil
}

func (s *Service) findPermission(ctx context.Context, owner, filename string) (*models.Upload, error) {
	var up models.Upload
	err := s.db.WithContext(ctx).Where("owner = ? AND filename = ?", owner, filename).First(&up).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		logger.Error("查询上传许可失败", zap.String("owner", owner), zap.String("filename", filename), zap.Error(err))
		return nil, errs.Internal(err, "查询上传许可失败")
	}
	return &up, nil
}

func (s *Service) createPermission(ctx context.Context, owner, filename string, filesize int64) (*models.Upload, error) {
	chunks := totalChunks(filesize, s.cfg.ChunkSize)
	up := &models.Upload{
		ID:        uuid.NewString(),
		Owner:     owner,
		Filename:  filename,
		Size:      filesize,
		ChunkSize: s.cfg.ChunkSize,
		Chunks:    chunks,
		ChunkList: make(models.ChunkList, chunks),
	}

	err := s.db.WithContext(ctx).Create(up).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 并发请求先插入了同一个 (owner, filename)
		existing, ferr := s.findPermission(ctx, owner, filename)
		if ferr != nil {
			return nil, ferr
		}
		if existing == nil {
			return nil, errs.Internal(err, "上传许可插入冲突后未找到记录")
		}
		return existing, nil
	}
	if err != nil {
		logger.Error("创建上传许可失败",
			zap.String("owner", owner),
			zap.String("filename", filename),
			zap.Int64("size", filesize),
			zap.Error(err))
		return nil, errs.Internal(err, "创建上传许可失败")
	}

	logger.Info("创建上传许可",
		zap.String("upid", up.ID),
		zap.String("owner", owner),
		zap.String("filename", filename),
		zap.Int64("size", filesize),
		zap.Int("chunks", chunks))
	return up, nil
}

// Lookup 按 upid 查询上传许可
func (s *Service) Lookup(ctx context.Context, upid string) (*models.Upload, error) {
	if !ValidUploadID(upid) {
		return nil, errs.InvalidArgument("上传标识非法: %q", upid)
	}
	var up models.Upload
	err := s.db.WithContext(ctx).Where("id = ?", upid).First(&up).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("上传许可不存在: %s", upid)
	}
	if err != nil {
		logger.Error("查询上传许可失败", zap.String("upid", upid), zap.Error(err))
		return nil, errs.Internal(err, "查询上传许可失败")
	}
	return &up, nil
}

// ChunkExists 分片文件是否存在，无副作用
func (s *Service) ChunkExists(upid string, n int) bool {
	if !ValidUploadID(upid) || n < 1 {
		return false
	}
	info, err := os.Stat(s.layout.ChunkPath(upid, n))
	return err == nil && info.Mode().IsRegular()
}

// NameTaken 下载目录中是否已有同名文件（不论是否为普通文件）
func (s *Service) NameTaken(filename string) bool {
	_, err := os.Lstat(s.layout.TargetPath(filename))
	return err == nil
}

// SaveChunk 写入分片，重试时直接覆盖
func (s *Service) SaveChunk(ctx context.Context, upid string, n int, r io.Reader) error {
	if !ValidUploadID(upid) || n < 1 {
		return errs.InvalidArgument("分片参数非法: %s #%d", upid, n)
	}

	path := s.layout.ChunkPath(upid, n)
	tmp, err := os.CreateTemp(s.layout.UploadDir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		logger.Error("创建分片临时文件失败", zap.String("upid", upid), zap.Int("chunk", n), zap.Error(err))
		return errs.Internal(err, "写入分片失败")
	}
	tmpName := tmp.Name()

	reader := NewReader(r, func(read int64) {
		s.progress.UpdateReceived(upid, n, read)
	})
	buf := make([]byte, s.cfg.BlockSize)
	_, err = io.CopyBuffer(tmp, reader, buf)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
		s.progress.UpdateChunk(upid, n, false)
		logger.Error("写入分片失败",
			zap.String("upid", upid),
			zap.Int("chunk", n),
			zap.String("path", path),
			zap.Int64("written", reader.BytesRead()),
			zap.Error(err))
		return errs.Internal(err, "写入分片失败")
	}

	s.progress.UpdateChunk(upid, n, true)
	s.markChunk(ctx, upid, n)
	return nil
}

// markChunk 更新 upload 表中的分片标记，失败只记录日志
func (s *Service) markChunk(ctx context.Context, upid string, n int) {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var up models.Upload
		if err := q.Where("id = ?", upid).First(&up).Error; err != nil {
			return err
		}
		if n > len(up.ChunkList) || up.ChunkList[n-1] {
			return nil
		}
		up.ChunkList[n-1] = true
		result := tx.Model(&models.Upload{}).Where("id = ?", upid).Update("chunk_list", up.ChunkList)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return errs.RowCount(1, result.RowsAffected, "更新分片标记")
		}
		return nil
	})
	if err != nil {
		logger.Warn("更新分片标记失败", zap.String("upid", upid), zap.Int("chunk", n), zap.Error(err))
	}
}

// IsComplete 1..total 的每个分片文件都存在
func (s *Service) IsComplete(upid string, total int) bool {
	if total < 1 {
		return false
	}
	for i := 1; i <= total; i++ {
		if !s.ChunkExists(upid, i) {
			return false
		}
	}
	return true
}

// Complete 所有分片到齐时写入任务标记，每个上传只会写入一次
func (s *Service) Complete(ctx context.Context, job *Job) (bool, error) {
	if !s.IsComplete(job.FlowID, job.Chunks) {
		return false, nil
	}
	if err := job.Validate(); err != nil {
		return false, errs.Wrap(errs.KindInvalidArgument, err, "任务参数非法")
	}

	// 已被认领或已失败的上传不再生成新任务
	if len(s.layout.ClaimedMarkers(job.FlowID)) > 0 {
		return false, nil
	}
	if _, err := os.Stat(s.layout.ErrorPath(job.FlowID)); err == nil {
		return false, nil
	}

	created, err := WriteJobOnce(s.layout.MarkerPath(job.FlowID), job)
	if err != nil {
		logger.Error("创建任务文件失败", zap.String("upid", job.FlowID), zap.Error(err))
		return false, errs.Internal(err, "创建任务文件失败")
	}
	if created {
		s.progress.Finish(job.FlowID)
		logger.Info("上传完成，已创建任务",
			zap.String("upid", job.FlowID),
			zap.String("owner", job.Owner),
			zap.String("filename", job.Filename),
			zap.Int64("size", job.Size),
			zap.Int("chunks", job.Chunks))
	}
	return created, nil
}

// AcceptChunk 处理一个 Flow.js 分片：校验、保存，最后一个分片到达时创建任务
func (s *Service) AcceptChunk(ctx context.Context, owner string, req *ChunkRequest, chunk io.ReadSeeker) (bool, error) {
	if s.NameTaken(req.Filename) {
		return false, errs.Conflict("文件 '%s' 已存在", req.Filename)
	}

	up, err := s.Lookup(ctx, req.Identifier)
	if err != nil {
		return false, err
	}
	if up.Owner != owner {
		return false, errs.Unauthorized("上传许可不属于当前用户")
	}
	if err := checkAgainstPermission(req, up); err != nil {
		return false, err
	}
	if err := checkChunkBody(chunk, up, req.ChunkNumber); err != nil {
		return false, err
	}

	s.progress.Ensure(up.ID, up.Size, up.ChunkSize, up.Chunks)

	if req.Checksum == "" {
		logger.Info("分片未携带校验和，跳过校验", zap.String("upid", up.ID), zap.Int("chunk", req.ChunkNumber))
	} else {
		ok, err := ValidateChunk(chunk, req.Checksum, s.cfg.BlockSize)
		if err != nil {
			return false, errs.Internal(err, "计算分片校验和失败")
		}
		if !ok {
			logger.Error("分片校验和不一致",
				zap.String("upid", up.ID),
				zap.String("filename", up.Filename),
				zap.Int("chunk", req.ChunkNumber),
				zap.String("client", req.Checksum))
			return false, errs.InvalidArgument("分片 %d 校验和不一致", req.ChunkNumber)
		}
	}

	if err := s.SaveChunk(ctx, up.ID, req.ChunkNumber, chunk); err != nil {
		return false, err
	}

	return s.Complete(ctx, &Job{
		Owner:    up.Owner,
		Filename: up.Filename,
		Size:     up.Size,
		Chunks:   up.Chunks,
		FlowID:   up.ID,
	})
}

func checkAgainstPermission(req *ChunkRequest, up *models.Upload) error {
	switch {
	case req.Filename != up.Filename:
		return errs.InvalidArgument("文件名与上传许可不符: %s", req.Filename)
	case req.TotalSize != up.Size:
		return errs.InvalidArgument("文件大小与上传许可不符: %d", req.TotalSize)
	case req.ChunkSize != up.ChunkSize:
		return errs.InvalidArgument("分片大小与上传许可不符: %d", req.ChunkSize)
	case req.TotalChunks != up.Chunks:
		return errs.InvalidArgument("分片数量与上传许可不符: %d", req.TotalChunks)
	case req.ChunkNumber < 1 || req.ChunkNumber > up.Chunks:
		return errs.InvalidArgument("分片序号超出范围: %d", req.ChunkNumber)
	}
	if want := chunkLength(up.Size, up.ChunkSize, req.ChunkNumber); req.CurrentChunkSize != 0 && req.CurrentChunkSize != want {
		return errs.InvalidArgument("分片 %d 长度应为 %d", req.ChunkNumber, want)
	}
	return nil
}

// checkChunkBody 实际收到的字节数必须等于该分片应有的长度
func checkChunkBody(chunk io.ReadSeeker, up *models.Upload, n int) error {
	size, err := chunk.Seek(0, io.SeekEnd)
	if err != nil {
		return errs.Internal(err, "读取分片长度失败")
	}
	if _, err := chunk.Seek(0, io.SeekStart); err != nil {
		return errs.Internal(err, "读取分片长度失败")
	}
	if want := chunkLength(up.Size, up.ChunkSize, n); size != want {
		return errs.InvalidArgument("分片 %d 实际长度 %d，应为 %d", n, size, want)
	}
	return nil
}

// String 便于日志输出
func (p *Permission) String() string {
	return fmt.Sprintf("%s (chunksize=%d, lastchunk=%d)", p.UploadID, p.ChunkSize, p.LastChunk)
}
