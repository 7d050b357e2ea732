package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/upload"
	"go.uber.org/zap"
)

// 组装阶段，写入错误标记文件便于排查
const (
	StageRead     = "read"
	StageAllocate = "allocate"
	StageLocate   = "locate"
	StageCopy     = "copy"
	StageVerify   = "verify"
)

// Failure 错误标记文件的内容
type Failure struct {
	Time     time.Time `json:"time"`
	Stage    string    `json:"stage"`
	UploadID string    `json:"flowid"`
	Filename string    `json:"filename,omitempty"`
	Error    string    `json:"error"`
}

// Assembler 把分片按序号拼接成下载目录中的镜像文件
type Assembler struct {
	layout    upload.Layout
	blockSize int
	log       *zap.Logger
}

func NewAssembler(layout upload.Layout, blockSize int, log *zap.Logger) *Assembler {
	if blockSize <= 0 {
		blockSize = 1 << 20
	}
	return &Assembler{layout: layout, blockSize: blockSize, log: log}
}

// Assemble 组装成功后删除分片并返回目标路径；失败时删除不完整的目标文件、
// 保留分片并写入 {upid}.error
func (a *Assembler) Assemble(job *upload.Job) (string, error) {
	target, chunks, stage, err := a.assemble(job)
	if err != nil {
		a.fail(job.FlowID, job.Filename, stage, err)
		return "", err
	}

	// 只删除拼接过的分片
	for _, c := range chunks {
		if err := os.Remove(c.Path); err != nil {
			a.log.Warn("删除分片失败", zap.String("path", c.Path), zap.Error(err))
		}
	}
	return target, nil
}

func (a *Assembler) assemble(job *upload.Job) (string, []upload.Chunk, string, error) {
	if err := job.Validate(); err != nil {
		return "", nil, StageRead, errs.Wrap(errs.KindInvalidArgument, err, "任务内容非法")
	}
	if !upload.ValidFilename(job.Filename) {
		return "", nil, StageAllocate, errs.InvalidArgument("文件名不能包含路径: %q", job.Filename)
	}

	// 先确认分片齐全，避免无谓地占用磁盘空间
	chunks, err := a.layout.Chunks(job.FlowID)
	if err != nil {
		return "", nil, StageLocate, errs.Internal(err, "查找分片失败")
	}
	if len(chunks) != job.Chunks {
		return "", nil, StageLocate, errs.NotFound("分片缺失: 需要 %d 个，找到 %d 个", job.Chunks, len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i+1 {
			return "", nil, StageLocate, errs.NotFound("分片缺失: #%d", i+1)
		}
	}

	target := a.layout.TargetPath(job.Filename)
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", nil, StageAllocate, errs.InvalidArgument("文件 '%s' 已存在", target)
		}
		return "", nil, StageAllocate, errs.Internal(err, "创建目标文件失败")
	}

	stage, err := a.copyChunks(f, chunks, job.Size)
	if cerr := f.Close(); err == nil && cerr != nil {
		stage, err = StageCopy, errs.Internal(cerr, "关闭目标文件失败")
	}
	if err != nil {
		// 只删除本次创建的文件
		if rerr := os.Remove(target); rerr != nil {
			a.log.Error("删除不完整的目标文件失败", zap.String("path", target), zap.Error(rerr))
		}
		return "", nil, stage, err
	}
	return target, chunks, "", nil
}

func (a *Assembler) copyChunks(f *os.File, chunks []upload.Chunk, size int64) (string, error) {
	if err := f.Truncate(size); err != nil {
		return StageAllocate, errs.Internal(err, "分配目标文件空间失败")
	}

	buf := make([]byte, a.blockSize)
	var total int64
	for _, c := range chunks {
		src, err := os.Open(c.Path)
		if err != nil {
			return StageCopy, errs.Internal(err, "打开分片失败: %s", c.Path)
		}
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				if total+int64(n) > size {
					src.Close()
					return StageVerify, errs.InvalidArgument("分片总大小超过声明的 %d 字节", size)
				}
				if _, err := f.WriteAt(buf[:n], total); err != nil {
					src.Close()
					return StageCopy, errs.Internal(err, "写入目标文件失败")
				}
				total += int64(n)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				src.Close()
				return StageCopy, errs.Internal(rerr, "读取分片失败: %s", c.Path)
			}
		}
		src.Close()
	}

	if total != size {
		return StageVerify, errs.InvalidArgument("组装后大小 %d 与声明的 %d 不符", total, size)
	}
	return "", nil
}

// fail 记录失败并写入错误标记，错误标记存在时任务不会被再次认领
func (a *Assembler) fail(upid, filename, stage string, cause error) {
	a.log.Error("组装镜像失败",
		zap.String("upid", upid),
		zap.String("filename", filename),
		zap.String("stage", stage),
		zap.Error(cause))

	if err := WriteFailure(a.layout, Failure{
		Time:     time.Now(),
		Stage:    stage,
		UploadID: upid,
		Filename: filename,
		Error:    cause.Error(),
	}); err != nil {
		a.log.Error("写入错误标记失败", zap.String("upid", upid), zap.Error(err))
	}
}

// WriteFailure 写入 {upid}.error
func WriteFailure(layout upload.Layout, f Failure) error {
	if !upload.ValidUploadID(f.UploadID) {
		return fmt.Errorf("上传标识非法: %q", f.UploadID)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(layout.ErrorPath(f.UploadID), data, 0644)
}
