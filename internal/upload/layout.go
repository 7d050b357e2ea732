package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// 上传目录中的文件后缀
const (
	MarkerSuffix = ".job"
	ErrorSuffix  = ".error"
)

// Layout 上传目录与下载目录中的文件命名规则
//
//	{upid}.{n:04d}       分片
//	{upid}.job           待处理任务
//	{upid}.job.{pid}     已被某个进程认领的任务
//	{upid}.error         处理失败的诊断信息
type Layout struct {
	UploadDir   string
	DownloadDir string
}

// Chunk 上传目录中的一个分片文件
type Chunk struct {
	Index int
	Path  string
	Size  int64
}

func (l Layout) ChunkPath(upid string, n int) string {
	return filepath.Join(l.UploadDir, fmt.Sprintf("%s.%04d", upid, n))
}

func (l Layout) MarkerPath(upid string) string {
	return filepath.Join(l.UploadDir, upid+MarkerSuffix)
}

func (l Layout) ErrorPath(upid string) string {
	return filepath.Join(l.UploadDir, upid+ErrorSuffix)
}

// ClaimedPath 认领后的任务文件名
func (l Layout) ClaimedPath(upid, claimant string) string {
	return l.MarkerPath(upid) + "." + claimant
}

// ClaimedMarkers 返回该上传已被认领的任务文件
func (l Layout) ClaimedMarkers(upid string) []string {
	matches, _ := filepath.Glob(filepath.Join(l.UploadDir, upid+MarkerSuffix+".*"))
	return matches
}

// TargetPath 组装结果在下载目录中的路径
func (l Layout) TargetPath(filename string) string {
	return filepath.Join(l.DownloadDir, filename)
}

// HasAnyFile 上传目录中是否还有属于该上传的文件（分片或任务标记）
func (l Layout) HasAnyFile(upid string) bool {
	matches, _ := filepath.Glob(filepath.Join(l.UploadDir, upid+".*"))
	return len(matches) > 0
}

// Chunks 查找属于 upid 的所有分片，按分片序号升序返回
func (l Layout) Chunks(upid string) ([]Chunk, error) {
	matches, err := filepath.Glob(filepath.Join(l.UploadDir, upid+".[0-9]*"))
	if err != nil {
		return nil, fmt.Errorf("查找分片失败: %w", err)
	}

	chunks := make([]Chunk, 0, len(matches))
	for _, path := range matches {
		id, n, ok := ParseChunkName(filepath.Base(path))
		if !ok || id != upid {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("读取分片信息失败: %w", err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		chunks = append(chunks, Chunk{Index: n, Path: path, Size: info.Size()})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// ParseChunkName 解析 "{upid}.{n}" 形式的分片文件名
func ParseChunkName(name string) (string, int, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 || strings.IndexByte(name[:dot], '.') >= 0 {
		return "", 0, false
	}
	suffix := name[dot+1:]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return "", 0, false
		}
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 1 {
		return "", 0, false
	}
	return name[:dot], n, true
}

// ValidUploadID 上传标识必须是 UUID，防止路径穿越
func ValidUploadID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && !strings.ContainsAny(id, `/\`)
}

// ValidFilename 只接受不含路径的普通文件名
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return filepath.Base(name) == name
}
