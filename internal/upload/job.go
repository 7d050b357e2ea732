package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Job 任务标记文件的内容
type Job struct {
	Owner    string `json:"owner"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Chunks   int    `json:"chunks"`
	FlowID   string `json:"flowid"`
}

// Validate 检查任务内容是否完整
func (j *Job) Validate() error {
	switch {
	case j.Owner == "":
		return errors.New("任务缺少 owner")
	case !ValidFilename(j.Filename):
		return fmt.Errorf("任务文件名非法: %q", j.Filename)
	case j.Size <= 0:
		return fmt.Errorf("任务文件大小非法: %d", j.Size)
	case j.Chunks <= 0:
		return fmt.Errorf("任务分片数非法: %d", j.Chunks)
	case !ValidUploadID(j.FlowID):
		return fmt.Errorf("任务上传标识非法: %q", j.FlowID)
	}
	return nil
}

// ReadJob 读取并校验任务标记文件
func ReadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取任务文件失败: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("解析任务文件失败: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// WriteJobOnce 原子地创建任务标记文件，已存在时返回 false
func WriteJobOnce(path string, job *Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("序列化任务失败: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("创建临时任务文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("写入临时任务文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("关闭临时任务文件失败: %w", err)
	}

	// link 在目标存在时失败，认领进程只会看到完整的任务文件
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("创建任务文件失败: %w", err)
	}
	return true, nil
}
