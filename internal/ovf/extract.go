// Package ovf 从 OVA 归档中的 OVF 描述文件提取虚拟机属性
package ovf

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrNotArchive    = errors.New("不是 tar 格式的 OVA 归档")
	ErrNoDescriptor  = errors.New("OVA 中没有 .ovf 文件")
	ErrMalformed     = errors.New("OVF 描述文件无法解析")
	ErrUnknownOSType = errors.New("未知的操作系统类型代码")
)

// maxDescriptorSize OVF 描述文件的大小上限
const maxDescriptorSize = 16 << 20

// Extract 打开 OVA 归档，解析其中第一个 .ovf 成员
func Extract(archivePath string) (*Attributes, error) {
	mt, err := mimetype.DetectFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("识别文件类型失败: %w", err)
	}
	if !mt.Is("application/x-tar") {
		return nil, fmt.Errorf("%w: %s", ErrNotArchive, mt.String())
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("打开 OVA 失败: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, ErrNoDescriptor
		}
		if err != nil {
			return nil, fmt.Errorf("读取 OVA 失败: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.EqualFold(path.Ext(hdr.Name), ".ovf") {
			continue
		}
		if hdr.Size > maxDescriptorSize {
			return nil, fmt.Errorf("%w: %s 过大 (%d bytes)", ErrMalformed, hdr.Name, hdr.Size)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxDescriptorSize))
		if err != nil {
			return nil, fmt.Errorf("读取 %s 失败: %w", hdr.Name, err)
		}
		return ParseDescriptor(data)
	}
}
