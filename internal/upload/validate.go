package upload

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// ValidateChunk 按块流式计算分片的 SHA1 并与客户端给出的值比较，完成后把读取位置复位。
// expected 为空时不做校验直接通过。
func ValidateChunk(r io.ReadSeeker, expected string, blockSize int) (bool, error) {
	if expected == "" {
		return true, nil
	}
	if blockSize <= 0 {
		blockSize = 1024 * 1024
	}

	h := sha1.New()
	_, err := io.CopyBuffer(h, r, make([]byte, blockSize))
	if _, serr := r.Seek(0, io.SeekStart); err == nil && serr != nil {
		err = serr
	}
	if err != nil {
		return false, fmt.Errorf("读取分片失败: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)) == strings.ToLower(expected), nil
}
