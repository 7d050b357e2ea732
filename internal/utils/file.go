package utils

import (
	"fmt"
	"path"
	"time"
)

// MirrorObjectKey 镜像文件在对象存储中的键名
// 格式为 owner/年月/文件名，例如: jasata/202009/DTEK0068.ova
func MirrorObjectKey(owner, filename string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s", owner, at.Format("200601"), path.Base(filename))
}
