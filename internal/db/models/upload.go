package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ChunkList 分片到达标记，下标 i 对应分片 i+1
type ChunkList []bool

// Value 实现 driver.Valuer
func (c ChunkList) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]bool(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner
func (c *ChunkList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("无法解析 chunk_list 类型: %T", src)
	}
	var list []bool
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("解析 chunk_list 失败: %w", err)
	}
	*c = list
	return nil
}

// Received 已到达的分片数量
func (c ChunkList) Received() int {
	n := 0
	for _, ok := range c {
		if ok {
			n++
		}
	}
	return n
}

// Upload 上传许可，(owner, filename) 唯一
type Upload struct {
	ID        string    `gorm:"primaryKey;size:36" json:"upid"`
	Owner     string    `gorm:"size:64;not null;uniqueIndex:upload_owner_filename" json:"owner"`
	Filename  string    `gorm:"size:255;not null;uniqueIndex:upload_owner_filename" json:"filename"`
	Size      int64     `gorm:"not null" json:"size"`
	ChunkSize int64     `gorm:"not null" json:"chunksize"`
	Chunks    int       `gorm:"not null" json:"chunks"`
	ChunkList ChunkList `gorm:"column:chunk_list;type:text" json:"chunk_list"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Upload) TableName() string {
	return "upload"
}
