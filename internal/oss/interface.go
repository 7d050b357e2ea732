package oss

import (
	"context"
	"io"
)

// 存储类型枚举
const (
	StorageTypeAliyunOSS = "ALIYUN_OSS"
	StorageTypeAWSS3     = "AWS_S3"
	StorageTypeR2        = "CLOUDFLARE_R2"
)

// Storage 镜像文件的对象存储副本
type Storage interface {
	// GetName 获取存储服务名称
	GetName() string

	// GetType 获取存储服务类型
	GetType() string

	// GetBucketName 获取存储桶名称
	GetBucketName() string

	// Upload 上传对象，size 为内容长度
	Upload(ctx context.Context, objectKey string, r io.Reader, size int64) error

	// Exists 对象是否已存在
	Exists(ctx context.Context, objectKey string) (bool, error)

	// Delete 删除对象
	Delete(ctx context.Context, objectKey string) error
}

// StorageFactory 存储服务工厂
type StorageFactory interface {
	// GetStorageService 获取存储服务
	// storageType: 存储类型
	GetStorageService(storageType string) (Storage, error)

	// ClearCache 清除缓存
	ClearCache()
}
