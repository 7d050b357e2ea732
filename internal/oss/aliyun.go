package oss

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
)

// AliyunOSSService 阿里云OSS存储服务
type AliyunOSSService struct {
	client     *oss.Client
	bucket     *oss.Bucket
	bucketName string
	uploadDir  string
}

// NewAliyunOSSService 创建阿里云OSS存储服务
func NewAliyunOSSService(cfg *config.AliyunOSSConfig) (*AliyunOSSService, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("初始化阿里云OSS客户端失败: %w", err)
	}

	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("获取阿里云OSS Bucket失败: %w", err)
	}

	return &AliyunOSSService{
		client:     client,
		bucket:     bucket,
		bucketName: cfg.Bucket,
		uploadDir:  cfg.UploadDir,
	}, nil
}

// GetName 获取存储服务名称
func (s *AliyunOSSService) GetName() string {
	return "阿里云OSS"
}

// GetType 获取存储服务类型
func (s *AliyunOSSService) GetType() string {
	return StorageTypeAliyunOSS
}

// GetBucketName 获取存储桶名称
func (s *AliyunOSSService) GetBucketName() string {
	return s.bucketName
}

func (s *AliyunOSSService) getObjectKey(objectKey string) string {
	return path.Join(s.uploadDir, objectKey)
}

// Upload 上传文件
func (s *AliyunOSSService) Upload(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	fullObjectKey := s.getObjectKey(objectKey)
	err := s.bucket.PutObject(fullObjectKey, r, oss.ContentLength(size), oss.WithContext(ctx))
	if err != nil {
		logger.Error("阿里云OSS上传文件失败", zap.String("objectKey", fullObjectKey), zap.Error(err))
		return fmt.Errorf("上传文件到阿里云OSS失败: %w", err)
	}
	return nil
}

// Exists 对象是否已存在
func (s *AliyunOSSService) Exists(ctx context.Context, objectKey string) (bool, error) {
	fullObjectKey := s.getObjectKey(objectKey)
	ok, err := s.bucket.IsObjectExist(fullObjectKey, oss.WithContext(ctx))
	if err != nil {
		logger.Error("获取阿里云OSS对象信息失败", zap.String("objectKey", fullObjectKey), zap.Error(err))
		return false, fmt.Errorf("获取阿里云OSS对象信息失败: %w", err)
	}
	return ok, nil
}

// Delete 删除对象
func (s *AliyunOSSService) Delete(ctx context.Context, objectKey string) error {
	fullObjectKey := s.getObjectKey(objectKey)
	if err := s.bucket.DeleteObject(fullObjectKey, oss.WithContext(ctx)); err != nil {
		logger.Error("删除阿里云OSS对象失败", zap.String("objectKey", fullObjectKey), zap.Error(err))
		return fmt.Errorf("删除阿里云OSS对象失败: %w", err)
	}
	return nil
}
