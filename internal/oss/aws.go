package oss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
)

// S3Service S3 协议的存储服务，AWS S3 和 Cloudflare R2 共用
type S3Service struct {
	client      *s3.Client
	name        string
	storageType string
	bucketName  string
	uploadDir   string
}

// NewAWSS3Service 创建AWS S3存储服务
func NewAWSS3Service(cfg *config.AWSS3Config) (*S3Service, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("AWS S3 未配置 bucket")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.TODO(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		logger.Error("创建AWS配置失败", zap.Error(err))
		return nil, fmt.Errorf("创建AWS配置失败: %w", err)
	}

	return &S3Service{
		client:      s3.NewFromConfig(awsCfg),
		name:        "AWS S3",
		storageType: StorageTypeAWSS3,
		bucketName:  cfg.Bucket,
		uploadDir:   cfg.UploadDir,
	}, nil
}

// GetName 获取存储服务名称
func (s *S3Service) GetName() string {
	return s.name
}

// GetType 获取存储服务类型
func (s *S3Service) GetType() string {
	return s.storageType
}

// GetBucketName 获取存储桶名称
func (s *S3Service) GetBucketName() string {
	return s.bucketName
}

func (s *S3Service) getObjectKey(objectKey string) string {
	return path.Join(s.uploadDir, objectKey)
}

// Upload 上传文件
func (s *S3Service) Upload(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	fullObjectKey := s.getObjectKey(objectKey)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(fullObjectKey),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		logger.Error(s.name+"上传文件失败", zap.String("objectKey", fullObjectKey), zap.Error(err))
		return fmt.Errorf("上传文件到%s失败: %w", s.name, err)
	}
	return nil
}

// Exists 通过 HeadObject 判断对象是否存在
func (s *S3Service) Exists(ctx context.Context, objectKey string) (bool, error) {
	fullObjectKey := s.getObjectKey(objectKey)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(fullObjectKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		logger.Error("获取对象信息失败", zap.String("bucket", s.bucketName), zap.String("key", fullObjectKey), zap.Error(err))
		return false, fmt.Errorf("获取对象信息失败: %w", err)
	}
	return true, nil
}

// Delete 删除对象
func (s *S3Service) Delete(ctx context.Context, objectKey string) error {
	fullObjectKey := s.getObjectKey(objectKey)

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(fullObjectKey),
	})
	if err != nil {
		logger.Error("删除"+s.name+"对象失败", zap.String("objectKey", fullObjectKey), zap.Error(err))
		return fmt.Errorf("删除%s对象失败: %w", s.name, err)
	}
	return nil
}
