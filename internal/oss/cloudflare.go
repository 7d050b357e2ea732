package oss

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
)

// R2Endpoint Cloudflare R2 的 S3 兼容端点
func R2Endpoint(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// NewCloudflareR2Service 创建Cloudflare R2存储服务
func NewCloudflareR2Service(cfg *config.CloudflareR2Config) (*S3Service, error) {
	if cfg.AccountID == "" {
		return nil, errors.New("Cloudflare R2 未配置 account_id")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("Cloudflare R2 未配置 bucket")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.TODO(),
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		logger.Error("创建R2配置失败", zap.Error(err))
		return nil, fmt.Errorf("创建R2配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(R2Endpoint(cfg.AccountID))
		o.UsePathStyle = true
	})

	return &S3Service{
		client:      client,
		name:        "CloudFlare R2",
		storageType: StorageTypeR2,
		bucketName:  cfg.Bucket,
		uploadDir:   cfg.UploadDir,
	}, nil
}
