package oss

import (
	"fmt"
	"sync"

	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
)

// DefaultStorageFactory 默认存储服务工厂
type DefaultStorageFactory struct {
	ossConfig    *config.OSSConfig
	serviceCache map[string]Storage
	lock         sync.RWMutex
}

// NewStorageFactory 创建存储服务工厂
func NewStorageFactory(ossConfig *config.OSSConfig) *DefaultStorageFactory {
	return &DefaultStorageFactory{
		ossConfig:    ossConfig,
		serviceCache: make(map[string]Storage),
	}
}

// GetStorageService 获取存储服务
func (f *DefaultStorageFactory) GetStorageService(storageType string) (Storage, error) {
	f.lock.RLock()
	service, ok := f.serviceCache[storageType]
	f.lock.RUnlock()
	if ok {
		return service, nil
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	// 再次检查，防止在获取锁的过程中被其他协程创建
	service, ok = f.serviceCache[storageType]
	if ok {
		return service, nil
	}

	var err error
	switch storageType {
	case StorageTypeAliyunOSS:
		service, err = NewAliyunOSSService(&f.ossConfig.AliyunOSS)
	case StorageTypeAWSS3:
		service, err = NewAWSS3Service(&f.ossConfig.AWSS3)
	case StorageTypeR2:
		service, err = NewCloudflareR2Service(&f.ossConfig.CloudflareR2)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", storageType)
	}

	if err != nil {
		logger.Error("创建存储服务失败", zap.String("storageType", storageType), zap.Error(err))
		return nil, err
	}

	f.serviceCache[storageType] = service
	return service, nil
}

// Mirror 根据 oss.mirror 配置返回镜像副本使用的存储，未启用时返回 nil
func (f *DefaultStorageFactory) Mirror() (Storage, error) {
	if !f.ossConfig.Mirror.Enabled {
		return nil, nil
	}
	return f.GetStorageService(f.ossConfig.Mirror.StorageType)
}

// ClearCache 清除缓存
func (f *DefaultStorageFactory) ClearCache() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.serviceCache = make(map[string]Storage)
}
