package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockStorage 模拟对象存储
type MockStorage struct {
	mock.Mock
}

// GetName 获取存储服务名称
func (m *MockStorage) GetName() string {
	args := m.Called()
	return args.String(0)
}

// GetType 获取存储类型
func (m *MockStorage) GetType() string {
	args := m.Called()
	return args.String(0)
}

// GetBucketName 获取Bucket名称
func (m *MockStorage) GetBucketName() string {
	args := m.Called()
	return args.String(0)
}

// Upload 上传文件，读取全部内容以便断言
func (m *MockStorage) Upload(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	args := m.Called(ctx, objectKey, data, size)
	return args.Error(0)
}

// Exists 对象是否存在
func (m *MockStorage) Exists(ctx context.Context, objectKey string) (bool, error) {
	args := m.Called(ctx, objectKey)
	return args.Bool(0), args.Error(1)
}

// Delete 删除对象
func (m *MockStorage) Delete(ctx context.Context, objectKey string) error {
	args := m.Called(ctx, objectKey)
	return args.Error(0)
}
