package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/myysophia/coursevm-backend/internal/auth"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/db"
	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/tests/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := &config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "upload.sqlite3"), MaxOpenConns: 1}
	conn, err := db.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), conn, cfg.Driver))
	for _, uid := range []string{"alice", "bob"} {
		require.NoError(t, conn.Create(&models.Teacher{UID: uid, Status: models.TeacherStatusActive}).Error)
	}
	return conn
}

func testUploadConfig(t *testing.T, chunkSize int64) *config.UploadConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.UploadConfig{
		UploadDir:   filepath.Join(dir, "flow_upload"),
		DownloadDir: filepath.Join(dir, "downloads"),
		ChunkSize:   chunkSize,
		MaxSize:     config.DefaultMaxSize,
		BlockSize:   7,
		AllowedExt:  []string{"ova", "img", "zip"},
	}
	require.NoError(t, os.MkdirAll(cfg.UploadDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.DownloadDir, 0755))
	return cfg
}

func newTestService(t *testing.T, chunkSize int64) *Service {
	t.Helper()
	conn := openTestDB(t)
	return NewService(testUploadConfig(t, chunkSize), conn, auth.NewTeacherResolver(conn), NewManager(time.Minute))
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestRequestPermissionIdempotent(t *testing.T) {
	s := newTestService(t, 1024)
	ctx := context.Background()

	first, err := s.RequestPermission(ctx, "alice", "img1.ova", 5000)
	require.NoError(t, err)
	second, err := s.RequestPermission(ctx, "alice", "img1.ova", 5000)
	require.NoError(t, err)

	assert.Equal(t, first.UploadID, second.UploadID)
	assert.Equal(t, first.ChunkSize, second.ChunkSize)
	assert.Equal(t, 5, first.LastChunk)

	// 不同上传者是独立的许可
	other, err := s.RequestPermission(ctx, "bob", "img1.ova", 5000)
	require.NoError(t, err)
	assert.NotEqual(t, first.UploadID, other.UploadID)
}

func TestRequestPermissionSizeConflict(t *testing.T) {
	s := newTestService(t, 1024)
	ctx := context.Background()

	_, err := s.RequestPermission(ctx, "alice", "img1.ova", 5000)
	require.NoError(t, err)

	_, err = s.RequestPermission(ctx, "alice", "img1.ova", 5001)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestRequestPermissionChunkArithmetic(t *testing.T) {
	s := newTestService(t, 1_048_576)

	p, err := s.RequestPermission(context.Background(), "alice", "img1.ova", 3_000_000)
	require.NoError(t, err)

	assert.Equal(t, int64(1_048_576), p.ChunkSize)
	assert.Equal(t, 3, p.LastChunk)
	assert.Equal(t, int64(902_848), chunkLength(3_000_000, 1_048_576, 3))
	assert.Equal(t, int64(1_048_576), chunkLength(3_000_000, 1_048_576, 2))

	up, err := s.Lookup(context.Background(), p.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.ChunkList{false, false, false}, up.ChunkList)
}

func TestRequestPermissionRejects(t *testing.T) {
	s := newTestService(t, 1024)
	ctx := context.Background()

	tests := []struct {
		name     string
		owner    string
		filename string
		size     int64
	}{
		{"非教师", "mallory", "a.ova", 10},
		{"超出上限", "alice", "a.ova", config.DefaultMaxSize + 1},
		{"零字节", "alice", "a.ova", 0},
		{"扩展名不允许", "alice", "a.exe", 10},
		{"包含路径", "alice", "../a.ova", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.RequestPermission(ctx, tt.owner, tt.filename, tt.size)
			require.Error(t, err)
			assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
		})
	}
}

func TestRequestPermissionInactiveOwner(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	resolver := mocks.NewMockPrincipalResolver(ctrl)
	resolver.EXPECT().ResolveActive(gomock.Any(), "alice").Return(errs.InvalidArgument("教师 'alice' 状态为 inactive"))

	conn := openTestDB(t)
	s := NewService(testUploadConfig(t, 1024), conn, resolver, NewManager(time.Minute))

	_, err := s.RequestPermission(context.Background(), "alice", "a.ova", 10)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))

	var count int64
	require.NoError(t, conn.Model(&models.Upload{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestChunksInAnyOrderAndMarkerOnce(t *testing.T) {
	s := newTestService(t, 4)
	ctx := context.Background()
	content := []byte("0123456789")

	p, err := s.RequestPermission(ctx, "alice", "disk.img", int64(len(content)))
	require.NoError(t, err)
	require.Equal(t, 3, p.LastChunk)

	job := &Job{Owner: "alice", Filename: "disk.img", Size: int64(len(content)), Chunks: 3, FlowID: p.UploadID}
	parts := map[int][]byte{1: content[0:4], 2: content[4:8], 3: content[8:]}

	for i, n := range []int{3, 1} {
		require.NoError(t, s.SaveChunk(ctx, p.UploadID, n, bytes.NewReader(parts[n])))
		assert.False(t, s.IsComplete(p.UploadID, 3), "after %d chunks", i+1)
		created, err := s.Complete(ctx, job)
		require.NoError(t, err)
		assert.False(t, created)
	}
	assert.True(t, s.ChunkExists(p.UploadID, 1))
	assert.False(t, s.ChunkExists(p.UploadID, 2))

	require.NoError(t, s.SaveChunk(ctx, p.UploadID, 2, bytes.NewReader(parts[2])))
	assert.True(t, s.IsComplete(p.UploadID, 3))

	created, err := s.Complete(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)

	// 重试最后一个分片不会重复创建任务
	require.NoError(t, s.SaveChunk(ctx, p.UploadID, 2, bytes.NewReader(parts[2])))
	created, err = s.Complete(ctx, job)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := ReadJob(s.Layout().MarkerPath(p.UploadID))
	require.NoError(t, err)
	assert.Equal(t, job, got)

	up, err := s.Lookup(ctx, p.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 3, up.ChunkList.Received())

	// 进度只为经由 AcceptChunk 的上传建立
	_, ok := s.Progress().Get(p.UploadID)
	assert.False(t, ok)
}

func TestCompleteSkipsClaimedUpload(t *testing.T) {
	s := newTestService(t, 4)
	ctx := context.Background()

	p, err := s.RequestPermission(ctx, "alice", "disk.img", 4)
	require.NoError(t, err)
	require.NoError(t, s.SaveChunk(ctx, p.UploadID, 1, bytes.NewReader([]byte("abcd"))))
	require.NoError(t, os.WriteFile(s.Layout().ClaimedPath(p.UploadID, "42"), []byte("{}"), 0644))

	created, err := s.Complete(ctx, &Job{Owner: "alice", Filename: "disk.img", Size: 4, Chunks: 1, FlowID: p.UploadID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoFileExists(t, s.Layout().MarkerPath(p.UploadID))
}

func TestConcurrentSaveChunkKeepsEveryFlag(t *testing.T) {
	s := newTestService(t, 4)
	ctx := context.Background()

	const chunks = 40
	p, err := s.RequestPermission(ctx, "alice", "wide.img", chunks*4)
	require.NoError(t, err)
	require.Equal(t, chunks, p.LastChunk)

	var wg sync.WaitGroup
	errCh := make(chan error, chunks)
	for n := 1; n <= chunks; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errCh <- s.SaveChunk(ctx, p.UploadID, n, bytes.NewReader([]byte("abcd")))
		}(n)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	up, err := s.Lookup(ctx, p.UploadID)
	require.NoError(t, err)
	assert.Equal(t, chunks, up.ChunkList.Received())
	for i, got := range up.ChunkList {
		assert.True(t, got, "chunk %d", i+1)
	}
	assert.True(t, s.IsComplete(p.UploadID, chunks))
}

func TestSaveChunkWriteFailure(t *testing.T) {
	s := newTestService(t, 4)
	require.NoError(t, os.RemoveAll(s.Layout().UploadDir))

	err := s.SaveChunk(context.Background(), "9b2f5c1e-4a9d-4c55-8e53-6a2c0f7d1b10", 1, bytes.NewReader([]byte("abcd")))
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))
}

func TestAcceptChunk(t *testing.T) {
	s := newTestService(t, 4)
	ctx := context.Background()

	p, err := s.RequestPermission(ctx, "alice", "disk.img", 6)
	require.NoError(t, err)

	req := func(n int, data []byte, sum string) *ChunkRequest {
		return &ChunkRequest{
			ChunkNumber: n, ChunkSize: 4, CurrentChunkSize: int64(len(data)), TotalSize: 6,
			Identifier: p.UploadID, Filename: "disk.img", TotalChunks: 2, Checksum: sum,
		}
	}

	t.Run("他人的上传许可", func(t *testing.T) {
		_, err := s.AcceptChunk(ctx, "bob", req(1, []byte("abcd"), ""), bytes.NewReader([]byte("abcd")))
		assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))
	})

	t.Run("校验和不一致", func(t *testing.T) {
		_, err := s.AcceptChunk(ctx, "alice", req(1, []byte("abcd"), sha1Hex([]byte("xxxx"))), bytes.NewReader([]byte("abcd")))
		assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
		assert.False(t, s.ChunkExists(p.UploadID, 1))
	})

	t.Run("分片数量不符", func(t *testing.T) {
		r := req(1, []byte("abcd"), "")
		r.TotalChunks = 1
		_, err := s.AcceptChunk(ctx, "alice", r, bytes.NewReader([]byte("abcd")))
		assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
	})

	t.Run("实际长度与声明不符", func(t *testing.T) {
		_, err := s.AcceptChunk(ctx, "alice", req(1, []byte("abcd"), ""), bytes.NewReader([]byte("ab")))
		assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
		assert.False(t, s.ChunkExists(p.UploadID, 1))

		_, err = s.AcceptChunk(ctx, "alice", req(2, []byte("ef"), ""), bytes.NewReader([]byte("efgh")))
		assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
		assert.False(t, s.ChunkExists(p.UploadID, 2))
	})

	t.Run("正常上传", func(t *testing.T) {
		done, err := s.AcceptChunk(ctx, "alice", req(1, []byte("abcd"), sha1Hex([]byte("abcd"))), bytes.NewReader([]byte("abcd")))
		require.NoError(t, err)
		assert.False(t, done)

		done, err = s.AcceptChunk(ctx, "alice", req(2, []byte("ef"), ""), bytes.NewReader([]byte("ef")))
		require.NoError(t, err)
		assert.True(t, done)

		progress, ok := s.Progress().Get(p.UploadID)
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, progress.Status)
		assert.Equal(t, int64(6), progress.Uploaded)
	})

	t.Run("下载目录已有同名文件", func(t *testing.T) {
		require.NoError(t, os.WriteFile(s.Layout().TargetPath("disk.img"), []byte("old"), 0644))
		_, err := s.AcceptChunk(ctx, "alice", req(1, []byte("abcd"), ""), bytes.NewReader([]byte("abcd")))
		assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	})
}

func TestValidateChunk(t *testing.T) {
	data := bytes.Repeat([]byte("course-vm"), 100)
	r := bytes.NewReader(data)

	ok, err := ValidateChunk(r, sha1Hex(data), 16)
	require.NoError(t, err)
	assert.True(t, ok)

	// 读取位置已复位
	pos, err := r.Seek(0, 1)
	require.NoError(t, err)
	assert.Zero(t, pos)

	ok, err = ValidateChunk(r, sha1Hex([]byte("other")), 16)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ValidateChunk(r, "", 16)
	require.NoError(t, err)
	assert.True(t, ok)
}
