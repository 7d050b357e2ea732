package jobs

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/myysophia/coursevm-backend/internal/catalog"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/db"
	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/oss"
	"github.com/myysophia/coursevm-backend/internal/upload"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type env struct {
	cfg    *config.UploadConfig
	layout upload.Layout
	conn   *gorm.DB
	repo   *catalog.Repository
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.UploadConfig{
		UploadDir:   filepath.Join(dir, "flow_upload"),
		DownloadDir: filepath.Join(dir, "downloads"),
		ChunkSize:   16,
		MaxSize:     config.DefaultMaxSize,
		BlockSize:   5,
		AllowedExt:  []string{"ova", "img", "zip"},
		USBExt:      []string{"img", "zip"},
		ImportOwner: "jmjmak",
	}
	require.NoError(t, os.MkdirAll(cfg.UploadDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.DownloadDir, 0755))

	dbCfg := &config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dir, "app.sqlite3"), MaxOpenConns: 1}
	conn, err := db.Open(dbCfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), conn, dbCfg.Driver))
	require.NoError(t, conn.Create(&models.Teacher{UID: "jasata", Status: models.TeacherStatusActive}).Error)

	return &env{
		cfg:    cfg,
		layout: upload.Layout{UploadDir: cfg.UploadDir, DownloadDir: cfg.DownloadDir},
		conn:   conn,
		repo:   catalog.NewRepository(conn),
	}
}

// stage 把内容切成分片写入上传目录，返回对应的任务
func (e *env) stage(t *testing.T, filename string, content []byte) *upload.Job {
	t.Helper()
	upid := uuid.NewString()
	size := int64(len(content))
	chunkSize := e.cfg.ChunkSize
	n := int((size + chunkSize - 1) / chunkSize)

	// 倒序写入，分片到达顺序不影响结果
	for i := n; i >= 1; i-- {
		start := int64(i-1) * chunkSize
		end := min(start+chunkSize, size)
		require.NoError(t, os.WriteFile(e.layout.ChunkPath(upid, i), content[start:end], 0644))
	}
	return &upload.Job{Owner: "jasata", Filename: filename, Size: size, Chunks: n, FlowID: upid}
}

// enqueue 写入分片和任务文件
func (e *env) enqueue(t *testing.T, filename string, content []byte) *upload.Job {
	t.Helper()
	job := e.stage(t, filename, content)
	created, err := upload.WriteJobOnce(e.layout.MarkerPath(job.FlowID), job)
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func (e *env) processor(t *testing.T, mirror oss.Storage) *Processor {
	t.Helper()
	log := zaptest.NewLogger(t)
	p := NewProcessor(
		NewClaimer(e.layout, "", log),
		NewAssembler(e.layout, e.cfg.BlockSize, log),
		NewAttributeBuilder(e.cfg, log),
		e.repo,
		mirror,
		log,
	)
	return p
}

func tarball(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

const minimalOVF = `<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://schemas.dmtf.org/ovf/envelope/1" xmlns:ovf="http://schemas.dmtf.org/ovf/envelope/1"
    xmlns:rasd="http://schemas.dmtf.org/wbem/wscim/1/cim-schema/2/CIM_ResourceAllocationSettingData">
  <DiskSection>
    <Disk ovf:capacity="8" ovf:capacityAllocationUnits="byte * 2^30" ovf:diskId="vmdisk1"/>
  </DiskSection>
  <VirtualSystem ovf:id="DTEK0068 Linux">
    <AnnotationSection><Annotation>Operating systems course</Annotation></AnnotationSection>
    <OperatingSystemSection ovf:id="96"/>
    <VirtualHardwareSection>
      <Item><rasd:ResourceType>3</rasd:ResourceType><rasd:VirtualQuantity>2</rasd:VirtualQuantity></Item>
      <Item><rasd:ResourceType>4</rasd:ResourceType><rasd:VirtualQuantity>2048</rasd:VirtualQuantity></Item>
    </VirtualHardwareSection>
  </VirtualSystem>
</Envelope>`
