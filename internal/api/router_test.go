package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/auth"
	"github.com/myysophia/coursevm-backend/internal/catalog"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/db"
	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/jobs"
	"github.com/myysophia/coursevm-backend/internal/upload"
	"github.com/myysophia/coursevm-backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type testServer struct {
	cfg    *config.Config
	conn   *gorm.DB
	svc    *upload.Service
	repo   *catalog.Repository
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, utils.InitValidator())

	dir := t.TempDir()
	cfg := &config.Config{
		JWT: config.JWTConfig{SecretKey: "router-test-secret", ExpiresIn: 3600, Issuer: "coursevm"},
		Database: config.DatabaseConfig{
			Driver: "sqlite", Path: filepath.Join(dir, "app.sqlite3"), MaxOpenConns: 1, BusyTimeout: 5000,
		},
		Upload: config.UploadConfig{
			UploadDir:      filepath.Join(dir, "flow_upload"),
			DownloadDir:    filepath.Join(dir, "downloads"),
			ChunkSize:      16,
			MaxSize:        1024,
			BlockSize:      8,
			AllowedExt:     []string{"ova", "img", "zip"},
			USBExt:         []string{"img", "zip"},
			StatusInterval: 10 * time.Millisecond,
			StaleAfter:     time.Minute,
		},
	}
	require.NoError(t, os.MkdirAll(cfg.Upload.UploadDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.Upload.DownloadDir, 0755))

	conn, err := db.Open(&cfg.Database)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), conn, cfg.Database.Driver))
	for _, uid := range []string{"jasata", "jmjmak"} {
		require.NoError(t, conn.Create(&models.Teacher{UID: uid, Status: models.TeacherStatusActive}).Error)
	}

	resolver := auth.NewTeacherResolver(conn)
	svc := upload.NewService(&cfg.Upload, conn, resolver, upload.NewManager(time.Minute))
	repo := catalog.NewRepository(conn)

	return &testServer{
		cfg:  cfg,
		conn: conn,
		svc:  svc,
		repo: repo,
		router: SetupRouter(Deps{
			Config:   cfg,
			Uploads:  svc,
			Status:   upload.NewStatusProbe(svc.Layout(), repo, cfg.Upload.StaleAfter),
			Catalog:  repo,
			Resolver: resolver,
		}),
	}
}

func (s *testServer) token(t *testing.T, uid, role string) string {
	t.Helper()
	token, err := auth.GenerateToken(uid, role, &s.cfg.JWT)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) get(path, token string) *httptest.ResponseRecorder {
	return s.do(httptest.NewRequest(http.MethodGet, path, nil), token)
}

func (s *testServer) put(path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, token)
}

// stream 读取 SSE 响应直到结束或超时
func (s *testServer) stream(path, token string, timeout time.Duration) *httptest.ResponseRecorder {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	return s.do(req, token)
}

func (s *testServer) requestPermission(t *testing.T, token, filename string, size int) upload.Permission {
	t.Helper()
	w := s.get(fmt.Sprintf("/api/file/upload?filename=%s&filesize=%d", url.QueryEscape(filename), size), token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var perm upload.Permission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &perm))
	return perm
}

type flowChunk struct {
	perm     upload.Permission
	filename string
	total    int
	number   int
	data     []byte
	checksum string
	// declared 非零时覆盖 flowCurrentChunkSize
	declared int
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (s *testServer) postChunk(t *testing.T, token string, fc flowChunk) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	declared := len(fc.data)
	if fc.declared != 0 {
		declared = fc.declared
	}
	fields := map[string]string{
		"flowChunkNumber":      strconv.Itoa(fc.number),
		"flowChunkSize":        strconv.FormatInt(fc.perm.ChunkSize, 10),
		"flowCurrentChunkSize": strconv.Itoa(declared),
		"flowTotalSize":        strconv.Itoa(fc.total),
		"flowIdentifier":       fc.perm.UploadID,
		"flowFilename":         fc.filename,
		"flowRelativePath":     fc.filename,
		"flowTotalChunks":      strconv.Itoa(fc.perm.LastChunk),
	}
	if fc.checksum != "" {
		fields["sha1"] = fc.checksum
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", "blob")
	require.NoError(t, err)
	_, err = fw.Write(fc.data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/file/flow", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(req, token)
}

func checkPath(perm upload.Permission, filename string, n int) string {
	q := url.Values{}
	q.Set("flowIdentifier", perm.UploadID)
	q.Set("flowChunkNumber", strconv.Itoa(n))
	q.Set("flowFilename", filename)
	return "/api/file/flow?" + q.Encode()
}

func chunkOf(data []byte, chunkSize int64, n int) []byte {
	start := int64(n-1) * chunkSize
	end := min(start+chunkSize, int64(len(data)))
	return data[start:end]
}

func TestUploadProcessAndStreamStatus(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "jasata", auth.RoleTeacher)

	content := make([]byte, 40)
	_, err := rand.Read(content)
	require.NoError(t, err)

	perm := s.requestPermission(t, token, "lab.img", len(content))
	assert.Equal(t, int64(16), perm.ChunkSize)
	assert.Equal(t, 3, perm.LastChunk)

	// 重复申请返回同一个 upid
	again := s.requestPermission(t, token, "lab.img", len(content))
	assert.Equal(t, perm.UploadID, again.UploadID)

	for n := 1; n <= perm.LastChunk; n++ {
		assert.Equal(t, http.StatusNoContent, s.get(checkPath(perm, "lab.img", n), token).Code)

		data := chunkOf(content, perm.ChunkSize, n)
		w := s.postChunk(t, token, flowChunk{
			perm: perm, filename: "lab.img", total: len(content), number: n, data: data, checksum: sha1Hex(data),
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		assert.Equal(t, http.StatusOK, s.get(checkPath(perm, "lab.img", n), token).Code)
	}

	w := s.get("/api/file/flow/"+perm.UploadID+"/progress", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	statusPath := "/api/file/flow/" + perm.UploadID + "/stream?filename=lab.img"
	w = s.stream(statusPath, token, 50*time.Millisecond)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"), w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event:STATUS")
	assert.Contains(t, w.Body.String(), "Waiting for background task to start")

	log := zaptest.NewLogger(t)
	layout := s.svc.Layout()
	p := jobs.NewProcessor(
		jobs.NewClaimer(layout, "", log),
		jobs.NewAssembler(layout, s.cfg.Upload.BlockSize, log),
		jobs.NewAttributeBuilder(&s.cfg.Upload, log),
		s.repo, nil, log,
	)
	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Succeeded)

	w = s.stream(statusPath, token, time.Second)
	assert.Contains(t, w.Body.String(), "event:DONE")

	f, err := s.repo.FindByName(context.Background(), "lab.img")
	require.NoError(t, err)
	assert.Equal(t, models.FileTypeUSB, f.Type)
	assert.Equal(t, "jasata", f.Owner)

	w = s.get("/api/usb", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"lab.img"`)

	// 文件已存在于下载目录
	assert.Equal(t, http.StatusConflict, s.get(checkPath(perm, "lab.img", 1), token).Code)
}

func TestAcceptChunkRejections(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "jasata", auth.RoleTeacher)
	content := []byte("0123456789abcdefXYZ")
	perm := s.requestPermission(t, token, "disk.zip", len(content))
	first := chunkOf(content, perm.ChunkSize, 1)

	t.Run("bad checksum", func(t *testing.T) {
		w := s.postChunk(t, token, flowChunk{
			perm: perm, filename: "disk.zip", total: len(content), number: 1, data: first, checksum: sha1Hex([]byte("other")),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, s.svc.ChunkExists(perm.UploadID, 1))
	})

	t.Run("short body", func(t *testing.T) {
		w := s.postChunk(t, token, flowChunk{
			perm: perm, filename: "disk.zip", total: len(content), number: 1, data: first[:10], declared: len(first),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, s.svc.ChunkExists(perm.UploadID, 1))
	})

	t.Run("missing fields", func(t *testing.T) {
		fc := flowChunk{perm: perm, filename: "", total: len(content), number: 1, data: first}
		assert.Equal(t, http.StatusBadRequest, s.postChunk(t, token, fc).Code)
	})

	t.Run("other owner", func(t *testing.T) {
		other := s.token(t, "jmjmak", auth.RoleTeacher)
		w := s.postChunk(t, other, flowChunk{perm: perm, filename: "disk.zip", total: len(content), number: 1, data: first})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("no token", func(t *testing.T) {
		w := s.postChunk(t, "", flowChunk{perm: perm, filename: "disk.zip", total: len(content), number: 1, data: first})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("student", func(t *testing.T) {
		student := s.token(t, "student1", auth.RoleStudent)
		w := s.postChunk(t, student, flowChunk{perm: perm, filename: "disk.zip", total: len(content), number: 1, data: first})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("name taken", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(s.cfg.Upload.DownloadDir, "disk.zip"), []byte("x"), 0644))
		w := s.postChunk(t, token, flowChunk{perm: perm, filename: "disk.zip", total: len(content), number: 1, data: first})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("without checksum", func(t *testing.T) {
		perm := s.requestPermission(t, token, "disk2.zip", len(content))
		w := s.postChunk(t, token, flowChunk{perm: perm, filename: "disk2.zip", total: len(content), number: 1, data: first})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, s.svc.ChunkExists(perm.UploadID, 1))
	})
}

func TestRequestPermissionErrors(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "jasata", auth.RoleTeacher)

	assert.Equal(t, http.StatusBadRequest, s.get("/api/file/upload?filename=a.exe&filesize=10", token).Code)
	assert.Equal(t, http.StatusBadRequest, s.get("/api/file/upload?filename=a.img", token).Code)
	assert.Equal(t, http.StatusBadRequest, s.get("/api/file/upload?filename=a.img&filesize=4096", token).Code)

	s.requestPermission(t, token, "a.img", 10)
	assert.Equal(t, http.StatusConflict, s.get("/api/file/upload?filename=a.img&filesize=11", token).Code)

	// 令牌有效但不在教师表中
	ghost := s.token(t, "ghost", auth.RoleTeacher)
	assert.Equal(t, http.StatusBadRequest, s.get("/api/file/upload?filename=b.img&filesize=10", ghost).Code)
}

func TestStatusStreamReportsInvalidUpload(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "jasata", auth.RoleTeacher)

	w := s.stream("/api/file/flow/not-a-uuid/stream?filename=x.img", token, 35*time.Millisecond)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event:ERROR")
	assert.NotContains(t, w.Body.String(), "event:DONE")
}

func TestCatalogVisibility(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	open, err := s.repo.Insert(ctx, &models.File{Name: "open.ova", Label: "Open", Size: 1, Type: models.FileTypeVM, Owner: "jasata", Audience: models.AudienceAnyone})
	require.NoError(t, err)
	closed, err := s.repo.Insert(ctx, &models.File{Name: "exam.ova", Label: "Exam", Size: 1, Type: models.FileTypeVM, Owner: "jasata", Audience: models.AudienceTeacher})
	require.NoError(t, err)

	w := s.get("/api/vm", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "open.ova")
	assert.NotContains(t, w.Body.String(), "exam.ova")

	token := s.token(t, "jasata", auth.RoleTeacher)
	w = s.get("/api/vm", token)
	assert.Contains(t, w.Body.String(), "exam.ova")

	assert.Equal(t, http.StatusOK, s.get(fmt.Sprintf("/api/file/%d", open), "").Code)
	assert.Equal(t, http.StatusNotFound, s.get(fmt.Sprintf("/api/file/%d", closed), "").Code)
	assert.Equal(t, http.StatusOK, s.get(fmt.Sprintf("/api/file/%d", closed), token).Code)
	assert.Equal(t, http.StatusNotFound, s.get("/api/file/9999", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.get("/api/file/abc", "").Code)

	w = s.get("/api/usb", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "open.ova")
}

func TestCatalogEdit(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	id, err := s.repo.Insert(ctx, &models.File{
		Name: "course.ova", Label: "Course", Size: 1, Type: models.FileTypeVM, Owner: "jasata", Audience: models.AudienceAnyone,
	})
	require.NoError(t, err)
	path := fmt.Sprintf("/api/file/%d", id)
	owner := s.token(t, "jasata", auth.RoleTeacher)

	t.Run("owner edits descriptive fields", func(t *testing.T) {
		w := s.put(path, owner, `{
			"label": "DTEK0068 Linux", "description": "OS course", "downloadable_to": "student",
			"cores": 2, "ram": 2048, "disksize": 8, "ostype": "debian 64-bit"
		}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"ostype":"Debian 64-Bit"`)

		f, err := s.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "DTEK0068 Linux", f.Label)
		assert.Equal(t, models.AudienceStudent, f.Audience)
		require.NotNil(t, f.Description)
		assert.Equal(t, "OS course", *f.Description)
		require.NotNil(t, f.Cores)
		assert.Equal(t, 2, *f.Cores)
		require.NotNil(t, f.RAM)
		assert.Equal(t, int64(2048), *f.RAM)
		require.NotNil(t, f.OSID)
		assert.Equal(t, 96, *f.OSID)
		assert.Equal(t, "course.ova", f.Name)
	})

	t.Run("read-only fields", func(t *testing.T) {
		for _, body := range []string{
			`{"name": "renamed.ova"}`,
			`{"checksum": "da39a3ee5e6b4b0d3255bfef95601890afd80709"}`,
			`{"label": "ok", "owner": "jmjmak"}`,
		} {
			w := s.put(path, owner, body)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
		f, err := s.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "course.ova", f.Name)
		assert.Nil(t, f.Checksum)
		assert.Equal(t, "jasata", f.Owner)
	})

	t.Run("invalid values", func(t *testing.T) {
		for _, body := range []string{
			`{}`,
			`{"label": ""}`,
			`{"downloadable_to": "everyone"}`,
			`{"cores": 0}`,
			`{"ram": -1}`,
			`{"ostype": "Plan 9"}`,
			`{"cores": "two"}`,
			`[1, 2]`,
		} {
			w := s.put(path, owner, body)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
	})

	t.Run("not the owner", func(t *testing.T) {
		w := s.put(path, s.token(t, "jmjmak", auth.RoleTeacher), `{"label": "mine now"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = s.put(path, s.token(t, "student1", auth.RoleStudent), `{"label": "mine now"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = s.put(path, "", `{"label": "mine now"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		f, err := s.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "DTEK0068 Linux", f.Label)
	})

	t.Run("missing record", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, s.put("/api/file/9999", owner, `{"label": "x"}`).Code)
		assert.Equal(t, http.StatusBadRequest, s.put("/api/file/abc", owner, `{"label": "x"}`).Code)
	})

	t.Run("clearing ostype", func(t *testing.T) {
		require.Equal(t, http.StatusOK, s.put(path, owner, `{"ostype": ""}`).Code)
		f, err := s.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, f.OSType)
		assert.Nil(t, f.OSID)
	})
}

func TestCatalogSchema(t *testing.T) {
	s := newTestServer(t)

	w := s.get("/api/file/schema", s.token(t, "jasata", auth.RoleTeacher))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data map[string]catalog.Column `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	cols := resp.Data

	for _, name := range []string{"id", "name", "checksum", "size", "owner"} {
		assert.True(t, cols[name].ReadOnly, name)
	}
	for _, name := range []string{"label", "description", "downloadable_to", "cores", "ram", "disksize", "ostype"} {
		assert.False(t, cols[name].ReadOnly, name)
	}
	assert.Equal(t, "integer", cols["cores"].Type)
	assert.Equal(t, "string", cols["label"].Type)
	assert.True(t, cols["name"].Required)
	assert.False(t, cols["description"].Required)
	assert.Equal(t, []string{"anyone", "student", "teacher"}, cols["downloadable_to"].Enum)
	assert.Contains(t, cols["ostype"].Enum, "Debian 64-Bit")

	assert.Equal(t, http.StatusForbidden, s.get("/api/file/schema", s.token(t, "student1", auth.RoleStudent)).Code)
}
