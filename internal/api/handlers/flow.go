package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"github.com/myysophia/coursevm-backend/internal/upload"
	"github.com/myysophia/coursevm-backend/internal/utils"
	"go.uber.org/zap"
)

// FlowHandler Flow.js 分片上传接口
type FlowHandler struct {
	*BaseHandler
	svc *upload.Service
}

func NewFlowHandler(svc *upload.Service) *FlowHandler {
	return &FlowHandler{BaseHandler: NewBaseHandler(), svc: svc}
}

type permissionQuery struct {
	Filename string `form:"filename" binding:"required"`
	Filesize int64  `form:"filesize" binding:"required,min=1"`
}

type chunkQuery struct {
	Identifier  string `form:"flowIdentifier" binding:"required"`
	ChunkNumber int    `form:"flowChunkNumber" binding:"required,min=1"`
	Filename    string `form:"flowFilename" binding:"required"`
}

// RequestPermission 申请上传许可，返回 upid、分片大小和最后一个分片的序号
func (h *FlowHandler) RequestPermission(c *gin.Context) {
	var q permissionQuery
	if err := utils.BindAndValidate(c, &q); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	perm, err := h.svc.RequestPermission(c.Request.Context(), utils.GetUID(c), q.Filename, q.Filesize)
	if err != nil {
		h.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, perm)
}

// CheckChunk Flow.js testChunks：200 已存在，204 需要上传
func (h *FlowHandler) CheckChunk(c *gin.Context) {
	var q chunkQuery
	if err := utils.BindAndValidate(c, &q); err != nil {
		h.BadRequest(c, err.Error())
		return
	}
	if h.svc.NameTaken(q.Filename) {
		h.Conflict(c, "文件 '"+q.Filename+"' 已存在")
		return
	}
	if h.svc.ChunkExists(q.Identifier, q.ChunkNumber) {
		c.Status(http.StatusOK)
		return
	}
	c.Status(http.StatusNoContent)
}

// AcceptChunk 接收一个分片
func (h *FlowHandler) AcceptChunk(c *gin.Context) {
	var req upload.ChunkRequest
	if err := utils.BindAndValidate(c, &req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		h.BadRequest(c, "缺少分片数据")
		return
	}
	chunk, err := fh.Open()
	if err != nil {
		logger.Error("打开分片数据失败", zap.String("upid", req.Identifier), zap.Error(err))
		utils.ResponseInternalError(c, nil)
		return
	}
	defer chunk.Close()

	complete, err := h.svc.AcceptChunk(c.Request.Context(), utils.GetUID(c), &req, chunk)
	if err != nil {
		h.Fail(c, err)
		return
	}
	h.Success(c, gin.H{"chunk": req.ChunkNumber, "complete": complete})
}

// ProgressHandler 分片上传进度
type ProgressHandler struct {
	*BaseHandler
	progress *upload.Manager
}

func NewProgressHandler(progress *upload.Manager) *ProgressHandler {
	return &ProgressHandler{BaseHandler: NewBaseHandler(), progress: progress}
}

// GetProgress 返回上传进度
func (h *ProgressHandler) GetProgress(c *gin.Context) {
	if p, ok := h.progress.Get(c.Param("flowid")); ok {
		h.Success(c, p)
		return
	}
	h.NotFound(c, "上传进度不存在")
}

// StreamProgress 使用SSE实时推送进度
func (h *ProgressHandler) StreamProgress(c *gin.Context) {
	id := c.Param("flowid")
	c.Writer.Flush()

	ch := h.progress.Subscribe(id)
	defer h.progress.Unsubscribe(id, ch)

	ctx := c.Request.Context()
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("progress", p)
			c.Writer.Flush()
			if p.Status == upload.StatusCompleted {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
