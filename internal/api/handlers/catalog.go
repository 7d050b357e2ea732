package handlers

import (
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/myysophia/coursevm-backend/internal/catalog"
	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/utils"
)

// CatalogHandler 可下载镜像列表
type CatalogHandler struct {
	*BaseHandler
	repo *catalog.Repository
}

func NewCatalogHandler(repo *catalog.Repository) *CatalogHandler {
	return &CatalogHandler{BaseHandler: NewBaseHandler(), repo: repo}
}

func (h *CatalogHandler) list(c *gin.Context, typ string) {
	files, err := h.repo.ListByType(c.Request.Context(), typ, utils.IsAuthenticated(c))
	if err != nil {
		h.Fail(c, err)
		return
	}
	h.Success(c, files)
}

// ListVM 虚拟机镜像
func (h *CatalogHandler) ListVM(c *gin.Context) {
	h.list(c, models.FileTypeVM)
}

// ListUSB U盘镜像
func (h *CatalogHandler) ListUSB(c *gin.Context) {
	h.list(c, models.FileTypeUSB)
}

func fileID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// Get 匿名用户看不到受限的记录
func (h *CatalogHandler) Get(c *gin.Context) {
	id, ok := fileID(c)
	if !ok {
		h.BadRequest(c, "无效的文件ID")
		return
	}

	f, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		h.Fail(c, err)
		return
	}
	if f.Audience != models.AudienceAnyone && !utils.IsAuthenticated(c) {
		h.NotFound(c, "文件不存在")
		return
	}
	h.Success(c, f)
}

// Update 所有者修改目录记录的描述性字段，name 和 checksum 等列只读
func (h *CatalogHandler) Update(c *gin.Context) {
	id, ok := fileID(c)
	if !ok {
		h.BadRequest(c, "无效的文件ID")
		return
	}

	var fields map[string]any
	if err := c.ShouldBindBodyWith(&fields, binding.JSON); err != nil {
		h.BadRequest(c, "请求体不是合法的 JSON 对象")
		return
	}
	readOnly := make([]string, 0)
	for k := range fields {
		if !catalog.Editable(k) {
			readOnly = append(readOnly, k)
		}
	}
	if len(readOnly) > 0 {
		sort.Strings(readOnly)
		h.BadRequest(c, "只读字段不能修改: "+strings.Join(readOnly, ", "))
		return
	}
	var changes catalog.Changes
	if err := c.ShouldBindBodyWith(&changes, binding.JSON); err != nil {
		h.BadRequest(c, "字段类型错误")
		return
	}

	ctx := c.Request.Context()
	f, err := h.repo.Get(ctx, id)
	if err != nil {
		h.Fail(c, err)
		return
	}
	uid := utils.GetUID(c)
	if f.Owner != uid {
		h.Forbidden(c, "只能修改自己上传的文件")
		return
	}
	if err := h.repo.Update(ctx, id, uid, &changes); err != nil {
		h.Fail(c, err)
		return
	}

	f, err = h.repo.Get(ctx, id)
	if err != nil {
		h.Fail(c, err)
		return
	}
	h.Success(c, f)
}

// Schema 编辑表单使用的列描述
func (h *CatalogHandler) Schema(c *gin.Context) {
	cols, err := h.repo.Schema()
	if err != nil {
		h.Fail(c, err)
		return
	}
	h.Success(c, cols)
}
