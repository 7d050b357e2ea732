package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/utils"
)

// BaseHandler 基础处理器
type BaseHandler struct{}

// NewBaseHandler 创建基础处理器
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// Success 成功响应
func (h *BaseHandler) Success(c *gin.Context, data interface{}) {
	utils.ResponseWithData(c, data)
}

// Fail 按错误类别返回对应的状态码
func (h *BaseHandler) Fail(c *gin.Context, err error) {
	utils.ResponseErr(c, err)
}

// BadRequest 请求参数错误
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	utils.ResponseError(c, utils.CodeInvalidParams, errors.New(message))
}

// Unauthorized 未授权
func (h *BaseHandler) Unauthorized(c *gin.Context, message string) {
	utils.ResponseError(c, utils.CodeUnauthorized, errors.New(message))
}

// NotFound 资源不存在
func (h *BaseHandler) NotFound(c *gin.Context, message string) {
	utils.ResponseError(c, utils.CodeNotFound, errors.New(message))
}

// Conflict 资源冲突
func (h *BaseHandler) Conflict(c *gin.Context, message string) {
	utils.ResponseError(c, utils.CodeConflict, errors.New(message))
}

// Forbidden 无权操作
func (h *BaseHandler) Forbidden(c *gin.Context, message string) {
	utils.ResponseForbidden(c, errors.New(message))
}
