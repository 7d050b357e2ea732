package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// 状态码与 HTTP 状态码一致，Flow.js 依赖真实的状态码判断是否重试
const (
	CodeSuccess       = http.StatusOK
	CodeInvalidParams = http.StatusBadRequest
	CodeUnauthorized  = http.StatusUnauthorized
	CodeForbidden     = http.StatusForbidden
	CodeNotFound      = http.StatusNotFound
	CodeConflict      = http.StatusConflict
	CodeInternalError = http.StatusInternalServerError
)

var codeMsgMap = map[int]string{
	CodeSuccess:       "操作成功",
	CodeInvalidParams: "参数错误",
	CodeUnauthorized:  "未授权",
	CodeForbidden:     "禁止访问",
	CodeNotFound:      "资源不存在",
	CodeConflict:      "资源冲突",
	CodeInternalError: "服务器内部错误",
}

func codeMessage(code int) string {
	if msg, ok := codeMsgMap[code]; ok {
		return msg
	}
	return "未知错误"
}

// ResponseWithJSON 返回JSON响应
func ResponseWithJSON(c *gin.Context, code int, data interface{}) {
	c.JSON(code, Response{
		Code:    code,
		Message: codeMessage(code),
		Data:    data,
	})
}

// ResponseWithData 返回成功响应，包含数据
func ResponseWithData(c *gin.Context, data interface{}) {
	ResponseWithJSON(c, CodeSuccess, data)
}

// ResponseSuccess 返回成功响应，不包含数据
func ResponseSuccess(c *gin.Context) {
	ResponseWithJSON(c, CodeSuccess, nil)
}

// ResponseWithMsg 返回带自定义消息的成功响应
func ResponseWithMsg(c *gin.Context, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
	})
}

// ResponseError 返回错误响应
func ResponseError(c *gin.Context, code int, err error) {
	msg := codeMessage(code)
	if err != nil {
		msg = err.Error()
	}

	logger.Error("API错误响应",
		zap.Int("code", code),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("message", msg))

	c.JSON(code, Response{
		Code:    code,
		Message: msg,
	})
}

// ResponseErr 根据错误类别选择状态码，内部错误不向客户端暴露细节
func ResponseErr(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	code := errs.HTTPStatus(kind)
	if code >= http.StatusInternalServerError {
		logger.Error("请求处理失败",
			zap.String("path", c.Request.URL.Path),
			zap.String("kind", kind.String()),
			zap.Error(err))
		ResponseError(c, code, nil)
		return
	}

	var e *errs.Error
	if errors.As(err, &e) {
		ResponseError(c, code, errors.New(e.Message))
		return
	}
	ResponseError(c, code, err)
}

// ResponseBadRequest 返回参数错误响应
func ResponseBadRequest(c *gin.Context, err error) {
	ResponseError(c, CodeInvalidParams, err)
}

// ResponseUnauthorized 返回未授权响应
func ResponseUnauthorized(c *gin.Context, err error) {
	ResponseError(c, CodeUnauthorized, err)
}

// ResponseForbidden 返回禁止访问响应
func ResponseForbidden(c *gin.Context, err error) {
	ResponseError(c, CodeForbidden, err)
}

// ResponseNotFound 返回资源不存在响应
func ResponseNotFound(c *gin.Context, err error) {
	ResponseError(c, CodeNotFound, err)
}

// ResponseInternalError 返回服务器内部错误响应
func ResponseInternalError(c *gin.Context, err error) {
	ResponseError(c, CodeInternalError, err)
}

// 上下文中的登录信息
const (
	ContextUID  = "uid"
	ContextRole = "role"
)

// GetUID 从上下文中获取登录用户，未登录时返回空字符串
func GetUID(c *gin.Context) string {
	return c.GetString(ContextUID)
}

// GetRole 从上下文中获取登录用户的角色
func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}

// IsAuthenticated 请求是否携带了有效令牌
func IsAuthenticated(c *gin.Context) bool {
	return GetUID(c) != ""
}
