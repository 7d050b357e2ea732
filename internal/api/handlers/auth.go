package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/auth"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/utils"
)

// AuthHandler 登录由外部 SSO 完成，这里只返回会话信息
type AuthHandler struct {
	*BaseHandler
	resolver auth.PrincipalResolver
}

func NewAuthHandler(resolver auth.PrincipalResolver) *AuthHandler {
	return &AuthHandler{BaseHandler: NewBaseHandler(), resolver: resolver}
}

// GetCurrentUser 获取当前用户及其是否可以上传
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	uid := utils.GetUID(c)
	if uid == "" {
		h.Unauthorized(c, "未登录")
		return
	}

	canUpload := false
	if utils.GetRole(c) == auth.RoleTeacher {
		err := h.resolver.ResolveActive(c.Request.Context(), uid)
		switch {
		case err == nil:
			canUpload = true
		case !errs.Is(err, errs.KindInvalidArgument):
			h.Fail(c, err)
			return
		}
	}

	h.Success(c, gin.H{
		"uid":        uid,
		"role":       utils.GetRole(c),
		"can_upload": canUpload,
	})
}
