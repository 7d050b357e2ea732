package auth

import (
	"context"
	"errors"

	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:generate mockgen -destination=../tests/mocks/mock_principal.go -package=mocks github.com/myysophia/coursevm-backend/internal/auth PrincipalResolver

// PrincipalResolver 校验上传者是否为在职教师
type PrincipalResolver interface {
	ResolveActive(ctx context.Context, uid string) error
}

// TeacherResolver 基于 teacher 表的实现
type TeacherResolver struct {
	db *gorm.DB
}

func NewTeacherResolver(db *gorm.DB) *TeacherResolver {
	return &TeacherResolver{db: db}
}

// ResolveActive uid 不存在或非在职时返回 InvalidArgument
func (r *TeacherResolver) ResolveActive(ctx context.Context, uid string) error {
	if uid == "" {
		return errs.InvalidArgument("上传者不能为空")
	}

	var teacher models.Teacher
	err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&teacher).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.InvalidArgument("用户 '%s' 不是教师", uid)
	}
	if err != nil {
		logger.Error("查询教师失败", zap.String("uid", uid), zap.Error(err))
		return errs.Internal(err, "查询教师失败")
	}
	if !teacher.IsActive() {
		return errs.InvalidArgument("教师 '%s' 状态为 %s", uid, teacher.Status)
	}
	return nil
}
