package models

import "time"

// 教师状态
const (
	TeacherStatusActive   = "active"
	TeacherStatusInactive = "inactive"
)

// Teacher 允许上传课程镜像的教师，由 SSO 用户标识 uid 关联
type Teacher struct {
	UID       string    `gorm:"column:uid;primaryKey;size:64" json:"uid"`
	Name      string    `gorm:"size:255" json:"name"`
	Email     string    `gorm:"size:255" json:"email"`
	Status    string    `gorm:"size:16;default:active" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Teacher) TableName() string {
	return "teacher"
}

// IsActive 是否为在职教师
func (t *Teacher) IsActive() bool {
	return t.Status == TeacherStatusActive
}
