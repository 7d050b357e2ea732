package models

// 文件类型
const (
	FileTypeVM  = "vm"
	FileTypeUSB = "usb"
)

// 下载权限范围
const (
	AudienceAnyone  = "anyone"
	AudienceStudent = "student"
	AudienceTeacher = "teacher"
)

// File 可下载的课程镜像，对应 file 表
type File struct {
	Model
	Name        string  `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Label       string  `gorm:"size:255;not null" json:"label"`
	Size        int64   `gorm:"not null" json:"size"`
	Type        string  `gorm:"size:8;not null" json:"type"`
	Owner       string  `gorm:"size:64;not null" json:"owner"`
	Description *string `gorm:"type:text" json:"description,omitempty"`
	Cores       *int    `json:"cores,omitempty"`
	RAM         *int64  `gorm:"column:ram" json:"ram,omitempty"`
	DiskSize    *int64  `gorm:"column:disksize" json:"disksize,omitempty"`
	OSType      *string `gorm:"column:ostype;size:64" json:"ostype,omitempty"`
	OSID        *int    `gorm:"column:osid" json:"osid,omitempty"`
	Checksum    *string `gorm:"type:text" json:"checksum"`
	Audience    string  `gorm:"column:downloadable_to;size:16;default:anyone" json:"downloadable_to"` // anyone 以外仅对登录用户可见
}

// TableName 指定表名
func (File) TableName() string {
	return "file"
}
