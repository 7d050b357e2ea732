package catalog

import (
	"context"
	"strings"
	"sync"

	"github.com/myysophia/coursevm-backend/internal/db/models"
	"github.com/myysophia/coursevm-backend/internal/errs"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"github.com/myysophia/coursevm-backend/internal/ovf"
	"go.uber.org/zap"
	"gorm.io/gorm/schema"
)

// Changes 目录记录中可由所有者修改的字段，nil 表示保持原值
type Changes struct {
	Label       *string `json:"label"`
	Description *string `json:"description"`
	Audience    *string `json:"downloadable_to"`
	Cores       *int    `json:"cores"`
	RAM         *int64  `json:"ram"`
	DiskSize    *int64  `json:"disksize"`
	OSType      *string `json:"ostype"`
}

// 可编辑的列，其余列只读
var editableColumns = map[string]bool{
	"label":           true,
	"description":     true,
	"downloadable_to": true,
	"cores":           true,
	"ram":             true,
	"disksize":        true,
	"ostype":          true,
}

// columns 校验并转换为列名到新值的映射
func (ch *Changes) columns() (map[string]any, error) {
	cols := map[string]any{}
	if ch.Label != nil {
		label := strings.TrimSpace(*ch.Label)
		if label == "" || len(label) > 255 {
			return nil, errs.InvalidArgument("label 长度必须在 1 到 255 之间")
		}
		cols["label"] = label
	}
	if ch.Description != nil {
		if *ch.Description == "" {
			cols["description"] = nil
		} else {
			cols["description"] = *ch.Description
		}
	}
	if ch.Audience != nil {
		switch *ch.Audience {
		case models.AudienceAnyone, models.AudienceStudent, models.AudienceTeacher:
			cols["downloadable_to"] = *ch.Audience
		default:
			return nil, errs.InvalidArgument("downloadable_to 非法: %q", *ch.Audience)
		}
	}
	if ch.Cores != nil {
		if *ch.Cores < 1 {
			return nil, errs.InvalidArgument("cores 非法: %d", *ch.Cores)
		}
		cols["cores"] = *ch.Cores
	}
	if ch.RAM != nil {
		if *ch.RAM < 0 {
			return nil, errs.InvalidArgument("ram 非法: %d", *ch.RAM)
		}
		cols["ram"] = *ch.RAM
	}
	if ch.DiskSize != nil {
		if *ch.DiskSize < 0 {
			return nil, errs.InvalidArgument("disksize 非法: %d", *ch.DiskSize)
		}
		cols["disksize"] = *ch.DiskSize
	}
	if ch.OSType != nil {
		// ostype 与 osid 一起修改，空字符串清除两者
		if *ch.OSType == "" {
			cols["ostype"], cols["osid"] = nil, nil
		} else {
			id, ok := ovf.OSTypeID(*ch.OSType)
			if !ok {
				return nil, errs.InvalidArgument("未知的操作系统类型: %q", *ch.OSType)
			}
			name, _ := ovf.OSTypeName(id)
			cols["ostype"], cols["osid"] = name, id
		}
	}
	if len(cols) == 0 {
		return nil, errs.InvalidArgument("没有需要修改的字段")
	}
	return cols, nil
}

// Update 修改 owner 名下的一条记录，受影响行数不为 1 视为错误
func (r *Repository) Update(ctx context.Context, id uint, owner string, ch *Changes) error {
	cols, err := ch.columns()
	if err != nil {
		return err
	}

	tx := r.db.WithContext(ctx).Model(&models.File{}).
		Where("id = ? AND owner = ?", id, owner).
		Updates(cols)
	if tx.Error != nil {
		logger.Error("修改 file 记录失败", append([]zap.Field{zap.Uint("id", id), zap.Error(tx.Error)}, sqlFields(tx)...)...)
		return errs.Internal(tx.Error, "修改 file 记录失败")
	}
	if tx.RowsAffected != 1 {
		logger.Error("修改 file 记录受影响行数异常",
			append([]zap.Field{zap.Uint("id", id), zap.Int64("rows", tx.RowsAffected)}, sqlFields(tx)...)...)
		return errs.RowCount(1, tx.RowsAffected, "修改 file 记录 (id=%d)", id)
	}
	logger.Info("目录记录已修改", zap.Uint("id", id), zap.String("owner", owner), zap.Any("columns", cols))
	return nil
}

// Column 编辑表单中一列的描述
type Column struct {
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Default  string   `json:"default,omitempty"`
	ReadOnly bool     `json:"readOnly"`
	Enum     []string `json:"enum,omitempty"`
}

var enums = map[string][]string{
	"type":            {models.FileTypeVM, models.FileTypeUSB},
	"downloadable_to": {models.AudienceAnyone, models.AudienceStudent, models.AudienceTeacher},
}

// Schema 由 file 表的模型生成编辑表单描述
func (r *Repository) Schema() (map[string]Column, error) {
	s, err := schema.Parse(&models.File{}, &sync.Map{}, r.db.NamingStrategy)
	if err != nil {
		return nil, errs.Internal(err, "解析 file 表结构失败")
	}

	cols := make(map[string]Column, len(s.Fields))
	for _, f := range s.Fields {
		if f.DBName == "" {
			continue
		}
		col := Column{
			Type:     jsonType(f.DataType),
			Required: f.NotNull || f.PrimaryKey,
			Default:  f.DefaultValue,
			ReadOnly: !editableColumns[f.DBName],
			Enum:     enums[f.DBName],
		}
		if f.DBName == "ostype" {
			col.Enum = ovf.OSTypeNames()
		}
		cols[f.DBName] = col
	}
	return cols, nil
}

func jsonType(t schema.DataType) string {
	switch t {
	case schema.Int, schema.Uint:
		return "integer"
	case schema.Float:
		return "number"
	case schema.Bool:
		return "boolean"
	default:
		return "string"
	}
}

// Editable 该列是否允许通过编辑接口修改
func Editable(column string) bool {
	return editableColumns[column]
}
