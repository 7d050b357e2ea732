package utils

import (
	"errors"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
)

var trans ut.Translator

// InitValidator 在 gin 的验证器上注册中文翻译和自定义规则
func InitValidator() error {
	validate, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin 验证器类型不是 validator.Validate")
	}

	// 错误信息中使用表单字段名
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"form", "json"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})

	zhTrans := zh.New()
	uni := ut.New(zhTrans, zhTrans)
	trans, _ = uni.GetTranslator("zh")

	if err := zh_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		logger.Error("注册验证器翻译失败", zap.Error(err))
		return err
	}
	return registerCustomValidators(validate)
}

func registerCustomValidators(validate *validator.Validate) error {
	return validate.RegisterValidation("storage_type", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		return value == "ALIYUN_OSS" || value == "AWS_S3" || value == "CLOUDFLARE_R2"
	})
}

// BindAndValidate 绑定并验证请求数据，验证错误翻译为中文
func BindAndValidate(c *gin.Context, obj interface{}) error {
	var err error
	switch c.Request.Method {
	case "GET":
		err = c.ShouldBindQuery(obj)
	case "POST", "PUT", "PATCH":
		contentType := c.GetHeader("Content-Type")
		if strings.Contains(contentType, "application/json") {
			err = c.ShouldBindJSON(obj)
		} else if strings.Contains(contentType, "multipart/form-data") {
			err = c.ShouldBindWith(obj, binding.FormMultipart)
		} else {
			err = c.ShouldBind(obj)
		}
	default:
		err = c.ShouldBind(obj)
	}
	if err == nil {
		return nil
	}

	logger.Warn("请求数据验证失败",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && trans != nil {
		errMsgs := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			errMsgs = append(errMsgs, e.Translate(trans))
		}
		return errors.New(strings.Join(errMsgs, "; "))
	}
	return err
}
