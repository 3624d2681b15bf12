package handler

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"kms-connect/backend/internal/model"
)

// RegisterValidators 向 gin 的校验引擎注册通知相关的自定义 tag
//   - notif_channel:  in_app / email / push
//   - notif_category: INFO / SUCCESS / WARNING / ERROR
//   - notif_priority: NORMAL / HIGH
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("gin 校验引擎不是 validator/v10")
	}
	return registerNotificationTags(v)
}

func registerNotificationTags(v *validator.Validate) error {
	tags := map[string]validator.Func{
		"notif_channel": func(fl validator.FieldLevel) bool {
			return model.Channel(fl.Field().String()).Valid()
		},
		"notif_category": func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case model.CategoryInfo, model.CategorySuccess, model.CategoryWarning, model.CategoryError:
				return true
			}
			return false
		},
		"notif_priority": func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case model.PriorityNormal, model.PriorityHigh:
				return true
			}
			return false
		},
	}
	for tag, fn := range tags {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("注册校验 tag %s 失败: %w", tag, err)
		}
	}
	return nil
}
